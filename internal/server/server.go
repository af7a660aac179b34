package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agentline/internal/composer"
	"agentline/internal/engine"
	"agentline/internal/inbox"
	"agentline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	DLQ      inbox.DLQ
	Replayer *inbox.Consumer
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"layer_conflict"`
	Message string         `json:"message" example:"layer conflict: soul.tone.default (a vs b)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Agentline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Agentline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerPacks(group, cfg.Engine)
	registerDLQ(group, cfg.DLQ, cfg.Replayer)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var conflict *composer.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "layer_conflict", err.Error(), map[string]any{"conflicts": conflict.Conflicts})
	}
	var schema *composer.SchemaError
	if errors.As(err, &schema) {
		return newAPIError(http.StatusUnprocessableEntity, "schema_violations", err.Error(), map[string]any{"violations": schema.Violations})
	}
	if errors.Is(err, repo.ErrVersionExists) {
		return newAPIError(http.StatusConflict, "version_exists", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "terminal"), strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "terminal_state", msg, nil)
	case strings.Contains(lowered, "not awaiting approval"),
		strings.Contains(lowered, "approval token"):
		return newAPIError(http.StatusConflict, "approval_rejected", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Submit a task",
		Description:   "Submitting the same tenant and idempotency key again returns the original task.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Status int
		Body   TaskResponse `json:"body"`
	}, error) {
		payload := "{}"
		if input.Body.Payload != nil {
			raw, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
			}
			payload = string(raw)
		}
		opts := engine.CreateTaskOptions{
			TenantID:       input.Body.TenantID,
			PackID:         input.Body.PackID,
			IdempotencyKey: input.Body.IdempotencyKey,
			PayloadJSON:    payload,
		}
		if input.Body.PackVersion != nil {
			opts.PackVersion = *input.Body.PackVersion
		}
		t, created, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		return &struct {
			Status int
			Body   TaskResponse `json:"body"`
		}{Status: status, Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks for a tenant",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if input.TenantID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tenant_id is required", nil)
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		tasks, err := e.Repo.ListTasks(ctx, input.TenantID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel task",
		Description: "Idle tasks cancel immediately; leased tasks are flagged and finish at the next safe point.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Cancel(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-approval",
		Method:      http.MethodPost,
		Path:        "/approvals",
		Summary:     "Submit a signed approval fact",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitApprovalRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		t, err := e.SubmitApproval(ctx, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerPacks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "compose-pack",
		Method:      http.MethodPost,
		Path:        "/packs/compose",
		Summary:     "Compose a pack without publishing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ComposeRequest `json:"body"`
	}) (*struct {
		Body composer.AssembledConfig `json:"body"`
	}, error) {
		cfg, err := composer.Compose(composer.Manifest{
			PackID:    input.Body.PackID,
			Version:   input.Body.Version,
			Documents: input.Body.Layers,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body composer.AssembledConfig `json:"body"`
		}{Body: *cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "publish-pack",
		Method:        http.MethodPost,
		Path:          "/packs",
		Summary:       "Publish a pack version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ComposeRequest `json:"body"`
	}) (*struct {
		Body PackVersionResponse `json:"body"`
	}, error) {
		pv, err := e.PublishPack(ctx, composer.Manifest{
			PackID:    input.Body.PackID,
			Version:   input.Body.Version,
			Documents: input.Body.Layers,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PackVersionResponse `json:"body"`
		}{Body: packVersionResponse(pv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-current-pack",
		Method:      http.MethodGet,
		Path:        "/packs/{pack_id}/current",
		Summary:     "Get the current pack version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PackID string `path:"pack_id"`
	}) (*struct {
		Body PackVersionResponse `json:"body"`
	}, error) {
		pv, err := e.Repo.CurrentPackVersion(ctx, input.PackID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PackVersionResponse `json:"body"`
		}{Body: packVersionResponse(pv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pack-version",
		Method:      http.MethodGet,
		Path:        "/packs/{pack_id}/versions/{version}",
		Summary:     "Get a pack version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PackID  string `path:"pack_id"`
		Version string `path:"version"`
	}) (*struct {
		Body PackVersionResponse `json:"body"`
	}, error) {
		pv, err := e.Repo.GetPackVersion(ctx, input.PackID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PackVersionResponse `json:"body"`
		}{Body: packVersionResponse(pv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pack-versions",
		Method:      http.MethodGet,
		Path:        "/packs/{pack_id}/versions",
		Summary:     "List pack versions",
	}, func(ctx context.Context, input *struct {
		PackID string `path:"pack_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		versions, err := e.Repo.ListPackVersions(ctx, input.PackID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: versions}, nil
	})
}

func registerDLQ(api huma.API, q inbox.DLQ, replayer *inbox.Consumer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/dlq",
		Summary:     "List dead letters",
	}, func(ctx context.Context, input *struct {
		IncludeReplayed bool `query:"include_replayed"`
		Limit           int  `query:"limit" default:"50"`
	}) (*struct {
		Body []DeadLetterResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := q.List(ctx, input.IncludeReplayed, limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DeadLetterResponse, 0, len(items))
		for _, d := range items {
			out = append(out, deadLetterResponse(d))
		}
		return &struct {
			Body []DeadLetterResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-dead-letter",
		Method:      http.MethodPost,
		Path:        "/dlq/{id}/replay",
		Summary:     "Replay a dead letter",
		Description: "Re-injects the original event under its original id; already-processed events stay no-ops.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body DeadLetterResponse `json:"body"`
	}, error) {
		if replayer == nil {
			return nil, newAPIError(http.StatusConflict, "replay_unavailable", "no consumer configured for replay", nil)
		}
		if err := q.Replay(ctx, input.ID, replayer); err != nil {
			return nil, handleError(err)
		}
		d, err := q.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeadLetterResponse `json:"body"`
		}{Body: deadLetterResponse(d)}, nil
	})
}
