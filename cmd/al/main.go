package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentline/internal/composer"
	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/inbox"
	"agentline/internal/logging"
	"agentline/internal/migrate"
	"agentline/internal/outbox"
	"agentline/internal/router"
	"agentline/internal/sandbox"
	"agentline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Agentline CLI",
	Long: `Agentline runs agent tasks through a lease-governed state machine with
an outbox-backed event trail.
- Workspace: the .agentline directory holding the SQLite store.
- Packs: layered agent definitions composed into immutable, content-addressed versions.
- Tasks: submitted once per (tenant, idempotency key), executed under worker leases,
  retried with backoff, and dead-lettered when their attempt budget runs out.
- Facts: every committed transition stages an outbox record; the relay publishes
  at-least-once and consumers deduplicate by event id.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("tenant", "", "tenant identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(packCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(serveCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow QUEUED -> RUNNING -> DONE, detouring through RETRY on recoverable failures. FAILED drains to DEAD_LETTER; CANCELLED and DONE are terminal.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskCancelCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var packID, packVersion, idemKey, payload string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := viper.GetString("tenant")
			if tenant == "" {
				return fmt.Errorf("--tenant required")
			}
			if packID == "" {
				return fmt.Errorf("--pack required")
			}
			if idemKey == "" {
				return fmt.Errorf("--key required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, created, err := e.CreateTask(ctx, engine.CreateTaskOptions{
					TenantID:       tenant,
					PackID:         packID,
					PackVersion:    packVersion,
					IdempotencyKey: idemKey,
					PayloadJSON:    payload,
				})
				if err != nil {
					return err
				}
				if !created && !viper.GetBool("json") {
					fmt.Printf("Existing task for key %q:\n", idemKey)
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&packID, "pack", "", "pack id")
	cmd.Flags().StringVar(&packVersion, "pack-version", "", "pack version (defaults to current)")
	cmd.Flags().StringVar(&idemKey, "key", "", "idempotency key")
	cmd.Flags().StringVar(&payload, "payload", "{}", "payload JSON")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := viper.GetString("tenant")
			if tenant == "" {
				return fmt.Errorf("--tenant required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, tenant, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Pack", "State", "Attempts", "Updated"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.PackID + "@" + t.PackVersion, t.State, t.AttemptCount, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	return cmd
}

func packCmd() *cobra.Command {
	pack := &cobra.Command{
		Use:   "pack",
		Short: "Compose and publish agent packs",
	}
	pack.AddCommand(packComposeCmd())
	pack.AddCommand(packPublishCmd())
	pack.AddCommand(packCurrentCmd())
	pack.AddCommand(packVersionsCmd())
	return pack
}

func packComposeCmd() *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose a pack manifest without publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := composer.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			cfg, err := composer.Compose(m)
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "pack.yml", "manifest path")
	return cmd
}

func packPublishCmd() *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a pack version to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := composer.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pv, err := e.PublishPack(ctx, m)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pv)
				}
				fmt.Printf("Published %s@%s (%s)\n", pv.PackID, pv.Version, pv.ContentHash)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "pack.yml", "manifest path")
	return cmd
}

func packCurrentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current <pack-id>",
		Short: "Show the current pack version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pv, err := e.Repo.CurrentPackVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(pv)
			})
		},
	}
	return cmd
}

func packVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <pack-id>",
		Short: "List published versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				versions, err := e.Repo.ListPackVersions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(versions)
			})
		},
	}
	return cmd
}

func approvalCmd() *cobra.Command {
	approval := &cobra.Command{
		Use:   "approval",
		Short: "Sign and submit approval facts",
	}
	approval.AddCommand(approvalSignCmd())
	approval.AddCommand(approvalSubmitCmd())
	return approval
}

func approvalSignCmd() *cobra.Command {
	var taskID, approver, verdict string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Mint a signed approval token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task required")
			}
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Approvals.SigningKey == "" {
				return fmt.Errorf("approvals.signing_key not configured")
			}
			token, err := engine.SignApproval([]byte(cfg.Approvals.SigningKey), taskID, approver, verdict, time.Now(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&approver, "approver", "local-user", "approver identity")
	cmd.Flags().StringVar(&verdict, "verdict", engine.VerdictApprove, "approve or deny")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token validity")
	return cmd
}

func approvalSubmitCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a signed approval token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SubmitApproval(ctx, token)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "signed approval token")
	return cmd
}

func dlqCmd() *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letters",
	}
	dlq.AddCommand(dlqListCmd())
	dlq.AddCommand(dlqReplayCmd())
	return dlq
}

func dlqListCmd() *cobra.Command {
	var includeReplayed bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn dbConn) error {
				q := inbox.DLQ{DB: conn.DB}
				items, err := q.List(cmd.Context(), includeReplayed, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Consumer", "Event", "Retries", "Error"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.ConsumerID, d.EventID, d.RetryCount, d.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeReplayed, "all", false, "include already replayed entries")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a dead letter through the audit consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn dbConn) error {
				log := logging.Default()
				q := inbox.DLQ{DB: conn.DB}
				return q.Replay(cmd.Context(), id, newAuditConsumer(conn.DB, conn.Config, log))
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "dead letter id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{Use: "worker", Short: "Run task workers"}
	worker.AddCommand(workerRunCmd())
	return worker
}

func workerRunCmd() *cobra.Command {
	var workerID, gatewayURL string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if gatewayURL == "" {
				gatewayURL = os.Getenv("AGENTLINE_GATEWAY_URL")
			}
			if gatewayURL == "" {
				return fmt.Errorf("--gateway or AGENTLINE_GATEWAY_URL required")
			}
			if workerID == "" {
				host, _ := os.Hostname()
				workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				log := logging.Default()
				r := &router.Router{
					Provider:      &router.HTTPProvider{BaseURL: gatewayURL, APIKey: os.Getenv("AGENTLINE_GATEWAY_KEY")},
					DefaultTier:   e.Config.Router.DefaultTier,
					FallbackChain: e.Config.Router.FallbackChain,
					Tiers:         e.Config.Router.Tiers,
					Breaker: router.BreakerConfig{
						ErrorThreshold: e.Config.Router.Breaker.ErrorThreshold,
						Window:         time.Duration(e.Config.Router.Breaker.WindowSeconds) * time.Second,
						Cooldown:       time.Duration(e.Config.Router.Breaker.CooldownSeconds) * time.Second,
					},
				}
				w := &engine.Worker{
					Engine:       e,
					ID:           workerID,
					Invoker:      r,
					Tools:        sandbox.NewExecutor(),
					Authorizer:   engine.GuardrailAuthorizer{Repo: e.Repo},
					Log:          log,
					PollInterval: time.Duration(e.Config.Worker.PollIntervalMillis) * time.Millisecond,
				}
				log.Info("worker started", "worker_id", workerID)
				err := w.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "", "worker identifier (defaults to host-pid)")
	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "model gateway base URL")
	return cmd
}

func relayCmd() *cobra.Command {
	relay := &cobra.Command{Use: "relay", Short: "Run the outbox relay"}
	relay.AddCommand(relayRunCmd())
	return relay
}

func relayRunCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Publish staged facts",
		Long:  "Without --endpoint, facts are delivered in-process to the audit consumer; with --endpoint they are POSTed to a webhook.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn dbConn) error {
				log := logging.Default()
				var transport outbox.Transport
				if endpoint != "" {
					transport = &outbox.WebhookTransport{Endpoint: endpoint}
				} else {
					consumer := newAuditConsumer(conn.DB, conn.Config, log)
					transport = outbox.TransportFunc(func(ctx context.Context, evt domain.Event) error {
						return consumer.Handle(ctx, evt)
					})
				}
				r := &outbox.Relay{
					DB:        conn.DB,
					Transport: transport,
					Log:       log,
					BatchSize: conn.Config.Relay.BatchSize,
					Interval:  time.Duration(conn.Config.Relay.PollIntervalMillis) * time.Millisecond,
				}
				log.Info("relay started")
				err := r.Run(cmd.Context())
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "webhook endpoint for published facts")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn dbConn) error {
				log := logging.Default()
				e := engine.New(conn.DB, conn.Config)
				e.Log = log
				handler, err := server.New(server.Config{
					Engine:   e,
					DLQ:      inbox.DLQ{DB: conn.DB},
					Replayer: newAuditConsumer(conn.DB, conn.Config, log),
					BasePath: basePath,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-cmd.Context().Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
				fmt.Printf("Serving Agentline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

type dbConn struct {
	DB     *sql.DB
	Config *config.Config
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withConn(func(conn dbConn) error {
		e := engine.New(conn.DB, conn.Config)
		return fn(ctx, e)
	})
}

func withConn(fn func(dbConn) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(dbConn{DB: conn, Config: cfg})
}

// newAuditConsumer records delivered facts in the structured log. Its inbox
// row is the side effect that makes redeliveries no-ops.
func newAuditConsumer(conn *sql.DB, cfg *config.Config, log logging.Logger) *inbox.Consumer {
	return &inbox.Consumer{
		DB:         conn,
		ID:         "audit",
		Log:        log,
		MaxRetries: cfg.Consumer.MaxRetries,
		BaseDelay:  time.Duration(cfg.Consumer.BaseDelayMilli) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.Consumer.MaxDelayMilli) * time.Millisecond,
		Handler: func(ctx context.Context, _ *sql.Tx, evt domain.Event) error {
			log.Info("fact", "event_id", evt.EventID, "type", evt.Type, "task_id", evt.TaskID, "tenant_id", evt.TenantID)
			return nil
		},
	}
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	fmt.Printf("Task %s\n", t.ID)
	fmt.Printf("  tenant:   %s\n", t.TenantID)
	fmt.Printf("  pack:     %s@%s\n", t.PackID, t.PackVersion)
	fmt.Printf("  state:    %s (attempts: %d)\n", t.State, t.AttemptCount)
	if t.LastError != nil {
		fmt.Printf("  error:    %s\n", *t.LastError)
	}
	fmt.Printf("  updated:  %s\n", t.UpdatedAt)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
