package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.HeartbeatInterval() != 30*time.Second {
		t.Fatalf("heartbeat default wrong: %v", cfg.HeartbeatInterval())
	}
	if cfg.LeaseDuration() != 90*time.Second {
		t.Fatalf("lease default wrong: %v", cfg.LeaseDuration())
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("retry attempts default wrong: %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Router.Breaker.ErrorThreshold != 5 {
		t.Fatalf("breaker threshold default wrong: %d", cfg.Router.Breaker.ErrorThreshold)
	}
}

func TestFromYAMLInheritsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("retry:\n  max_attempts: 7\n  base_delay_ms: 500\n  max_delay_ms: 5000\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Fatalf("override lost: %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Worker.LeaseSeconds != 90 {
		t.Fatalf("untouched section must keep defaults: %d", cfg.Worker.LeaseSeconds)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "lease shorter than heartbeat",
			yaml: "worker:\n  heartbeat_seconds: 60\n  lease_seconds: 30\n",
			want: "lease_seconds",
		},
		{
			name: "zero retry attempts",
			yaml: "retry:\n  max_attempts: 0\n",
			want: "max_attempts",
		},
		{
			name: "unmapped default tier",
			yaml: "router:\n  default_tier: tier-9\n",
			want: "default_tier",
		},
		{
			name: "unmapped fallback tier",
			yaml: "router:\n  fallback_chain: [tier-2, tier-9]\n",
			want: "fallback_chain",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestInvalidYAMLRejected(t *testing.T) {
	_, err := FromYAML([]byte("worker: [not a mapping"))
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.HeartbeatSeconds != 30 {
		t.Fatalf("expected defaults when file missing")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	ws := t.TempDir()
	data := "relay:\n  batch_size: 25\n"
	if err := os.WriteFile(filepath.Join(ws, "agentline.yml"), []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.BatchSize != 25 {
		t.Fatalf("workspace config not applied: %d", cfg.Relay.BatchSize)
	}
}
