package taskwire

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.Engine.PollInterval != 30*time.Second {
		t.Fatalf("wrong poll interval: %v", cfg.Engine.PollInterval)
	}
	if cfg.Engine.MessageCooldown != time.Second {
		t.Fatalf("wrong message cooldown: %v", cfg.Engine.MessageCooldown)
	}
	if !cfg.Notify.AssigneeOnly {
		t.Fatal("assignee filter should default on")
	}
	if cfg.Transport.Kind != "websocket" {
		t.Fatalf("wrong default transport: %q", cfg.Transport.Kind)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskwire.toml")
	content := `
[engine]
poll_interval = "10s"
backoff_max = "2m"

[transport]
kind = "mqtt"
broker = "tls://broker.example:8883"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Engine.PollInterval != 10*time.Second {
		t.Fatalf("file value not applied: %v", cfg.Engine.PollInterval)
	}
	if cfg.Engine.BackoffMax != 2*time.Minute {
		t.Fatalf("file value not applied: %v", cfg.Engine.BackoffMax)
	}
	// Untouched keys keep their defaults.
	if cfg.Engine.TypingTimeout != 3*time.Second {
		t.Fatalf("default lost: %v", cfg.Engine.TypingTimeout)
	}
	if cfg.Transport.Kind != "mqtt" || cfg.Transport.Broker != "tls://broker.example:8883" {
		t.Fatalf("transport section not applied: %+v", cfg.Transport)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TASKWIRE_ENGINE_POLL_INTERVAL", "5s")
	t.Setenv("TASKWIRE_NOTIFY_ASSIGNEE_ONLY", "false")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Engine.PollInterval != 5*time.Second {
		t.Fatalf("env override not applied: %v", cfg.Engine.PollInterval)
	}
	if cfg.Notify.AssigneeOnly {
		t.Fatal("env override for assignee filter not applied")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	t.Run("bad transport kind", func(t *testing.T) {
		t.Setenv("TASKWIRE_TRANSPORT_KIND", "carrier-pigeon")
		if _, err := LoadConfig(""); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("backoff base above max", func(t *testing.T) {
		t.Setenv("TASKWIRE_ENGINE_BACKOFF_BASE", "5m")
		if _, err := LoadConfig(""); err == nil {
			t.Fatal("expected validation error")
		}
	})
}
