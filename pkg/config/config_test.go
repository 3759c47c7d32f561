package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.DatabasePath != "meetingbot.db" {
		t.Errorf("DatabasePath = %q, want meetingbot.db", cfg.DatabasePath)
	}
	if cfg.RouterQueueSize != 128 {
		t.Errorf("RouterQueueSize = %d, want 128", cfg.RouterQueueSize)
	}
	if cfg.WebSocket.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", cfg.WebSocket.WriteTimeout)
	}
	if cfg.Scheduler.StagingLead != 5*time.Minute {
		t.Errorf("StagingLead = %v, want 5m", cfg.Scheduler.StagingLead)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("ROUTER_QUEUE_SIZE", "16")
	t.Setenv("SCHEDULER_POLL_INTERVAL", "1s")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q, want :9999", cfg.HTTPAddr)
	}
	if cfg.RouterQueueSize != 16 {
		t.Errorf("RouterQueueSize = %d, want 16", cfg.RouterQueueSize)
	}
	if cfg.Scheduler.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Scheduler.PollInterval)
	}
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")

	cfg, err := Load([]string{"--http", ":7070", "--db", "/tmp/test.db"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Errorf("HTTPAddr = %q, want :7070", cfg.HTTPAddr)
	}
	if cfg.DatabasePath != "/tmp/test.db" {
		t.Errorf("DatabasePath = %q, want /tmp/test.db", cfg.DatabasePath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(c *Config) {}, nil},
		{"missing http addr", func(c *Config) { c.HTTPAddr = "" }, ErrMissingHTTPAddr},
		{"missing database", func(c *Config) { c.DatabasePath = "" }, ErrMissingDatabase},
		{"zero queue size", func(c *Config) { c.RouterQueueSize = 0 }, ErrBadQueueSize},
		{"zero poll interval", func(c *Config) { c.Scheduler.PollInterval = 0 }, ErrBadPollInterval},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := Load(nil)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			test.mutate(cfg)

			err = cfg.Validate()
			if !errors.Is(err, test.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.yaml")

	content := `projects:
  proj_demo:
    webhook_secret: "c2VjcmV0LWtleQ=="
    webhooks:
      - url: https://example.com/hooks/meetings
        events: [bot.state_change]
      - url: https://example.com/hooks/all
    deepgram_api_key: dg_test_key
platforms:
  zoom:
    sdk_key: zk
    sdk_secret: zs
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}

	project, ok := creds.Project("proj_demo")
	if !ok {
		t.Fatal("proj_demo not found")
	}
	if project.WebhookSecret != "c2VjcmV0LWtleQ==" {
		t.Errorf("WebhookSecret = %q", project.WebhookSecret)
	}
	if len(project.Webhooks) != 2 {
		t.Fatalf("webhooks = %d, want 2", len(project.Webhooks))
	}
	if project.Webhooks[0].Events[0] != "bot.state_change" {
		t.Errorf("events = %v", project.Webhooks[0].Events)
	}
	if project.DeepgramAPIKey != "dg_test_key" {
		t.Errorf("DeepgramAPIKey = %q", project.DeepgramAPIKey)
	}
	if creds.Platforms["zoom"].SDKKey != "zk" {
		t.Errorf("zoom sdk key = %q", creds.Platforms["zoom"].SDKKey)
	}

	if secret := creds.WebhookSecret("missing"); secret != "" {
		t.Errorf("WebhookSecret(missing) = %q, want empty", secret)
	}
}

func TestLoadCredentials_EmptyPath(t *testing.T) {
	creds, err := LoadCredentials("")
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if len(creds.Projects) != 0 {
		t.Errorf("expected empty project set")
	}
}

func TestLoadCredentials_MissingSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")

	content := `projects:
  proj_bad:
    webhooks:
      - url: https://example.com/hook
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadCredentials(path); err == nil {
		t.Fatal("expected error for webhooks without webhook_secret")
	}
}
