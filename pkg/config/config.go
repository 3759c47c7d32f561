package config

import (
	"flag"
	"time"

	"github.com/caarlos0/env/v11"
)

// WebSocketConfig holds WebSocket-specific configuration shared by the
// capture ingest and consumer audio endpoints.
type WebSocketConfig struct {
	WriteTimeout time.Duration `env:"WEBSOCKET_WRITE_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"WEBSOCKET_READ_TIMEOUT" envDefault:"3m"`
	PingInterval time.Duration `env:"WEBSOCKET_PING_INTERVAL" envDefault:"60s"`
}

// SchedulerConfig controls promotion of scheduled bots.
type SchedulerConfig struct {
	PollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"15s"`
	StagingLead  time.Duration `env:"SCHEDULER_STAGING_LEAD" envDefault:"5m"`
}

type Config struct {
	// Server configuration
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage
	DatabasePath    string `env:"DATABASE_PATH" envDefault:"meetingbot.db"`
	CredentialsPath string `env:"CREDENTIALS_PATH"`

	// Capture launcher. The command is run once per session with the
	// bot id appended; empty means sessions wait for an external
	// capture client to connect.
	CaptureCommand string `env:"CAPTURE_COMMAND"`

	// Media routing
	RouterQueueSize int `env:"ROUTER_QUEUE_SIZE" envDefault:"128"`

	// Recording artifacts
	RecordingDir string `env:"RECORDING_DIR" envDefault:"recordings"`

	WebSocket WebSocketConfig
	Scheduler SchedulerConfig
}

// Load builds the configuration from defaults, environment variables and
// command line flags, in that order of precedence.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("meetingbot", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "SQLite database path")
	fs.StringVar(&cfg.CredentialsPath, "credentials", cfg.CredentialsPath, "Project credentials YAML path")
	fs.StringVar(&cfg.RecordingDir, "recordings", cfg.RecordingDir, "Directory for recording artifacts")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return ErrMissingHTTPAddr
	}
	if c.DatabasePath == "" {
		return ErrMissingDatabase
	}
	if c.RouterQueueSize <= 0 {
		return ErrBadQueueSize
	}
	if c.Scheduler.PollInterval <= 0 {
		return ErrBadPollInterval
	}
	return nil
}
