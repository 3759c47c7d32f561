package config

import "errors"

var (
	ErrMissingHTTPAddr = errors.New("HTTP address is required (set HTTP_ADDR env var or --http flag)")
	ErrMissingDatabase = errors.New("database path is required (set DATABASE_PATH env var or --db flag)")
	ErrBadQueueSize    = errors.New("router queue size must be positive (set ROUTER_QUEUE_SIZE env var)")
	ErrBadPollInterval = errors.New("scheduler poll interval must be positive (set SCHEDULER_POLL_INTERVAL env var)")
)
