package model

import "time"

// Shared defaults used by the server and the CLI.
const (
	DefaultBufferSize        = 100
	DefaultBatchTimeout      = 2 * time.Second
	DefaultProjectID         = "default"
	DefaultLevelFilter       = "INFO"
	DefaultRunTimeout        = 2 * time.Minute
	DefaultBackoffInitial    = time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
)
