package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// SourceType enumerates the fixed set of connector variants.
type SourceType string

const (
	SourceFile    SourceType = "file"
	SourceCommand SourceType = "command"
	SourceTCP     SourceType = "tcp"
	SourceHTTP    SourceType = "http"
	SourceStdin   SourceType = "stdin"
)

// SourceTypes lists every supported variant.
var SourceTypes = []SourceType{SourceFile, SourceCommand, SourceTCP, SourceHTTP, SourceStdin}

// Valid reports whether t is one of the supported variants.
func (t SourceType) Valid() bool {
	for _, known := range SourceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SourceStatus is the externally visible status of a streaming source.
type SourceStatus string

const (
	StatusActive   SourceStatus = "active"
	StatusInactive SourceStatus = "inactive"
	StatusError    SourceStatus = "error"
)

// SupervisorState is the internal lifecycle state of a source supervisor.
type SupervisorState string

const (
	StateStarting   SupervisorState = "starting"
	StateRunning    SupervisorState = "running"
	StateRestarting SupervisorState = "restarting"
	StateError      SupervisorState = "error"
	StateStopped    SupervisorState = "stopped"
)

// Status maps a supervisor state onto the coarse source status.
func (s SupervisorState) Status() SourceStatus {
	switch s {
	case StateStarting, StateRunning, StateRestarting:
		return StatusActive
	case StateError:
		return StatusError
	default:
		return StatusInactive
	}
}

// TypeConfig carries the variant-specific connector settings.
type TypeConfig struct {
	// File
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Command
	Command         string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args            []string `json:"args,omitempty" yaml:"args,omitempty"`
	RunToCompletion bool     `json:"run_to_completion,omitempty" yaml:"run_to_completion,omitempty"`

	// Tcp and Http
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	// Http
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	MaxLineSize int `json:"max_line_size,omitempty" yaml:"max_line_size,omitempty"`
}

// ListenAddr returns the bind address for listener variants.
// An unset host binds loopback only.
func (c TypeConfig) ListenAddr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// ParserConfig declares how raw lines are parsed.
type ParserConfig struct {
	Format         string `json:"format,omitempty" yaml:"format,omitempty"` // auto, json, otel, clf, regex, text
	TimestampField string `json:"timestamp_field,omitempty" yaml:"timestamp_field,omitempty"`
	LevelField     string `json:"level_field,omitempty" yaml:"level_field,omitempty"`
	MessageField   string `json:"message_field,omitempty" yaml:"message_field,omitempty"`
	Pattern        string `json:"pattern,omitempty" yaml:"pattern,omitempty"` // regex with named groups
}

// Backoff controls the delay between restarts. Multiplier 1 gives a fixed delay.
type Backoff struct {
	Initial    Duration `json:"initial,omitempty" yaml:"initial,omitempty"`
	Max        Duration `json:"max,omitempty" yaml:"max,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// Delay returns the wait before the given restart attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial.Std()
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	maxDelay := b.Max.Std()
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = DefaultBackoffMultiplier
	}
	d := float64(initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if d >= float64(maxDelay) {
			return maxDelay
		}
	}
	if time.Duration(d) > maxDelay {
		return maxDelay
	}
	return time.Duration(d)
}

// RestartPolicy decides whether a failed connector is rebuilt.
// MaxRestarts 0 means unlimited.
type RestartPolicy struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	MaxRestarts int     `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty"`
	Backoff     Backoff `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// TriggerConfig enables streaming-triggered analysis for a source.
type TriggerConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	MinBatches  int      `json:"min_batches,omitempty" yaml:"min_batches,omitempty"`
	LevelFilter string   `json:"level_filter,omitempty" yaml:"level_filter,omitempty"`
	Provider    string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Timeout     Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// SourceStats are updated by the owning supervisor on every flushed batch.
type SourceStats struct {
	LinesProcessed  int64     `json:"lines_processed"`
	BatchesFlushed  int64     `json:"batches_flushed"`
	ConnectionCount int       `json:"connection_count"`
	LastActivity    time.Time `json:"last_activity,omitempty"`
	RestartCount    int       `json:"restart_count"`
	LastError       string    `json:"last_error,omitempty"`
}

// StreamingSource is a registered live log source.
// Status, State and Stats are owned by the source's supervisor.
type StreamingSource struct {
	ID            string          `json:"id" yaml:"id,omitempty"`
	ProjectID     string          `json:"project_id" yaml:"project_id"`
	Name          string          `json:"name" yaml:"name"`
	SourceType    SourceType      `json:"source_type" yaml:"source_type"`
	TypeConfig    TypeConfig      `json:"type_config" yaml:"type_config"`
	ParserConfig  ParserConfig    `json:"parser_config" yaml:"parser_config,omitempty"`
	BufferSize    int             `json:"buffer_size" yaml:"buffer_size,omitempty"`
	BatchTimeout  Duration        `json:"batch_timeout" yaml:"batch_timeout,omitempty"`
	RestartPolicy RestartPolicy   `json:"restart_policy" yaml:"restart_policy,omitempty"`
	Trigger       TriggerConfig   `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Status        SourceStatus    `json:"status" yaml:"-"`
	State         SupervisorState `json:"state" yaml:"-"`
	Stats         SourceStats     `json:"stats" yaml:"-"`
	CreatedAt     time.Time       `json:"created_at" yaml:"-"`
}

// ApplyDefaults fills unset tunables.
func (s *StreamingSource) ApplyDefaults(bufferSize int, batchTimeout time.Duration) {
	if s.ProjectID == "" {
		s.ProjectID = DefaultProjectID
	}
	if s.BufferSize <= 0 {
		s.BufferSize = bufferSize
	}
	if s.BufferSize <= 0 {
		s.BufferSize = DefaultBufferSize
	}
	if s.BatchTimeout <= 0 {
		s.BatchTimeout = Duration(batchTimeout)
	}
	if s.BatchTimeout <= 0 {
		s.BatchTimeout = Duration(DefaultBatchTimeout)
	}
	if s.Name == "" {
		s.Name = string(s.SourceType)
	}
	if s.ParserConfig.Format == "" {
		s.ParserConfig.Format = "auto"
	}
}

// Validate checks the variant-specific required settings.
func (s StreamingSource) Validate() error {
	if !s.SourceType.Valid() {
		return fmt.Errorf("unknown source_type %q", s.SourceType)
	}
	switch s.SourceType {
	case SourceFile:
		if strings.TrimSpace(s.TypeConfig.Path) == "" {
			return errors.New("file source requires type_config.path")
		}
	case SourceCommand:
		if strings.TrimSpace(s.TypeConfig.Command) == "" {
			return errors.New("command source requires type_config.command")
		}
	case SourceTCP, SourceHTTP:
		if s.TypeConfig.Port < 0 || s.TypeConfig.Port > 65535 {
			return fmt.Errorf("invalid port %d", s.TypeConfig.Port)
		}
	}
	if s.RestartPolicy.MaxRestarts < 0 {
		return errors.New("restart_policy.max_restarts must not be negative")
	}
	return nil
}
