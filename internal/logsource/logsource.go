package logsource

import (
	"context"
	"fmt"

	"github.com/tinytelemetry/sift/internal/model"
)

// Connector is one running instance of a streaming source. The supervisor
// builds a fresh Connector for every (re)start.
//
// Lines is closed when the instance ends, either because Stop was called or
// because the underlying source failed or finished. Err reports why.
type Connector interface {
	Name() string
	Start(ctx context.Context) error
	Lines() <-chan model.IngestEnvelope
	// Err is valid once Lines is closed. Nil means the source finished
	// cleanly (EOF on stdin, a run-to-completion command exiting 0).
	Err() error
	// Peers is the number of live producers (TCP clients, HTTP requests).
	Peers() int
	Stop()
}

// Factory builds a Connector for a source definition.
type Factory func(src model.StreamingSource) (Connector, error)

// New is the default Factory. It dispatches on the closed set of source types.
func New(src model.StreamingSource) (Connector, error) {
	cfg := src.TypeConfig
	switch src.SourceType {
	case model.SourceFile:
		return NewFileSource(cfg.Path, FileConfig{Name: src.Name, MaxLineSize: cfg.MaxLineSize}), nil
	case model.SourceCommand:
		return NewCommandSource(cfg.Command, cfg.Args, CommandConfig{
			Name:            src.Name,
			RunToCompletion: cfg.RunToCompletion,
			MaxLineSize:     cfg.MaxLineSize,
		}), nil
	case model.SourceTCP:
		return NewTCPSource(cfg.ListenAddr(), TCPConfig{Name: src.Name, MaxLineSize: cfg.MaxLineSize}), nil
	case model.SourceHTTP:
		return NewHTTPSource(cfg.ListenAddr(), HTTPConfig{Name: src.Name, Endpoint: cfg.Endpoint}), nil
	case model.SourceStdin:
		return NewStdinSource(StdinConfig{Name: src.Name, MaxLineSize: cfg.MaxLineSize}), nil
	default:
		return nil, fmt.Errorf("logsource: unknown source type %q", src.SourceType)
	}
}

// envelopeName returns name, or fallback when name is empty.
func envelopeName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
