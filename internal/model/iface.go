package model

import "context"

// SourceController is the control surface over streaming sources.
type SourceController interface {
	CreateSource(ctx context.Context, src StreamingSource) (string, error)
	StopSource(ctx context.Context, id string) error
	RestartSource(ctx context.Context, id string) error
	DeleteProject(ctx context.Context, projectID string) error
	ListSources(projectID string) []StreamingSource
	GetStats(id string) (SourceStats, error)
}

// RunController is the run surface over analysis runs.
type RunController interface {
	StartRun(ctx context.Context, req RunRequest) (string, error)
	Subscribe(ctx context.Context, runID string) (<-chan RunEvent, error)
	Cancel(runID string) error
	GetRun(runID string) (AnalysisRun, error)
}

// Controller is the unified surface exposed to transports.
type Controller interface {
	SourceController
	RunController
}

// BatchWriter persists flushed batches.
type BatchWriter interface {
	InsertBatches(batches []LogBatch) error
}

// LineReader returns recently stored lines of a source, oldest first.
type LineReader interface {
	RecentLines(sourceID string, limit int) ([]LogLine, error)
}

// SourceStore records source configuration and supervisor-owned state.
type SourceStore interface {
	SaveSource(src StreamingSource) error
	UpdateSourceState(id string, state SupervisorState, stats SourceStats) error
	DeleteSource(id string) error
}

// RunStore records finished runs and their event history.
type RunStore interface {
	SaveRun(run AnalysisRun, events []RunEvent) error
	GetRun(id string) (AnalysisRun, error)
}
