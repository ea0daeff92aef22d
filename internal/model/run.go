package model

import "time"

// OriginKind says where a run's input lines came from.
type OriginKind string

const (
	OriginFileUpload    OriginKind = "file_upload"
	OriginStreamTrigger OriginKind = "stream_trigger"
)

// Origin identifies the input of a run.
type Origin struct {
	Kind     OriginKind `json:"kind"`
	SourceID string     `json:"source_id,omitempty"`
	FileName string     `json:"file_name,omitempty"`
}

// RunStatus is the lifecycle status of an analysis run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Stage is one step of the analysis pipeline. Stages only move forward.
type Stage string

const (
	StageStarting     Stage = "starting"
	StageReadingInput Stage = "reading_input"
	StageParsing      Stage = "parsing"
	StageFiltering    Stage = "filtering"
	StageSlimming     Stage = "slimming"
	StageInference    Stage = "inference"
	StageFinalizing   Stage = "finalizing"
)

// Stages is the pipeline order.
var Stages = []Stage{
	StageStarting,
	StageReadingInput,
	StageParsing,
	StageFiltering,
	StageSlimming,
	StageInference,
	StageFinalizing,
}

// Index returns the position of s in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// RunStats summarizes what each stage did.
type RunStats struct {
	TotalLines       int             `json:"total_lines"`
	ParsedEntries    int             `json:"parsed_entries"`
	UnparsedLines    int             `json:"unparsed_lines"`
	FilteredEntries  int             `json:"filtered_entries"`
	SlimmedEntries   int             `json:"slimmed_entries"`
	StageDurationsMS map[Stage]int64 `json:"stage_durations_ms"`
	CacheHit         bool            `json:"cache_hit"`
	ProviderUsed     string          `json:"provider_used,omitempty"`
	LevelCounts      map[string]int  `json:"level_counts,omitempty"`
}

// AnalysisResult is the structured output of an inference call.
type AnalysisResult struct {
	Summary         string   `json:"summary"`
	Severity        string   `json:"severity,omitempty"`
	RootCauses      []string `json:"root_causes,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Provider        string   `json:"provider,omitempty"`
	Model           string   `json:"model,omitempty"`
}

// AnalysisRun is one execution of the stage pipeline.
type AnalysisRun struct {
	ID          string            `json:"id"`
	Origin      Origin            `json:"origin"`
	Provider    string            `json:"provider"`
	Model       string            `json:"model,omitempty"`
	LevelFilter string            `json:"level_filter"`
	Timeout     Duration          `json:"timeout"`
	Options     map[string]string `json:"options,omitempty"`
	Status      RunStatus         `json:"status"`
	Stage       Stage             `json:"stage"`
	Progress    float64           `json:"progress"`
	Stats       RunStats          `json:"stats"`
	Result      *AnalysisResult   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
}

// RunRequest is the input of start_run. Exactly one of Content, Lines or
// Batches is normally set; a StreamTrigger origin with none of them reads
// the source's recent lines.
type RunRequest struct {
	Origin      Origin            `json:"origin"`
	Content     string            `json:"content,omitempty"`
	Lines       []string          `json:"lines,omitempty"`
	Batches     []LogBatch        `json:"-"`
	Parser      ParserConfig      `json:"parser,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	Model       string            `json:"model,omitempty"`
	LevelFilter string            `json:"level_filter,omitempty"`
	Timeout     Duration          `json:"timeout,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// EventType classifies run events.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventHeartbeat EventType = "heartbeat"
	EventMessage   EventType = "message"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Terminal reports whether the event ends the run's stream.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// RunEvent is one entry of a run's ordered event stream.
// Heartbeats carry Seq 0 and are not part of the stored history.
type RunEvent struct {
	RunID     string          `json:"run_id"`
	Seq       int             `json:"seq"`
	Type      EventType       `json:"type"`
	Stage     Stage           `json:"stage,omitempty"`
	Progress  float64         `json:"progress"`
	ElapsedMS int64           `json:"elapsed_ms"`
	Message   string          `json:"message,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Result    *AnalysisResult `json:"result,omitempty"`
	Stats     *RunStats       `json:"stats,omitempty"`
	Time      time.Time       `json:"time"`
}
