package model

import "time"

// IngestEnvelope carries one raw log line with source metadata.
// It is the transport contract between connectors and the batch accumulator.
//
// Connectors that receive lines in discrete units (one HTTP request body) set
// EndOfUnit on the last line of each unit so the accumulator can flush the
// unit as its own batch.
type IngestEnvelope struct {
	Source    string
	Line      string
	EndOfUnit bool
}

// LogLine is one raw line with its best-effort parsed fields.
// Unparsed lines keep Raw and carry Message = Raw.
type LogLine struct {
	Raw       string    `json:"raw"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message"`
	Parsed    bool      `json:"parsed"`
}

// HasTimestamp reports whether a timestamp was extracted from the line.
func (l LogLine) HasTimestamp() bool { return !l.Timestamp.IsZero() }

// LogBatch is an immutable, ordered group of lines flushed from one source.
// Sequence increases monotonically per source, across connector restarts.
type LogBatch struct {
	SourceID  string    `json:"source_id"`
	Sequence  uint64    `json:"sequence"`
	FlushedAt time.Time `json:"flushed_at"`
	Lines     []LogLine `json:"lines"`
}

// Len returns the number of lines in the batch.
func (b LogBatch) Len() int { return len(b.Lines) }
