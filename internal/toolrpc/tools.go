package toolrpc

import (
	"context"
	"fmt"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/model"
)

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props, "additionalProperties": false}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

var runIDSchema = objectSchema([]string{"run_id"}, map[string]any{"run_id": str("Run identifier")})

var sourceIDSchema = objectSchema([]string{"source_id"}, map[string]any{"source_id": str("Source identifier")})

type runIDArgs struct {
	RunID string `json:"run_id"`
}

func (a runIDArgs) check() error {
	if a.RunID == "" {
		return invalidArgsf("run_id is required")
	}
	return nil
}

type sourceIDArgs struct {
	SourceID string `json:"source_id"`
}

func (a sourceIDArgs) check() error {
	if a.SourceID == "" {
		return invalidArgsf("source_id is required")
	}
	return nil
}

type analyzeArgs struct {
	Content     string             `json:"content,omitempty"`
	Lines       []string           `json:"lines,omitempty"`
	SourceID    string             `json:"source_id,omitempty"`
	FileName    string             `json:"file_name,omitempty"`
	Parser      model.ParserConfig `json:"parser,omitempty"`
	Provider    string             `json:"provider,omitempty"`
	Model       string             `json:"model,omitempty"`
	LevelFilter string             `json:"level_filter,omitempty"`
	Timeout     model.Duration     `json:"timeout,omitempty"`
	Options     map[string]string  `json:"options,omitempty"`
	Wait        bool               `json:"wait,omitempty"`
}

// request converts the arguments into a run request. A source id starts a
// run over that source's recent lines.
func (a analyzeArgs) request() (model.RunRequest, error) {
	if a.Content == "" && len(a.Lines) == 0 && a.SourceID == "" {
		return model.RunRequest{}, invalidArgsf("one of content, lines or source_id is required")
	}
	origin := model.Origin{Kind: model.OriginFileUpload, FileName: a.FileName}
	if a.SourceID != "" && a.Content == "" && len(a.Lines) == 0 {
		origin = model.Origin{Kind: model.OriginStreamTrigger, SourceID: a.SourceID}
	}
	return model.RunRequest{
		Origin:      origin,
		Content:     a.Content,
		Lines:       a.Lines,
		Parser:      a.Parser,
		Provider:    a.Provider,
		Model:       a.Model,
		LevelFilter: a.LevelFilter,
		Timeout:     a.Timeout,
		Options:     a.Options,
	}, nil
}

type createSourceArgs struct {
	Source model.StreamingSource `json:"source"`
}

type listSourcesArgs struct {
	ProjectID string `json:"project_id,omitempty"`
}

func (s *Server) buildTools() []tool {
	return []tool{
		{
			desc: ToolDescription{
				Name:        "analyze_logs",
				Description: "Start an analysis run over log content, a list of lines, or the recent lines of a live source. With wait=true, progress is streamed and the terminal event is returned.",
				InputSchema: objectSchema(nil, map[string]any{
					"content":      str("Raw log text, one line per row"),
					"lines":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"source_id":    str("Analyze the recent lines of this source"),
					"file_name":    str("Name reported as the run's origin"),
					"parser":       map[string]any{"type": "object"},
					"provider":     str("Inference provider name"),
					"model":        str("Model override"),
					"level_filter": str("Minimum level kept for inference (default INFO)"),
					"timeout":      str("Run timeout such as 90s"),
					"options":      map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
					"wait":         map[string]any{"type": "boolean"},
				}),
			},
			call: s.analyzeLogs,
		},
		{
			desc: ToolDescription{Name: "get_run", Description: "Return the current state of a run.", InputSchema: runIDSchema},
			call: func(_ context.Context, c *call) (any, error) {
				var a runIDArgs
				if err := c.decode(&a); err != nil {
					return nil, err
				}
				if err := a.check(); err != nil {
					return nil, err
				}
				return s.ctrl.GetRun(a.RunID)
			},
		},
		{
			desc: ToolDescription{Name: "wait_run", Description: "Stream a run's progress as notifications and return its terminal event.", InputSchema: runIDSchema},
			call: func(ctx context.Context, c *call) (any, error) {
				var a runIDArgs
				if err := c.decode(&a); err != nil {
					return nil, err
				}
				if err := a.check(); err != nil {
					return nil, err
				}
				return s.waitRun(ctx, c, a.RunID)
			},
		},
		{
			desc: ToolDescription{Name: "cancel_run", Description: "Request cancellation of a run. Cancelling a finished run is a no-op.", InputSchema: runIDSchema},
			call: func(_ context.Context, c *call) (any, error) {
				var a runIDArgs
				if err := c.decode(&a); err != nil {
					return nil, err
				}
				if err := a.check(); err != nil {
					return nil, err
				}
				if err := s.ctrl.Cancel(a.RunID); err != nil {
					return nil, err
				}
				return map[string]any{"run_id": a.RunID, "cancel_requested": true}, nil
			},
		},
		{
			desc: ToolDescription{
				Name:        "create_source",
				Description: "Register a streaming source and start its connector.",
				InputSchema: objectSchema([]string{"source"}, map[string]any{"source": map[string]any{"type": "object"}}),
			},
			call: func(ctx context.Context, c *call) (any, error) {
				var a createSourceArgs
				if err := c.decode(&a); err != nil {
					return nil, err
				}
				id, err := s.ctrl.CreateSource(ctx, a.Source)
				if err != nil {
					return nil, err
				}
				return map[string]any{"source_id": id}, nil
			},
		},
		{
			desc: ToolDescription{Name: "stop_source", Description: "Stop a source and remove it.", InputSchema: sourceIDSchema},
			call: s.sourceCommand(func(ctx context.Context, id string) error { return s.ctrl.StopSource(ctx, id) }, "stopped"),
		},
		{
			desc: ToolDescription{Name: "restart_source", Description: "Restart a source with a fresh connector and a reset restart counter.", InputSchema: sourceIDSchema},
			call: s.sourceCommand(func(ctx context.Context, id string) error { return s.ctrl.RestartSource(ctx, id) }, "restarted"),
		},
		{
			desc: ToolDescription{
				Name:        "list_sources",
				Description: "List the sources of a project, or of every project.",
				InputSchema: objectSchema(nil, map[string]any{"project_id": str("Project identifier")}),
			},
			call: func(_ context.Context, c *call) (any, error) {
				var a listSourcesArgs
				if err := c.decode(&a); err != nil {
					return nil, err
				}
				return map[string]any{"sources": s.ctrl.ListSources(a.ProjectID)}, nil
			},
		},
		{
			desc: ToolDescription{Name: "get_source_stats", Description: "Return a source's counters.", InputSchema: sourceIDSchema},
			call: func(_ context.Context, c *call) (any, error) {
				var a sourceIDArgs
				if err := c.decode(&a); err != nil {
					return nil, err
				}
				if err := a.check(); err != nil {
					return nil, err
				}
				return s.ctrl.GetStats(a.SourceID)
			},
		},
	}
}

func (s *Server) sourceCommand(fn func(ctx context.Context, id string) error, verb string) func(context.Context, *call) (any, error) {
	return func(ctx context.Context, c *call) (any, error) {
		var a sourceIDArgs
		if err := c.decode(&a); err != nil {
			return nil, err
		}
		if err := a.check(); err != nil {
			return nil, err
		}
		if err := fn(ctx, a.SourceID); err != nil {
			return nil, err
		}
		return map[string]any{"source_id": a.SourceID, verb: true}, nil
	}
}

func (s *Server) analyzeLogs(ctx context.Context, c *call) (any, error) {
	var a analyzeArgs
	if err := c.decode(&a); err != nil {
		return nil, err
	}
	req, err := a.request()
	if err != nil {
		return nil, err
	}
	id, err := s.ctrl.StartRun(ctx, req)
	if err != nil {
		return nil, err
	}
	if !a.Wait {
		return map[string]any{"run_id": id}, nil
	}
	return s.waitRun(ctx, c, id)
}

// waitRun forwards the run's events as progress notifications and returns
// the terminal event. Leaving early does not cancel the run.
func (s *Server) waitRun(ctx context.Context, c *call, runID string) (model.RunEvent, error) {
	events, err := s.ctrl.Subscribe(ctx, runID)
	if err != nil {
		return model.RunEvent{}, err
	}
	token := c.token
	if token == nil {
		token = runID
	}
	for ev := range events {
		if ev.Type.Terminal() {
			return ev, nil
		}
		if c.notify == nil {
			continue
		}
		msg := ev.Message
		if msg == "" {
			msg = fmt.Sprintf("%s (%s)", ev.Stage, ev.Type)
		}
		if err := c.notify(Notification{
			JSONRPC: "2.0",
			Method:  "notifications/progress",
			Params:  ProgressParams{ProgressToken: token, Progress: ev.Progress, Total: 1, Message: msg, Event: ev},
		}); err != nil {
			return model.RunEvent{}, fmt.Errorf("write progress: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return model.RunEvent{}, apperr.New(apperr.KindCancelled, "wait run", err)
	}
	return model.RunEvent{}, apperr.Errorf(apperr.KindInternal, "wait run", "stream of %s ended without a terminal event", runID)
}
