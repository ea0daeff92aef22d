// Package analysis drives analysis runs through the stage pipeline and
// starts runs from live sources.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/broadcast"
	"github.com/tinytelemetry/sift/internal/inference"
	"github.com/tinytelemetry/sift/internal/ingest"
	"github.com/tinytelemetry/sift/internal/logparse"
	"github.com/tinytelemetry/sift/internal/model"
	"github.com/tinytelemetry/sift/internal/resilience"
)

const (
	DefaultRecentLines = 1000
	DefaultEventBuffer = 64

	// parseChunk is how many lines are parsed between cancellation checks.
	parseChunk = 5000
)

// stageWeights is the progress reached when a stage begins.
var stageWeights = map[model.Stage]float64{
	model.StageStarting:     0,
	model.StageReadingInput: 0.05,
	model.StageParsing:      0.10,
	model.StageFiltering:    0.30,
	model.StageSlimming:     0.35,
	model.StageInference:    0.45,
	model.StageFinalizing:   0.95,
}

// Config holds the dependencies and tunables of an Engine.
type Config struct {
	// Providers is required.
	Providers *inference.Registry
	// Guard wraps every inference call. A default guard is built if nil.
	Guard *resilience.Guard[model.AnalysisResult]
	// Lines feeds stream-triggered runs that carry no batches. Optional.
	Lines model.LineReader
	// Runs answers GetRun for runs no longer held in memory. Optional.
	Runs model.RunStore
	// Notifier receives every finished run. Optional.
	Notifier   Notifier
	Registerer prometheus.Registerer

	DefaultTimeout    time.Duration
	SlimThreshold     int
	SlimChunks        int
	RecentLines       int
	EventBuffer       int
	HeartbeatInterval time.Duration
	Retention         time.Duration
}

// Engine runs the analysis pipeline. Each run is driven by its own
// goroutine, which owns the run's state and its outbound event channel.
type Engine struct {
	providers      *inference.Registry
	guard          *resilience.Guard[model.AnalysisResult]
	lines          model.LineReader
	runStore       model.RunStore
	notifier       Notifier
	metrics        *engineMetrics
	bc             *broadcast.Broadcaster
	defaultTimeout time.Duration
	slimThreshold  int
	slimChunks     int
	recentLines    int
	eventBuffer    int
	retention      time.Duration

	mu      sync.RWMutex
	runs    map[string]*runState
	cancels map[string]context.CancelCauseFunc
	closed  bool
	wg      sync.WaitGroup
}

type runState struct {
	mu  sync.Mutex
	run model.AnalysisRun
}

func (s *runState) snapshot() model.AnalysisRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.run
	out.Stats = copyStats(s.run.Stats)
	return out
}

// NewEngine creates an engine and its broadcaster.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Providers == nil {
		return nil, errors.New("analysis: providers are required")
	}
	if cfg.Guard == nil {
		g, err := resilience.NewGuard[model.AnalysisResult](resilience.Config{Registerer: cfg.Registerer})
		if err != nil {
			return nil, fmt.Errorf("analysis: build guard: %w", err)
		}
		cfg.Guard = g
	}
	metrics, err := newEngineMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("analysis: register metrics: %w", err)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = model.DefaultRunTimeout
	}
	if cfg.SlimThreshold <= 0 {
		cfg.SlimThreshold = DefaultSlimThreshold
	}
	if cfg.SlimChunks <= 0 {
		cfg.SlimChunks = DefaultSlimChunks
	}
	if cfg.RecentLines <= 0 {
		cfg.RecentLines = DefaultRecentLines
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Retention <= 0 {
		cfg.Retention = broadcast.DefaultRetention
	}

	e := &Engine{
		providers:      cfg.Providers,
		guard:          cfg.Guard,
		lines:          cfg.Lines,
		runStore:       cfg.Runs,
		notifier:       cfg.Notifier,
		metrics:        metrics,
		defaultTimeout: cfg.DefaultTimeout,
		slimThreshold:  cfg.SlimThreshold,
		slimChunks:     cfg.SlimChunks,
		recentLines:    cfg.RecentLines,
		eventBuffer:    cfg.EventBuffer,
		retention:      cfg.Retention,
		runs:           make(map[string]*runState),
		cancels:        make(map[string]context.CancelCauseFunc),
	}
	e.bc = broadcast.New(broadcast.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Retention:         cfg.Retention,
		OnFinish:          e.finished,
	})
	return e, nil
}

// StartRun validates req and starts a run. The run is detached from ctx;
// it ends on completion, failure, its own timeout or Cancel.
func (e *Engine) StartRun(_ context.Context, req model.RunRequest) (string, error) {
	provider := e.providers.Resolve(req.Provider)
	if _, err := e.providers.Get(provider); err != nil {
		return "", err
	}
	parser, err := ingest.NewParser(req.Parser)
	if err != nil {
		return "", apperr.New(apperr.KindInvalid, "start run", err)
	}
	if _, err := inference.ParseOptions(req.Options); err != nil {
		return "", err
	}
	if req.Origin.Kind == "" {
		req.Origin.Kind = model.OriginFileUpload
	}
	if req.Origin.Kind == model.OriginStreamTrigger && req.Origin.SourceID == "" {
		return "", apperr.Errorf(apperr.KindInvalid, "start run", "stream trigger origin requires source_id")
	}
	filter := req.LevelFilter
	if filter == "" {
		filter = model.DefaultLevelFilter
	}
	filter = logparse.NormalizeSeverity(filter)
	timeout := req.Timeout.Std()
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	modelName := req.Model
	if modelName == "" {
		modelName = e.providers.Model(provider)
	}

	st := &runState{run: model.AnalysisRun{
		ID:          uuid.NewString(),
		Origin:      req.Origin,
		Provider:    provider,
		Model:       modelName,
		LevelFilter: filter,
		Timeout:     model.Duration(timeout),
		Options:     req.Options,
		Status:      model.RunPending,
		Stage:       model.StageStarting,
		CreatedAt:   time.Now(),
	}}
	id := st.run.ID

	ctx, cancel := context.WithCancelCause(context.Background())
	events := make(chan model.RunEvent, e.eventBuffer)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel(nil)
		return "", apperr.Errorf(apperr.KindCapacity, "start run", "engine is shutting down")
	}
	e.runs[id] = st
	e.cancels[id] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	if err := e.bc.Attach(id, events, cancel); err != nil {
		e.mu.Lock()
		delete(e.runs, id)
		delete(e.cancels, id)
		e.mu.Unlock()
		e.wg.Done()
		cancel(nil)
		return "", err
	}

	p := &pipeline{e: e, st: st, req: req, parser: parser, events: events}
	go p.execute(ctx, cancel, timeout)
	log.Printf("analysis: started run %s (origin %s, provider %s)", id, req.Origin.Kind, provider)
	return id, nil
}

// Subscribe returns the run's ordered event stream from its first event.
func (e *Engine) Subscribe(ctx context.Context, runID string) (<-chan model.RunEvent, error) {
	return e.bc.Subscribe(ctx, runID)
}

// Cancel requests cancellation. It is idempotent and succeeds on runs that
// have already finished.
func (e *Engine) Cancel(runID string) error {
	return e.bc.Cancel(runID)
}

// GetRun returns a snapshot of a live or recently finished run, falling
// back to the run store.
func (e *Engine) GetRun(runID string) (model.AnalysisRun, error) {
	e.mu.RLock()
	st, ok := e.runs[runID]
	e.mu.RUnlock()
	if ok {
		return st.snapshot(), nil
	}
	if e.runStore != nil {
		return e.runStore.GetRun(runID)
	}
	return model.AnalysisRun{}, apperr.New(apperr.KindNotFound, "get run", fmt.Errorf("run %s: %w", runID, apperr.ErrNotFound))
}

// Notify publishes a message event to a run that has not finished.
func (e *Engine) Notify(runID, message string) error {
	ev := model.RunEvent{Type: model.EventMessage, Message: message}
	e.mu.RLock()
	st, ok := e.runs[runID]
	e.mu.RUnlock()
	if ok {
		snap := st.snapshot()
		ev.Stage, ev.Progress = snap.Stage, snap.Progress
		ev.ElapsedMS = time.Since(snap.CreatedAt).Milliseconds()
	}
	return e.bc.Publish(runID, ev)
}

// Finished reports whether the run's event stream has ended.
func (e *Engine) Finished(runID string) bool {
	done, err := e.bc.Finished(runID)
	return err != nil || done
}

// Providers returns the provider table.
func (e *Engine) Providers() *inference.Registry { return e.providers }

// Shutdown cancels every running run, waits for them to finish and stops
// the broadcaster.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	cancels := make([]context.CancelCauseFunc, 0, len(e.cancels))
	for _, c := range e.cancels {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()
	for _, c := range cancels {
		c(apperr.ErrCancelled)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.bc.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("analysis: shutdown: %w", ctx.Err())
	}
}

// finished runs on the broadcaster once a run's history is complete.
func (e *Engine) finished(runID string, history []model.RunEvent) {
	e.mu.Lock()
	st, ok := e.runs[runID]
	delete(e.cancels, runID)
	e.mu.Unlock()
	if !ok {
		return
	}
	if e.notifier != nil {
		go e.notifier.RunFinished(st.snapshot(), history)
	}
	time.AfterFunc(e.retention, func() {
		e.mu.Lock()
		delete(e.runs, runID)
		e.mu.Unlock()
	})
}

// pipeline is the state of one run's goroutine.
type pipeline struct {
	e      *Engine
	st     *runState
	req    model.RunRequest
	parser *ingest.Parser
	events chan<- model.RunEvent

	started    time.Time
	stageStart time.Time
}

func (p *pipeline) execute(ctx context.Context, cancel context.CancelCauseFunc, timeout time.Duration) {
	defer p.e.wg.Done()
	defer close(p.events)
	defer cancel(nil)

	ctx, stop := context.WithTimeoutCause(ctx, timeout, apperr.ErrRunTimeout)
	defer stop()

	p.started = time.Now()
	p.stageStart = p.started
	res, err := p.run(ctx)
	if err != nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	p.finish(res, err)
}

func (p *pipeline) run(ctx context.Context) (*model.AnalysisResult, error) {
	if err := p.enter(ctx, model.StageStarting, "run started"); err != nil {
		return nil, err
	}

	if err := p.enter(ctx, model.StageReadingInput, "reading input"); err != nil {
		return nil, err
	}
	raw, pre, err := p.readInput()
	if err != nil {
		return nil, err
	}
	total := len(raw) + len(pre)
	if total == 0 {
		return nil, apperr.New(apperr.KindInput, "read input", apperr.ErrEmptyInput)
	}
	p.update(func(r *model.AnalysisRun) { r.Stats.TotalLines = total })

	if err := p.enter(ctx, model.StageParsing, fmt.Sprintf("parsing %d lines", total)); err != nil {
		return nil, err
	}
	entries, err := p.parse(ctx, raw, pre)
	if err != nil {
		return nil, err
	}

	filter := p.st.snapshot().LevelFilter
	if err := p.enter(ctx, model.StageFiltering, "keeping "+filter+" and above"); err != nil {
		return nil, err
	}
	filtered := make([]model.LogLine, 0, len(entries))
	for _, e := range entries {
		if logparse.AtLeast(e.Level, filter) {
			filtered = append(filtered, e)
		}
	}
	p.update(func(r *model.AnalysisRun) { r.Stats.FilteredEntries = len(filtered) })
	if len(filtered) == 0 {
		if err := p.enter(ctx, model.StageFinalizing, "no entries left after filtering"); err != nil {
			return nil, err
		}
		return &model.AnalysisResult{
			Summary:  fmt.Sprintf("No entries at level %s or above among %d lines.", filter, total),
			Severity: "INFO",
		}, nil
	}

	slimMsg := "input is small, slimming skipped"
	if len(filtered) > p.e.slimThreshold {
		slimMsg = fmt.Sprintf("slimming %d entries", len(filtered))
	}
	if err := p.enter(ctx, model.StageSlimming, slimMsg); err != nil {
		return nil, err
	}
	slimmed := Slim(filtered, p.e.slimThreshold, p.e.slimChunks)
	p.update(func(r *model.AnalysisRun) { r.Stats.SlimmedEntries = len(slimmed) })

	provider := p.st.snapshot().Provider
	if err := p.enter(ctx, model.StageInference, "calling provider "+provider); err != nil {
		return nil, err
	}
	res, err := p.infer(ctx, slimmed)
	if err != nil {
		return nil, err
	}

	if err := p.enter(ctx, model.StageFinalizing, "finalizing"); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *pipeline) readInput() ([]string, []model.LogLine, error) {
	req := p.req
	switch {
	case len(req.Batches) > 0:
		batches := append([]model.LogBatch(nil), req.Batches...)
		sort.SliceStable(batches, func(i, j int) bool { return batches[i].Sequence < batches[j].Sequence })
		var pre []model.LogLine
		for _, b := range batches {
			pre = append(pre, b.Lines...)
		}
		return nil, pre, nil
	case len(req.Lines) > 0:
		raw := make([]string, 0, len(req.Lines))
		for _, l := range req.Lines {
			l = strings.TrimRight(l, "\r\n")
			if strings.TrimSpace(l) != "" {
				raw = append(raw, l)
			}
		}
		return raw, nil, nil
	case req.Content != "":
		return splitLines(req.Content), nil, nil
	case req.Origin.Kind == model.OriginStreamTrigger && p.e.lines != nil:
		pre, err := p.e.lines.RecentLines(req.Origin.SourceID, p.e.recentLines)
		if err != nil {
			return nil, nil, fmt.Errorf("read recent lines of %s: %w", req.Origin.SourceID, err)
		}
		return nil, pre, nil
	}
	return nil, nil, nil
}

func splitLines(content string) []string {
	parts := strings.Split(content, "\n")
	out := make([]string, 0, len(parts))
	for _, l := range parts {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// parse extracts fields from raw lines. Lines that were parsed upstream by
// a source's accumulator are taken as they are.
func (p *pipeline) parse(ctx context.Context, raw []string, pre []model.LogLine) ([]model.LogLine, error) {
	entries := make([]model.LogLine, 0, len(raw)+len(pre))
	entries = append(entries, pre...)
	for i := 0; i < len(raw); i += parseChunk {
		if i > 0 {
			if err := checkpoint(ctx); err != nil {
				return nil, err
			}
			p.within(float64(i)/float64(len(raw)), fmt.Sprintf("parsed %d of %d lines", i, len(raw)))
		}
		end := min(i+parseChunk, len(raw))
		entries = append(entries, p.parser.ParseAll(raw[i:end])...)
	}

	parsed := 0
	levels := make(map[string]int)
	for _, e := range entries {
		if e.Parsed {
			parsed++
		}
		levels[logparse.NormalizeSeverity(e.Level)]++
	}
	p.update(func(r *model.AnalysisRun) {
		r.Stats.ParsedEntries = parsed
		r.Stats.UnparsedLines = len(entries) - parsed
		r.Stats.LevelCounts = levels
	})
	return entries, nil
}

// infer calls the run's provider through the guard, retrying once against
// the configured fallback when the primary is unavailable.
func (p *pipeline) infer(ctx context.Context, entries []model.LogLine) (*model.AnalysisResult, error) {
	provider := p.st.snapshot().Provider
	res, outcome, err := p.call(ctx, provider, entries)
	if err != nil && ctx.Err() == nil && apperr.Fallbackable(err) {
		if fb, ok := p.e.providers.Fallback(provider); ok {
			p.message(fmt.Sprintf("provider %s unavailable (%v), retrying with %s", provider, err, fb))
			provider = fb
			res, outcome, err = p.call(ctx, provider, entries)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}
	p.update(func(r *model.AnalysisRun) {
		r.Stats.CacheHit = outcome == resilience.Hit
		r.Stats.ProviderUsed = provider
	})
	return &res, nil
}

func (p *pipeline) call(ctx context.Context, provider string, entries []model.LogLine) (model.AnalysisResult, resilience.Outcome, error) {
	prov, err := p.e.providers.Get(provider)
	if err != nil {
		return model.AnalysisResult{}, resilience.Miss, err
	}
	run := p.st.snapshot()
	modelName := run.Model
	if provider != run.Provider {
		modelName = p.e.providers.Model(provider)
	}
	prompt := inference.BuildPrompt(entries, run.Stats, run.LevelFilter)
	fp := Fingerprint(prompt, provider, modelName, run.LevelFilter, run.Options)

	res, outcome, err := p.e.guard.Do(ctx, provider, fp, func(cctx context.Context) (model.AnalysisResult, error) {
		return prov.Infer(cctx, prompt, modelName, run.Options)
	})
	label := outcome.String()
	if err != nil {
		label = string(apperr.KindOf(err))
		if ctx.Err() != nil {
			label = string(apperr.KindOf(context.Cause(ctx)))
		}
	}
	p.e.metrics.recordCall(provider, label)
	return res, outcome, err
}

func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// enter moves the run to stage after a cancellation check and emits the
// progress event. Stages only move forward and progress never decreases.
func (p *pipeline) enter(ctx context.Context, stage model.Stage, msg string) error {
	if err := checkpoint(ctx); err != nil {
		return err
	}
	now := time.Now()
	p.st.mu.Lock()
	r := &p.st.run
	if stage.Index() < r.Stage.Index() {
		p.st.mu.Unlock()
		return apperr.Errorf(apperr.KindInternal, "analysis", "stage %s after %s", stage, r.Stage)
	}
	if r.Status == model.RunRunning {
		p.recordStageLocked(now)
	}
	r.Status = model.RunRunning
	r.Stage = stage
	r.Progress = max(r.Progress, stageWeights[stage])
	ev := p.eventLocked(model.EventProgress, msg, now)
	p.st.mu.Unlock()

	p.stageStart = now
	p.events <- ev
	return nil
}

// within reports progress inside the current stage, frac in [0, 1).
func (p *pipeline) within(frac float64, msg string) {
	now := time.Now()
	p.st.mu.Lock()
	r := &p.st.run
	lo := stageWeights[r.Stage]
	hi := 1.0
	if i := r.Stage.Index(); i+1 < len(model.Stages) {
		hi = stageWeights[model.Stages[i+1]]
	}
	r.Progress = max(r.Progress, lo+frac*(hi-lo))
	ev := p.eventLocked(model.EventProgress, msg, now)
	p.st.mu.Unlock()
	p.events <- ev
}

func (p *pipeline) message(msg string) {
	p.st.mu.Lock()
	ev := p.eventLocked(model.EventMessage, msg, time.Now())
	p.st.mu.Unlock()
	p.events <- ev
}

func (p *pipeline) update(fn func(r *model.AnalysisRun)) {
	p.st.mu.Lock()
	fn(&p.st.run)
	p.st.mu.Unlock()
}

func (p *pipeline) recordStageLocked(now time.Time) {
	r := &p.st.run
	if r.Stats.StageDurationsMS == nil {
		r.Stats.StageDurationsMS = make(map[model.Stage]int64)
	}
	r.Stats.StageDurationsMS[r.Stage] += now.Sub(p.stageStart).Milliseconds()
}

func (p *pipeline) eventLocked(t model.EventType, msg string, now time.Time) model.RunEvent {
	r := &p.st.run
	return model.RunEvent{
		RunID:     r.ID,
		Type:      t,
		Stage:     r.Stage,
		Progress:  r.Progress,
		ElapsedMS: now.Sub(p.started).Milliseconds(),
		Message:   msg,
		Time:      now,
	}
}

// finish moves the run to its terminal status and emits the terminal event.
func (p *pipeline) finish(res *model.AnalysisResult, err error) {
	now := time.Now()
	p.st.mu.Lock()
	r := &p.st.run
	if r.Status == model.RunRunning {
		p.recordStageLocked(now)
	}
	r.FinishedAt = now

	var ev model.RunEvent
	switch {
	case err == nil:
		r.Status = model.RunCompleted
		r.Progress = 1
		r.Result = res
		ev = p.eventLocked(model.EventCompleted, "analysis completed", now)
		ev.Result = res
	case apperr.KindOf(err) == apperr.KindCancelled:
		r.Status = model.RunCancelled
		r.Error = "run cancelled"
		r.ErrorKind = string(apperr.KindCancelled)
		ev = p.eventLocked(model.EventCancelled, fmt.Sprintf("run cancelled during %s", r.Stage), now)
		ev.ErrorKind = r.ErrorKind
	default:
		kind := apperr.KindOf(err)
		msg := err.Error()
		if errors.Is(err, apperr.ErrRunTimeout) {
			kind = apperr.KindTimeout
			msg = fmt.Sprintf("run timed out after %s during %s", r.Timeout, r.Stage)
		}
		r.Status = model.RunFailed
		r.Error = msg
		r.ErrorKind = string(kind)
		ev = p.eventLocked(model.EventFailed, msg, now)
		ev.ErrorKind = r.ErrorKind
	}
	stats := copyStats(r.Stats)
	ev.Stats = &stats
	status := r.Status
	id := r.ID
	p.st.mu.Unlock()

	p.events <- ev
	elapsed := now.Sub(p.started)
	p.e.metrics.recordRun(string(status), elapsed.Seconds())
	if err != nil && status == model.RunFailed {
		log.Printf("analysis: run %s failed after %s: %v", id, elapsed.Round(time.Millisecond), err)
		return
	}
	log.Printf("analysis: run %s %s after %s", id, status, elapsed.Round(time.Millisecond))
}

func copyStats(s model.RunStats) model.RunStats {
	out := s
	if s.StageDurationsMS != nil {
		out.StageDurationsMS = make(map[model.Stage]int64, len(s.StageDurationsMS))
		for k, v := range s.StageDurationsMS {
			out.StageDurationsMS[k] = v
		}
	}
	if s.LevelCounts != nil {
		out.LevelCounts = make(map[string]int, len(s.LevelCounts))
		for k, v := range s.LevelCounts {
			out.LevelCounts[k] = v
		}
	}
	return out
}

var _ model.RunController = (*Engine)(nil)
