package duckdb

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSource(id, project string) model.StreamingSource {
	src := model.StreamingSource{
		ID:         id,
		ProjectID:  project,
		Name:       "api-" + id,
		SourceType: model.SourceTCP,
		TypeConfig: model.TypeConfig{Port: 5140},
		State:      model.StateStarting,
		CreatedAt:  time.Now(),
	}
	src.ApplyDefaults(0, 0)
	return src
}

func TestSourceRecords(t *testing.T) {
	store := newTestStore(t)

	for _, src := range []model.StreamingSource{testSource("a", "p1"), testSource("b", "p1"), testSource("c", "p2")} {
		if err := store.SaveSource(src); err != nil {
			t.Fatalf("SaveSource(%s): %v", src.ID, err)
		}
	}
	stats := model.SourceStats{LinesProcessed: 42, BatchesFlushed: 3, LastError: "boom"}
	if err := store.UpdateSourceState("a", model.StateError, stats); err != nil {
		t.Fatalf("UpdateSourceState: %v", err)
	}
	if err := store.UpdateSourceState("missing", model.StateRunning, stats); err != nil {
		t.Fatalf("UpdateSourceState of unknown source: %v", err)
	}

	got, err := store.ListSourceRecords("p1")
	if err != nil {
		t.Fatalf("ListSourceRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListSourceRecords(p1) = %d sources, want 2", len(got))
	}
	var a model.StreamingSource
	for _, src := range got {
		if src.ID == "a" {
			a = src
		}
	}
	if a.State != model.StateError || a.Status != model.StatusError {
		t.Errorf("source a state=%s status=%s, want error/error", a.State, a.Status)
	}
	if a.Stats.LinesProcessed != 42 || a.Stats.LastError != "boom" {
		t.Errorf("source a stats = %+v", a.Stats)
	}
	if a.TypeConfig.Port != 5140 || a.SourceType != model.SourceTCP {
		t.Errorf("source a config not restored: %+v", a)
	}

	if err := store.DeleteSource("b"); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	n, err := store.DeleteProjectSources("p1")
	if err != nil || n != 1 {
		t.Fatalf("DeleteProjectSources = %d, %v; want 1, nil", n, err)
	}
	all, err := store.ListSourceRecords("")
	if err != nil {
		t.Fatalf("ListSourceRecords: %v", err)
	}
	if len(all) != 1 || all[0].ID != "c" {
		t.Errorf("remaining sources = %+v, want only c", all)
	}
}

func TestSaveSourceReplaces(t *testing.T) {
	store := newTestStore(t)
	src := testSource("a", "p1")
	if err := store.SaveSource(src); err != nil {
		t.Fatalf("SaveSource: %v", err)
	}
	src.Name = "renamed"
	if err := store.SaveSource(src); err != nil {
		t.Fatalf("SaveSource again: %v", err)
	}
	got, err := store.ListSourceRecords("p1")
	if err != nil {
		t.Fatalf("ListSourceRecords: %v", err)
	}
	if len(got) != 1 || got[0].Name != "renamed" {
		t.Errorf("got %+v, want one renamed source", got)
	}
}

func TestRecentLines(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Minute)
	b1 := testBatch("src", 1, 3)
	b1.FlushedAt = base
	b1.Lines[0].Timestamp = base.Add(-time.Second)
	b2 := testBatch("src", 2, 3)
	b2.FlushedAt = base.Add(time.Second)
	if err := store.InsertBatches([]model.LogBatch{b2, b1, testBatch("other", 1, 5)}); err != nil {
		t.Fatalf("InsertBatches: %v", err)
	}

	lines, err := store.RecentLines("src", 4)
	if err != nil {
		t.Fatalf("RecentLines: %v", err)
	}
	want := []string{"line 2 of batch 1", "line 0 of batch 2", "line 1 of batch 2", "line 2 of batch 2"}
	if len(lines) != len(want) {
		t.Fatalf("RecentLines returned %d lines, want %d", len(lines), len(want))
	}
	for i, l := range lines {
		if l.Message != want[i] {
			t.Errorf("line %d = %q, want %q", i, l.Message, want[i])
		}
		if l.Level != "INFO" || !l.Parsed {
			t.Errorf("line %d lost its fields: %+v", i, l)
		}
	}

	all, err := store.RecentLines("src", 100)
	if err != nil {
		t.Fatalf("RecentLines: %v", err)
	}
	if len(all) != 6 || !all[0].HasTimestamp() || all[1].HasTimestamp() {
		t.Errorf("unexpected lines: %+v", all)
	}

	none, err := store.RecentLines("src", 0)
	if err != nil || len(none) != 0 {
		t.Errorf("RecentLines(limit 0) = %v, %v", none, err)
	}
}

func TestRunHistory(t *testing.T) {
	store := newTestStore(t)
	created := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	run := model.AnalysisRun{
		ID:          "run-1",
		Origin:      model.Origin{Kind: model.OriginStreamTrigger, SourceID: "src"},
		Provider:    "local",
		LevelFilter: "WARN",
		Status:      model.RunCompleted,
		Stage:       model.StageFinalizing,
		Progress:    1,
		Stats:       model.RunStats{TotalLines: 10, LevelCounts: map[string]int{"WARN": 2}},
		Result:      &model.AnalysisResult{Summary: "ok"},
		CreatedAt:   created,
		FinishedAt:  created.Add(time.Second),
	}
	events := []model.RunEvent{
		{RunID: "run-1", Seq: 1, Type: model.EventProgress, Stage: model.StageStarting, Time: created},
		{RunID: "run-1", Seq: 2, Type: model.EventCompleted, Stage: model.StageFinalizing, Progress: 1, Time: created},
	}
	if err := store.SaveRun(run, events); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := store.SaveRun(run, events); err != nil {
		t.Fatalf("SaveRun again: %v", err)
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.RunCompleted || got.Result == nil || got.Result.Summary != "ok" {
		t.Errorf("GetRun = %+v", got)
	}
	if got.Stats.LevelCounts["WARN"] != 2 || got.Origin.SourceID != "src" {
		t.Errorf("GetRun lost fields: %+v", got)
	}

	evs, err := store.RunEvents("run-1")
	if err != nil {
		t.Fatalf("RunEvents: %v", err)
	}
	if len(evs) != 2 || evs[1].Type != model.EventCompleted {
		t.Errorf("RunEvents = %+v", evs)
	}

	_, err = store.GetRun("missing")
	if !errors.Is(err, apperr.ErrNotFound) || apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("GetRun(missing) error = %v, want not found", err)
	}
}

func TestDeleteBefore(t *testing.T) {
	store := newTestStore(t)
	old := testBatch("src", 1, 2)
	old.FlushedAt = time.Now().Add(-48 * time.Hour)
	fresh := testBatch("src", 2, 3)
	if err := store.InsertBatches([]model.LogBatch{old, fresh}); err != nil {
		t.Fatalf("InsertBatches: %v", err)
	}
	oldRun := model.AnalysisRun{ID: "old", Origin: model.Origin{Kind: model.OriginFileUpload}, Provider: "local", Status: model.RunFailed, CreatedAt: time.Now().Add(-48 * time.Hour)}
	if err := store.SaveRun(oldRun, []model.RunEvent{{Seq: 1, Type: model.EventFailed, Time: time.Now()}}); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	n, err := store.DeleteBefore(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	// two lines, one batch, one event, one run
	if n != 5 {
		t.Errorf("DeleteBefore removed %d rows, want 5", n)
	}
	if got := lineCount(t, store, "src"); got != 3 {
		t.Errorf("line count after retention = %d, want 3", got)
	}
	if _, err := store.GetRun("old"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("old run still present: %v", err)
	}
}

func TestNewStoreOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sift.duckdb")
	store, err := NewStore(path, time.Second)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", path, err)
	}
	if store.Path() != path || store.QueryTimeout != time.Second {
		t.Errorf("store path=%q timeout=%v", store.Path(), store.QueryTimeout)
	}
	if err := store.SaveSource(testSource("a", "p")); err != nil {
		t.Fatalf("SaveSource: %v", err)
	}
	store.Close()

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.ListSourceRecords("")
	if err != nil || len(got) != 1 {
		t.Fatalf("sources after reopen = %v, %v", got, err)
	}
}
