package duckdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/tinytelemetry/sift/internal/apperr"
	"github.com/tinytelemetry/sift/internal/model"
)

// SaveSource inserts or replaces a source's configuration and state.
func (s *Store) SaveSource(src model.StreamingSource) error {
	cfg, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode source %s: %w", src.ID, err)
	}
	stats, err := json.Marshal(src.Stats)
	if err != nil {
		return fmt.Errorf("encode stats of %s: %w", src.ID, err)
	}
	createdAt := src.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sources (id, project_id, name, source_type, config, state, stats, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.ProjectID, src.Name, string(src.SourceType), string(cfg),
		string(src.State), string(stats), createdAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save source %s: %w", src.ID, err)
	}
	return nil
}

// UpdateSourceState records a supervisor transition. Unknown sources are
// ignored: a late transition may race the source's deletion.
func (s *Store) UpdateSourceState(id string, state model.SupervisorState, stats model.SourceStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats of %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE sources SET state = ?, stats = ?, updated_at = ? WHERE id = ?`,
		string(state), string(data), time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("update source %s: %w", id, err)
	}
	return nil
}

// DeleteSource removes a source record. Its stored lines are kept until
// retention removes them.
func (s *Store) DeleteSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete source %s: %w", id, err)
	}
	return nil
}

// DeleteProjectSources removes every source record of a project and
// returns how many were removed.
func (s *Store) DeleteProjectSources(projectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("delete sources of project %s: %w", projectID, err)
	}
	return res.RowsAffected()
}

// ListSourceRecords returns the stored sources of a project, or of every
// project when projectID is empty, oldest first. State and stats are the
// last ones recorded.
func (s *Store) ListSourceRecords(projectID string) ([]model.StreamingSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	query := `SELECT config, state, stats FROM sources`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []model.StreamingSource
	for rows.Next() {
		var cfg, state, stats string
		if err := rows.Scan(&cfg, &state, &stats); err != nil {
			return nil, err
		}
		var src model.StreamingSource
		if err := json.Unmarshal([]byte(cfg), &src); err != nil {
			return nil, fmt.Errorf("decode source: %w", err)
		}
		src.State = model.SupervisorState(state)
		src.Status = src.State.Status()
		if err := json.Unmarshal([]byte(stats), &src.Stats); err != nil {
			return nil, fmt.Errorf("decode stats of %s: %w", src.ID, err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// RecentLines returns up to limit of the most recently flushed lines of a
// source, oldest first.
func (s *Store) RecentLines(sourceID string, limit int) ([]model.LogLine, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, level, message, raw_line, parsed
		FROM log_lines
		WHERE source_id = ?
		ORDER BY flushed_at DESC, sequence DESC, line_no DESC
		LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent lines of %s: %w", sourceID, err)
	}
	defer rows.Close()

	var out []model.LogLine
	for rows.Next() {
		var (
			ts                  sql.NullTime
			level, message, raw sql.NullString
			parsed              bool
		)
		if err := rows.Scan(&ts, &level, &message, &raw, &parsed); err != nil {
			return nil, err
		}
		l := model.LogLine{Level: level.String, Message: message.String, Raw: raw.String, Parsed: parsed}
		if ts.Valid {
			l.Timestamp = ts.Time
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// LineCount returns the number of stored lines of a source.
func (s *Store) LineCount(sourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_lines WHERE source_id = ?`, sourceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count lines of %s: %w", sourceID, err)
	}
	return n, nil
}

// SaveRun records a finished run and its event history. Saving the same
// run twice replaces the earlier record.
func (s *Store) SaveRun(run model.AnalysisRun, events []model.RunEvent) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	var finishedAt any
	if !run.FinishedAt.IsZero() {
		finishedAt = run.FinishedAt.UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO analysis_runs (id, origin_kind, source_id, provider, status, error_kind, run, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Origin.Kind), run.Origin.SourceID, run.Provider, string(run.Status),
		run.ErrorKind, string(data), run.CreatedAt.UTC(), finishedAt,
	); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("clear events of %s: %w", run.ID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_events (run_id, seq, type, event, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		evData, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %d of %s: %w", ev.Seq, run.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, run.ID, ev.Seq, string(ev.Type), string(evData), ev.Time.UTC()); err != nil {
			return fmt.Errorf("save event %d of %s: %w", ev.Seq, run.ID, err)
		}
	}
	return tx.Commit()
}

// GetRun returns a stored run.
func (s *Store) GetRun(id string) (model.AnalysisRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT run FROM analysis_runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AnalysisRun{}, apperr.New(apperr.KindNotFound, "get run", fmt.Errorf("run %s: %w", id, apperr.ErrNotFound))
	}
	if err != nil {
		return model.AnalysisRun{}, fmt.Errorf("get run %s: %w", id, err)
	}
	var run model.AnalysisRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return model.AnalysisRun{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, nil
}

// RunEvents returns the stored event history of a run in order.
func (s *Store) RunEvents(id string) ([]model.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT event FROM run_events WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("events of %s: %w", id, err)
	}
	defer rows.Close()

	var out []model.RunEvent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev model.RunEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("decode event of %s: %w", id, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteBefore removes batches, lines and runs older than cutoff and
// returns the number of rows removed.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff = cutoff.UTC()
	var total int64
	for _, stmt := range []string{
		`DELETE FROM log_lines WHERE flushed_at < ?`,
		`DELETE FROM log_batches WHERE flushed_at < ?`,
		`DELETE FROM run_events WHERE run_id IN (SELECT id FROM analysis_runs WHERE created_at < ?)`,
		`DELETE FROM analysis_runs WHERE created_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return 0, fmt.Errorf("retention delete: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}
