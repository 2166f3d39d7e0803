package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/okian/demandseries/pkg/logger"
)

const runCols = `id, store_id, range_from, range_to, run_trigger, status, rows_processed, rows_written,
       error, cancel_requested, lease_expires_at, created_at, started_at, finished_at`

// ClaimRun inserts run as pending. The partial unique index on active runs
// makes the claim exclusive per store; a claim whose lease has expired
// belongs to a dead process and is failed before the new one is inserted.
func (s *SQLiteStore) ClaimRun(ctx context.Context, run model.PipelineRun) (model.PipelineRun, error) {
	if run.ID == "" || run.StoreID == "" {
		return model.PipelineRun{}, fmt.Errorf("%w: run needs id and store", ErrInvalidRecord)
	}
	if err := run.Range.Validate(); err != nil {
		return model.PipelineRun{}, err
	}
	now := s.now().UTC()
	run.Status = model.RunPending
	run.CreatedAt = now
	if run.Trigger == "" {
		run.Trigger = model.TriggerManual
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.expireActiveRun(ctx, tx, run.StoreID, "superseded by "+run.ID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
INSERT INTO pipeline_runs (id, store_id, range_from, range_to, run_trigger, status, lease_expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.StoreID, run.Range.From.String(), run.Range.To.String(), string(run.Trigger),
			string(run.Status), fmtTime(run.LeaseExpiresAt), fmtTime(now))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: store %s", ErrRunInProgress, run.StoreID)
			}
			return fmt.Errorf("sqlite: insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.PipelineRun{}, err
	}
	return run, nil
}

// expireActiveRun fails with ErrRunInProgress while the store has a run with a
// live lease. An active run whose lease has expired belongs to a dead process;
// it is failed so that a late commit from it is refused.
func (s *SQLiteStore) expireActiveRun(ctx context.Context, tx *sql.Tx, storeID, reason string) error {
	var activeID, lease string
	err := tx.QueryRowContext(ctx,
		`SELECT id, lease_expires_at FROM pipeline_runs WHERE store_id = ? AND status IN ('pending', 'running')`,
		storeID,
	).Scan(&activeID, &lease)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("sqlite: read active run: %w", err)
	}
	expires, err := parseTime(lease)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if expires.IsZero() || now.Before(expires) {
		return fmt.Errorf("%w: store %s run %s", ErrRunInProgress, storeID, activeID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(model.RunFailed), "lease expired; "+reason, fmtTime(now), activeID,
	); err != nil {
		return fmt.Errorf("sqlite: expire run: %w", err)
	}
	s.log.Warn(ctx, "failed run with expired lease",
		logger.String("store_id", storeID),
		logger.String("expired_run_id", activeID),
		logger.String("reason", reason))
	return nil
}

// StartRun moves a pending run to running.
func (s *SQLiteStore) StartRun(ctx context.Context, runID string, leaseUntil time.Time) error {
	tag, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, started_at = ?, lease_expires_at = ? WHERE id = ? AND status = ?`,
		string(model.RunRunning), fmtTime(s.now()), fmtTime(leaseUntil), runID, string(model.RunPending))
	if err != nil {
		return fmt.Errorf("sqlite: start run: %w", err)
	}
	return expectOne(tag, runID)
}

// SaveCheckpoint records a finished stage and renews the run lease.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, runID string, cp model.StageCheckpoint, leaseUntil time.Time) (bool, error) {
	errs, err := json.Marshal(nonNil(cp.Errors))
	if err != nil {
		return false, fmt.Errorf("sqlite: encode checkpoint: %w", err)
	}
	anomalies, err := json.Marshal(nonNil(cp.Anomalies))
	if err != nil {
		return false, fmt.Errorf("sqlite: encode checkpoint: %w", err)
	}
	filtered, err := json.Marshal(nonNil(cp.Filtered))
	if err != nil {
		return false, fmt.Errorf("sqlite: encode checkpoint: %w", err)
	}

	var cancel int
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		tag, err := tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET lease_expires_at = ? WHERE id = ? AND status = ?`,
			fmtTime(leaseUntil), runID, string(model.RunRunning))
		if err != nil {
			return fmt.Errorf("sqlite: renew lease: %w", err)
		}
		if err := expectOne(tag, runID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_checkpoints (run_id, seq, stage, rows_in, rows_out, elapsed_ns, errors, anomalies, filtered)
VALUES (?, (SELECT COUNT(*) FROM run_checkpoints WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?)`,
			runID, runID, cp.Stage, cp.RowsIn, cp.RowsOut, cp.Elapsed.Nanoseconds(),
			string(errs), string(anomalies), string(filtered)); err != nil {
			return fmt.Errorf("sqlite: insert checkpoint: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`SELECT cancel_requested FROM pipeline_runs WHERE id = ?`, runID).Scan(&cancel)
	})
	if err != nil {
		return false, err
	}
	return cancel == 1, nil
}

// FinishRun sets a terminal status on an active run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run model.PipelineRun) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.finishRun(ctx, tx, run)
	})
}

func (s *SQLiteStore) finishRun(ctx context.Context, tx *sql.Tx, run model.PipelineRun) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", model.ErrInvalidStatus, run.Status)
	}
	finished := run.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	tag, err := tx.ExecContext(ctx, `
UPDATE pipeline_runs
SET status = ?, rows_processed = ?, rows_written = ?, error = ?, finished_at = ?, lease_expires_at = ''
WHERE id = ? AND status IN ('pending', 'running')`,
		string(run.Status), run.RowsProcessed, run.RowsWritten, run.Error, fmtTime(finished), run.ID)
	if err != nil {
		return fmt.Errorf("sqlite: finish run: %w", err)
	}
	return expectOne(tag, run.ID)
}

// CommitRun writes a run's output and finishes it in one transaction. If the
// run lost its claim in the meantime nothing is written.
func (s *SQLiteStore) CommitRun(ctx context.Context, c Commit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.replaceSeries(ctx, tx, c.Run.StoreID, c.Run.Range, c.Run.ID, c.Rows); err != nil {
			return err
		}
		if err := s.insertMappings(ctx, tx, c.Mappings); err != nil {
			return err
		}
		return s.finishRun(ctx, tx, c.Run)
	})
}

// RequestCancel cancels a pending run outright and flags a running one;
// the orchestrator honours the flag at the next stage boundary.
func (s *SQLiteStore) RequestCancel(ctx context.Context, runID string) (model.PipelineRun, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := fmtTime(s.now())
		if _, err := tx.ExecContext(ctx, `
UPDATE pipeline_runs SET status = ?, finished_at = ?, lease_expires_at = '', cancel_requested = 1
WHERE id = ? AND status = ?`, string(model.RunCancelled), now, runID, string(model.RunPending)); err != nil {
			return fmt.Errorf("sqlite: cancel pending run: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE pipeline_runs SET cancel_requested = 1 WHERE id = ? AND status = ?`,
			runID, string(model.RunRunning)); err != nil {
			return fmt.Errorf("sqlite: flag run cancel: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.PipelineRun{}, err
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return model.PipelineRun{}, err
	}
	if run.Status.Terminal() && run.Status != model.RunCancelled {
		return run, fmt.Errorf("%w: run %s already %s", ErrRunNotActive, runID, run.Status)
	}
	return run, nil
}

// GetRun loads a run with its checkpoints.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (model.PipelineRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM pipeline_runs WHERE id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PipelineRun{}, fmt.Errorf("run %q: %w", runID, ErrNotFound)
		}
		return model.PipelineRun{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	if run.Checkpoints, err = s.loadCheckpoints(ctx, runID); err != nil {
		return model.PipelineRun{}, err
	}
	return run, nil
}

// ListRuns returns the newest runs first; empty storeID lists all stores.
func (s *SQLiteStore) ListRuns(ctx context.Context, storeID string, limit int) ([]model.PipelineRun, error) {
	b := s.sb.Select(runCols).From("pipeline_runs").OrderBy("created_at DESC", "id DESC")
	if storeID != "" {
		b = b.Where(sq.Eq{"store_id": storeID})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("sqlite: build list runs: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	var out []model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("sqlite: iter runs: %w", err)
	}
	_ = rows.Close()

	for i := range out {
		if out[i].Checkpoints, err = s.loadCheckpoints(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) loadCheckpoints(ctx context.Context, runID string) ([]model.StageCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stage, rows_in, rows_out, elapsed_ns, errors, anomalies, filtered
FROM run_checkpoints WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []model.StageCheckpoint
	for rows.Next() {
		var (
			cp                        model.StageCheckpoint
			elapsed                   int64
			errs, anomalies, filtered string
		)
		if err := rows.Scan(&cp.Stage, &cp.RowsIn, &cp.RowsOut, &elapsed, &errs, &anomalies, &filtered); err != nil {
			return nil, fmt.Errorf("sqlite: scan checkpoint: %w", err)
		}
		cp.Elapsed = time.Duration(elapsed)
		for _, f := range []struct {
			raw string
			dst *map[string]int
		}{{errs, &cp.Errors}, {anomalies, &cp.Anomalies}, {filtered, &cp.Filtered}} {
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, fmt.Errorf("sqlite: decode checkpoint: %w", err)
			}
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter checkpoints: %w", err)
	}
	return out, nil
}

func scanRun(r scanner) (model.PipelineRun, error) {
	var (
		run                               model.PipelineRun
		from, to, trigger, status         string
		cancel                            int
		lease, created, started, finished string
	)
	if err := r.Scan(&run.ID, &run.StoreID, &from, &to, &trigger, &status, &run.RowsProcessed, &run.RowsWritten,
		&run.Error, &cancel, &lease, &created, &started, &finished); err != nil {
		return model.PipelineRun{}, err
	}
	run.Trigger = model.RunTrigger(trigger)
	run.Status = model.RunStatus(status)
	run.CancelRequested = cancel == 1
	var err error
	if run.Range.From, err = model.ParseDate(from); err != nil {
		return model.PipelineRun{}, err
	}
	if run.Range.To, err = model.ParseDate(to); err != nil {
		return model.PipelineRun{}, err
	}
	for _, t := range []struct {
		raw string
		dst *time.Time
	}{{lease, &run.LeaseExpiresAt}, {created, &run.CreatedAt}, {started, &run.StartedAt}, {finished, &run.FinishedAt}} {
		if *t.dst, err = parseTime(t.raw); err != nil {
			return model.PipelineRun{}, err
		}
	}
	return run, nil
}

func expectOne(tag sql.Result, runID string) error {
	n, err := tag.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	return nil
}

func nonNil(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
