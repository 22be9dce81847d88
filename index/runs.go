package index

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// Counts are the per-run message tallies.
type Counts struct {
	Scanned   int64 `json:"scanned"`
	Indexed   int64 `json:"indexed"`
	Degraded  int64 `json:"degraded"`
	Malformed int64 `json:"malformed"`
	Filtered  int64 `json:"filtered"`
}

// StartRun records a new ingestion run and returns its id.
func (w *Writer) StartRun(ctx context.Context, source string) (string, error) {
	id := uuid.NewString()
	tx, err := w.begin(ctx)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, source, started_at, status) VALUES (?, ?, ?, ?)`,
		id, source, time.Now().Unix(), string(RunRunning),
	); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	if err := w.commit(); err != nil {
		return "", err
	}
	w.runID = id
	return id, nil
}

// Progress stores the running counts alongside the open batch, so the run
// row never claims more than what was committed.
func (w *Writer) Progress(ctx context.Context, c Counts) error {
	if w.runID == "" {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	tx, err := w.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ingest_runs
		SET scanned = ?, indexed = ?, degraded = ?, malformed = ?, filtered = ?
		WHERE id = ?`,
		c.Scanned, c.Indexed, c.Degraded, c.Malformed, c.Filtered, w.runID,
	); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// FinishRun commits the open batch together with the final counts and status.
func (w *Writer) FinishRun(ctx context.Context, status RunStatus, c Counts) error {
	if w.runID == "" {
		return w.commit()
	}
	ctx = context.WithoutCancel(ctx)
	tx, err := w.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ingest_runs
		SET finished_at = ?, status = ?,
		    scanned = ?, indexed = ?, degraded = ?, malformed = ?, filtered = ?
		WHERE id = ?`,
		time.Now().Unix(), string(status),
		c.Scanned, c.Indexed, c.Degraded, c.Malformed, c.Filtered, w.runID,
	); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return w.commit()
}
