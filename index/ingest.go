package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dhcgn/mbox-drill/model"
	"github.com/dhcgn/mbox-drill/runner"
	"github.com/dhcgn/mbox-drill/stats"
)

// Ingester is the pipeline stage that writes envelopes into the index and
// keeps the run row up to date.
type Ingester struct {
	writer    *Writer
	runner    *runner.Runner
	envelopes <-chan model.Envelope
	logger    *slog.Logger
	every     int64

	mu     sync.Mutex
	counts Counts
	status RunStatus
}

// NewIngester registers the index stage on r and logs through r's logger.
// The run must already be started on w.
func NewIngester(w *Writer, r *runner.Runner) (*Ingester, error) {
	if w == nil {
		return nil, fmt.Errorf("index writer is nil")
	}
	if w.runID == "" {
		return nil, fmt.Errorf("no ingest run started")
	}
	ing := &Ingester{
		writer:    w,
		runner:    r,
		envelopes: r.Envelopes(),
		logger:    r.Logger(),
		every:     int64(w.batchSize),
		status:    RunRunning,
	}
	r.AddStage("index", ing.run)
	return ing, nil
}

// Counts returns the tallies so far.
func (ing *Ingester) Counts() Counts {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.counts
}

// Status returns how the run ended, or RunRunning while it is in progress.
func (ing *Ingester) Status() RunStatus {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.status
}

func (ing *Ingester) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ing.finish(ctx, RunInterrupted, ctx.Err())
		case env, ok := <-ing.envelopes:
			if !ok {
				if err := ctx.Err(); err != nil {
					return ing.finish(ctx, RunInterrupted, err)
				}
				return ing.finish(ctx, RunCompleted, nil)
			}
			if err := ing.handle(ctx, env); err != nil {
				if ctx.Err() != nil {
					return ing.finish(ctx, RunInterrupted, ctx.Err())
				}
				ing.runner.EmitEvent(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeError, Index: env.Index, Err: err})
				return ing.finish(ctx, RunFailed, err)
			}
		}
	}
}

func (ing *Ingester) handle(ctx context.Context, env model.Envelope) error {
	evt := stats.Event{Stage: stats.StageIndex, Index: env.Index, Offset: env.End}

	var outcome stats.EventType
	switch {
	case env.Err != nil:
		outcome = stats.EventTypeMalformed
		evt.Err = env.Err
	case env.Filtered:
		outcome = stats.EventTypeFiltered
	default:
		if _, err := ing.writer.Write(ctx, env.Message); err != nil {
			return fmt.Errorf("message %d: %w", env.Index, err)
		}
		outcome = stats.EventTypeIndexed
	}

	ing.mu.Lock()
	ing.counts.Scanned++
	switch outcome {
	case stats.EventTypeMalformed:
		ing.counts.Malformed++
	case stats.EventTypeFiltered:
		ing.counts.Filtered++
	case stats.EventTypeIndexed:
		ing.counts.Indexed++
		if env.Message.Degraded {
			ing.counts.Degraded++
		}
	}
	counts := ing.counts
	ing.mu.Unlock()

	scanned := evt
	scanned.Type = stats.EventTypeScanned
	ing.runner.EmitEvent(scanned)
	evt.Type = outcome
	ing.runner.EmitEvent(evt)
	if outcome == stats.EventTypeIndexed && env.Message.Degraded {
		evt.Type = stats.EventTypeDegraded
		ing.runner.EmitEvent(evt)
	}

	if ing.every > 0 && counts.Scanned%ing.every == 0 {
		if err := ing.writer.Progress(ctx, counts); err != nil {
			return err
		}
	}
	return nil
}

func (ing *Ingester) finish(ctx context.Context, status RunStatus, cause error) error {
	ing.mu.Lock()
	ing.status = status
	counts := ing.counts
	ing.mu.Unlock()

	if err := ing.writer.FinishRun(ctx, status, counts); err != nil {
		if cause == nil || errors.Is(cause, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w (finish run: %v)", cause, err)
	}
	if ing.logger != nil {
		ing.logger.Info("ingest run finished", "status", status, "scanned", counts.Scanned, "indexed", counts.Indexed,
			"degraded", counts.Degraded, "malformed", counts.Malformed, "filtered", counts.Filtered)
	}
	return cause
}
