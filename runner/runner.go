package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mbox-drill/model"
	"github.com/dhcgn/mbox-drill/stats"
)

type StageFunc func(context.Context) error

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

// Runner wires the ingestion stages together. Stages and subscribers are
// registered first and started by Start; the first stage error cancels the
// others.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	envelopes chan model.Envelope

	stages      map[string]StageFunc
	stageOrder  []string
	subscribers []*subscriber

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEnvelopesOnce sync.Once
	closeEventsOnce    sync.Once
	since              time.Time
}

// New creates a runner whose stages stop when parent is cancelled.
func New(parent context.Context, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		envelopes: make(chan model.Envelope, 64),
		stages:    make(map[string]StageFunc),
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) EnvelopeWriter() chan<- model.Envelope {
	return r.envelopes
}

func (r *Runner) Envelopes() <-chan model.Envelope {
	return r.envelopes
}

func (r *Runner) CloseEnvelopes() {
	r.closeEnvelopesOnce.Do(func() {
		close(r.envelopes)
	})
}

// EmitEvent hands evt to every subscriber. Events are dropped once the run
// is cancelled and a subscriber is not keeping up.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case sub.events <- evt:
		default:
			select {
			case <-r.ctx.Done():
			case sub.events <- evt:
			}
		}
	}
}

// SubscribeStats registers fn to receive every event. It must be called
// before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{
		name:   name,
		fn:     fn,
		events: make(chan stats.Event, 256),
	})
}

// AddStage registers a pipeline stage. It must be called before Start.
func (r *Runner) AddStage(name string, fn StageFunc) {
	if _, dup := r.stages[name]; !dup {
		r.stageOrder = append(r.stageOrder, name)
	}
	r.stages[name] = fn
}

// Start runs all stages and subscribers and blocks until they are done. It
// returns the first stage error; cancellation of the parent context is not
// an error.
func (r *Runner) Start() error {
	r.since = time.Now()

	// Subscribers drain their channels even after cancellation so the final
	// summary covers every emitted event.
	subCtx := context.WithoutCancel(r.ctx)
	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub *subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(subCtx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, name := range r.stageOrder {
		r.workWG.Add(1)
		go func(name string, fn StageFunc) {
			defer r.workWG.Done()
			if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", name, err))
			}
		}(name, r.stages[name])
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	err := r.Err()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

// Err returns the first stage error, if any.
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
