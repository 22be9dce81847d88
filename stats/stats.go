package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageMbox  Stage = "mbox"
	StageIndex Stage = "index"
)

type EventType string

const (
	// EventTypeScanned is emitted once per frame read from the archive.
	EventTypeScanned   EventType = "scanned"
	EventTypeIndexed   EventType = "indexed"
	EventTypeDegraded  EventType = "degraded"
	EventTypeMalformed EventType = "malformed"
	EventTypeFiltered  EventType = "filtered"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage Stage
	Type  EventType
	// Index is the frame position in the archive and Offset the number of
	// archive bytes consumed once the frame was read.
	Index  int
	Offset int64
	Err    error
	Detail string
}

type Summary struct {
	Scanned   int
	Indexed   int
	Degraded  int
	Malformed int
	Filtered  int
	Errors    int
	// Bytes is the highest archive offset seen.
	Bytes     int64
	LastError error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"indexed", s.Indexed,
		"degraded", s.Degraded,
		"malformed", s.Malformed,
		"filtered", s.Filtered,
		"errors", s.Errors,
		"bytes", s.Bytes,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if evt.Offset > c.summary.Bytes {
		c.summary.Bytes = evt.Offset
	}
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeIndexed:
		c.summary.Indexed++
	case EventTypeDegraded:
		c.summary.Degraded++
	case EventTypeMalformed:
		c.summary.Malformed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}
