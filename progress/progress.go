package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/dhcgn/mbox-drill/stats"
)

// Bar tracks ingestion progress in archive bytes.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int64
	current int64
	indexed int
	mu      sync.Mutex
	enabled bool
	printer *message.Printer
}

// New creates a progress bar over an archive of total bytes. A disabled bar
// ignores every update.
func New(total int64, enabled bool) *Bar {
	bar := &Bar{
		total:   total,
		enabled: enabled && total > 0,
		printer: message.NewPrinter(language.English),
	}

	if bar.enabled {
		pterm.Info.Printf("Archive size: %s\n", humanize.IBytes(uint64(total)))
		pterm.Println()

		pb, _ := pterm.DefaultProgressbar.
			WithTotal(int(total)).
			WithTitle("Indexing messages").
			WithShowCount(false).
			Start()
		bar.pb = pb
	}

	return bar
}

// Update advances the bar for one event.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}

	switch evt.Type {
	case stats.EventTypeScanned:
		if delta := evt.Offset - b.current; delta > 0 {
			b.pb.Add(int(delta))
			b.current = evt.Offset
		}
	case stats.EventTypeIndexed:
		b.indexed++
		if b.indexed%100 == 0 {
			b.pb.UpdateTitle(b.printer.Sprintf("Indexed %d messages", b.indexed))
		}
	case stats.EventTypeMalformed, stats.EventTypeError:
		if evt.Err != nil {
			pterm.Warning.Printf("message %d: %v\n", evt.Index, evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}

	if b.current < b.total {
		b.pb.Add(int(b.total - b.current))
		b.current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				b.Stop()
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter prints the final ingestion summary, with a live bar when
// enabled.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
	printer   *message.Printer
}

// NewProgressReporter subscribes the bar and a summary collector to stream.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
		printer:   message.NewPrinter(language.English),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
	}
	stream.SubscribeStats("progress-stats", reporter.collectStats)

	return reporter
}

// Summary returns what was collected so far.
func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	return nil
}

// PrintSummary writes the ingestion summary to the terminal.
func (pr *ProgressReporter) PrintSummary(status string) {
	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started).Round(time.Millisecond)
	p := pr.printer

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Status: %s\n", status)
	pterm.Info.Printf("Duration: %v\n", duration)
	pterm.Info.Println(p.Sprintf("Scanned: %d (%s)", summary.Scanned, humanize.IBytes(uint64(summary.Bytes))))
	pterm.Info.Println(p.Sprintf("Indexed: %d", summary.Indexed))
	pterm.Info.Println(p.Sprintf("Degraded (indexed with fallbacks): %d", summary.Degraded))
	pterm.Info.Println(p.Sprintf("Malformed (skipped): %d", summary.Malformed))
	pterm.Info.Println(p.Sprintf("Filtered: %d", summary.Filtered))
	if summary.Errors > 0 {
		pterm.Error.Println(p.Sprintf("Errors: %d", summary.Errors))
	}
	if summary.LastError != nil {
		pterm.Warning.Printf("Last problem: %v\n", summary.LastError)
	}
	if pr.logger != nil {
		pr.logger.Debug("ingest summary", append(summary.LogAttrs(), "duration", duration)...)
	}
}
