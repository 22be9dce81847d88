package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dhcgn/mbox-drill/filter"
	"github.com/dhcgn/mbox-drill/model"
	"github.com/dhcgn/mbox-drill/normalize"
	"github.com/dhcgn/mbox-drill/parser"
	"github.com/dhcgn/mbox-drill/runner"
)

type Options struct {
	Path string
	// MaxMessageBytes rejects larger messages as malformed; 0 means no limit.
	MaxMessageBytes int64
	// KeepFromQuoting disables mboxrd ">From " unquoting.
	KeepFromQuoting bool
	Filter          filter.Options
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if opts.MaxMessageBytes < 0 {
		return nil, fmt.Errorf("max message bytes must not be negative")
	}
	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, err
	}
	return &fileReader{
		path:            path,
		logger:          logger,
		filter:          f,
		maxMessageBytes: opts.MaxMessageBytes,
		unescapeFrom:    !opts.KeepFromQuoting,
	}, nil
}

type fileReader struct {
	path            string
	logger          *slog.Logger
	filter          *filter.Filter
	maxMessageBytes int64
	unescapeFrom    bool
}

func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return f.stream(ctx, file, out)
}

func (f *fileReader) stream(ctx context.Context, src io.Reader, out chan<- model.Envelope) error {
	framer := NewFramer(src)
	framer.SetMaxMessageBytes(f.maxMessageBytes)
	framer.SetUnescapeFrom(f.unescapeFrom)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := framer.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if junk := framer.JunkBytes(); junk > 0 && f.logger != nil {
					f.logger.Warn("skipped data before first message", "path", f.path, "bytes", junk)
				}
				return nil
			}
			if errors.Is(err, ErrMessageTooLarge) {
				if err := f.emitError(ctx, out, frame, err); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("read mbox %s: %w", f.path, err)
		}

		env, err := f.envelope(frame)
		if err != nil {
			if err := f.emitError(ctx, out, frame, err); err != nil {
				return err
			}
			continue
		}
		if err := f.emitEnvelope(ctx, out, env); err != nil {
			return err
		}
	}
}

func (f *fileReader) envelope(frame model.Frame) (model.Envelope, error) {
	parsed, err := parser.Parse(frame)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("message %d: %w", frame.Index, err)
	}
	if parsed.Degraded && f.logger != nil {
		f.logger.Debug("message recovered with fallbacks", "index", frame.Index, "offset", frame.Offset, "problems", parsed.Problems)
	}
	msg := normalize.Message(parsed)
	return model.Envelope{
		Index:    frame.Index,
		End:      frame.Offset + frame.Length,
		Message:  msg,
		Filtered: !f.filter.Allows(frame.Raw, msg.Labels),
	}, nil
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, frame model.Frame, err error) error {
	if f.logger != nil {
		f.logger.Warn("skipping message", "path", f.path, "index", frame.Index, "offset", frame.Offset, "err", err)
	}
	return f.emitEnvelope(ctx, out, model.Envelope{
		Index: frame.Index,
		End:   frame.Offset + frame.Length,
		Err:   err,
	})
}

func (f *fileReader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

type Producer struct {
	reader Reader
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseEnvelopes()
	return p.reader.Stream(ctx, p.runner.EnvelopeWriter())
}

// Size returns the archive size in bytes, for progress reporting.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat mbox: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("mbox %s is a directory", path)
	}
	return info.Size(), nil
}
