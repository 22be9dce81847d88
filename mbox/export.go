package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	mboxlib "github.com/emersion/go-mbox"
)

// Span is the byte range of one message in an archive, separator included.
type Span struct {
	Offset int64
	Length int64
}

// Export copies the messages at spans from src into a new mbox written to
// dst, keeping their envelope sender and date. It returns how many messages
// were written.
func Export(ctx context.Context, src io.ReaderAt, spans []Span, dst io.Writer) (int, error) {
	w := mboxlib.NewWriter(dst)
	written := 0
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		framer := NewFramer(io.NewSectionReader(src, span.Offset, span.Length))
		// Quoted >From lines are copied as they are; the writer only quotes
		// bare "From " lines.
		framer.SetUnescapeFrom(false)
		frame, err := framer.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, fmt.Errorf("no message at offset %d", span.Offset)
			}
			return written, fmt.Errorf("read message at offset %d: %w", span.Offset, err)
		}

		sender := frame.EnvelopeSender
		if sender == "" {
			sender = "MAILER-DAEMON"
		}
		sentAt := frame.EnvelopeTime
		if sentAt.IsZero() {
			sentAt = time.Unix(0, 0).UTC()
		}
		mw, err := w.CreateMessage(sender, sentAt)
		if err != nil {
			return written, fmt.Errorf("create message: %w", err)
		}
		if _, err := mw.Write(frame.Raw); err != nil {
			return written, fmt.Errorf("write message: %w", err)
		}
		written++
	}
	if err := w.Close(); err != nil {
		return written, fmt.Errorf("finish mbox: %w", err)
	}
	return written, nil
}
