package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dhcgn/mbox-drill/model"
)

const maxLineBytes = 32 << 20 // 32 MiB

var (
	ErrMessageTooLarge = errors.New("mbox message exceeds max size")
	// ErrLineTooLong marks a frame holding a line over the line limit. It
	// wraps ErrMessageTooLarge.
	ErrLineTooLong = fmt.Errorf("%w: line too long", ErrMessageTooLarge)
	ErrNotSeekable = errors.New("mbox source is not seekable")
)

var fromPrefix = []byte("From ")

// separatorLayouts are the envelope date formats seen in the wild. Gmail
// exports use the first one.
var separatorLayouts = []string{
	"Mon Jan _2 15:04:05 -0700 2006",
	time.ANSIC,
	time.UnixDate,
	"Mon Jan _2 15:04:05 2006 -0700",
	"Mon Jan _2 15:04 2006",
	"Mon Jan _2 15:04:05 MST -0700 2006",
	time.RFC1123Z,
	time.RFC1123,
}

type offsetReader struct {
	r io.Reader
	n int64
}

func (o *offsetReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	o.n += int64(n)
	return n, err
}

type separator struct {
	line   string
	offset int64
}

// Framer cuts an mbox stream into raw messages. A message starts at a
// "From <sender> <date>" line found at the start of the stream or right after
// a blank line; "From " anywhere else is body text.
type Framer struct {
	src io.Reader
	or  *offsetReader
	br  *bufio.Reader

	next      *separator
	prevBlank bool
	eof       bool
	index     int
	junkBytes int64

	maxMessageBytes int64
	maxLineBytes    int
	unescapeFrom    bool
}

// NewFramer creates a framer reading from r.
func NewFramer(r io.Reader) *Framer {
	f := &Framer{src: r, unescapeFrom: true, maxLineBytes: maxLineBytes}
	f.reset(0)
	return f
}

// SetMaxMessageBytes rejects messages larger than n bytes. n <= 0 disables
// the limit.
func (f *Framer) SetMaxMessageBytes(n int64) {
	f.maxMessageBytes = n
}

// SetUnescapeFrom controls whether one leading '>' is stripped from lines
// matching ^>+From (mboxrd unquoting). Enabled by default.
func (f *Framer) SetUnescapeFrom(enabled bool) {
	f.unescapeFrom = enabled
}

// JunkBytes reports how many bytes preceded the first separator.
func (f *Framer) JunkBytes() int64 {
	return f.junkBytes
}

// Offset reports the number of bytes consumed from the stream so far.
func (f *Framer) Offset() int64 {
	return f.or.n - int64(f.br.Buffered())
}

// Reset rewinds the framer to the start of the stream.
func (f *Framer) Reset() error {
	s, ok := f.src.(io.Seeker)
	if !ok {
		return ErrNotSeekable
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind mbox: %w", err)
	}
	f.reset(0)
	return nil
}

func (f *Framer) reset(offset int64) {
	f.or = &offsetReader{r: f.src, n: offset}
	f.br = bufio.NewReaderSize(f.or, 64*1024)
	f.next = nil
	f.prevBlank = true
	f.eof = false
	f.index = 0
	f.junkBytes = 0
}

// Next returns the next frame or io.EOF. A frame rejected for its size or for
// an over-long line is returned together with ErrMessageTooLarge (or
// ErrLineTooLong); framing can continue after it.
func (f *Framer) Next() (model.Frame, error) {
	if f.next == nil {
		if f.eof {
			return model.Frame{}, io.EOF
		}
		if err := f.seekSeparator(); err != nil {
			return model.Frame{}, err
		}
	}

	sep := f.next
	f.next = nil
	sender, sentAt, _ := ParseSeparator(sep.line)
	frame := model.Frame{
		Index:          f.index,
		FromLine:       sep.line,
		EnvelopeSender: sender,
		EnvelopeTime:   sentAt,
		Offset:         sep.offset,
	}
	f.index++

	var (
		raw      bytes.Buffer
		lastLine int
		tooLarge bool
		longLine bool
	)
	f.prevBlank = false
	for {
		lineStart := f.Offset()
		line, dropped, err := f.readLine()
		if dropped {
			longLine = true
			tooLarge = true
			raw.Reset()
			f.prevBlank = false
		}
		if len(line) > 0 {
			if f.prevBlank && isSeparatorLine(line) {
				f.next = &separator{line: trimEOL(line), offset: lineStart}
				f.prevBlank = true
				// The blank line before a separator belongs to the separator.
				if !tooLarge && lastLine <= raw.Len() {
					raw.Truncate(raw.Len() - lastLine)
				}
				break
			}
			if !tooLarge {
				b := line
				if f.unescapeFrom {
					b = unescapeFrom(line)
				}
				if f.maxMessageBytes > 0 && int64(raw.Len()+len(b)) > f.maxMessageBytes {
					tooLarge = true
					raw.Reset()
				} else {
					raw.Write(b)
					lastLine = len(b)
				}
			}
			f.prevBlank = isBlank(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.eof = true
				break
			}
			return frame, err
		}
	}

	end := f.Offset()
	if f.next != nil {
		end = f.next.offset
	}
	frame.Length = end - frame.Offset

	if longLine {
		return frame, fmt.Errorf("%w: frame %d, line limit %d bytes", ErrLineTooLong, frame.Index, f.maxLineBytes)
	}
	if tooLarge {
		return frame, fmt.Errorf("%w: frame %d, limit %d bytes", ErrMessageTooLarge, frame.Index, f.maxMessageBytes)
	}
	frame.Raw = raw.Bytes()
	return frame, nil
}

func (f *Framer) seekSeparator() error {
	for {
		lineStart := f.Offset()
		line, dropped, err := f.readLine()
		if dropped {
			f.junkBytes += f.Offset() - lineStart
			f.prevBlank = false
		}
		if len(line) > 0 {
			if f.prevBlank && isSeparatorLine(line) {
				f.next = &separator{line: trimEOL(line), offset: lineStart}
				return nil
			}
			f.junkBytes += int64(len(line))
			f.prevBlank = isBlank(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.eof = true
				return io.EOF
			}
			return err
		}
	}
}

// readLine returns the next line with its terminator. A line longer than
// maxLineBytes is consumed up to its end and dropped; dropped reports that.
func (f *Framer) readLine() (line []byte, dropped bool, err error) {
	for {
		b, err := f.br.ReadSlice('\n')
		if !dropped {
			if len(line)+len(b) > f.maxLineBytes {
				dropped = true
				line = nil
			} else {
				line = append(line, b...)
			}
		}
		if err == nil {
			return line, dropped, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, dropped, err
	}
}

// ParseSeparator splits a "From " line into the envelope sender and date.
// ok is false when the line is not a separator.
func ParseSeparator(line string) (sender string, sentAt time.Time, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "From ") {
		return "", time.Time{}, false
	}
	fields := strings.Fields(line[len("From "):])
	if len(fields) < 2 {
		return "", time.Time{}, false
	}
	sender = fields[0]
	date := strings.Join(fields[1:], " ")
	for _, layout := range separatorLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return sender, t, true
		}
	}
	if looksLikeAsctime(fields[1:]) {
		return sender, time.Time{}, true
	}
	return "", time.Time{}, false
}

// looksLikeAsctime accepts dates we cannot parse exactly but that still end in
// a year and contain a clock, e.g. with an unusual zone token.
func looksLikeAsctime(fields []string) bool {
	if len(fields) < 4 {
		return false
	}
	year := fields[len(fields)-1]
	if len(year) != 4 || strings.Trim(year, "0123456789") != "" {
		return false
	}
	for _, f := range fields {
		if strings.Count(f, ":") >= 1 && strings.Trim(f, "0123456789:") == "" {
			return true
		}
	}
	return false
}

func isSeparatorLine(line []byte) bool {
	if !bytes.HasPrefix(line, fromPrefix) {
		return false
	}
	_, _, ok := ParseSeparator(string(line))
	return ok
}

func isBlank(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

func trimEOL(line []byte) string {
	return string(bytes.TrimRight(line, "\r\n"))
}

// unescapeFrom removes one leading '>' from lines matching ^>+From .
func unescapeFrom(line []byte) []byte {
	if len(line) == 0 || line[0] != '>' {
		return line
	}
	i := 0
	for i < len(line) && line[i] == '>' {
		i++
	}
	if bytes.HasPrefix(line[i:], fromPrefix) {
		return line[1:]
	}
	return line
}
