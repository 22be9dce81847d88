package model

import (
	"fmt"
	"time"
)

const (
	// UnknownDomain is used when the sender address has no domain part.
	UnknownDomain = "unknown"
	// UnknownSender is used when a message carries no usable From or Sender header.
	UnknownSender = "(unknown sender)"
	// UnknownYear marks messages whose Date header could not be parsed.
	UnknownYear = 0
	// UnknownYearLabel is how UnknownYear is rendered and filtered.
	UnknownYearLabel = "unknown"
	// UnlabeledLabel is attached to messages that carry no archive labels.
	UnlabeledLabel = "Unlabeled"
)

// Frame is one raw message cut out of an mbox archive.
type Frame struct {
	// Index is the zero-based position of the frame in the archive.
	Index int
	// FromLine is the separator line without its line ending.
	FromLine string
	// EnvelopeSender and EnvelopeTime are parsed from FromLine.
	EnvelopeSender string
	EnvelopeTime   time.Time
	// Offset is the byte offset of the separator line; Length spans the
	// separator and the message up to the next separator.
	Offset int64
	Length int64
	// Raw holds the RFC 5322 message without the separator line.
	Raw []byte
}

// Headers is the typed view of a message header block. Every field has a
// defined empty value so callers never deal with absent keys.
type Headers struct {
	// Fields maps canonical header names to all of their values, in order.
	Fields map[string][]string

	From      string
	Sender    string
	To        string
	Date      string
	Subject   string
	MessageID string
	Labels    []string
}

// Values returns every value recorded for a header, case-insensitively.
func (h Headers) Values(name string) []string {
	return h.Fields[canonicalKey(name)]
}

// ParsedMessage is the parser output for one frame.
type ParsedMessage struct {
	Frame   Frame
	Headers Headers

	// SenderAddress is the From address without display name, or UnknownSender.
	SenderAddress string
	// SentAt is zero when the Date header is missing or unparsable.
	SentAt time.Time

	Size            int64
	RawSize         int64
	AttachmentCount int
	AttachmentSize  int64

	// Degraded is set when part of the message had to be recovered with
	// fallbacks; Problems lists what went wrong.
	Degraded bool
	Problems []string
}

// Degrade marks the message as recovered with fallbacks and records why.
func (p *ParsedMessage) Degrade(format string, args ...any) {
	p.Degraded = true
	p.Problems = append(p.Problems, fmt.Sprintf(format, args...))
}

// Message is a normalized message ready to be indexed.
type Message struct {
	MessageID     string
	SenderAddress string
	SenderKey     string
	SenderDomain  string
	Subject       string
	SentAt        time.Time
	RawDate       string
	Year          int

	Size            int64
	RawSize         int64
	AttachmentCount int
	AttachmentSize  int64

	ArchiveOffset int64
	ArchiveLength int64

	Labels   []string
	Degraded bool
}

// HasDate reports whether the sent timestamp is known.
func (m Message) HasDate() bool {
	return !m.SentAt.IsZero()
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	// Index is the frame position in the archive; End is the archive offset
	// right after the frame.
	Index   int
	End     int64
	Message Message
	// Filtered is set for messages dropped by ingestion filters.
	Filtered bool
	Err      error
}
