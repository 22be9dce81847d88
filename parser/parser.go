// Package parser turns a raw mbox frame into a typed message: decoded
// headers, sender address, sent date, labels and body size accounting.
//
// Parsing never fails hard on damaged input. Anything that can be recovered
// with a fallback is recovered and the message is marked degraded; only a
// frame with no recognizable header at all is rejected with ErrMalformed.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mbox-drill/labels"
	"github.com/dhcgn/mbox-drill/model"
)

var ErrMalformed = errors.New("malformed message")

// Parse decodes one frame.
func Parse(frame model.Frame) (model.ParsedMessage, error) {
	pm := model.ParsedMessage{
		Frame:   frame,
		RawSize: int64(len(frame.Raw)),
	}
	if len(bytes.TrimSpace(frame.Raw)) == 0 {
		return pm, fmt.Errorf("%w: frame %d is empty", ErrMalformed, frame.Index)
	}

	entity, err := readEntity(frame.Raw, &pm)
	if err != nil {
		return pm, fmt.Errorf("%w: frame %d: %v", ErrMalformed, frame.Index, err)
	}

	header := mail.Header{Header: entity.Header}
	pm.Headers = typedHeaders(header, &pm)
	pm.SenderAddress = senderAddress(header, &pm)

	if raw := strings.TrimSpace(pm.Headers.Date); raw != "" {
		if t, ok := parseDate(raw); ok {
			pm.SentAt = t
		} else {
			pm.Degrade("unparsable Date %q", raw)
		}
	}

	rawHeader, _ := SplitRaw(frame.Raw)
	s := sizer{}
	if err := s.walk(entity, 0); err != nil {
		pm.Degrade("mime: %v", err)
		pm.Size = pm.RawSize
	} else {
		pm.Size = int64(len(rawHeader)) + s.size
	}
	pm.AttachmentCount = s.attachments
	pm.AttachmentSize = s.attachmentBytes
	for _, p := range s.problems {
		pm.Degrade("%s", p)
	}

	return pm, nil
}

// readEntity reads the header block strictly and falls back to the lenient
// scanner when it does not parse. A header block cut off by the end of the
// frame is fine: the message simply has no body.
func readEntity(raw []byte, pm *model.ParsedMessage) (*message.Entity, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	fields, err := textproto.ReadHeader(br)
	var body io.Reader = br
	if err != nil && !errors.Is(err, io.EOF) {
		var rest []byte
		fields, rest = scanHeader(raw)
		if fields.Len() == 0 {
			return nil, err
		}
		pm.Degrade("header: %v", err)
		body = bytes.NewReader(rest)
	}

	entity, err := message.New(message.Header{Header: fields}, body)
	if err != nil {
		if entity == nil {
			return nil, err
		}
		pm.Degrade("body: %v", err)
	}
	return entity, nil
}

func typedHeaders(h mail.Header, pm *model.ParsedMessage) model.Headers {
	out := model.Headers{
		From:      h.Get("From"),
		Sender:    h.Get("Sender"),
		To:        h.Get("To"),
		Date:      h.Get("Date"),
		MessageID: strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>"),
	}
	fields := h.Fields()
	for fields.Next() {
		out.AddField(fields.Key(), fields.Value())
	}

	if raw := h.Get("Subject"); raw != "" {
		subject, ok := DecodeText(raw)
		if !ok {
			pm.Degrade("undecodable Subject %q", raw)
		}
		out.Subject = strings.TrimSpace(subject)
	}

	out.Labels = labels.Collect(h.Values(labels.HeaderName), func(name string) string {
		d, ok := DecodeText(name)
		if !ok {
			pm.Degrade("undecodable %s %q", labels.HeaderName, name)
		}
		return d
	})
	return out
}

// SplitRaw splits a raw message into its header block and body.
func SplitRaw(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}
