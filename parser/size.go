package parser

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
)

const maxMIMEDepth = 32

// sizer sums decoded leaf sizes over a MIME tree.
type sizer struct {
	size            int64
	attachments     int
	attachmentBytes int64
	problems        []string
}

func (s *sizer) walk(e *message.Entity, depth int) error {
	mr := e.MultipartReader()
	if mr == nil {
		return s.leaf(e)
	}
	if depth >= maxMIMEDepth {
		s.problems = append(s.problems, fmt.Sprintf("multipart nesting deeper than %d levels", maxMIMEDepth))
		n, err := io.Copy(io.Discard, e.Body)
		s.size += n
		return err
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if part == nil || !(message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)) {
				return err
			}
			s.problems = append(s.problems, fmt.Sprintf("part: %v", err))
		}
		if err := s.walk(part, depth+1); err != nil {
			return err
		}
	}
}

func (s *sizer) leaf(e *message.Entity) error {
	n, err := io.Copy(io.Discard, e.Body)
	s.size += n
	if err != nil {
		return err
	}
	if isAttachment(e.Header) {
		s.attachments++
		s.attachmentBytes += n
	}
	return nil
}

func isAttachment(h message.Header) bool {
	disp, params, _ := h.ContentDisposition()
	if strings.EqualFold(disp, "attachment") || params["filename"] != "" {
		return true
	}
	mediaType, ctParams, _ := h.ContentType()
	if ctParams["name"] == "" {
		return false
	}
	return !strings.HasPrefix(mediaType, "text/") && !strings.HasPrefix(mediaType, "multipart/")
}
