package parser

import (
	"bufio"
	"bytes"
	"mime"
	netmail "net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/unicode/norm"

	"github.com/dhcgn/mbox-drill/model"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// DecodeText decodes RFC 2047 encoded words and normalizes the result to NFC.
// When a word cannot be decoded the raw value is returned with ok false.
func DecodeText(raw string) (string, bool) {
	decoded, err := wordDecoder.DecodeHeader(raw)
	if err != nil {
		return norm.NFC.String(raw), false
	}
	return norm.NFC.String(decoded), true
}

// scanHeader is the lenient header reader used when strict parsing fails.
// Every "Name: value" line is kept, continuation lines are joined onto the
// previous field and anything else in the header block is dropped.
func scanHeader(raw []byte) (textproto.Header, []byte) {
	block, body := SplitRaw(raw)

	var (
		h           textproto.Header
		name, value string
	)
	flush := func() {
		if name != "" {
			h.Add(name, strings.TrimSpace(value))
		}
		name, value = "", ""
	}

	sc := bufio.NewScanner(bytes.NewReader(block))
	sc.Buffer(make([]byte, 0, 64*1024), maxHeaderLine)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if name != "" {
				value += " " + strings.TrimSpace(line)
			}
			continue
		}
		flush()
		idx := strings.IndexByte(line, ':')
		if idx <= 0 || !validFieldName(line[:idx]) {
			continue
		}
		name = strings.TrimSpace(line[:idx])
		value = line[idx+1:]
	}
	flush()
	return h, body
}

const maxHeaderLine = 1 << 20

func validFieldName(s string) bool {
	s = strings.TrimRight(s, " \t")
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 127 || c == ':' {
			return false
		}
	}
	return true
}

// dateLayouts are tried in order after the RFC 5322 parser gave up.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 06 15:04:05 -0700",
	"Mon Jan _2 15:04:05 2006",
	"Mon Jan _2 15:04:05 MST 2006",
	"Mon Jan _2 15:04:05 -0700 2006",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

var trailingComment = regexp.MustCompile(`\s*\([^()]*\)\s*$`)

func parseDate(raw string) (time.Time, bool) {
	if t, err := netmail.ParseDate(raw); err == nil {
		return t, true
	}
	s := strings.Join(strings.Fields(trailingComment.ReplaceAllString(raw, "")), " ")
	s = strings.TrimSuffix(s, ",")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var angleAddr = regexp.MustCompile(`<([^<>\s@]+@[^<>\s]+)>`)

// senderAddress picks the author address from From, then Sender. The display
// name is dropped. Headers the address parser rejects go through a permissive
// scan before the raw value is used as is.
func senderAddress(h mail.Header, pm *model.ParsedMessage) string {
	for _, key := range []string{"From", "Sender"} {
		raw := strings.TrimSpace(h.Get(key))
		if raw == "" {
			continue
		}
		if list, err := h.AddressList(key); err == nil {
			for _, addr := range list {
				if addr.Address != "" {
					return addr.Address
				}
			}
		}
		pm.Degrade("unparsable %s %q", key, raw)
		if addr := looseAddress(raw); addr != "" {
			return addr
		}
		decoded, _ := DecodeText(raw)
		if decoded = strings.TrimSpace(decoded); decoded != "" {
			return decoded
		}
	}
	return model.UnknownSender
}

func looseAddress(raw string) string {
	if m := angleAddr.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	for _, tok := range strings.Fields(raw) {
		tok = strings.Trim(tok, `<>"'(),;:[]`)
		if at := strings.IndexByte(tok, '@'); at > 0 && at < len(tok)-1 {
			return tok
		}
	}
	return ""
}
