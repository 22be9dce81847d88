// Package labels extracts Gmail labels from the X-Gmail-Labels header and
// classifies them.
//
// Google Takeout writes one X-Gmail-Labels header per message holding a
// comma separated list, folded over several lines when long. Labels that
// contain a comma are double-quoted. Some tools re-export archives with one
// header per label instead, so every occurrence of the header is read.
package labels

import (
	"strings"

	imap "github.com/emersion/go-imap/v2"

	"github.com/dhcgn/mbox-drill/model"
)

// HeaderName is the archive-specific label header.
const HeaderName = "X-Gmail-Labels"

type Kind string

const (
	KindSystem   Kind = "system"
	KindCategory Kind = "category"
	KindStatus   Kind = "status"
	KindUser     Kind = "user"
)

// Info describes a label. Role is the IMAP special-use attribute the label
// corresponds to, empty when there is none.
type Info struct {
	Name string
	Kind Kind
	Role imap.MailboxAttr
}

var systemLabels = map[string]Info{
	"inbox":     {Kind: KindSystem},
	"sent":      {Kind: KindSystem, Role: imap.MailboxAttrSent},
	"spam":      {Kind: KindSystem, Role: imap.MailboxAttrJunk},
	"trash":     {Kind: KindSystem, Role: imap.MailboxAttrTrash},
	"drafts":    {Kind: KindSystem, Role: imap.MailboxAttrDrafts},
	"draft":     {Kind: KindSystem, Role: imap.MailboxAttrDrafts},
	"starred":   {Kind: KindSystem, Role: imap.MailboxAttrFlagged},
	"important": {Kind: KindSystem, Role: imap.MailboxAttrImportant},
	"archived":  {Kind: KindSystem, Role: imap.MailboxAttrArchive},
	"chat":      {Kind: KindSystem},
	"opened":    {Kind: KindStatus},
	"unread":    {Kind: KindStatus},
	strings.ToLower(model.UnlabeledLabel): {Kind: KindSystem},
}

// Classify returns what kind of label name is.
func Classify(name string) Info {
	key := strings.ToLower(strings.TrimSpace(name))
	if info, ok := systemLabels[key]; ok {
		info.Name = name
		return info
	}
	if strings.HasPrefix(key, "category ") {
		return Info{Name: name, Kind: KindCategory}
	}
	return Info{Name: name, Kind: KindUser}
}

// Split breaks one raw header value into label names. Commas inside double
// quotes or inside an RFC 2047 encoded word do not split.
func Split(value string) []string {
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)

	var (
		out     []string
		current strings.Builder
		quoted  bool
	)
	flush := func() {
		name := strings.TrimSpace(current.String())
		if len(name) >= 2 && strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`) {
			name = strings.TrimSpace(name[1 : len(name)-1])
		}
		if name != "" {
			out = append(out, name)
		}
		current.Reset()
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c == '=' && strings.HasPrefix(value[i:], "=?"):
			end := encodedWordEnd(value, i)
			if end < 0 {
				current.WriteByte(c)
				continue
			}
			current.WriteString(value[i:end])
			i = end - 1
		case c == '"':
			quoted = !quoted
			current.WriteByte(c)
		case c == ',' && !quoted:
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return out
}

// encodedWordEnd returns the index just past the encoded word
// =?charset?enc?text?= starting at s[start], or -1 if there is none.
func encodedWordEnd(s string, start int) int {
	rest := s[start+2:]
	charsetEnd := strings.IndexByte(rest, '?')
	if charsetEnd <= 0 || len(rest) < charsetEnd+3 || rest[charsetEnd+2] != '?' {
		return -1
	}
	textStart := charsetEnd + 3
	textEnd := strings.Index(rest[textStart:], "?=")
	if textEnd < 0 {
		return -1
	}
	return start + 2 + textStart + textEnd + 2
}

// Collect merges every raw header occurrence into a deduplicated label list
// in first-seen order. Each name is passed through decode after splitting;
// decode may be nil. A message without labels gets model.UnlabeledLabel.
func Collect(values []string, decode func(string) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, value := range values {
		for _, name := range Split(value) {
			if decode != nil {
				name = strings.TrimSpace(decode(name))
			}
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return []string{model.UnlabeledLabel}
	}
	return out
}
