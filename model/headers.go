package model

import "net/textproto"

func canonicalKey(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// AddField appends a header value under its canonical name.
func (h *Headers) AddField(name, value string) {
	if h.Fields == nil {
		h.Fields = make(map[string][]string)
	}
	key := canonicalKey(name)
	h.Fields[key] = append(h.Fields[key], value)
}

