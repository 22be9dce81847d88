// Package normalize derives the indexed form of a parsed message.
package normalize

import (
	"strings"

	"github.com/dhcgn/mbox-drill/model"
)

// Message canonicalizes sender, domain and year. It has no failure path:
// missing data maps to the model sentinels.
func Message(p model.ParsedMessage) model.Message {
	sender := strings.TrimSpace(p.SenderAddress)
	if sender == "" {
		sender = model.UnknownSender
	}

	msg := model.Message{
		MessageID:       p.Headers.MessageID,
		SenderAddress:   sender,
		SenderKey:       strings.ToLower(sender),
		SenderDomain:    Domain(sender),
		Subject:         strings.TrimSpace(p.Headers.Subject),
		RawDate:         strings.TrimSpace(p.Headers.Date),
		Year:            model.UnknownYear,
		Size:            p.Size,
		RawSize:         p.RawSize,
		AttachmentCount: p.AttachmentCount,
		AttachmentSize:  p.AttachmentSize,
		ArchiveOffset:   p.Frame.Offset,
		ArchiveLength:   p.Frame.Length,
		Labels:          p.Headers.Labels,
		Degraded:        p.Degraded,
	}
	if len(msg.Labels) == 0 {
		msg.Labels = []string{model.UnlabeledLabel}
	}
	if !p.SentAt.IsZero() {
		msg.SentAt = p.SentAt.UTC()
		msg.Year = msg.SentAt.Year()
	}
	return msg
}

// Domain returns the lowercased text after the last '@', or
// model.UnknownDomain when there is none.
func Domain(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return model.UnknownDomain
	}
	domain := strings.ToLower(strings.TrimSpace(address[at+1:]))
	if domain == "" {
		return model.UnknownDomain
	}
	return domain
}
