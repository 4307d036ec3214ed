// Package email delivers newsletter messages through pluggable mail providers.
package email

import (
	"context"
	"net/mail"
	"strings"
)

// Message is one personalized newsletter email.
type Message struct {
	To                 string
	Name               string
	Subject            string
	HTML               string
	ListUnsubscribeURL string
}

// Provider defines the interface for email sending implementations.
// A nil error means the provider accepted the message.
type Provider interface {
	Send(ctx context.Context, msg *Message) error
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// sanitized returns a copy of the message with every header field cleaned.
func (m *Message) sanitized() *Message {
	return &Message{
		To:                 sanitizeEmailHeader(m.To),
		Name:               sanitizeEmailHeader(m.Name),
		Subject:            sanitizeEmailHeader(m.Subject),
		HTML:               m.HTML,
		ListUnsubscribeURL: sanitizeEmailHeader(m.ListUnsubscribeURL),
	}
}

// recipient formats the To header, quoting the display name when present.
func (m *Message) recipient() string {
	if m.Name == "" {
		return m.To
	}
	return (&mail.Address{Name: m.Name, Address: m.To}).String()
}

// unsubscribeHeaders returns the one-click unsubscribe headers for the message.
func (m *Message) unsubscribeHeaders() map[string]string {
	if m.ListUnsubscribeURL == "" {
		return nil
	}
	return map[string]string{
		"List-Unsubscribe":      "<" + m.ListUnsubscribeURL + ">",
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
}
