// Package conversation holds the inbound message value object, the generation
// port with its Bedrock and Gemini adapters, and conversation persistence.
package conversation

import (
	"strings"
	"time"
)

// InboundEvent is one normalized message received from the transport.
type InboundEvent struct {
	SenderID    string            `json:"sender_id"`
	Text        *string           `json:"text,omitempty"`
	MediaType   string            `json:"media_type,omitempty"`
	MessageID   string            `json:"message_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	Correlation map[string]string `json:"correlation,omitempty"`
}

// Body returns the trimmed text, or "" when the event carries none.
func (e *InboundEvent) Body() string {
	if e == nil || e.Text == nil {
		return ""
	}
	return strings.TrimSpace(*e.Text)
}

// HasMedia reports whether the event carries non-text content.
func (e *InboundEvent) HasMedia() bool {
	return e != nil && e.MediaType != "" && e.MediaType != "text"
}
