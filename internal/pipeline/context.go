// Package pipeline runs an inbound event through ordered pre-processors, a
// core generation step, and post-processors sharing one mutable Context.
package pipeline

import (
	"errors"
	"time"

	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/modes"
)

// ErrUnparsableInput is returned when the upstream parser produced no event.
var ErrUnparsableInput = errors.New("pipeline: inbound event could not be parsed")

// MetaConversationID carries the resolved conversation id in Result metadata.
const MetaConversationID = "conversation_id"

// Context is the per-run scratchpad. It is owned by a single orchestrator run
// and must not be retained after Process returns.
type Context struct {
	Event        *conversation.InboundEvent
	Text         string
	SenderID     string
	Contact      *conversation.Contact
	Conversation *conversation.Conversation
	Mode         modes.Mode
	Response     *string
	Metadata     map[string]any
	StartedAt    time.Time
}

// NewContext starts a run for event.
func NewContext(event *conversation.InboundEvent, now time.Time) *Context {
	return &Context{
		Event:     event,
		Mode:      modes.Discovery,
		Metadata:  make(map[string]any),
		StartedAt: now,
	}
}

// ConversationID returns the resolved conversation id, or "" before entity
// resolution.
func (c *Context) ConversationID() string {
	if c.Conversation == nil {
		return ""
	}
	return c.Conversation.ID
}

// Reply returns the current response text.
func (c *Context) Reply() string {
	if c.Response == nil {
		return ""
	}
	return *c.Response
}

// SetMeta stores a value in the scratchpad.
func (c *Context) SetMeta(key string, value any) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
}

func (c *Context) MetaString(key string) string {
	v, _ := c.Metadata[key].(string)
	return v
}

func (c *Context) MetaBool(key string) bool {
	v, _ := c.Metadata[key].(bool)
	return v
}

func (c *Context) merge(r Result) {
	for k, v := range r.Metadata {
		c.SetMeta(k, v)
	}
	if r.Response != nil {
		c.Response = r.Response
	}
}
