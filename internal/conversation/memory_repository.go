package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for local runs without Postgres.
type MemoryRepository struct {
	mu            sync.Mutex
	contacts      map[string]*Contact
	conversations map[string]*Conversation
	byContact     map[string]string
	messageIDs    map[string]struct{}
	interactions  []Interaction
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		contacts:      make(map[string]*Contact),
		conversations: make(map[string]*Conversation),
		byContact:     make(map[string]string),
		messageIDs:    make(map[string]struct{}),
	}
}

func (m *MemoryRepository) FindOrCreateContact(_ context.Context, senderID, name string) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[senderID]
	if !ok {
		c = &Contact{ID: uuid.NewString(), SenderID: senderID, Name: name}
		m.contacts[senderID] = c
	} else if c.Name == "" {
		c.Name = name
	}
	return *c, nil
}

func (m *MemoryRepository) FindOrCreateConversation(_ context.Context, contactID string) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if id, ok := m.byContact[contactID]; ok {
		conv := m.conversations[id]
		conv.UpdatedAt = now
		return *conv, nil
	}
	conv := &Conversation{ID: uuid.NewString(), ContactID: contactID, Mode: "discovery", CreatedAt: now, UpdatedAt: now}
	m.conversations[conv.ID] = conv
	m.byContact[contactID] = conv.ID
	return *conv, nil
}

func (m *MemoryRepository) SaveInteraction(_ context.Context, in Interaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.MessageID != "" {
		if _, dup := m.messageIDs[in.MessageID]; dup {
			return false, nil
		}
		m.messageIDs[in.MessageID] = struct{}{}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	m.interactions = append(m.interactions, in)
	return true, nil
}

func (m *MemoryRepository) UpdateMode(_ context.Context, conversationID, mode string) error {
	return m.withConversation(conversationID, func(c *Conversation) { c.Mode = mode })
}

func (m *MemoryRepository) SetHandoff(_ context.Context, conversationID string, active bool) error {
	return m.withConversation(conversationID, func(c *Conversation) { c.HandoffActive = active })
}

func (m *MemoryRepository) UpdateContactEmail(_ context.Context, contactID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contacts {
		if c.ID == contactID {
			c.Email = email
			return nil
		}
	}
	return fmt.Errorf("conversation: update email: %w", ErrNotFound)
}

func (m *MemoryRepository) SetOptOut(_ context.Context, senderID string, optedOut bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[senderID]
	if !ok {
		return fmt.Errorf("conversation: set opt-out: %w", ErrNotFound)
	}
	c.OptedOut = optedOut
	c.OptedOutAt = nil
	if optedOut {
		now := time.Now().UTC()
		c.OptedOutAt = &now
	}
	return nil
}

// Interactions returns a copy of the stored interactions for a conversation.
func (m *MemoryRepository) Interactions(conversationID string) []Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Interaction
	for _, in := range m.interactions {
		if in.ConversationID == conversationID {
			out = append(out, in)
		}
	}
	return out
}

func (m *MemoryRepository) withConversation(id string, fn func(*Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("conversation: %s: %w", id, ErrNotFound)
	}
	fn(c)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Contact looks up a contact by sender id.
func (m *MemoryRepository) Contact(senderID string) (Contact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[senderID]
	if !ok {
		return Contact{}, false
	}
	return *c, true
}
