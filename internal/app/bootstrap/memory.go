package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/outbound"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// memoryReserver stands in for Redis dedup reservations in single-process runs.
type memoryReserver struct {
	mu   sync.Mutex
	keys map[string]reservation
	now  func() time.Time
}

type reservation struct {
	token     string
	expiresAt time.Time
}

func newMemoryReserver() *memoryReserver {
	return &memoryReserver{keys: make(map[string]reservation), now: time.Now}
}

func (m *memoryReserver) Reserve(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if r, ok := m.keys[key]; ok && now.Before(r.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.keys[key] = reservation{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *memoryReserver) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.keys[key]; ok && r.token == token {
		delete(m.keys, key)
	}
	return nil
}

// contactLookup is the read side of conversation.MemoryRepository.
type contactLookup interface {
	Contact(senderID string) (conversation.Contact, bool)
}

// repositoryPolicyStore answers guardrail questions from the in-memory
// repository. It only knows opt-out state; memory runs keep no send history.
type repositoryPolicyStore struct {
	contacts contactLookup
}

func (s repositoryPolicyStore) ContactPolicy(_ context.Context, recipient string, _ time.Time) (outbound.ContactPolicy, error) {
	c, ok := s.contacts.Contact(recipient)
	if !ok {
		return outbound.ContactPolicy{}, nil
	}
	return outbound.ContactPolicy{OptedOut: c.OptedOut}, nil
}

func (repositoryPolicyStore) CampaignSends(context.Context, string, string, time.Time) (int, error) {
	return 0, nil
}

// logTransport delivers to the log when no messaging gateway is configured.
type logTransport struct {
	logger *logging.Logger
}

func (t logTransport) Send(_ context.Context, msg outbound.Message) (outbound.Receipt, error) {
	id := "log-" + uuid.NewString()
	t.logger.Info("outbound message (log transport)",
		"to", msg.To,
		"channel", msg.Channel,
		"text", msg.Text,
		"provider_message_id", id,
	)
	return outbound.Receipt{ProviderMessageID: id, Status: "logged"}, nil
}
