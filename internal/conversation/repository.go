package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
)

var repoTracer = otel.Tracer("chatagent.internal.conversation.repository")

// ErrNotFound is returned when a conversation or contact does not exist.
var ErrNotFound = errors.New("conversation: not found")

// Contact is the person behind a sender id.
type Contact struct {
	ID         string
	SenderID   string
	Name       string
	Email      string
	OptedOut   bool
	OptedOutAt *time.Time
}

// Conversation is the single ongoing thread with a contact.
type Conversation struct {
	ID            string
	ContactID     string
	Mode          string
	HandoffActive bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Direction of an interaction.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Interaction is one persisted message.
type Interaction struct {
	ID             string
	ConversationID string
	MessageID      string
	Direction      string
	Body           string
	MediaType      string
	CreatedAt      time.Time
}

// Repository is the durable conversation store.
type Repository interface {
	FindOrCreateContact(ctx context.Context, senderID, name string) (Contact, error)
	FindOrCreateConversation(ctx context.Context, contactID string) (Conversation, error)
	// SaveInteraction reports false when an interaction with the same message
	// id was already stored.
	SaveInteraction(ctx context.Context, in Interaction) (bool, error)
	UpdateMode(ctx context.Context, conversationID, mode string) error
	SetHandoff(ctx context.Context, conversationID string, active bool) error
	UpdateContactEmail(ctx context.Context, contactID, email string) error
	SetOptOut(ctx context.Context, senderID string, optedOut bool) error
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository with pgx.
type PostgresRepository struct {
	db pgxQuerier
}

func NewPostgresRepository(db pgxQuerier) *PostgresRepository {
	if db == nil {
		panic("conversation: postgres pool cannot be nil")
	}
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) FindOrCreateContact(ctx context.Context, senderID, name string) (Contact, error) {
	ctx, span := repoTracer.Start(ctx, "conversation.repo.contact")
	defer span.End()

	query := `
		INSERT INTO contacts (id, sender_id, name)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (sender_id) DO UPDATE
			SET name = COALESCE(contacts.name, EXCLUDED.name), updated_at = now()
		RETURNING id, sender_id, COALESCE(name, ''), COALESCE(email, ''), opted_out, opted_out_at
	`
	var c Contact
	err := r.db.QueryRow(ctx, query, uuid.NewString(), senderID, name).
		Scan(&c.ID, &c.SenderID, &c.Name, &c.Email, &c.OptedOut, &c.OptedOutAt)
	if err != nil {
		span.RecordError(err)
		return Contact{}, fmt.Errorf("conversation: upsert contact: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) FindOrCreateConversation(ctx context.Context, contactID string) (Conversation, error) {
	ctx, span := repoTracer.Start(ctx, "conversation.repo.conversation")
	defer span.End()

	query := `
		INSERT INTO conversations (id, contact_id)
		VALUES ($1, $2)
		ON CONFLICT (contact_id) DO UPDATE SET updated_at = now()
		RETURNING id, contact_id, mode, handoff_active, created_at, updated_at
	`
	var c Conversation
	err := r.db.QueryRow(ctx, query, uuid.NewString(), contactID).
		Scan(&c.ID, &c.ContactID, &c.Mode, &c.HandoffActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return Conversation{}, fmt.Errorf("conversation: upsert conversation: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) SaveInteraction(ctx context.Context, in Interaction) (bool, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO interactions (id, conversation_id, message_id, direction, body, media_type, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (message_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, in.ID, in.ConversationID, in.MessageID, in.Direction, in.Body, in.MediaType, in.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("conversation: insert interaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) UpdateMode(ctx context.Context, conversationID, mode string) error {
	return r.execOne(ctx, "update mode",
		`UPDATE conversations SET mode = $2, updated_at = now() WHERE id = $1`,
		conversationID, mode)
}

func (r *PostgresRepository) SetHandoff(ctx context.Context, conversationID string, active bool) error {
	return r.execOne(ctx, "set handoff",
		`UPDATE conversations
		 SET handoff_active = $2, handoff_at = CASE WHEN $2 THEN now() ELSE handoff_at END, updated_at = now()
		 WHERE id = $1`,
		conversationID, active)
}

func (r *PostgresRepository) UpdateContactEmail(ctx context.Context, contactID, email string) error {
	return r.execOne(ctx, "update email",
		`UPDATE contacts SET email = $2, updated_at = now() WHERE id = $1`,
		contactID, email)
}

func (r *PostgresRepository) SetOptOut(ctx context.Context, senderID string, optedOut bool) error {
	return r.execOne(ctx, "set opt-out",
		`UPDATE contacts
		 SET opted_out = $2, opted_out_at = CASE WHEN $2 THEN now() ELSE NULL END, updated_at = now()
		 WHERE sender_id = $1`,
		senderID, optedOut)
}

func (r *PostgresRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conversation: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation: %s: %w", op, ErrNotFound)
	}
	return nil
}
