package outbound

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var storeTracer = otel.Tracer("chatagent.internal.outbound.store")

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresPolicyStore reads contact policy from contacts and send_outcomes.
type PostgresPolicyStore struct {
	db pgxQuerier
}

func NewPostgresPolicyStore(db pgxQuerier) *PostgresPolicyStore {
	return &PostgresPolicyStore{db: db}
}

func (s *PostgresPolicyStore) ContactPolicy(ctx context.Context, recipient string, dayStart time.Time) (ContactPolicy, error) {
	ctx, span := storeTracer.Start(ctx, "outbound.policy.contact")
	defer span.End()
	span.SetAttributes(attribute.String("chatagent.recipient", recipient))

	query := `
		SELECT
			COALESCE(c.opted_out, false),
			c.cooling_off_until,
			c.next_allowed_at,
			(SELECT count(*) FROM send_outcomes s
			 WHERE s.recipient = $1 AND s.outcome = 'SENT' AND s.proactive AND s.created_at >= $2)
		FROM (SELECT $1::text AS sender_id) r
		LEFT JOIN contacts c ON c.sender_id = r.sender_id
	`
	var (
		p         ContactPolicy
		coolOff   *time.Time
		nextAllow *time.Time
	)
	if err := s.db.QueryRow(ctx, query, recipient, dayStart).Scan(&p.OptedOut, &coolOff, &nextAllow, &p.ProactiveToday); err != nil {
		span.RecordError(err)
		return ContactPolicy{}, fmt.Errorf("outbound: load contact policy: %w", err)
	}
	p.CoolingOffUntil = coolOff
	p.NextAllowedAt = nextAllow
	return p, nil
}

func (s *PostgresPolicyStore) CampaignSends(ctx context.Context, campaignID, recipient string, since time.Time) (int, error) {
	query := `
		SELECT count(*) FROM send_outcomes
		WHERE campaign_id = $1 AND recipient = $2 AND outcome = 'SENT' AND created_at >= $3
	`
	var n int
	if err := s.db.QueryRow(ctx, query, campaignID, recipient, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbound: count campaign sends: %w", err)
	}
	return n, nil
}

// OutcomeRecord is one row of send_outcomes.
type OutcomeRecord struct {
	ID                string
	Recipient         string
	ConversationID    string
	CampaignID        string
	Method            Method
	Category          string
	Actor             Actor
	Proactive         bool
	Outcome           Outcome
	Reason            string
	ProviderMessageID string
	DedupKey          string
	CreatedAt         time.Time
}

// OutcomeStore persists send outcomes.
type OutcomeStore interface {
	Record(ctx context.Context, rec OutcomeRecord) error
}

// PostgresOutcomeStore writes to send_outcomes.
type PostgresOutcomeStore struct {
	db pgxQuerier
}

func NewPostgresOutcomeStore(db pgxQuerier) *PostgresOutcomeStore {
	return &PostgresOutcomeStore{db: db}
}

func (s *PostgresOutcomeStore) Record(ctx context.Context, rec OutcomeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO send_outcomes (
			id, recipient, conversation_id, campaign_id, method, category, actor,
			proactive, outcome, reason, provider_message_id, dedup_key, created_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.Recipient, rec.ConversationID, rec.CampaignID, string(rec.Method), rec.Category,
		string(rec.Actor), rec.Proactive, string(rec.Outcome), rec.Reason, rec.ProviderMessageID,
		rec.DedupKey, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("outbound: insert send outcome: %w", err)
	}
	return nil
}
