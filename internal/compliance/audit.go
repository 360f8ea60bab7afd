package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfman30/chat-agent/internal/events"
)

// AuditTrail persists decision records to the decision_audit table. It
// implements events.Sink.
type AuditTrail struct {
	db *sql.DB
}

func NewAuditTrail(db *sql.DB) *AuditTrail {
	return &AuditTrail{db: db}
}

// Emit inserts r. Re-emitting the same record ID is a no-op.
func (a *AuditTrail) Emit(ctx context.Context, r events.Record) error {
	if a == nil || a.db == nil {
		return nil
	}
	r = r.Normalize()
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("compliance: encode audit data: %w", err)
	}

	query := `
		INSERT INTO decision_audit (
			id, kind, conversation_id, recipient, mode,
			reason_code, outcome, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = a.db.ExecContext(ctx, query,
		r.ID,
		string(r.Kind),
		nullString(r.ConversationID),
		nullString(r.Recipient),
		nullString(r.Mode),
		nullString(r.ReasonCode),
		nullString(r.Outcome),
		data,
		r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("compliance: insert audit record: %w", err)
	}
	return nil
}

// AuditFilter narrows Query. Zero fields are ignored.
type AuditFilter struct {
	ConversationID string
	Recipient      string
	Kind           events.Kind
	Outcome        string
	Since          time.Time
	Limit          int
}

// Query returns matching records, newest first.
func (a *AuditTrail) Query(ctx context.Context, filter AuditFilter) ([]events.Record, error) {
	query := `
		SELECT id, kind, conversation_id, recipient, mode,
			   reason_code, outcome, data, created_at
		FROM decision_audit
		WHERE 1=1
	`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if filter.ConversationID != "" {
		add("conversation_id =", filter.ConversationID)
	}
	if filter.Recipient != "" {
		add("recipient =", filter.Recipient)
	}
	if filter.Kind != "" {
		add("kind =", string(filter.Kind))
	}
	if filter.Outcome != "" {
		add("outcome =", filter.Outcome)
	}
	if !filter.Since.IsZero() {
		add("created_at >=", filter.Since)
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: query audit records: %w", err)
	}
	defer rows.Close()

	var out []events.Record
	for rows.Next() {
		var (
			r                                        events.Record
			kind                                     string
			convID, recipient, mode, reason, outcome sql.NullString
			data                                     []byte
		)
		if err := rows.Scan(&r.ID, &kind, &convID, &recipient, &mode, &reason, &outcome, &data, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("compliance: scan audit record: %w", err)
		}
		r.Kind = events.Kind(kind)
		r.ConversationID = convID.String
		r.Recipient = recipient.String
		r.Mode = mode.String
		r.ReasonCode = reason.String
		r.Outcome = outcome.String
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &r.Data); err != nil {
				return nil, fmt.Errorf("compliance: decode audit data: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
