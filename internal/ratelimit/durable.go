package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCounter counts successful sends recorded in send_outcomes.
type PostgresCounter struct {
	db rowQuerier
}

func NewPostgresCounter(db rowQuerier) *PostgresCounter {
	if db == nil {
		panic("ratelimit: querier cannot be nil")
	}
	return &PostgresCounter{db: db}
}

// CountSent counts SENT outcomes since the given time. Empty filters match everything.
func (c *PostgresCounter) CountSent(ctx context.Context, since time.Time, recipient, category string) (int64, error) {
	query := `
		SELECT count(*) FROM send_outcomes
		WHERE outcome = 'SENT'
		  AND created_at >= $1
		  AND ($2 = '' OR recipient = $2)
		  AND ($3 = '' OR category = $3)
	`
	var count int64
	if err := c.db.QueryRow(ctx, query, since, recipient, category).Scan(&count); err != nil {
		return 0, fmt.Errorf("ratelimit: count sent: %w", err)
	}
	return count, nil
}

// LastSentAt returns the most recent SENT outcome for recipient.
func (c *PostgresCounter) LastSentAt(ctx context.Context, recipient string) (time.Time, bool, error) {
	query := `
		SELECT max(created_at) FROM send_outcomes
		WHERE outcome = 'SENT' AND recipient = $1
	`
	var last *time.Time
	if err := c.db.QueryRow(ctx, query, recipient).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("ratelimit: last sent: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}
