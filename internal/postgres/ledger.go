package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/idempotency"
)

// Ledger keeps idempotency entries in payment_idempotency_keys.
type Ledger struct {
	db        Querier
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

func NewLedger(db Querier, ttlWindow time.Duration) *Ledger {
	return &Ledger{db: db, ttlWindow: ttlWindow, nowFunc: time.Now}
}

func (l *Ledger) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	rec := idempotency.Record{IdempotencyKey: key}
	err := l.db.QueryRow(ctx, `
		SELECT order_id, response_body, created_at, updated_at, expires_at
		FROM payment_idempotency_keys WHERE idempotency_key = $1`, key,
	).Scan(&rec.OrderID, &rec.ResponseBody, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select ledger entry: %w", err)
	}
	if rec.ResponseBody == "" {
		return nil, nil
	}
	if rec.ExpiresAt > 0 && l.nowFunc().Unix() >= rec.ExpiresAt {
		return nil, nil
	}
	return &rec, nil
}

func (l *Ledger) Upsert(ctx context.Context, key, orderID string, payload []byte) error {
	if len(payload) == 0 {
		return idempotency.ErrEmptyPayload
	}
	now := l.nowFunc().UTC()
	var expiresAt int64
	if l.ttlWindow > 0 {
		expiresAt = now.Add(l.ttlWindow).Unix()
	}
	_, err := l.db.Exec(ctx, `
		INSERT INTO payment_idempotency_keys (idempotency_key, order_id, response_body, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET order_id = EXCLUDED.order_id,
			response_body = EXCLUDED.response_body,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`,
		key, orderID, string(payload), now, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}
	return nil
}
