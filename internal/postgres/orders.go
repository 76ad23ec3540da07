package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/orders"
)

const orderColumns = `id, toss_order_id, amount, status, user_id, guest_email, guest_name,
	order_type, order_name, related_id, payment_key, payment_method, confirmed_at,
	failed_at, failure_code, failure_message, created_at, updated_at`

type OrderStore struct {
	db      Querier
	nowFunc func() time.Time
}

func NewOrderStore(db Querier) *OrderStore {
	return &OrderStore{db: db, nowFunc: time.Now}
}

// FindByGatewayOrderID returns (nil, nil) when no order carries the id.
func (s *OrderStore) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*orders.Order, error) {
	return s.selectOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE toss_order_id = $1`, gatewayOrderID)
}

// Get fetches an order by internal id. Returns (nil, nil) if not found.
func (s *OrderStore) Get(ctx context.Context, id string) (*orders.Order, error) {
	return s.selectOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (s *OrderStore) selectOne(ctx context.Context, sql string, arg string) (*orders.Order, error) {
	var o orders.Order
	err := s.db.QueryRow(ctx, sql, arg).Scan(
		&o.ID, &o.GatewayOrderID, &o.Amount, &o.Status, &o.UserID, &o.GuestEmail, &o.GuestName,
		&o.OrderType, &o.OrderName, &o.RelatedID, &o.PaymentKey, &o.PaymentMethod, &o.ConfirmedAt,
		&o.FailedAt, &o.FailureCode, &o.FailureMessage, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	return &o, nil
}

// Update applies the non-nil fields of u. Last writer wins.
func (s *OrderStore) Update(ctx context.Context, id string, u orders.Update) error {
	sets := []string{"updated_at = $1"}
	args := []any{s.nowFunc().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != "" {
		add("status", u.Status)
	}
	if u.PaymentKey != nil {
		add("payment_key", *u.PaymentKey)
	}
	if u.PaymentMethod != nil {
		add("payment_method", *u.PaymentMethod)
	}
	if u.ConfirmedAt != nil {
		add("confirmed_at", *u.ConfirmedAt)
	}
	if u.FailedAt != nil {
		add("failed_at", u.FailedAt.UTC())
	}
	if u.FailureCode != nil {
		add("failure_code", *u.FailureCode)
	}
	if u.FailureMessage != nil {
		add("failure_message", *u.FailureMessage)
	}
	args = append(args, id)

	sql := fmt.Sprintf("UPDATE orders SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrNotFound
	}
	return nil
}

// ExpireStale moves pending orders created before the cutoff to expired in a
// single guarded statement and returns how many rows changed.
func (s *OrderStore) ExpireStale(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = $2
		WHERE status = $3 AND created_at < $4`,
		orders.StatusExpired, s.nowFunc().UTC(), orders.StatusPending, before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale orders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
