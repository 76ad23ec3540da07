package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/downloads"
)

const uniqueViolation = "23505"

type GrantStore struct {
	db Querier
}

func NewGrantStore(db Querier) *GrantStore {
	return &GrantStore{db: db}
}

func (s *GrantStore) Insert(ctx context.Context, g downloads.Grant) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO digital_product_downloads
			(download_token, order_id, product_id, guest_email, guest_name, expires_at, download_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.Token, g.OrderID, g.ProductID, g.Recipient, g.RecipientName, g.ExpiresAt, g.DownloadCount, g.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return downloads.ErrTokenExists
		}
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

// Get returns (nil, nil) when no grant carries the token.
func (s *GrantStore) Get(ctx context.Context, token string) (*downloads.Grant, error) {
	var g downloads.Grant
	err := s.db.QueryRow(ctx, `
		SELECT download_token, order_id, product_id, guest_email, guest_name, expires_at,
			download_count, email_sent_at, created_at, last_downloaded_at
		FROM digital_product_downloads WHERE download_token = $1`, token).Scan(
		&g.Token, &g.OrderID, &g.ProductID, &g.Recipient, &g.RecipientName, &g.ExpiresAt,
		&g.DownloadCount, &g.EmailSentAt, &g.CreatedAt, &g.LastDownloadedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select grant: %w", err)
	}
	return &g, nil
}

// Redeem counts one download; the increment happens in the statement.
func (s *GrantStore) Redeem(ctx context.Context, token string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE digital_product_downloads
		SET download_count = download_count + 1, last_downloaded_at = $1
		WHERE download_token = $2`, at.UTC(), token)
	if err != nil {
		return fmt.Errorf("redeem grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return downloads.ErrNotFound
	}
	return nil
}

func (s *GrantStore) MarkEmailSent(ctx context.Context, token string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE digital_product_downloads SET email_sent_at = $1 WHERE download_token = $2`, at.UTC(), token)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return downloads.ErrNotFound
	}
	return nil
}
