package downloads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/orders"
)

var (
	ErrMissingToken = errors.New("download token is required")
	ErrExpired      = errors.New("download grant expired")
	// ErrNotPaid is returned when the grant's order is not settled.
	ErrNotPaid = errors.New("order payment not completed")
)

// GrantRedeemer reads grants and counts their downloads.
type GrantRedeemer interface {
	Get(ctx context.Context, token string) (*Grant, error)
	Redeem(ctx context.Context, token string, at time.Time) error
}

// OrderReader looks up the order a grant belongs to.
type OrderReader interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
}

// URLSigner turns an object key into a time-limited download URL.
type URLSigner interface {
	PresignDownload(ctx context.Context, key, fileName string) (string, error)
}

// Download is a redeemed grant: where to fetch the file and what to call it.
type Download struct {
	URL      string
	FileName string
	Grant    Grant
}

// Service redeems download tokens.
type Service struct {
	grants  GrantRedeemer
	orders  OrderReader
	files   URLSigner
	logger  *slog.Logger
	nowFunc func() time.Time
}

func NewService(grants GrantRedeemer, orderReader OrderReader, files URLSigner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		grants:  grants,
		orders:  orderReader,
		files:   files,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// ObjectKey is where the file of a product lives in the products bucket.
func ObjectKey(productID string) string {
	return productID + ".pdf"
}

// Download checks the grant and its order, signs a URL for the product file
// and counts the download. A failure to count is logged and does not block
// the download.
func (s *Service) Download(ctx context.Context, token string) (*Download, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	grant, err := s.grants.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("lookup grant: %w", err)
	}
	if grant == nil {
		return nil, ErrNotFound
	}

	now := s.nowFunc().UTC()
	if grant.Expired(now) {
		return nil, ErrExpired
	}

	order, err := s.orders.Get(ctx, grant.OrderID)
	if err != nil {
		return nil, fmt.Errorf("lookup order: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if !order.Settled() {
		return nil, ErrNotPaid
	}

	fileName := order.OrderName + ".pdf"
	url, err := s.files.PresignDownload(ctx, ObjectKey(grant.ProductID), fileName)
	if err != nil {
		return nil, fmt.Errorf("sign download: %w", err)
	}

	if err := s.grants.Redeem(ctx, token, now); err != nil {
		s.logger.ErrorContext(ctx, "count download", "order_id", grant.OrderID, "error", err)
	} else {
		grant.DownloadCount++
		grant.LastDownloadedAt = &now
	}
	s.logger.InfoContext(ctx, "download redeemed", "order_id", grant.OrderID, "product_id", grant.ProductID)
	return &Download{URL: url, FileName: fileName, Grant: *grant}, nil
}
