package downloads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/orders"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/testutil"
)

type fakeSigner struct {
	keys  []string
	names []string
	err   error
}

func (f *fakeSigner) PresignDownload(ctx context.Context, key, fileName string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	f.names = append(f.names, fileName)
	return "https://files.local/" + key + "?sig=1", nil
}

type redeemHarness struct {
	svc    *Service
	store  *Store
	db     *testutil.FakeDynamo
	signer *fakeSigner
	now    time.Time
}

func newRedeemHarness(t *testing.T, orderStatus string, grants ...Grant) *redeemHarness {
	t.Helper()
	db := testutil.NewFakeDynamo()
	db.DefineTable("downloads", "download_token")
	db.DefineTable("orders", "id")
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Seed("orders", orders.Order{
		ID: "internal-1", GatewayOrderID: "o1", Amount: 10000, Status: orderStatus,
		OrderType: orders.TypeDigitalProduct, OrderName: "Preset pack", CreatedAt: now, UpdatedAt: now,
	}))
	for _, g := range grants {
		require.NoError(t, db.Seed("downloads", g))
	}

	h := &redeemHarness{db: db, signer: &fakeSigner{}, now: now}
	h.store = NewStore(db, "downloads")
	h.svc = NewService(h.store, orders.NewStore(db, "orders"), h.signer, nil)
	h.svc.nowFunc = func() time.Time { return now }
	return h
}

func liveGrant(now time.Time) Grant {
	g := NewGrant("internal-1", "p1", "guest@example.com", "Kim", now.Add(-24*time.Hour))
	g.Token = "tok-1"
	return g
}

func TestDownload_CountsEachRedemption(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	h := newRedeemHarness(t, orders.StatusConfirmed, liveGrant(now))

	d, err := h.svc.Download(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "https://files.local/p1.pdf?sig=1", d.URL)
	assert.Equal(t, "Preset pack.pdf", d.FileName)
	assert.Equal(t, 1, d.Grant.DownloadCount)

	_, err = h.svc.Download(context.Background(), "tok-1")
	require.NoError(t, err)

	stored, err := h.store.Get(context.Background(), "tok-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 2, stored.DownloadCount)
	require.NotNil(t, stored.LastDownloadedAt)
	assert.True(t, stored.LastDownloadedAt.Equal(now))
	assert.Equal(t, []string{"p1.pdf", "p1.pdf"}, h.signer.keys)
}

func TestDownload_CompletedOrderIsPaid(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	h := newRedeemHarness(t, orders.StatusCompleted, liveGrant(now))

	_, err := h.svc.Download(context.Background(), "tok-1")
	assert.NoError(t, err)
}

func TestDownload_Rejections(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	expired := liveGrant(now)
	expired.ExpiresAt = now.Add(-time.Second)
	orphan := liveGrant(now)
	orphan.Token = "tok-orphan"
	orphan.OrderID = "deleted-order"

	tests := []struct {
		name   string
		status string
		grant  Grant
		token  string
		want   error
	}{
		{name: "missing token", status: orders.StatusConfirmed, grant: liveGrant(now), token: "", want: ErrMissingToken},
		{name: "unknown token", status: orders.StatusConfirmed, grant: liveGrant(now), token: "nope", want: ErrNotFound},
		{name: "expired grant", status: orders.StatusConfirmed, grant: expired, token: "tok-1", want: ErrExpired},
		{name: "pending order", status: orders.StatusPending, grant: liveGrant(now), token: "tok-1", want: ErrNotPaid},
		{name: "failed order", status: orders.StatusFailed, grant: liveGrant(now), token: "tok-1", want: ErrNotPaid},
		{name: "order gone", status: orders.StatusConfirmed, grant: orphan, token: "tok-orphan", want: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRedeemHarness(t, tt.status, tt.grant)

			d, err := h.svc.Download(context.Background(), tt.token)

			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, d)
			assert.Empty(t, h.signer.keys)
			if g, _ := h.store.Get(context.Background(), tt.grant.Token); g != nil {
				assert.Zero(t, g.DownloadCount, "a rejected download must not be counted")
			}
		})
	}
}

func TestDownload_SignFailureIsNotCounted(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	h := newRedeemHarness(t, orders.StatusConfirmed, liveGrant(now))
	h.signer.err = errors.New("no credentials")

	_, err := h.svc.Download(context.Background(), "tok-1")
	require.Error(t, err)

	stored, err := h.store.Get(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Zero(t, stored.DownloadCount)
}

func TestDownload_CountFailureStillServesFile(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	h := newRedeemHarness(t, orders.StatusConfirmed, liveGrant(now))
	h.db.FailNext("UpdateItem", errors.New("throttled"))

	d, err := h.svc.Download(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "https://files.local/p1.pdf?sig=1", d.URL)
	assert.Zero(t, d.Grant.DownloadCount)
}

func TestDownload_LookupErrors(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	h := newRedeemHarness(t, orders.StatusConfirmed, liveGrant(now))
	h.db.FailNext("GetItem", errors.New("downloads table unavailable"))

	_, err := h.svc.Download(context.Background(), "tok-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
