package downloads

import "time"

// GrantTTL is how long a download token stays valid after issuance.
const GrantTTL = 30 * 24 * time.Hour

// Grant is a digital download entitlement created on first confirmation of a
// digital-product order. Never mutated by the confirmation flow; redemption
// only bumps the download counters.
type Grant struct {
	Token         string     `dynamodbav:"download_token"` // PK
	OrderID       string     `dynamodbav:"order_id"`
	ProductID     string     `dynamodbav:"product_id"`
	Recipient     string     `dynamodbav:"guest_email"` // guest email or owning user id
	RecipientName string     `dynamodbav:"guest_name"`
	ExpiresAt     time.Time  `dynamodbav:"expires_at"`
	DownloadCount int        `dynamodbav:"download_count"`
	EmailSentAt   *time.Time `dynamodbav:"email_sent_at,omitempty"` // set by the notification worker
	CreatedAt     time.Time  `dynamodbav:"created_at"`

	LastDownloadedAt *time.Time `dynamodbav:"last_downloaded_at,omitempty"`
}

// Expired reports whether the grant can no longer be redeemed at now.
func (g *Grant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}
