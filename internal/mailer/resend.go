// Package mailer delivers transactional email through the Resend API.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/downloads"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/notify"
)

const DefaultBaseURL = "https://api.resend.com"

var (
	ErrMissingAPIKey = errors.New("RESEND_API_KEY not configured")
	ErrMissingFields = errors.New("missing required fields")
)

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

type Client struct {
	http   *resty.Client
	apiKey string
	from   string
	appURL string
}

func NewClient(baseURL, apiKey, from, appURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
		apiKey: apiKey,
		from:   from,
		appURL: strings.TrimRight(appURL, "/"),
	}
}

// DownloadURL is the page that redeems a download token.
func (c *Client) DownloadURL(token string) string {
	return c.appURL + "/download?token=" + url.QueryEscape(token)
}

// SendDigitalProduct emails the download link and returns the Resend message id.
func (c *Client) SendDigitalProduct(ctx context.Context, e notify.DigitalProductEmail) (string, error) {
	if e.Email == "" || e.Name == "" || e.ProductName == "" || e.DownloadToken == "" {
		return "", ErrMissingFields
	}
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}

	var html bytes.Buffer
	if err := digitalProductTmpl.Execute(&html, digitalProductView{
		Name:        e.Name,
		ProductName: e.ProductName,
		DownloadURL: c.DownloadURL(e.DownloadToken),
		ValidDays:   int(downloads.GrantTTL / (24 * time.Hour)),
	}); err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}

	var out sendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.apiKey).
		SetBody(sendRequest{
			From:    c.from,
			To:      []string{e.Email},
			Subject: fmt.Sprintf("[Lyt] %s 다운로드 안내", e.ProductName),
			HTML:    html.String(),
		}).
		SetResult(&out).
		SetError(&out).
		Post("/emails")
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	if resp.IsError() {
		msg := out.Message
		if msg == "" {
			msg = "Failed to send email"
		}
		return "", fmt.Errorf("resend status %d: %s", resp.StatusCode(), msg)
	}
	return out.ID, nil
}
