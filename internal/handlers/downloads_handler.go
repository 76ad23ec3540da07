package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/downloads"
)

// DownloadPaths are the routes redeeming download tokens.
var DownloadPaths = []string{"/downloads", "/download-digital-product"}

// Downloader is the download service as seen by the HTTP layer.
type Downloader interface {
	Download(ctx context.Context, token string) (*downloads.Download, error)
}

// RegisterDownloadRoutes registers GET ?token= on DownloadPaths. A redeemed
// token redirects to a short-lived URL for the file; failures are
// {"error": message}.
func RegisterDownloadRoutes(r gin.IRoutes, svc Downloader, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	cors := CORS(http.MethodGet)

	download := func(c *gin.Context) {
		ctx := c.Request.Context()
		d, err := svc.Download(ctx, c.Query("token"))
		if err != nil {
			status, msg := downloadFailure(err)
			if status == http.StatusInternalServerError {
				logger.ErrorContext(ctx, "download failed", "error", err)
			} else {
				logger.InfoContext(ctx, "download refused", "status", status, "reason", err)
			}
			c.JSON(status, gin.H{"error": msg})
			return
		}
		logger.InfoContext(ctx, "download handled", "order_id", d.Grant.OrderID, "downloads", d.Grant.DownloadCount)
		c.Header("Cache-Control", "no-store")
		c.Redirect(http.StatusFound, d.URL)
	}

	notAllowed := func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	}

	for _, path := range DownloadPaths {
		r.GET(path, cors, download)
		r.OPTIONS(path, cors, preflight)
		rejectOtherMethods(r, path, http.MethodGet, cors, notAllowed)
	}
}

func downloadFailure(err error) (int, string) {
	switch {
	case errors.Is(err, downloads.ErrMissingToken):
		return http.StatusBadRequest, "Token parameter is required"
	case errors.Is(err, downloads.ErrNotFound):
		return http.StatusNotFound, "Invalid or expired download token"
	case errors.Is(err, downloads.ErrExpired):
		return http.StatusGone, "Download link has expired"
	case errors.Is(err, downloads.ErrNotPaid):
		return http.StatusForbidden, "Payment not completed"
	default:
		return http.StatusInternalServerError, "Failed to retrieve file"
	}
}
