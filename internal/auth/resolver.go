// Package auth resolves an optional caller identity from a bearer credential.
// Resolution never fails: an unusable credential means a guest caller.
package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Resolver maps an Authorization header value to a user id.
type Resolver interface {
	ResolveUser(ctx context.Context, authorization string) (userID string, ok bool)
}

// BearerToken strips the Bearer scheme from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// Guest resolves every caller as a guest.
type Guest struct{}

func (Guest) ResolveUser(context.Context, string) (string, bool) { return "", false }

// JWTResolver verifies HS256 access tokens locally and uses the subject as the user id.
type JWTResolver struct {
	secret []byte
	logger *slog.Logger
}

func NewJWTResolver(secret string, logger *slog.Logger) *JWTResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTResolver{secret: []byte(secret), logger: logger}
}

func (r *JWTResolver) ResolveUser(ctx context.Context, authorization string) (string, bool) {
	token := BearerToken(authorization)
	if token == "" {
		return "", false
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		r.logger.DebugContext(ctx, "bearer token rejected, continuing as guest", "error", err)
		return "", false
	}
	return claims.Subject, true
}

// IntrospectionResolver asks the auth server who owns the token
// (GET /auth/v1/user). Any failure, transient or not, yields a guest.
type IntrospectionResolver struct {
	http   *resty.Client
	apiKey string
	logger *slog.Logger
}

func NewIntrospectionResolver(authURL, apiKey string, logger *slog.Logger) *IntrospectionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntrospectionResolver{
		http:   resty.New().SetBaseURL(authURL),
		apiKey: apiKey,
		logger: logger,
	}
}

type authUser struct {
	ID string `json:"id"`
}

func (r *IntrospectionResolver) ResolveUser(ctx context.Context, authorization string) (string, bool) {
	token := BearerToken(authorization)
	if token == "" {
		return "", false
	}
	var user authUser
	resp, err := r.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("apikey", r.apiKey).
		SetResult(&user).
		Get("/auth/v1/user")
	if err != nil {
		r.logger.WarnContext(ctx, "token introspection failed, continuing as guest", "error", err)
		return "", false
	}
	if !resp.IsSuccess() || user.ID == "" {
		r.logger.DebugContext(ctx, "token not recognised, continuing as guest", "status", resp.StatusCode())
		return "", false
	}
	return user.ID, true
}
