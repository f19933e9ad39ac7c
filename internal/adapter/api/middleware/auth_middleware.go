package middleware

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"

	"marketchat/pkg/errors"
	"marketchat/pkg/response"
)

// ContextKeyUID is where the authenticated user id is stored on echo.Context.
const ContextKeyUID = "uid"

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// ChainVerifier accepts a token if any of its verifiers does.
type ChainVerifier []TokenVerifier

func (c ChainVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	var lastErr error
	for _, v := range c {
		uid, err := v.VerifyToken(ctx, token)
		if err == nil {
			return uid, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Unauthorized("No token verifier configured", nil)
	}
	return "", lastErr
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
	}
}

func (m *AuthMiddleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return response.Error(c, errors.Unauthorized("Authorization header is required", nil))
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return response.Error(c, errors.Unauthorized("Invalid authorization format", nil))
		}

		uid, err := m.GetUIDFromToken(c.Request().Context(), parts[1])
		if err != nil {
			return response.Error(c, err)
		}

		c.Set(ContextKeyUID, uid)
		return next(c)
	}
}

// GetUIDFromToken is used where the token does not arrive in a header, such
// as the websocket upgrade.
func (m *AuthMiddleware) GetUIDFromToken(ctx context.Context, token string) (string, error) {
	uid, err := m.verifier.VerifyToken(ctx, token)
	if err != nil || uid == "" {
		return "", errors.Unauthorized("Invalid or expired token", err)
	}
	return uid, nil
}

// UserID returns the authenticated user set by Authenticate.
func UserID(c echo.Context) string {
	uid, _ := c.Get(ContextKeyUID).(string)
	return uid
}
