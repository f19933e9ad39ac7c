package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const devIssuer = "marketchat-dev"

var ErrInvalidToken = errors.New("invalid token")

// DevClaims carries the principal of a locally issued token.
type DevClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// DevTokens issues and verifies HS256 tokens for local development and the
// embedded store, where no Firebase project is available.
type DevTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewDevTokens(secret string, ttl time.Duration) *DevTokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DevTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (d *DevTokens) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	now := d.now()
	expiresAt := now.Add(d.ttl)
	claims := &DevClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    devIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (d *DevTokens) VerifyToken(_ context.Context, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DevClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return d.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*DevClaims)
	if !ok || !token.Valid || claims.UserID == "" || claims.Issuer != devIssuer {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}
