package ws

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultTokenTTL = 15 * time.Minute

// Claims identifies the live-update client to the gateway.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"cid"`
}

// MintToken signs a short-lived HS256 token for subject.
func MintToken(secret, subject, clientID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("transport/ws: empty jwt secret")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		ClientID: clientID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("transport/ws: signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token minted by MintToken.
func ParseToken(token, secret string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("transport/ws: invalid token: %w", err)
	}
	return claims, nil
}
