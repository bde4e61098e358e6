package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the default room token lifetime. Tokens authorize a
// single connection attempt, so they stay short-lived.
const DefaultTTL = 10 * time.Minute

// ErrIssuance is returned when a room token cannot be issued.
var ErrIssuance = errors.New("token: issuance failed")

// Issuer mints short-lived credentials scoped to one room and one
// participant. One token per connection attempt; tokens are never
// reused across attempts.
type Issuer interface {
	IssueToken(ctx context.Context, roomName, participantName string) (string, error)
}

// RoomClaims are the claims embedded in a room token.
type RoomClaims struct {
	Room    string `json:"room"`
	CanJoin bool   `json:"can_join"`
	jwt.RegisteredClaims
}

// JWTIssuer issues HMAC-signed room tokens server-side, keyed by an API
// key/secret pair the voice transport recognizes.
type JWTIssuer struct {
	apiKey    string
	apiSecret []byte
	ttl       time.Duration
}

// NewJWTIssuer creates an issuer. The API key becomes the token issuer
// claim; the secret signs it.
func NewJWTIssuer(apiKey, apiSecret string, ttl time.Duration) (*JWTIssuer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("token: api key and secret are required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &JWTIssuer{
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		ttl:       ttl,
	}, nil
}

// IssueToken mints a token for one participant in one room.
func (i *JWTIssuer) IssueToken(ctx context.Context, roomName, participantName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	if roomName == "" || participantName == "" {
		return "", fmt.Errorf("%w: room and participant names are required", ErrIssuance)
	}

	now := time.Now()
	claims := RoomClaims{
		Room:    roomName,
		CanJoin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   participantName,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.apiSecret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIssuance, err)
	}

	return signed, nil
}
