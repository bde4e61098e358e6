package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// GuestIDHeader carries the device-scoped guest ID chosen by the client.
const GuestIDHeader = "X-Guest-ID"

// ErrInvalidToken is returned when a bearer token fails validation.
var ErrInvalidToken = errors.New("invalid or expired token")

// Provider resolves the identity behind a request. Credential
// verification and account management live outside this module; the
// provider only recognizes already-issued credentials.
type Provider interface {
	FromRequest(r *http.Request) (Identity, error)
}

// Claims are the token claims recognized for authenticated identities.
type Claims struct {
	jwt.RegisteredClaims
}

// HTTPProvider derives an identity from request headers: a verified
// bearer JWT yields an authenticated identity, otherwise the guest ID
// header (or a freshly generated device ID) yields a guest.
type HTTPProvider struct {
	jwtSecret []byte
}

// NewHTTPProvider creates a provider that verifies bearer tokens with
// the given HMAC secret.
func NewHTTPProvider(jwtSecret []byte) *HTTPProvider {
	return &HTTPProvider{jwtSecret: jwtSecret}
}

// FromRequest resolves the request identity. A malformed or expired
// bearer token is an error rather than a silent downgrade to guest, so
// a user whose session lapsed is told to re-authenticate instead of
// silently burning guest quota.
func (p *HTTPProvider) FromRequest(r *http.Request) (Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			return Identity{}, fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
		}
		return p.fromBearerToken(tokenString)
	}

	guestID := r.Header.Get(GuestIDHeader)
	if guestID == "" {
		guestID = uuid.NewString()
	}
	return Guest(guestID), nil
}

func (p *HTTPProvider) fromBearerToken(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.jwtSecret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Authenticated(claims.Subject), nil
}
