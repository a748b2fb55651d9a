package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for missing or invalid session tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims is the session token payload issued after the identity provider
// exchange.
type Claims struct {
	ParticipantID      string `json:"cid"`
	DisplayName        string `json:"name"`
	ControllerCallsign string `json:"callsign,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier issues and verifies HS256 session tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenVerifier creates a verifier for secret.
func NewTokenVerifier(secret, issuer string, ttl time.Duration) *TokenVerifier {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for p.
func (v *TokenVerifier) Issue(p Principal) (string, error) {
	now := v.now()
	claims := Claims{
		ParticipantID:      p.ParticipantID,
		DisplayName:        p.DisplayName,
		ControllerCallsign: p.ControllerCallsign,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   p.ParticipantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses and validates a token and returns its principal.
func (v *TokenVerifier) Verify(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.ParticipantID == "" {
		return nil, fmt.Errorf("%w: token has no participant", ErrUnauthenticated)
	}

	return &Principal{
		ParticipantID:      claims.ParticipantID,
		DisplayName:        claims.DisplayName,
		ControllerCallsign: claims.ControllerCallsign,
	}, nil
}
