// Package auth provides bearer tokens for the remote API and verification of
// tokens presented to the local control API.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errs "github.com/sglegalhelp/offlinesync/internal/errors"
)

// DefaultTokenTTL is the lifetime of issued tokens.
const DefaultTokenTTL = time.Hour

// Claims are the JWT claims used by the control API. The subject is the user ID.
type Claims struct {
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// Issuer signs and verifies HS256 tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewIssuer creates an Issuer. A zero ttl uses DefaultTokenTTL.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errs.New(errs.ErrInvalid, "jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, issuer: "offlinesync", now: time.Now}, nil
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue returns a signed token for userID.
func (i *Issuer) Issue(userID string) (string, error) {
	if userID == "" {
		return "", errs.New(errs.ErrInvalid, "user id is required")
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errs.Wrap(errs.ErrCryptoFailed, "failed to sign token", err)
	}
	return signed, nil
}

// Verify parses token and returns its claims if the signature and lifetime are valid.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithIssuer(i.issuer),
	)
	if err != nil {
		return nil, errs.Wrap(errs.ErrUnauthorized, "invalid token", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errs.New(errs.ErrUnauthorized, "invalid token")
	}
	return claims, nil
}

// TokenSource returns a source that issues tokens for userID and reuses each
// until it is close to expiry.
func (i *Issuer) TokenSource(userID string) *IssuedToken {
	return &IssuedToken{issuer: i, userID: userID}
}

// IssuedToken is a TokenSource backed by an Issuer.
type IssuedToken struct {
	issuer *Issuer
	userID string

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Token returns a cached token, issuing a new one when less than a tenth of its lifetime remains.
func (s *IssuedToken) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.issuer.now()
	if s.token != "" && now.Before(s.expires.Add(-s.issuer.ttl/10)) {
		return s.token, nil
	}
	token, err := s.issuer.Issue(s.userID)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = now.Add(s.issuer.ttl)
	return token, nil
}
