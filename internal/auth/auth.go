// Package auth verifies HS256 bearer tokens issued for the billing API and carries the
// resulting principal through request contexts.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultIssuer is the iss claim billing tokens carry unless WithIssuer overrides it.
const DefaultIssuer = "rentflow-billing"

// Roles understood by the billing API.
const (
	RoleInternal   = "internal"
	RoleAdmin      = "admin"
	RoleSubscriber = "subscriber"
)

// Claims is the JWT payload of a billing token.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
}

// Has reports whether the principal holds role. Comparison ignores case.
func (p Principal) Has(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	for _, r := range p.Roles {
		if role != "" && r == role {
			return true
		}
	}
	return false
}

// Verifier issues and checks tokens signed with one shared secret. It is safe for
// concurrent use.
type Verifier struct {
	key    []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithIssuer overrides DefaultIssuer.
func WithIssuer(iss string) Option {
	return func(v *Verifier) {
		if iss = strings.TrimSpace(iss); iss != "" {
			v.issuer = iss
		}
	}
}

// WithLeeway sets the clock skew tolerated on exp, nbf and iat.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) {
		if d >= 0 {
			v.leeway = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier builds a verifier for secret. An empty secret is ErrMissingSecret.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	v := &Verifier{
		key:    []byte(secret),
		issuer: DefaultIssuer,
		leeway: 5 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Issue signs a token for subject with roles, valid for ttl.
func (v *Verifier) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	switch {
	case subject == "":
		return "", fmt.Errorf("issue token: subject is required")
	case ttl <= 0:
		return "", fmt.Errorf("issue token: ttl must be positive")
	}
	now := v.now().UTC()
	claims := Claims{
		Roles: normalizeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and timestamps of token and returns its principal.
// Every rejection is ErrInvalidToken.
func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	var claims Claims
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Subject: claims.Subject, Roles: normalizeRoles(claims.Roles)}, nil
}

// normalizeRoles lower-cases, trims and dedupes roles, keeping first-seen order.
func normalizeRoles(roles []string) []string {
	var out []string
	seen := make(map[string]bool, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}
