package operator

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "keybridge"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("operator: invalid token")
	// ErrUnauthorized indicates the password did not match.
	ErrUnauthorized = errors.New("operator: invalid credentials")
)

// Claims represents operator JWT claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates the bearer tokens gating the debug
// surface. With an empty secret or password hash the surface stays closed.
type Authenticator struct {
	secret       []byte
	passwordHash string
	ttl          time.Duration
	clock        func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTTL overrides the token lifetime.
func WithTTL(d time.Duration) Option {
	return func(a *Authenticator) { a.ttl = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Authenticator) { a.clock = clock }
}

// New creates an Authenticator from the configured secret and bcrypt hash.
func New(secret, passwordHash string, opts ...Option) *Authenticator {
	a := &Authenticator{
		secret:       []byte(secret),
		passwordHash: passwordHash,
		ttl:          time.Hour,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enabled reports whether operator access is configured at all.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0 && a.passwordHash != ""
}

// Login verifies the operator password and signs a fresh token. The name is
// recorded as the token subject so audit entries can tell operators apart.
func (a *Authenticator) Login(name, password string) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, ErrUnauthorized
	}
	if err := VerifyPassword(a.passwordHash, password); err != nil {
		return "", time.Time{}, ErrUnauthorized
	}
	if name == "" {
		name = "operator"
	}

	now := a.clock().UTC()
	expiresAt := now.Add(a.ttl)
	claims := Claims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the token signature and claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if !a.Enabled() || token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Role != "operator" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
