package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scope is what an override token waives: a Check name, ScopeAdmin, or ScopeAll.
type Scope string

const (
	ScopeAdmin Scope = "admin"
	ScopeAll   Scope = "*"
)

// MaxOverrideTTL caps the lifetime of every override token.
const MaxOverrideTTL = 4 * time.Hour

// OverrideUsedEvent is the event type appended each time an override waives a check.
const OverrideUsedEvent = "ledger_policy_override_used"

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.TrimSpace(s)); sc {
	case Scope(CheckVocabulary), Scope(CheckRefFormat), Scope(CheckStateText), Scope(CheckOwnerOnly), ScopeAdmin, ScopeAll:
		return sc, nil
	}
	return "", fmt.Errorf("%w: unknown scope %q", ErrOverrideInvalid, s)
}

// Claims are the JWT claims of an override token.
type Claims struct {
	Scope     string `json:"scope"`
	Reason    string `json:"reason"`
	CreatedBy string `json:"created_by"`
	jwt.RegisteredClaims
}

// Override is a verified override token.
type Override struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Covers reports whether the override waives s.
func (o *Override) Covers(s Scope) bool {
	if o == nil {
		return false
	}
	return o.Scope == ScopeAll || o.Scope == s
}

// SubjectRef is the subject of the audit events recorded for this override.
func (o *Override) SubjectRef() string {
	return "override:" + o.ID
}

// TokenService issues and verifies HS256 override tokens.
type TokenService struct {
	signingKey []byte
	issuer     string
	maxTTL     time.Duration
	clock      func() time.Time
	newID      func() string
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithTokenClock sets the clock used for iat, exp and expiry checks.
func WithTokenClock(clock func() time.Time) TokenOption {
	return func(s *TokenService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMaxTTL lowers the maximum token lifetime. Values above
// MaxOverrideTTL are capped.
func WithMaxTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 && ttl < MaxOverrideTTL {
			s.maxTTL = ttl
		}
	}
}

// WithIDGenerator sets the source of token ids (jti). Defaults to uuid.NewString.
func WithIDGenerator(newID func() string) TokenOption {
	return func(s *TokenService) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewTokenService creates a TokenService. An empty signing key is rejected:
// without one no token could be trusted.
func NewTokenService(signingKey, issuer string, opts ...TokenOption) (*TokenService, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("%w: override signing key is not configured", ErrOverrideInvalid)
	}
	s := &TokenService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		maxTTL:     MaxOverrideTTL,
		clock:      time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a new override token.
func (s *TokenService) Issue(scope Scope, reason, createdBy string, ttl time.Duration) (string, *Override, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return "", nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return "", nil, fmt.Errorf("%w: reason is required", ErrOverrideInvalid)
	}
	if strings.TrimSpace(createdBy) == "" {
		return "", nil, fmt.Errorf("%w: created_by is required", ErrOverrideInvalid)
	}
	if ttl <= 0 || ttl > s.maxTTL {
		return "", nil, fmt.Errorf("%w: ttl %s must be within (0, %s]", ErrOverrideInvalid, ttl, s.maxTTL)
	}

	now := s.clock().UTC().Truncate(time.Second)
	claims := Claims{
		Scope:     string(scope),
		Reason:    reason,
		CreatedBy: createdBy,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        s.newID(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("sign override: %w", err)
	}
	return signed, overrideFromClaims(&claims), nil
}

// Verify checks signature, issuer, expiry, reason and lifetime.
func (s *TokenService) Verify(token string) (*Override, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrOverrideExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrOverrideInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: unreadable claims", ErrOverrideInvalid)
	}
	if _, err := ParseScope(claims.Scope); err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrOverrideInvalid)
	}
	if claims.ID == "" || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: jti and iat are required", ErrOverrideInvalid)
	}
	if life := claims.ExpiresAt.Sub(claims.IssuedAt.Time); life <= 0 || life > s.maxTTL {
		return nil, fmt.Errorf("%w: lifetime %s exceeds %s", ErrOverrideInvalid, life, s.maxTTL)
	}

	return overrideFromClaims(claims), nil
}

// Authorize verifies token and checks that it covers scope.
func (s *TokenService) Authorize(token string, scope Scope) (*Override, error) {
	o, err := s.Verify(token)
	if err != nil {
		return nil, err
	}
	if !o.Covers(scope) {
		return nil, fmt.Errorf("%w: token scope %q does not cover %q", ErrOverrideScope, o.Scope, scope)
	}
	return o, nil
}

func overrideFromClaims(c *Claims) *Override {
	return &Override{
		ID:        c.ID,
		Scope:     Scope(c.Scope),
		Reason:    c.Reason,
		CreatedBy: c.CreatedBy,
		IssuedAt:  c.IssuedAt.Time.UTC(),
		ExpiresAt: c.ExpiresAt.Time.UTC(),
	}
}
