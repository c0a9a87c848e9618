package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// Default lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour

	tokenIssuer = "dcp"
)

// Clock returns the current time. Injected so expiry can be tested.
type Clock func() time.Time

// CustomClaims binds a token to one identity (the username, carried in sub)
// and one kind.
type CustomClaims struct {
	jwt.RegisteredClaims
	Kind TokenKind `json:"kind"`
}

// IssuedToken is a signed token and its expiry.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

// TokenIssuer signs and verifies HS256 tokens. It keeps no per-token state:
// there is no revocation list, so a token stays valid until it expires even
// after logout.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        Clock
}

// NewTokenIssuer creates an issuer. Non-positive TTLs fall back to the
// defaults (15 minutes access, 30 days refresh); a nil clock uses time.Now.
func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration, now Clock) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
	}
}

// AccessTTL returns the configured access token lifetime.
func (i *TokenIssuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (i *TokenIssuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccess creates a short-lived access token for username.
func (i *TokenIssuer) IssueAccess(username string) (IssuedToken, error) {
	return i.issue(username, KindAccess, i.accessTTL)
}

// IssueRefresh creates a long-lived refresh token for username.
func (i *TokenIssuer) IssueRefresh(username string) (IssuedToken, error) {
	return i.issue(username, KindRefresh, i.refreshTTL)
}

func (i *TokenIssuer) issue(username string, kind TokenKind, ttl time.Duration) (IssuedToken, error) {
	if username == "" {
		return IssuedToken{}, fmt.Errorf("issuing %s token: empty identity", kind)
	}

	now := i.now().Truncate(time.Second)
	exp := now.Add(ttl)
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Kind: kind,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("signing %s token: %w", kind, err)
	}
	return IssuedToken{Token: signed, ExpiresAt: exp}, nil
}

// Verify checks signature, expiry and kind, and returns the username.
//
// The error is exactly one of ErrTokenMissing, ErrTokenExpired,
// ErrTokenMalformed or ErrTokenWrongKind (possibly wrapped).
func (i *TokenIssuer) Verify(token string, expected TokenKind) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrTokenMissing
	}

	parsed, err := jwt.ParseWithClaims(token, &CustomClaims{}, func(_ *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		// Signature is checked before claims, so a forged token never
		// reports as merely expired.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}

	claims, ok := parsed.Claims.(*CustomClaims)
	if !ok || !parsed.Valid {
		return "", ErrTokenMalformed
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenMalformed)
	}
	if claims.Kind != expected {
		return "", fmt.Errorf("%w: got %q, want %q", ErrTokenWrongKind, claims.Kind, expected)
	}

	return claims.Subject, nil
}
