// Package auth issues and verifies the signed tokens that identify clients.
//
// Three token kinds share one HS256 key and differ in their "typ" claim:
// ID tokens authorize API calls, refresh tokens obtain new ID tokens, and
// custom tokens are minted by operators to sign in as a fixed uid.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	typeID      = "id"
	typeRefresh = "refresh"
	typeCustom  = "custom"

	issuerName = "tailor"
)

var (
	// ErrInvalidToken is returned for any token that does not verify.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoSigningKey is returned when an Issuer is created without a key.
	ErrNoSigningKey = errors.New("signing key is required")
)

// Session is an authenticated identity with its credentials.
type Session struct {
	UID          string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// Issuer creates and verifies tokens.
type Issuer struct {
	key        []byte
	tokenTTL   time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer creates an Issuer. tokenTTL bounds ID tokens and refreshTTL
// bounds refresh tokens.
func NewIssuer(key []byte, tokenTTL, refreshTTL time.Duration) (*Issuer, error) {
	if len(key) == 0 {
		return nil, ErrNoSigningKey
	}
	if tokenTTL <= 0 || refreshTTL <= 0 {
		return nil, fmt.Errorf("token lifetimes must be positive (token %s, refresh %s)", tokenTTL, refreshTTL)
	}
	return &Issuer{key: key, tokenTTL: tokenTTL, refreshTTL: refreshTTL, now: time.Now}, nil
}

// IssueAnonymous creates a session for a new random uid.
func (i *Issuer) IssueAnonymous() (*Session, error) {
	return i.Issue(uuid.NewString())
}

// Issue creates a session for uid.
func (i *Issuer) Issue(uid string) (*Session, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: empty uid", ErrInvalidToken)
	}
	now := i.now()
	expires := now.Add(i.tokenTTL)

	idToken, err := i.sign(uid, typeID, now, expires)
	if err != nil {
		return nil, err
	}
	refreshToken, err := i.sign(uid, typeRefresh, now, now.Add(i.refreshTTL))
	if err != nil {
		return nil, err
	}
	return &Session{UID: uid, IDToken: idToken, RefreshToken: refreshToken, ExpiresAt: expires}, nil
}

// Verify checks an ID token and returns its uid.
func (i *Issuer) Verify(idToken string) (string, error) {
	return i.parse(idToken, typeID)
}

// Refresh exchanges a refresh token for a new session with the same uid.
func (i *Issuer) Refresh(refreshToken string) (*Session, error) {
	uid, err := i.parse(refreshToken, typeRefresh)
	if err != nil {
		return nil, err
	}
	return i.Issue(uid)
}

// MintCustomToken creates a custom token for uid valid for ttl.
func (i *Issuer) MintCustomToken(uid string, ttl time.Duration) (string, error) {
	if uid == "" {
		return "", fmt.Errorf("%w: empty uid", ErrInvalidToken)
	}
	now := i.now()
	return i.sign(uid, typeCustom, now, now.Add(ttl))
}

// ExchangeCustomToken verifies a custom token and creates a session for its uid.
func (i *Issuer) ExchangeCustomToken(token string) (*Session, error) {
	uid, err := i.parse(token, typeCustom)
	if err != nil {
		return nil, err
	}
	return i.Issue(uid)
}

func (i *Issuer) sign(uid, typ string, issued, expires time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": uid,
		"typ": typ,
		"iss": issuerName,
		"jti": uuid.NewString(),
		"iat": issued.Unix(),
		"exp": expires.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

func (i *Issuer) parse(raw, typ string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if got, _ := claims["typ"].(string); got != typ {
		return "", fmt.Errorf("%w: expected %s token, got %q", ErrInvalidToken, typ, got)
	}
	uid, err := claims.GetSubject()
	if err != nil || uid == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return uid, nil
}
