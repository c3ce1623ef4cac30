// Package token issues and verifies the service's own signed tokens.
//
// Every token declares the scheme version in the "_v" claim. Verification
// failures (signature, expiry, version) are reported uniformly as
// apperr.ErrBadToken so that callers cannot branch on the cause.
package token

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/klpq/chat-auth-bridge/internal/apperr"
)

const (
	// Version is the current token scheme.
	Version = 1

	versionClaim  = "_v"
	issuedAtClaim = "iat"
	expiryClaim   = "exp"
)

// Claims is the caller-visible payload of a token. Values follow JSON decoding
// rules after a round trip: numbers come back as float64.
type Claims map[string]any

// Service signs with a single HMAC secret.
type Service struct {
	secret  []byte
	version int
	now     func() time.Time
}

type Option func(*Service)

// WithClock replaces the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithVersion overrides the scheme version. Only tests use this to mint
// tokens of a foreign scheme.
func WithVersion(v int) Option {
	return func(s *Service) {
		s.version = v
	}
}

func New(secret string, options ...Option) (*Service, error) {
	if secret == "" {
		return nil, errors.New("token signing secret is required")
	}

	s := &Service{
		secret:  []byte(secret),
		version: Version,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// Issue signs claims with the version tag. A zero ttl produces a token with no
// time-based claims, so identical claims always sign to identical bytes.
func (s *Service) Issue(claims Claims, ttl time.Duration) (string, error) {
	payload := jwt.MapClaims{}
	maps.Copy(payload, claims)
	payload[versionClaim] = s.version

	if ttl > 0 {
		now := s.now()
		payload[issuedAtClaim] = now.Unix()
		payload[expiryClaim] = now.Add(ttl).Unix()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, payload).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token failed: %w", err)
	}

	return signed, nil
}

// Verify checks signature, expiry and version, returning the caller claims
// without the version and time fields.
func (s *Service) Verify(tokenString string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		// expiry is checked below against the service clock
		jwt.WithoutClaimsValidation(),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, apperr.BadToken(err)
	}

	if !claims.VerifyExpiresAt(s.now().Unix(), false) {
		return nil, apperr.BadToken(errors.New("token is expired"))
	}

	if !s.versionMatches(claims[versionClaim]) {
		return nil, apperr.BadToken(fmt.Errorf("token version %v is not %d", claims[versionClaim], s.version))
	}

	return callerClaims(claims), nil
}

// Decode extracts claims without checking the signature, expiry or version.
// It must only be used on tokens whose authenticity has been established by
// another authority.
func Decode(tokenString string) (Claims, error) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, apperr.BadToken(err)
	}

	return Claims(claims), nil
}

func (s *Service) versionMatches(v any) bool {
	switch n := v.(type) {
	case float64:
		return n == float64(s.version)
	case int:
		return n == s.version
	default:
		return false
	}
}

func callerClaims(claims jwt.MapClaims) Claims {
	out := make(Claims, len(claims))
	for k, v := range claims {
		switch k {
		case versionClaim, issuedAtClaim, expiryClaim:
			continue
		}
		out[k] = v
	}
	return out
}
