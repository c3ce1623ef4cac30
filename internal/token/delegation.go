package token

import (
	"errors"
	"time"

	"github.com/klpq/chat-auth-bridge/internal/apperr"
)

const (
	// UserIDClaim identifies the user in both the delegated token and the
	// identity authority's token it wraps.
	UserIDClaim = "userId"

	// NestedTokenClaim carries the identity authority's token verbatim.
	NestedTokenClaim = "klpqJwtToken"
)

// Delegation is the result of verifying a delegated token.
type Delegation struct {
	UserID string
	// Nested is the identity authority's token. It is carried, never
	// verified, by this service.
	Nested string
}

// IssueDelegated wraps the identity authority's token in a token signed by
// this service.
func (s *Service) IssueDelegated(userID, nested string, ttl time.Duration) (string, error) {
	return s.Issue(Claims{
		UserIDClaim:      userID,
		NestedTokenClaim: nested,
	}, ttl)
}

// VerifyDelegated verifies the outer token, then applies the containment
// trust rule to the nested token.
func (s *Service) VerifyDelegated(tokenString string) (Delegation, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return Delegation{}, err
	}

	return trustNested(claims)
}

// trustNested accepts the nested token because the outer signature covers it:
// it was only ever embedded after the identity authority's redirect was
// matched to a session issued by this service. The nested token is required
// to be present and well-formed, nothing more.
func trustNested(claims Claims) (Delegation, error) {
	nested, _ := claims[NestedTokenClaim].(string)
	if nested == "" {
		return Delegation{}, apperr.BadToken(errors.New("delegated token has no nested token"))
	}

	if _, err := Decode(nested); err != nil {
		return Delegation{}, err
	}

	userID, _ := claims[UserIDClaim].(string)

	return Delegation{UserID: userID, Nested: nested}, nil
}

// NestedUserID reads the user id from an identity authority token. The token
// is decoded without verification.
func NestedUserID(nested string) (string, error) {
	claims, err := Decode(nested)
	if err != nil {
		return "", err
	}

	userID, _ := claims[UserIDClaim].(string)
	if userID == "" {
		return "", apperr.BadToken(errors.New("nested token has no user id"))
	}

	return userID, nil
}
