// Package permission represents the claims in a pricewatch access token
package permission

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// ScopeRead allows a connection to subscribe to keys
const ScopeRead = "read"

// Token represents a JWT token
type Token struct {

	// Scopes controlling access; ["read"] is all a watcher client needs
	Scopes []string `json:"scopes"`

	jwt.RegisteredClaims `yaml:",omitempty"`
}

// NewToken returns a Token populated with the supplied information
func NewToken(audience, subject string, scopes []string, iat, nbf, exp int64) Token {

	return Token{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Unix(iat, 0)),
			NotBefore: jwt.NewNumericDate(time.Unix(nbf, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(exp, 0)),
			Audience:  []string{audience},
		},
	}
}

// HasRequiredClaims returns false if the Token is missing any required elements
func HasRequiredClaims(token Token) bool {

	if len(token.Scopes) == 0 ||
		len(token.RegisteredClaims.Audience) == 0 ||
		token.RegisteredClaims.ExpiresAt == nil ||
		token.RegisteredClaims.ExpiresAt.IsZero() {
		return false
	}
	return true
}

// HasScope reports whether the token grants scope
func (t Token) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Sign returns the HS256-signed form of token
func Sign(token Token, secret string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, token).SignedString([]byte(secret))
}

// Parse validates bearer against secret and audience, and returns its claims
func Parse(bearer, secret, audience string) (*Token, error) {

	claims := &Token{}

	token, err := jwt.ParseWithClaims(bearer, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method was %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("token invalid: %w", err)
	}

	if !token.Valid { //checks iat, nbf, exp
		return nil, errors.New("token invalid")
	}

	if !claims.RegisteredClaims.VerifyAudience(audience, true) {
		return nil, fmt.Errorf("aud %s does not match this host %s", claims.RegisteredClaims.Audience, audience)
	}

	if !HasRequiredClaims(*claims) {
		return nil, errors.New("token missing required claims")
	}

	return claims, nil
}
