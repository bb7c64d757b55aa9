package hdal

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PrincipalHuman is the only principal type allowed to sign decisions.
const PrincipalHuman = "human"

// ErrNotHuman is returned for a valid token issued to a non-human principal.
var ErrNotHuman = errors.New("hdal: token does not identify a human principal")

// SignerClaims are the JWT claims identifying a decision signer.
type SignerClaims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}

// TokenVerifier issues and validates HS256 signer tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewTokenVerifier creates a verifier. issuer defaults to "icgl".
func NewTokenVerifier(secret []byte, issuer string) (*TokenVerifier, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("hdal: token secret must be at least %d bytes", MinSecretLen)
	}
	if issuer == "" {
		issuer = "icgl"
	}
	return &TokenVerifier{secret: append([]byte(nil), secret...), issuer: issuer, clock: time.Now}, nil
}

// Issue creates a token for a human signer.
func (v *TokenVerifier) Issue(humanID string, ttl time.Duration) (string, error) {
	return v.issue(humanID, PrincipalHuman, ttl)
}

func (v *TokenVerifier) issue(subject, typ string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("hdal: token subject is required")
	}
	now := v.clock().UTC()
	claims := SignerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type: typ,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify validates the token and returns the human signer id.
func (v *TokenVerifier) Verify(token string) (string, error) {
	claims := &SignerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return "", fmt.Errorf("hdal: invalid signer token: %w", err)
	}
	if !parsed.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	if claims.Type != PrincipalHuman {
		return "", ErrNotHuman
	}
	if claims.Subject == "" {
		return "", errors.New("hdal: token has no subject")
	}
	return claims.Subject, nil
}
