package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Issuer            = "nestbridge"
	DefaultTokenTTL   = 24 * time.Hour
	MinJWTSecretBytes = 16
)

var (
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method")
	ErrInvalidToken            = errors.New("invalid token")
	ErrSecretTooShort          = errors.New("jwt secret is too short")
)

// Claims represents JWT claims of an admin API token.
type Claims struct {
	jwt.RegisteredClaims

	Permissions []Permission `json:"permissions"`
}

// HasPermission reports whether the token grants p.
func (c *Claims) HasPermission(p Permission) bool {
	return slices.Contains(c.Permissions, p)
}

// Verifier issues and validates HS256 tokens with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < MinJWTSecretBytes {
		return nil, ErrSecretTooShort
	}

	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for subject with the permissions of role.
func (v *Verifier) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := v.now()
	claims := &Claims{
		Permissions: role.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(v.secret)
}

// Validate parses and checks a token.
func (v *Verifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedSigningMethod, token.Header["alg"])
		}

		return v.secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithTimeFunc(v.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
