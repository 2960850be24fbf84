package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// defaultTTL applies when GenerateAccessToken is given a non-positive TTL.
const defaultTTL = 15 * time.Minute

// Claims extends JWT standard claims with the caller's role.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// GenerateAccessToken creates a signed HS256 token for subject.
func GenerateAccessToken(subject string, role Role, secret, issuer string, ttl time.Duration) (string, error) {
	if !IsValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token's signature, expiry, issuer (when set) and
// role, returning its claims.
func ParseToken(tokenString, secret, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if !IsValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: role %q", ErrTokenInvalid, claims.Role)
	}
	return claims, nil
}
