package discordbot

import (
	"errors"
	"fmt"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"time"
)

const (
	apiTokenIssuer        = "discord-bot"
	DefaultAPITokenExpiry = 30 * 24 * time.Hour
)

var errEmptyAPISecret = errors.New("api secret not set")

// APIClaims are the claims of an admin API bearer token
type APIClaims struct {
	jwt.RegisteredClaims
}

// GenerateAPIToken creates a bearer token for the admin API, signed with
// secret, for the named subject.
func GenerateAPIToken(secret string, subject string, expiry time.Duration) (string, error) {
	if secret == "" {
		return "", errEmptyAPISecret
	}
	if expiry <= 0 {
		expiry = DefaultAPITokenExpiry
	}
	now := time.Now()
	claims := APIClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    apiTokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateAPIToken parses and validates a bearer token
func ValidateAPIToken(secret string, token string) (*APIClaims, error) {
	if secret == "" {
		return nil, errEmptyAPISecret
	}
	parsed, err := jwt.ParseWithClaims(
		token,
		&APIClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithIssuer(apiTokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	claims, ok := parsed.Claims.(*APIClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
