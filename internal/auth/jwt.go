package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// JWTValidator checks signature and expiry of bearer tokens and returns the
// subject they were issued for.
type JWTValidator struct {
	alg    string
	key    any
	leeway time.Duration
	now    func() time.Time
}

func NewJWTValidatorHS256(secret string, leeway time.Duration) (*JWTValidator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hs256 secret must not be empty")
	}
	return &JWTValidator{alg: jwt.SigningMethodHS256.Alg(), key: []byte(secret), leeway: leeway, now: time.Now}, nil
}

// NewJWTValidatorRS256 loads an RSA public key in PEM form.
func NewJWTValidatorRS256(pubPath string, leeway time.Duration) (*JWTValidator, error) {
	b, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return newRSAValidator(pub, leeway), nil
}

func newRSAValidator(pub *rsa.PublicKey, leeway time.Duration) *JWTValidator {
	return &JWTValidator{alg: jwt.SigningMethodRS256.Alg(), key: pub, leeway: leeway, now: time.Now}
}

// WithClock overrides the validator clock for deterministic tests.
func (j *JWTValidator) WithClock(clock func() time.Time) {
	if clock != nil {
		j.now = clock
	}
}

// Validate returns the subject (user id) on success.
func (j *JWTValidator) Validate(tokenStr string) (string, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return "", ErrMissingToken
	}
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return j.key, nil
	},
		jwt.WithValidMethods([]string{j.alg}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.leeway),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return "", ErrInvalidToken
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID, nil
	}
	return "", fmt.Errorf("%w: sub claim missing", ErrInvalidToken)
}

// ParseBearerToken extracts the token from an Authorization header value.
func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}
