package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestValidateHS256(t *testing.T) {
	v, err := NewJWTValidatorHS256(secret, 0)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantSub string
		wantErr error
	}{
		{
			name:    "sub claim",
			token:   sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()}),
			wantSub: "u1",
		},
		{
			name:    "user_id fallback",
			token:   sign(t, jwt.MapClaims{"user_id": "u2", "exp": time.Now().Add(time.Hour).Unix()}),
			wantSub: "u2",
		},
		{name: "empty", token: "  ", wantErr: ErrMissingToken},
		{name: "garbage", token: "not.a.jwt", wantErr: ErrInvalidToken},
		{
			name:    "expired",
			token:   sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantErr: ErrExpiredToken,
		},
		{
			name:    "no exp",
			token:   sign(t, jwt.MapClaims{"sub": "u1"}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "no subject",
			token:   sign(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
			wantErr: ErrInvalidToken,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub, err := v.Validate(tc.token)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantSub, sub)
		})
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	v, err := NewJWTValidatorHS256("other", 0)
	require.NoError(t, err)
	_, err = v.Validate(sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()}))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateLeewayUsesClock(t *testing.T) {
	v, err := NewJWTValidatorHS256(secret, 10*time.Second)
	require.NoError(t, err)
	exp := time.Now().Add(-5 * time.Second)
	tok := sign(t, jwt.MapClaims{"sub": "u1", "exp": exp.Unix()})

	sub, err := v.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)

	v.WithClock(func() time.Time { return exp.Add(time.Minute) })
	_, err = v.Validate(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateRS256RejectsHS256Token(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newRSAValidator(&key.PublicKey, 0)

	good, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "u1", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	require.NoError(t, err)
	sub, err := v.Validate(good)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)

	_, err = v.Validate(sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()}))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseBearerToken(t *testing.T) {
	tok, err := ParseBearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = ParseBearerToken("")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = ParseBearerToken("Basic abc")
	assert.Error(t, err)
}
