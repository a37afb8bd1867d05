package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

func TestBuildAndParse(t *testing.T) {
	tokenString, err := BuildJWTString("secret", "u1")
	require.NoError(t, err)

	userCode, err := GetUserCode("secret", tokenString)
	require.NoError(t, err)
	require.Equal(t, "u1", userCode)

	_, err = GetUserCode("other", tokenString)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = GetUserCode("secret", "garbage")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(past)},
		UserCode:         "u1",
	})
	tokenString, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = GetUserCode("secret", tokenString)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenWithoutUser(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{})
	tokenString, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = GetUserCode("secret", tokenString)
	require.ErrorIs(t, err, ErrInvalidToken)
}
