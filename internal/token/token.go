package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const TokenExp = 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

// Claims - утверждения токена с кодом пользователя
type Claims struct {
	jwt.RegisteredClaims
	UserCode string `json:"userId"`
}

// BuildJWTString создаёт токен для пользователя
func BuildJWTString(secret string, userCode string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExp)),
		},
		UserCode: userCode,
	})

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetUserCode проверяет токен и возвращает код пользователя
func GetUserCode(secret string, tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserCode == "" {
		return "", ErrInvalidToken
	}
	return claims.UserCode, nil
}
