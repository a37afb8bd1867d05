package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/iurnickita/coursepay/internal/token"
)

type Auth interface {
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

const cookieUserToken = "coursepayUserToken"

var ErrNoToken = errors.New("no auth token")

type ctxKey struct{}

type auth struct {
	secret string
}

func NewAuth(secret string) Auth {
	return &auth{secret: secret}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// получение id пользователя
		userCode, err := a.getUserCode(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"message":"Unauthorized"}`))
			return
		}

		// передаём управление хендлеру
		h.ServeHTTP(w, r.WithContext(WithUserCode(r.Context(), userCode)))
	}
}

// заголовок Authorization, иначе куки
func (a *auth) getUserCode(r *http.Request) (string, error) {
	var tokenString string
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		fields := strings.Fields(header)
		if len(fields) != 2 || !strings.EqualFold(fields[0], "Bearer") {
			return "", ErrNoToken
		}
		tokenString = fields[1]
	} else {
		tokenCookie, err := r.Cookie(cookieUserToken)
		if err != nil {
			return "", ErrNoToken
		}
		tokenString = tokenCookie.Value
	}
	return token.GetUserCode(a.secret, tokenString)
}

func WithUserCode(ctx context.Context, userCode string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userCode)
}

// UserCode returns the authenticated user id, empty when the request
// did not pass the middleware.
func UserCode(ctx context.Context) string {
	userCode, _ := ctx.Value(ctxKey{}).(string)
	return userCode
}
