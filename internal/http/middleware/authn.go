package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/irisanalysis/datalab-gateway/internal/http/httperr"
)

// AccessCookieName — cookie с access-токеном для браузерных клиентов.
const AccessCookieName = "access_token"

// TokenValidator проверяет access-токен и возвращает идентификатор
// и email пользователя. Реализуется service.Service.
type TokenValidator interface {
	ValidateAccessToken(token string) (uuid.UUID, string, error)
}

// Identity — аутентифицированный пользователь запроса.
type Identity struct {
	UserID uuid.UUID
	Email  string
}

type identityKey struct{}

// IdentityFrom достаёт личность из контекста; ok=false на skip-путях
// и до прохождения гейта.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// skipPaths — пути, не требующие аутентификации. Гейт также пропускает
// OPTIONS-префлайты: их шлёт браузер без заголовков авторизации.
var skipPaths = map[string]struct{}{
	"/auth/register": {},
	"/auth/login":    {},
	"/auth/refresh":  {},
	"/auth/logout":   {},
	"/healthz":       {},
	"/livez":         {},
	"/metrics":       {},
}

// Authn — гейт аутентификации. Токен берётся из Authorization: Bearer
// или из cookie access_token (заголовок приоритетнее). Любой отказ —
// обобщённый 401 без деталей.
func Authn(v TokenValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipPaths[r.URL.Path]; skip || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				httperr.Unauthorized(w, r)
				return
			}

			userID, email, err := v.ValidateAccessToken(token)
			if err != nil {
				httperr.Unauthorized(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, Identity{
				UserID: userID,
				Email:  email,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken достаёт access-токен из Authorization или cookie.
// Заголовок с другой схемой (Basic и т.п.) не блокирует cookie: браузерный
// клиент может слать постороннюю авторизацию вместе с валидной cookie.
func extractToken(r *http.Request) string {
	const prefix = "Bearer "

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}

	if c, err := r.Cookie(AccessCookieName); err == nil {
		return c.Value
	}

	return ""
}
