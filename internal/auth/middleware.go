package auth

import (
	"net/http"
	"strings"

	"github.com/snapdog/snapdog-go/internal/api"
	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
)

var publicRoutes = map[string]struct{}{
	"/v1/auth/token":   {},
	"/v1/health":       {},
	"/v1/health/live":  {},
	"/v1/health/ready": {},
	"/v1/openapi":      {},
	"/v1/openapi.json": {},
	"/v1/ws":           {},
}

var publicPrefixes = []string{
	"/v1/health",
}

// Middleware validates bearer tokens for protected routes. A module with no
// configured API keys runs open and the middleware is a passthrough.
func Middleware(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.AuthEnabled() || isPublicRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteError(w, r, apperrors.NewUnauthorized("missing Authorization header"))
				return
			}
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				api.WriteError(w, r, apperrors.NewUnauthorized("malformed Authorization header"))
				return
			}

			payload, err := VerifyToken(cfg, token)
			if err != nil {
				if err == ErrTokenExpired {
					api.WriteError(w, r, apperrors.NewUnauthorized("token has expired"))
					return
				}
				api.WriteError(w, r, apperrors.NewUnauthorized("invalid token"))
				return
			}

			principal := Principal{Subject: payload.Subject, Name: payload.Name}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func isPublicRoute(path string) bool {
	if _, ok := publicRoutes[path]; ok {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
