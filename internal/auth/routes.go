package auth

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snapdog/snapdog-go/internal/api"
	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
)

// RegisterRoutes wires the token exchange endpoint to the router.
func RegisterRoutes(router chi.Router, cfg config.Config) {
	router.Method(http.MethodPost, "/v1/auth/token", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		if !cfg.AuthEnabled() {
			return apperrors.NewFailedPrecondition("authentication is not configured")
		}

		var body struct {
			APIKey string `json:"api_key"`
			Name   string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return apperrors.NewInvalidArgument("api_key is required")
		}
		if body.APIKey == "" {
			return apperrors.NewInvalidArgument("api_key is required")
		}

		token, err := ExchangeAPIKey(cfg, body.APIKey, body.Name)
		if err != nil {
			if err == ErrAPIKeyInvalid {
				return apperrors.NewUnauthorized("invalid API key")
			}
			return apperrors.NewInternal("token generation failed")
		}

		return api.WriteResource(w, http.StatusOK, map[string]any{
			"object":         "token",
			"access_token":   token.AccessToken,
			"token_type":     "Bearer",
			"expires_in_sec": token.ExpiresInSec,
		})
	}))
}
