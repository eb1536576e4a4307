// Package auth exchanges configured API keys for short-lived HS256 bearer
// tokens and guards the north-bound HTTP surface. With no API keys
// configured the API is open and the middleware passes everything through.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/snapdog/snapdog-go/internal/config"
)

const (
	tokenIssuer   = "snapdog"
	tokenAudience = "snapdog-api"
)

var (
	ErrAPIKeyInvalid = errors.New("api key invalid")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenInvalid  = errors.New("token invalid")
)

// TokenPayload is the validated content of a bearer token.
type TokenPayload struct {
	Subject string
	Name    string
}

// Token is the result of an API-key exchange.
type Token struct {
	AccessToken  string
	ExpiresInSec int
}

type tokenClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// ExchangeAPIKey validates an API key against the configured set and issues
// a bearer token. The subject records which key matched, never the key
// itself. name is an optional caller-chosen label carried into the token.
func ExchangeAPIKey(cfg config.Config, apiKey, name string) (Token, error) {
	match := -1
	for i, configured := range cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(configured), []byte(apiKey)) == 1 {
			match = i
		}
	}
	if match < 0 {
		return Token{}, ErrAPIKeyInvalid
	}

	accessToken, err := generateToken(cfg, fmt.Sprintf("key-%d", match+1), name)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: accessToken, ExpiresInSec: cfg.JWTAccessTokenExpirySec}, nil
}

// VerifyToken parses and validates a bearer token.
func VerifyToken(cfg config.Config, token string) (TokenPayload, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
	)

	claims := &tokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenPayload{}, ErrTokenExpired
		}
		return TokenPayload{}, ErrTokenInvalid
	}
	if parsed == nil || !parsed.Valid || claims.Subject == "" {
		return TokenPayload{}, ErrTokenInvalid
	}

	return TokenPayload{Subject: claims.Subject, Name: claims.Name}, nil
}

func generateToken(cfg config.Config, subject, name string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			Audience:  []string{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(cfg.JWTAccessTokenExpirySec) * time.Second)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}
