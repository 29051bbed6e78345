package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/sonitag/internal/logging"
)

// Rejection reasons recorded by the rejected_total metric.
const (
	reasonMissingToken = "missing_token"
	reasonInvalidToken = "invalid_token"
	reasonRateLimited  = "rate_limited"
)

// authMiddleware enforces "Authorization: Bearer <apiKey>" on next. With an
// empty apiKey it returns next unchanged; New warns about that once at
// startup. Tokens are compared in constant time and never logged.
func authMiddleware(apiKey string, rejected func(reason string), next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		token, ok := bearerToken(r)
		if !ok {
			log.Warn("auth: missing bearer token", slog.String("path", r.URL.Path))
			rejected(reasonMissingToken)
			w.Header().Set("WWW-Authenticate", `Bearer realm="sonitag"`)
			writeError(w, r, http.StatusUnauthorized, "authorization required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			log.Warn("auth: invalid token", slog.String("path", r.URL.Path))
			rejected(reasonInvalidToken)
			w.Header().Set("WWW-Authenticate", `Bearer realm="sonitag", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token of an "Authorization: Bearer <token>"
// header. The scheme is case-insensitive.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
