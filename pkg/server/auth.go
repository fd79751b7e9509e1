package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/jameshartig/emporiasync/pkg/log"
)

// authMiddleware lets reads through and guards the write endpoints. With
// neither an API token nor admin emails configured every request is allowed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))
		r = r.WithContext(ctx)

		if r.Method == http.MethodGet || r.Method == http.MethodHead || (s.apiToken == "" && len(s.adminEmails) == 0) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).WarnContext(ctx, "missing auth header")
			writeJSONError(w, "missing auth header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if s.apiToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		if len(s.adminEmails) > 0 {
			email, err := s.authenticateToken(ctx, token)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
				writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
				return
			}
			if slices.Contains(s.adminEmails, email) {
				next.ServeHTTP(w, r)
				return
			}
			log.Ctx(ctx).WarnContext(ctx, "email is not an admin", slog.String("email", email))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}

		writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
	})
}

func (s *Server) authenticateToken(ctx context.Context, token string) (string, error) {
	var errs []error

	for issuer, verifier := range s.oidcVerifiers {
		idToken, err := verifier(ctx, token)
		if err == nil {
			var claims struct {
				Email         string `json:"email"`
				EmailVerified bool   `json:"email_verified"`
			}
			err = idToken.Claims(&claims)
			if err == nil {
				if !claims.EmailVerified {
					return "", errors.New("email is not verified")
				}
				return claims.Email, nil
			}
		}
		errs = append(errs, fmt.Errorf("%s verifier failed: %v", issuer, err))
	}

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", errors.New("no verifiers configured")
}
