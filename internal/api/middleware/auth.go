package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"loan-workflow/internal/config"
	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/pkg/apperrors"

	"github.com/golang-jwt/jwt/v5"
)

// DevUserHeader names the subject when token verification is disabled.
const DevUserHeader = "X-User-ID"

type identityKey struct{}

func WithIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the principal AuthMiddleware resolved for the request.
func IdentityFrom(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity.Identity)
	return id, ok
}

// SignToken issues an HS256 token whose only claim of substance is the subject.
func SignToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AuthMiddleware verifies the bearer token, then loads role and bank
// affiliation for its subject from the identity store.
func AuthMiddleware(cfg config.AuthConfig, resolver identity.Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "AuthMiddleware")
	if !cfg.Enabled {
		logger.Warn("Token verification disabled, trusting " + DevUserHeader + " header")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var subject string
			if cfg.Enabled {
				var err error
				if subject, err = subjectFromJWT(r, cfg.JWTSecret); err != nil {
					logger.WarnContext(r.Context(), "Rejected request token", "error", err)
					writeError(w, http.StatusUnauthorized, apperrors.Kind(apperrors.ErrUnauthenticated), "Unauthorized")
					return
				}
			} else {
				subject = r.Header.Get(DevUserHeader)
			}

			id, err := resolver.Resolve(r.Context(), subject)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, apperrors.ErrUnauthenticated) || errors.Is(err, apperrors.ErrPrincipalNotFound) {
					status = http.StatusUnauthorized
				}
				logger.Log(r.Context(), levelFor(status), "Failed to resolve principal", "subject", subject, "error", err)
				writeError(w, status, apperrors.Kind(err), http.StatusText(status))
				return
			}

			logger.DebugContext(r.Context(), "Authenticated request", "principal", id.String())
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func subjectFromJWT(r *http.Request, secret string) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid Authorization header format")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token carries no subject")
	}
	return claims.Subject, nil
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
