package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"loan-workflow/internal/api/handler/dto"
	"loan-workflow/internal/api/middleware"
	"loan-workflow/internal/config"
	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/pkg/apperrors"
)

type AuthHandler struct {
	cfg      config.AuthConfig
	resolver identity.Resolver
	now      func() time.Time
	logger   *slog.Logger
}

func NewAuthHandler(cfg config.AuthConfig, resolver identity.Resolver, l *slog.Logger) *AuthHandler {
	if resolver == nil {
		panic("identity resolver cannot be nil")
	}
	return &AuthHandler{
		cfg:      cfg,
		resolver: resolver,
		now:      time.Now,
		logger:   l.With("component", "AuthHandler"),
	}
}

// GenerateBearerToken issues a token for an existing, active user.
//
// @Summary Generate a JWT bearer token
// @Description Issues an HS256 token whose subject is the given user id. Only enabled in development deployments.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body dto.TokenRequest true "User id"
// @Success 200 {object} dto.TokenResponse "Token successfully generated"
// @Failure 400 {object} dto.ErrorResponse "Invalid request parameters"
// @Failure 401 {object} dto.ErrorResponse "Unknown or inactive user"
// @Failure 500 {object} dto.ErrorResponse "Internal server error"
// @Router /auth/token [post]
func (h *AuthHandler) GenerateBearerToken(w http.ResponseWriter, r *http.Request) {
	var req dto.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.logger.Warn("Failed to decode request body", "error", err)
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err))
		return
	}
	subject := strings.TrimSpace(req.UserID)
	if subject == "" {
		respondError(w, apperrors.NewValidationError("userId", "userId is required"))
		return
	}

	id, err := h.resolver.Resolve(r.Context(), subject)
	if err != nil {
		h.logger.Warn("Refusing token for unresolvable subject", "subject", subject, "error", err)
		respondError(w, err)
		return
	}

	now := h.now()
	token, err := middleware.SignToken(h.cfg.JWTSecret, id.ID, h.cfg.TokenTTL, now)
	if err != nil {
		h.logger.Error("Failed to sign token", "error", err)
		respondError(w, fmt.Errorf("%w: %v", apperrors.ErrInternalServer, err))
		return
	}

	h.logger.Info("Issued bearer token", "subject", id.ID, "role", id.Role)
	respondJSON(w, http.StatusOK, dto.TokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: now.Add(h.cfg.TokenTTL).UTC(),
	})
}
