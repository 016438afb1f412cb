package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"loan-workflow/internal/domain/bank"
	"loan-workflow/internal/pkg/apperrors"
)

// User is the stored identity record.
type User struct {
	ID              string
	Name            string
	Role            string
	BankAffiliation *string
	Active          bool
}

type Repository interface {
	FindByID(ctx context.Context, userID string) (*User, error)
}

type Resolver interface {
	Resolve(ctx context.Context, subject string) (Identity, error)
}

type resolver struct {
	repo   Repository
	logger *slog.Logger
}

func NewResolver(repo Repository, logger *slog.Logger) Resolver {
	if repo == nil {
		panic("identity repository cannot be nil")
	}
	return &resolver{repo: repo, logger: logger.With("component", "IdentityResolver")}
}

func (r *resolver) Resolve(ctx context.Context, subject string) (Identity, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: token carries no subject", apperrors.ErrUnauthenticated)
	}

	u, err := r.repo.FindByID(ctx, subject)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			r.logger.WarnContext(ctx, "Principal no longer exists", "userID", subject)
			return Identity{}, fmt.Errorf("%w: user %s", apperrors.ErrPrincipalNotFound, subject)
		}
		r.logger.ErrorContext(ctx, "Failed to load principal", "userID", subject, "error", err)
		return Identity{}, fmt.Errorf("failed to resolve principal %s: %w", subject, err)
	}
	if !u.Active {
		r.logger.WarnContext(ctx, "Principal is deactivated", "userID", subject)
		return Identity{}, fmt.Errorf("%w: user %s is deactivated", apperrors.ErrPrincipalNotFound, subject)
	}

	return u.toIdentity()
}

func (u *User) toIdentity() (Identity, error) {
	role, err := ParseRole(u.Role)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: stored role for %s: %w", apperrors.ErrInternalServer, u.ID, err)
	}

	id := Identity{ID: u.ID, Name: u.Name, Role: role}
	if role.IsStaff() && u.BankAffiliation != nil && strings.TrimSpace(*u.BankAffiliation) != "" {
		code, err := bank.Parse(*u.BankAffiliation)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: stored bank affiliation for %s: %w", apperrors.ErrInternalServer, u.ID, err)
		}
		id.Bank = &code
	}
	return id, nil
}
