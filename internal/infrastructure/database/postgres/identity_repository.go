package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loan-workflow/internal/domain/identity"
	"loan-workflow/internal/pkg/apperrors"

	"github.com/jackc/pgx/v5"
)

var _ identity.Repository = (*IdentityRepository)(nil)

type IdentityRepository struct {
	db     DBPool
	logger *slog.Logger
}

func NewIdentityRepository(db DBPool, logger *slog.Logger) *IdentityRepository {
	return &IdentityRepository{db: db, logger: logger.With("component", "IdentityRepository")}
}

func (r *IdentityRepository) FindByID(ctx context.Context, userID string) (u *identity.User, err error) {
	start := time.Now()
	defer func() { observe("FindUserByID", start, err) }()

	query := `
        SELECT id::text, name, role, bank_affiliation, active
        FROM users
        WHERE id::text = $1`

	var user identity.User
	err = r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.Name, &user.Role, &user.BankAffiliation, &user.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", apperrors.ErrNotFound, userID)
		}
		r.logger.ErrorContext(ctx, "Failed to load user", "userID", userID, "error", err)
		return nil, fmt.Errorf(errMsgFormat, apperrors.ErrDatabase, err)
	}
	return &user, nil
}
