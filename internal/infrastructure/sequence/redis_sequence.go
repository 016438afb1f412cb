// Package sequence allocates per-year application numbers from Redis.
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loan-workflow/internal/domain/loan"
	"loan-workflow/internal/pkg/apperrors"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "loan:appno:"

// keyTTL keeps a finished year's counter around long enough to outlive late submissions.
const keyTTL = 400 * 24 * time.Hour

// Seeder reports how many applications already exist for a year, so a
// counter lost with Redis restarts above every number already issued.
type Seeder func(ctx context.Context, year int) (int64, error)

var _ loan.Sequence = (*RedisSequence)(nil)

type RedisSequence struct {
	client *redis.Client
	seed   Seeder
	logger *slog.Logger
}

func NewRedisSequence(client *redis.Client, seed Seeder, logger *slog.Logger) *RedisSequence {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisSequence{client: client, seed: seed, logger: logger.With("component", "RedisSequence")}
}

func Key(year int) string {
	return fmt.Sprintf("%s%d", keyPrefix, year)
}

// Next returns the next number for year. Concurrent callers always receive
// distinct values because the increment happens inside Redis.
func (s *RedisSequence) Next(ctx context.Context, year int) (int64, error) {
	key := Key(year)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to check sequence key", "key", key, "error", err)
		return 0, fmt.Errorf("%w: sequence lookup: %w", apperrors.ErrInternalServer, err)
	}
	if exists == 0 && s.seed != nil {
		if err := s.initialize(ctx, key, year); err != nil {
			return 0, err
		}
	}

	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to increment sequence", "key", key, "error", err)
		return 0, fmt.Errorf("%w: sequence increment: %w", apperrors.ErrInternalServer, err)
	}
	return n, nil
}

func (s *RedisSequence) initialize(ctx context.Context, key string, year int) error {
	count, err := s.seed(ctx, year)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to seed sequence", "year", year, "error", err)
		return fmt.Errorf("seeding sequence for %d: %w", year, err)
	}
	// SetNX loses to a concurrent seeder, which wrote the same floor.
	set, err := s.client.SetNX(ctx, key, count, keyTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: sequence seed: %w", apperrors.ErrInternalServer, err)
	}
	if set {
		s.logger.InfoContext(ctx, "Seeded application number sequence", "year", year, "start", count)
	}
	return nil
}
