package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	"github.com/qrave1/MedCall/internal/domain"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// classify переводит ошибки драйвера в доменные
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", domain.ErrReferentialIntegrity, pgErr.ConstraintName)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrRoomInUse, pgErr.ConstraintName)
		}

		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
}

// readBackoff - повтор только для идемпотентных чтений
func readBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewExponential(defaultRetryBase))
}

func withReadRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, readBackoff(), func(ctx context.Context) error {
		err := classify(fn(ctx))
		if errors.Is(err, domain.ErrBackendUnavailable) {
			return retry.RetryableError(err)
		}

		return err
	})
}
