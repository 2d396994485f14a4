package pg

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"rentflow.io/internal/billing"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
	pgErrNumericOutOfRange   = "22003"
)

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapWriteError translates constraint violations into billing errors and wraps the rest
// with op for context.
func mapWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%s: %w (%s)", op, billing.ErrDuplicate, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, billing.ErrNotFound)
		case pgErrCheckViolation:
			return fmt.Errorf("%s: %w: %s", op, billing.ErrConflict, pgErr.ConstraintName)
		case pgErrNumericOutOfRange:
			return fmt.Errorf("%s: %w", op, billing.ErrAmountTooLarge)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
