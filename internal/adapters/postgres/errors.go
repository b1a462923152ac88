package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cardscan/internal/domain"
)

const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
)

// MapError translates driver errors into domain errors, wrapping the original.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case isUniqueViolation(pgErr) && pgErr.ConstraintName == "scan_jobs_one_active":
			return fmt.Errorf("%w: %v", domain.ErrActiveJob, err)
		case pgErr.Code == foreignKeyViolationCode:
			return fmt.Errorf("%w: foreign key violation (%s): %v", domain.ErrNotFound, pgErr.ConstraintName, err)
		}
	}
	return err
}

func isUniqueViolation(pgErr *pgconn.PgError) bool {
	return pgErr.Code == uniqueViolationCode
}
