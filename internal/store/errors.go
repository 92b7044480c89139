package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is returned when an insert hits a uniqueness constraint, e.g. a
// second content report from the same reporter. Callers distinguish conflicts
// from other failures with errors.Is rather than inspecting SQLSTATE themselves.
var ErrDuplicate = errors.New("duplicate row")

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
