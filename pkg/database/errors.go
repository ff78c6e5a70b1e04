package database

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// StoreError answers API callers with a 500 carrying message. The cause stays in the chain, so
// errors.Is still sees a cancelled context underneath.
func StoreError(err error, message string) error {
	if err == nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, message)
	}
	return fmt.Errorf("%w: %w", httperror.NewHTTPError(http.StatusInternalServerError, message), err)
}

func StoreErrorf(err error, format string, args ...any) error {
	return StoreError(err, fmt.Sprintf(format, args...))
}

// IsUniqueViolation reports whether err was raised by a unique or primary key constraint.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
