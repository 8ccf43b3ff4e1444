package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrDatabaseUnavailable is returned when the database cannot be reached.
	ErrDatabaseUnavailable = errors.New("database unavailable")

	// ErrPhaseOutOfRange is returned when a phase index leaves the frozen phase list.
	ErrPhaseOutOfRange = errors.New("phase index out of range")

	// ErrTaskNotClaimable is returned when a task is no longer in created status.
	ErrTaskNotClaimable = errors.New("task not claimable")
)

// classify maps driver and GORM errors onto storage errors.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	case isConnectionError(err):
		return fmt.Errorf("%s: %w: %v", msg, ErrDatabaseUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"database is closed",
		"no such host",
		"i/o timeout",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}
