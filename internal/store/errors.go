package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a write that lost to a concurrent delete.
	ErrConflict = errors.New("conflict")
	// ErrStaleWrite reports a guarded write whose lock is gone or belongs to
	// somebody else.
	ErrStaleWrite = errors.New("stale write")
	ErrLockHeld   = errors.New("lock held by another user")
	// ErrUnavailable wraps transport and connection failures so callers can
	// retry once without inspecting driver errors.
	ErrUnavailable = errors.New("store unavailable")
	// ErrGuardedField is returned when an unguarded write carries fields that
	// require the edit lock.
	ErrGuardedField = errors.New("field requires edit lock")
)

// LockHeldError names the user that holds a live lock on a card.
type LockHeldError struct {
	CardID   string
	HolderID string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("card %s is being edited by %s", e.CardID, e.HolderID)
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

// classify maps driver failures onto the store taxonomy. Query errors that are
// not about reachability are returned wrapped but unclassified.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrStaleWrite) ||
		errors.Is(err, ErrLockHeld) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception, 57P0x are shutdown conditions.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		switch pgErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
