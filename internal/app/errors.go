package app

import (
	"errors"
	"fmt"
	"net/http"

	"ideamatrix/api/internal/auth"
	"ideamatrix/api/internal/board"
	"ideamatrix/api/internal/export"
	"ideamatrix/api/internal/session"
	"ideamatrix/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func lockConflict(cardID, holderID string) *DomainError {
	return domainError(http.StatusConflict, "LOCK_CONFLICT", "Someone is already editing this card", map[string]any{
		"cardId":   cardID,
		"holderId": holderID,
	})
}

var errRateLimited = domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many moves, slow down", nil)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var held *store.LockHeldError
	if errors.As(err, &held) {
		d := lockConflict(held.CardID, held.HolderID)
		return d.Status, d.Code, d.Message, d.Details
	}
	switch {
	case errors.Is(err, store.ErrStaleWrite):
		return http.StatusConflict, "STALE_WRITE", "This card was changed, please reopen it", nil
	case errors.Is(err, store.ErrLockHeld):
		return http.StatusConflict, "LOCK_CONFLICT", "Someone is already editing this card", nil
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Storage is temporarily unavailable", nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrGuardedField):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Content, details and priority need an edit lock", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unsupported snapshot format", nil
	case errors.Is(err, export.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Snapshot storage is unavailable", nil
	case errors.Is(err, board.ErrManagerStopped):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
