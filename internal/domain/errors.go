package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the application.
var (
	ErrValidation   = errors.New("validation error")
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("resource already exists")
	ErrInternal     = errors.New("internal server error")
	ErrRoomFull     = fmt.Errorf("%w: room member limit reached", ErrValidation)
)

// Wire codes reported to clients in error frames and HTTP bodies.
const (
	CodeValidation   = "validation_error"
	CodeAccessDenied = "access_denied"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInternal     = "internal_error"
)

// Validationf returns an ErrValidation carrying a client-facing reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// AccessDeniedf returns an ErrAccessDenied carrying a client-facing reason.
func AccessDeniedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAccessDenied, fmt.Sprintf(format, args...))
}

// NotFoundf returns an ErrNotFound carrying a client-facing reason.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// ErrorCode classifies err into one of the wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// PublicMessage returns the text that may be shown to the originating
// client. Internal failures are never described beyond a generic message.
func PublicMessage(err error) string {
	if ErrorCode(err) == CodeInternal {
		return ErrInternal.Error()
	}
	return err.Error()
}
