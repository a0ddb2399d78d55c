package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUploadNotFound  = errors.New("upload not found")
	// ErrTemporary marks upstream rate limiting, quota exhaustion and other
	// transient failures a user may retry later.
	ErrTemporary    = errors.New("temporary failure")
	ErrParse        = errors.New("unparseable inference reply")
	ErrPersistence  = errors.New("persistence failure")
	ErrDocumentRead = errors.New("document read failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
