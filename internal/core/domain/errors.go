package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrStoreAccess        = errors.New("knowledge store access failure")
	ErrSetupFailed        = errors.New("knowledge store setup failure")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrScrapeFailed       = errors.New("scrape failure")
	ErrModelNotFound      = errors.New("model not found")
	ErrTemporary          = errors.New("temporary failure")
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
