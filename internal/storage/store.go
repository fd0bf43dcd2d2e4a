package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is absent from storage.
var ErrNotFound = errors.New("storage: key not found")

// ErrUnavailable is returned when the backing store cannot be reached, for
// example because the file is locked by another process or the permission to
// use it was revoked. Callers treat it as "do nothing this time".
var ErrUnavailable = errors.New("storage: store unavailable")

// Store is the shared key/value map used by every kbudget process.
//
// There are no transactions and no compare-and-swap: each key is last write
// wins. Values are primitive strings (integers, epoch seconds, booleans,
// days) so that a single Set is atomic at the backend.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Scanner is implemented by stores that can enumerate keys by prefix.
type Scanner interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// IsUnavailable reports whether err means the store could not be used.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
