package draft

import (
	"errors"
	"fmt"
)

// ErrStorage is matched by every *StorageError via errors.Is.
var ErrStorage = errors.New("local storage failure")

// StorageError reports a failed read or write against the KV backend.
type StorageError struct {
	// Op is the draft operation that failed, e.g. "save".
	Op string

	// Key is the storage key involved.
	Key string

	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("draft %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStorage) hold for any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// IsStorageError reports whether err is or wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
