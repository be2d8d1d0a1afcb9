// Package storeerr defines the error kinds shared by the sync-engine stores.
package storeerr

import (
	"errors"
	"fmt"
)

// FetchFailedError wraps a fetcher error surfaced during sync.
//
// The core never retries a failed fetch; the error is re-thrown to the
// caller and store state is left untouched (last-known state keeps
// rendering).
type FetchFailedError struct {
	// Fingerprint identifies the store whose fetch failed.
	Fingerprint string

	// Err is the underlying fetcher error.
	Err error
}

// Error implements the error interface.
func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetch failed for store %s: %v", e.Fingerprint, e.Err)
}

// Unwrap exposes the fetcher error.
func (e *FetchFailedError) Unwrap() error { return e.Err }

// IsFetchFailed reports whether err is (or wraps) a fetch failure.
func IsFetchFailed(err error) bool {
	var fe *FetchFailedError
	return errors.As(err, &fe)
}
