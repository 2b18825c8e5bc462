package query

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Cache.
	ErrClosed = errors.New("query: cache closed")
	// ErrCancelled is reserved for cancelled fetches. Nothing returns it yet.
	ErrCancelled = errors.New("query: fetch cancelled")
)

// FetchError records a failed fetch for a key. Err is whatever the
// fetch function returned.
type FetchError struct {
	Key Key
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("query %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
