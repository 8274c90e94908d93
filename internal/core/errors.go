package core

import (
	"errors"
	"fmt"
)

// TransientFetchError wraps a network, auth or rate-limit failure against the
// music service. It is retried by the next scheduled tick and never treated
// as fatal.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error in %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// IsTransientFetch reports whether err is (or wraps) a TransientFetchError.
func IsTransientFetch(err error) bool {
	var tfe *TransientFetchError
	return errors.As(err, &tfe)
}

// StoreWriteError wraps a failed aggregate store write. The failing keys are
// carried for log-based reconciliation; the write is not retried in-line.
type StoreWriteError struct {
	Op         string
	Collection string
	Keys       []string
	Err        error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write error in %s (%s, keys %v): %v", e.Op, e.Collection, e.Keys, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// KeyValidationError reports a null or missing key field in a write batch.
// The batch it belongs to fails as a whole before anything is written.
type KeyValidationError struct {
	Collection string
	Field      string
	Index      int
}

func (e *KeyValidationError) Error() string {
	return fmt.Sprintf("null or missing key field %q in document %d for collection %s", e.Field, e.Index, e.Collection)
}

// ConfigurationError reports missing credentials or required settings. It is
// fatal at startup and never a runtime retry case.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Setting, e.Reason)
}
