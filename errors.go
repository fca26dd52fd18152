package crest

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the crest package.
var (
	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrRunNotFound is returned when a run ID does not exist in a store.
	ErrRunNotFound = errors.New("run not found")

	// ErrSignalNotFound is returned when a signal name is not in the set.
	ErrSignalNotFound = errors.New("signal not found")

	// ErrDuplicateSignal is returned when a signal name is added twice.
	ErrDuplicateSignal = errors.New("duplicate signal name")

	// ErrInvalidSignalName is returned for malformed signal names.
	ErrInvalidSignalName = errors.New("invalid signal name")

	// ErrArchiveCorrupt is returned when an archive fails structural checks.
	ErrArchiveCorrupt = errors.New("archive corrupt")

	// ErrDecryptFailed is returned when decryption or authentication fails.
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrCircuitOpen is returned when a circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// MethodError reports an anomaly method that faulted during analysis. It is
// surfaced as a warning on the result; the remaining methods still run.
type MethodError struct {
	Method  AnomalyMethod
	Message string
	Cause   error
}

func (e *MethodError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("anomaly method %s: %s: %v", e.Method, e.Message, e.Cause)
	}
	return fmt.Sprintf("anomaly method %s: %s", e.Method, e.Message)
}

func (e *MethodError) Unwrap() error {
	return e.Cause
}

// newMethodError creates a new MethodError.
func newMethodError(method AnomalyMethod, message string, cause error) *MethodError {
	return &MethodError{
		Method:  method,
		Message: message,
		Cause:   cause,
	}
}

// StoreErrorType categorizes result and artifact store failures.
type StoreErrorType int

const (
	// StoreErrorUnknown is an unclassified store error.
	StoreErrorUnknown StoreErrorType = iota
	// StoreErrorConnect indicates the backing service could not be reached.
	StoreErrorConnect
	// StoreErrorRead indicates a read or query failure.
	StoreErrorRead
	// StoreErrorWrite indicates a write or update failure.
	StoreErrorWrite
	// StoreErrorDelete indicates a delete failure.
	StoreErrorDelete
)

// StoreError provides detailed information about store failures.
type StoreError struct {
	Type    StoreErrorType
	Message string
	Key     string
	Cause   error
}

func (e *StoreError) Error() string {
	msg := e.Message
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key %q)", msg, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// newStoreError creates a new StoreError.
func newStoreError(errType StoreErrorType, message, key string, cause error) *StoreError {
	return &StoreError{
		Type:    errType,
		Message: message,
		Key:     key,
		Cause:   cause,
	}
}
