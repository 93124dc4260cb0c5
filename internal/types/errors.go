package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrStorageIO            = errors.New("storage i/o error")
	ErrRemoteUnavailable    = errors.New("remote unavailable")
	ErrDeliveryFailed       = errors.New("delivery failed")
	ErrVersionConflict      = errors.New("version conflict")
	ErrRetryCeilingExceeded = errors.New("retry ceiling exceeded")
	ErrValidation           = errors.New("validation failed")
	ErrSessionActive        = errors.New("session already active")
	ErrDrainInProgress      = errors.New("drain already in progress")
	ErrRecoveryExpired      = errors.New("recovery prompt no longer awaiting an answer")
)

// StorageError reports a failed durable-store operation on a key.
// It matches ErrStorageIO with errors.Is.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageIO }

// ValidationError reports a rejected session or entry. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
