// Package syncerr defines the error taxonomy of the sync engine. Each kind
// decides how far a failure propagates: a message, an account, or nothing.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// CredentialError means an account cannot authenticate. The account is
// deactivated and skipped until it is re-authorized.
type CredentialError struct {
	Account string
	Err     error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential error for %s: %v", e.Account, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TransientFetchError is a network or rate-limit failure that survived every
// retry. It fails the account for the current run only.
type TransientFetchError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// MalformedMessageError marks a single unusable message. It is counted as
// failed and the batch continues.
type MalformedMessageError struct {
	ExternalID string
	Reason     string
	Err        error
}

func (e *MalformedMessageError) Error() string {
	msg := fmt.Sprintf("malformed message %q: %s", e.ExternalID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// MergeConflictError reports a reference-chain inconsistency found by the
// repair pass. The message stays in its thread.
type MergeConflictError struct {
	ThreadID   string
	ExternalID string
	Previous   int
	Current    int
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("thread %s: message %s references %d ancestors after a message with %d",
		e.ThreadID, e.ExternalID, e.Current, e.Previous)
}

// StorageError wraps a failed atomic write of one message unit.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RateLimitError is returned by mail sources when the remote side throttles.
// It is always retried.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("rate limited: %v", e.Err) }

func (e *RateLimitError) Unwrap() error { return e.Err }

type temporaryError struct {
	err error
}

func (e *temporaryError) Error() string { return e.err.Error() }

func (e *temporaryError) Unwrap() error { return e.err }

// MarkTransient flags err as retryable, for server-side failures that carry
// no network error of their own (HTTP 5xx, IMAP BYE).
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &temporaryError{err: err}
}

// IsTransient reports whether err is worth retrying: rate limits, network
// errors and server-side hiccups. Context cancellation, credential and
// malformed-message errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var credErr *CredentialError
	var malformed *MalformedMessageError
	if errors.As(err, &credErr) || errors.As(err, &malformed) {
		return false
	}

	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return true
	}

	var transient *TransientFetchError
	var temporary *temporaryError
	if errors.As(err, &transient) || errors.As(err, &temporary) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsAccountFatal reports whether err must stop the current account: anything
// that is not scoped to a single message.
func IsAccountFatal(err error) bool {
	if err == nil {
		return false
	}
	var malformed *MalformedMessageError
	return !errors.As(err, &malformed)
}
