package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "rate limit", err: &RateLimitError{Err: errors.New("429")}, want: true},
		{name: "wrapped rate limit", err: fmt.Errorf("list: %w", &RateLimitError{Err: errors.New("429")}), want: true},
		{name: "network op error", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, want: true},
		{name: "dns error", err: &net.DNSError{Err: "no such host", Name: "imap.example.com"}, want: true},
		{name: "marked transient", err: MarkTransient(errors.New("503 backend error")), want: true},
		{name: "context canceled", err: fmt.Errorf("fetch: %w", context.Canceled), want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: false},
		{name: "credential", err: &CredentialError{Account: "a@x.com", Err: errors.New("invalid_grant")}, want: false},
		{name: "malformed", err: &MalformedMessageError{ExternalID: "m1", Reason: "no date"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsAccountFatal(t *testing.T) {
	assert.False(t, IsAccountFatal(nil))
	assert.False(t, IsAccountFatal(fmt.Errorf("merge: %w", &MalformedMessageError{ExternalID: "m1", Reason: "missing timestamp"})))
	assert.True(t, IsAccountFatal(&StorageError{Op: "insert message", Err: errors.New("conn closed")}))
	assert.True(t, IsAccountFatal(&TransientFetchError{Op: "list INBOX", Attempts: 5, Err: errors.New("503")}))
	assert.True(t, IsAccountFatal(&CredentialError{Account: "a@x.com", Err: errors.New("revoked")}))
}

func TestErrorMessagesAndUnwrap(t *testing.T) {
	cause := errors.New("underlying")

	credErr := &CredentialError{Account: "a@x.com", Err: cause}
	assert.Equal(t, "credential error for a@x.com: underlying", credErr.Error())
	assert.ErrorIs(t, credErr, cause)

	transient := &TransientFetchError{Op: "get message m1", Attempts: 3, Err: cause}
	assert.Equal(t, "get message m1 failed after 3 attempts: underlying", transient.Error())
	assert.ErrorIs(t, transient, cause)

	malformed := &MalformedMessageError{ExternalID: "m1", Reason: "missing timestamp"}
	assert.Equal(t, `malformed message "m1": missing timestamp`, malformed.Error())

	conflict := &MergeConflictError{ThreadID: "T1", ExternalID: "m3", Previous: 2, Current: 1}
	assert.Contains(t, conflict.Error(), "m3 references 1 ancestors after a message with 2")

	storage := &StorageError{Op: "commit", Err: cause}
	assert.ErrorIs(t, storage, cause)
}
