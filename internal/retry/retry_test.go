package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/syncerr"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDo(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(5), "list INBOX", func(context.Context) error {
			calls++
			if calls < 3 {
				return &syncerr.RateLimitError{Err: errors.New("429")}
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("wraps exhausted transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastPolicy(3), "list INBOX", func(context.Context) error {
			calls++
			return &syncerr.RateLimitError{Err: errors.New("429")}
		})

		require.Error(t, err)
		assert.Equal(t, 3, calls)

		var transient *syncerr.TransientFetchError
		require.ErrorAs(t, err, &transient)
		assert.Equal(t, "list INBOX", transient.Op)
		assert.Equal(t, 3, transient.Attempts)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		credErr := &syncerr.CredentialError{Account: "a@x.com", Err: errors.New("revoked")}
		err := Do(context.Background(), fastPolicy(5), "get profile", func(context.Context) error {
			calls++
			return credErr
		})

		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, credErr)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Policy{MaxAttempts: 10, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second}, "list", func(context.Context) error {
			calls++
			cancel()
			return &syncerr.RateLimitError{Err: errors.New("429")}
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestValue(t *testing.T) {
	calls := 0
	got, err := Value(context.Background(), fastPolicy(3), "get", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &syncerr.RateLimitError{Err: errors.New("slow down")}
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
