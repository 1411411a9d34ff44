package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestAccounts(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	gmail := &models.Account{Email: "a@x.com", Provider: models.ProviderGmail}
	require.NoError(t, SaveAccount(ctx, pool, gmail))
	imapAccount := &models.Account{
		Email:              "b@x.com",
		Provider:           models.ProviderIMAP,
		IMAPServerHostname: "imap.x.com:993",
		IMAPUsername:       "b",
	}
	require.NoError(t, SaveAccount(ctx, pool, imapAccount))

	t.Run("saves and reads back", func(t *testing.T) {
		assert.NotEmpty(t, gmail.ID)
		assert.True(t, gmail.IsActive)

		got, err := GetAccountByEmail(ctx, pool, "b@x.com")
		require.NoError(t, err)
		assert.Equal(t, models.ProviderIMAP, got.Provider)
		assert.Equal(t, "imap.x.com:993", got.IMAPServerHostname)
	})

	t.Run("saving again keeps the id", func(t *testing.T) {
		again := &models.Account{Email: "a@x.com", Provider: models.ProviderGmail}
		require.NoError(t, SaveAccount(ctx, pool, again))
		assert.Equal(t, gmail.ID, again.ID)
	})

	t.Run("deactivate excludes from active list", func(t *testing.T) {
		require.NoError(t, DeactivateAccount(ctx, pool, "a@x.com", "token revoked"))

		active, err := ListAccounts(ctx, pool, true)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "b@x.com", active[0].Email)

		all, err := ListAccounts(ctx, pool, false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		got, err := GetAccountByEmail(ctx, pool, "a@x.com")
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Equal(t, "token revoked", got.DeactivatedReason)
		assert.NotNil(t, got.DeactivatedAt)
	})

	t.Run("activate restores", func(t *testing.T) {
		require.NoError(t, ActivateAccount(ctx, pool, "a@x.com"))

		got, err := GetAccountByEmail(ctx, pool, "a@x.com")
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.Empty(t, got.DeactivatedReason)
		assert.Nil(t, got.DeactivatedAt)
	})

	t.Run("unknown account", func(t *testing.T) {
		assert.ErrorIs(t, DeactivateAccount(ctx, pool, "nobody@x.com", "x"), ErrAccountNotFound)
		assert.ErrorIs(t, ActivateAccount(ctx, pool, "nobody@x.com"), ErrAccountNotFound)
		_, err := GetAccountByEmail(ctx, pool, "nobody@x.com")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("credentials", func(t *testing.T) {
		_, err := GetCredential(ctx, pool, gmail.ID)
		assert.ErrorIs(t, err, ErrCredentialNotFound)

		require.NoError(t, SaveCredential(ctx, pool, gmail.ID, []byte("v1")))
		require.NoError(t, SaveCredential(ctx, pool, gmail.ID, []byte("v2")))

		got, err := GetCredential(ctx, pool, gmail.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("contacts keep the last known name", func(t *testing.T) {
		require.NoError(t, UpsertContact(ctx, pool, "c@x.com", "Carol"))
		require.NoError(t, UpsertContact(ctx, pool, "c@x.com", ""))

		got, err := GetContact(ctx, pool, "c@x.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Carol", got.Name)

		missing, err := GetContact(ctx, pool, "nobody@x.com")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}
