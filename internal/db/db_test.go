package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestNewPool(t *testing.T) {
	ctx := context.Background()

	pool, err := NewPool(ctx, testutil.StartPostgres(t))
	require.NoError(t, err)
	defer CloseConnection(pool)

	assert.Equal(t, int32(25), pool.Stat().MaxConns())
	require.NoError(t, Migrate(ctx, pool))

	var tables int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name IN ('accounts', 'messages', 'sync_runs')
	`).Scan(&tables))
	assert.Equal(t, 3, tables)
}

func TestNewConnectionInvalidConfig(t *testing.T) {
	cfg := &config.Config{
		DBHost:     "invalid-host-that-does-not-exist",
		DBPort:     "5432",
		DBUsername: "invalid",
		DBPassword: "invalid",
		DBName:     "invalid",
		DBSSLMode:  "disable",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewConnection(ctx, cfg)
	assert.Error(t, err)
}

func TestCloseConnectionNil(t *testing.T) {
	CloseConnection(nil)
}

func TestWithTxRollsBack(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := WithTx(ctx, pool, func(tx pgx.Tx) error {
		if err := SaveAccount(ctx, tx, &models.Account{Email: "a@x.com", Provider: models.ProviderGmail}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = GetAccountByEmail(ctx, pool, "a@x.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
