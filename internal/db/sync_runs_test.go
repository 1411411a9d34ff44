package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestLedger(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	ledger := NewLedger(pool)

	t.Run("latest is empty before any run finishes", func(t *testing.T) {
		latest, err := ledger.Latest(ctx)
		require.NoError(t, err)
		assert.Nil(t, latest)
	})

	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	firstID, err := ledger.Begin(ctx, started)
	require.NoError(t, err)
	secondID, err := ledger.Begin(ctx, started.Add(time.Second))
	require.NoError(t, err)
	assert.Greater(t, secondID, firstID)

	t.Run("running runs are not latest", func(t *testing.T) {
		latest, err := ledger.Latest(ctx)
		require.NoError(t, err)
		assert.Nil(t, latest)

		run, err := GetSyncRun(ctx, pool, firstID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusRunning, run.Status)
	})

	run := &models.SyncRun{
		ID:        firstID,
		StartedAt: started,
		Accounts: []models.AccountResult{
			{AccountEmail: "a@x.com", Counters: models.Counters{Fetched: 10, Inserted: 9, Failed: 1}, HistoryID: "12345"},
			{AccountEmail: "b@x.com", Error: "credential error for b@x.com: revoked"},
		},
	}
	run.Finalize(started.Add(time.Minute))

	t.Run("record finalizes", func(t *testing.T) {
		require.NoError(t, ledger.Record(ctx, run))

		latest, err := ledger.Latest(ctx)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, firstID, latest.ID)
		assert.Equal(t, models.SyncStatusPartial, latest.Status)
		assert.Equal(t, models.Counters{Fetched: 10, Inserted: 9, Failed: 1}, latest.Totals)
		require.Len(t, latest.Accounts, 2)
		assert.Equal(t, "12345", latest.Accounts[0].HistoryID)
		assert.Contains(t, latest.Accounts[1].Error, "revoked")
		assert.Contains(t, latest.ErrorSummary, "b@x.com")
	})

	t.Run("second record is rejected", func(t *testing.T) {
		run.Status = models.SyncStatusSuccess
		assert.ErrorIs(t, ledger.Record(ctx, run), ErrSyncRunFinalized)

		stored, err := GetSyncRun(ctx, pool, firstID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusPartial, stored.Status)
	})

	t.Run("database rejects direct mutation of finalized runs", func(t *testing.T) {
		_, err := pool.Exec(ctx, `UPDATE sync_runs SET status = 'success' WHERE id = $1`, firstID)
		assert.Error(t, err)

		_, err = pool.Exec(ctx, `DELETE FROM sync_runs WHERE id = $1`, firstID)
		assert.Error(t, err)

		_, err = pool.Exec(ctx, `UPDATE sync_run_accounts SET inserted = 0 WHERE run_id = $1`, firstID)
		assert.Error(t, err)
	})

	t.Run("running status cannot be recorded", func(t *testing.T) {
		pending := &models.SyncRun{ID: secondID, Status: models.SyncStatusRunning}
		assert.Error(t, ledger.Record(ctx, pending))
	})

	t.Run("unknown run", func(t *testing.T) {
		missing := &models.SyncRun{ID: 9999, Status: models.SyncStatusSuccess}
		missing.Finalize(time.Now())
		assert.ErrorIs(t, ledger.Record(ctx, missing), ErrSyncRunNotFound)
	})

	t.Run("list newest first", func(t *testing.T) {
		runs, err := ListSyncRuns(ctx, pool, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, secondID, runs[0].ID)
	})
}
