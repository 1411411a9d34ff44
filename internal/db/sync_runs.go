package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailsync/internal/models"
)

var (
	// ErrSyncRunNotFound is returned when a requested run does not exist.
	ErrSyncRunNotFound = errors.New("sync run not found")
	// ErrSyncRunFinalized is returned when recording a run that was already
	// finalized. Finalized runs are immutable.
	ErrSyncRunFinalized = errors.New("sync run already finalized")
)

// Ledger is the durable, append-only record of sync runs.
// This allows the coordinator to be tested with in-memory implementations.
type Ledger interface {
	Begin(ctx context.Context, startedAt time.Time) (int64, error)
	Record(ctx context.Context, run *models.SyncRun) error
	Latest(ctx context.Context) (*models.SyncRun, error)
}

type ledgerImpl struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given database pool.
func NewLedger(pool *pgxpool.Pool) Ledger {
	return &ledgerImpl{pool: pool}
}

func (l *ledgerImpl) Begin(ctx context.Context, startedAt time.Time) (int64, error) {
	return BeginSyncRun(ctx, l.pool, startedAt)
}

func (l *ledgerImpl) Record(ctx context.Context, run *models.SyncRun) error {
	return RecordSyncRun(ctx, l.pool, run)
}

func (l *ledgerImpl) Latest(ctx context.Context) (*models.SyncRun, error) {
	return LatestSyncRun(ctx, l.pool)
}

// BeginSyncRun creates a running sync run and returns its id.
func BeginSyncRun(ctx context.Context, q Querier, startedAt time.Time) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO sync_runs (started_at) VALUES ($1) RETURNING id
	`, startedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to begin sync run: %w", err)
	}
	return id, nil
}

// RecordSyncRun finalizes a running sync run with its status, totals and
// per-account results. It can succeed only once per run.
func RecordSyncRun(ctx context.Context, pool *pgxpool.Pool, run *models.SyncRun) error {
	if run.Status == "" || run.Status == models.SyncStatusRunning {
		return fmt.Errorf("cannot record sync run %d with status %q", run.ID, run.Status)
	}
	if run.FinishedAt == nil {
		return fmt.Errorf("cannot record sync run %d without finish time", run.ID)
	}

	return WithTx(ctx, pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM sync_runs WHERE id = $1 FOR UPDATE`, run.ID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSyncRunNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock sync run: %w", err)
		}
		if status != models.SyncStatusRunning {
			return ErrSyncRunFinalized
		}

		for _, a := range run.Accounts {
			if _, err := tx.Exec(ctx, `
				INSERT INTO sync_run_accounts (
					run_id, account_email, fetched, inserted, skipped_duplicate, failed, conflicts, error, history_id
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, run.ID, a.AccountEmail, a.Counters.Fetched, a.Counters.Inserted, a.Counters.SkippedDuplicate,
				a.Counters.Failed, a.Counters.Conflicts, a.Error, a.HistoryID); err != nil {
				return fmt.Errorf("failed to record account result for %s: %w", a.AccountEmail, err)
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE sync_runs SET
				finished_at = $2,
				status = $3,
				error_summary = $4,
				total_fetched = $5,
				total_inserted = $6,
				total_skipped_duplicate = $7,
				total_failed = $8,
				total_conflicts = $9
			WHERE id = $1
		`, run.ID, run.FinishedAt, run.Status, run.ErrorSummary, run.Totals.Fetched, run.Totals.Inserted,
			run.Totals.SkippedDuplicate, run.Totals.Failed, run.Totals.Conflicts); err != nil {
			return fmt.Errorf("failed to finalize sync run: %w", err)
		}
		return nil
	})
}

const syncRunColumns = `
	id, started_at, finished_at, status, error_summary,
	total_fetched, total_inserted, total_skipped_duplicate, total_failed, total_conflicts`

func scanSyncRun(row pgx.Row) (*models.SyncRun, error) {
	var r models.SyncRun
	err := row.Scan(
		&r.ID,
		&r.StartedAt,
		&r.FinishedAt,
		&r.Status,
		&r.ErrorSummary,
		&r.Totals.Fetched,
		&r.Totals.Inserted,
		&r.Totals.SkippedDuplicate,
		&r.Totals.Failed,
		&r.Totals.Conflicts,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func loadAccountResults(ctx context.Context, q Querier, run *models.SyncRun) error {
	rows, err := q.Query(ctx, `
		SELECT account_email, fetched, inserted, skipped_duplicate, failed, conflicts, error, history_id
		FROM sync_run_accounts
		WHERE run_id = $1
		ORDER BY account_email
	`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to get sync run accounts: %w", err)
	}
	defer rows.Close()

	run.Accounts = nil
	for rows.Next() {
		var a models.AccountResult
		if err := rows.Scan(
			&a.AccountEmail,
			&a.Counters.Fetched,
			&a.Counters.Inserted,
			&a.Counters.SkippedDuplicate,
			&a.Counters.Failed,
			&a.Counters.Conflicts,
			&a.Error,
			&a.HistoryID,
		); err != nil {
			return fmt.Errorf("failed to scan sync run account: %w", err)
		}
		run.Accounts = append(run.Accounts, a)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating sync run accounts: %w", err)
	}
	return nil
}

// LatestSyncRun returns the most recently finished run, or nil if no run was
// ever finalized.
func LatestSyncRun(ctx context.Context, q Querier) (*models.SyncRun, error) {
	run, err := scanSyncRun(q.QueryRow(ctx, `
		SELECT `+syncRunColumns+`
		FROM sync_runs
		WHERE status <> 'running'
		ORDER BY finished_at DESC, id DESC
		LIMIT 1
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync run: %w", err)
	}

	if err := loadAccountResults(ctx, q, run); err != nil {
		return nil, err
	}
	return run, nil
}

// GetSyncRun returns a run by id, running or finalized.
func GetSyncRun(ctx context.Context, q Querier, id int64) (*models.SyncRun, error) {
	run, err := scanSyncRun(q.QueryRow(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSyncRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}

	if err := loadAccountResults(ctx, q, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListSyncRuns returns the newest runs first, without account results.
func ListSyncRuns(ctx context.Context, q Querier, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := q.Query(ctx, `
		SELECT `+syncRunColumns+`
		FROM sync_runs
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}
