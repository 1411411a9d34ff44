package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// LockThread takes a transaction-scoped advisory lock on (account, source
// thread id). Concurrent merges into the same thread serialize on it; the
// lock is released on commit or rollback.
func LockThread(ctx context.Context, tx pgx.Tx, accountID, sourceThreadID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1 || ':' || $2, 0))`, accountID, sourceThreadID)
	if err != nil {
		return fmt.Errorf("failed to lock thread: %w", err)
	}
	return nil
}

// UpsertThread creates the thread on its first message or extends its
// aggregates with one more message. The subject follows the earliest message.
func UpsertThread(ctx context.Context, q Querier, accountID, sourceThreadID, subject string, sentAt time.Time) (string, error) {
	var threadID string
	err := q.QueryRow(ctx, `
		INSERT INTO threads (account_id, source_thread_id, subject, earliest_at, latest_at, message_count)
		VALUES ($1, $2, $3, $4, $4, 1)
		ON CONFLICT (account_id, source_thread_id) DO UPDATE SET
			subject = CASE
				WHEN EXCLUDED.earliest_at < threads.earliest_at AND EXCLUDED.subject <> '' THEN EXCLUDED.subject
				WHEN threads.subject = '' THEN EXCLUDED.subject
				ELSE threads.subject
			END,
			earliest_at = LEAST(threads.earliest_at, EXCLUDED.earliest_at),
			latest_at = GREATEST(threads.latest_at, EXCLUDED.latest_at),
			message_count = threads.message_count + 1
		RETURNING id
	`, accountID, sourceThreadID, subject, sentAt).Scan(&threadID)
	if err != nil {
		return "", fmt.Errorf("failed to upsert thread: %w", err)
	}
	return threadID, nil
}

const threadColumns = `id, account_id, source_thread_id, subject, earliest_at, latest_at, message_count`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var t models.Thread
	if err := row.Scan(&t.ID, &t.AccountID, &t.SourceThreadID, &t.Subject, &t.EarliestAt, &t.LatestAt, &t.MessageCount); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetThreadByID returns a thread row without its messages.
func GetThreadByID(ctx context.Context, q Querier, threadID string) (*models.Thread, error) {
	thread, err := scanThread(q.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread by ID: %w", err)
	}
	return thread, nil
}

// GetThread returns the full thread aggregate for an account: messages in
// thread order with their attachments, the cumulative participants and the
// participant-change log.
func GetThread(ctx context.Context, q Querier, accountID, sourceThreadID string) (*models.Thread, error) {
	thread, err := scanThread(q.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE account_id = $1 AND source_thread_id = $2
	`, accountID, sourceThreadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	messages, err := GetMessagesForThread(ctx, q, thread.ID)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		if msg.HasAttachments {
			attachments, err := GetAttachmentsForMessage(ctx, q, msg.ID)
			if err != nil {
				return nil, err
			}
			for _, a := range attachments {
				msg.Attachments = append(msg.Attachments, *a)
			}
		}
		thread.Messages = append(thread.Messages, *msg)
	}

	if thread.Participants, err = GetParticipants(ctx, q, thread.ID); err != nil {
		return nil, err
	}
	if thread.ParticipantLog, err = GetParticipantLog(ctx, q, thread.ID); err != nil {
		return nil, err
	}

	return thread, nil
}

// ThreadFilter narrows ListThreads. Zero values mean no restriction; From and
// To bound the thread's latest message time.
type ThreadFilter struct {
	AccountID      string
	SourceThreadID string
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// ListThreads returns thread rows, most recently active first.
func ListThreads(ctx context.Context, q Querier, filter ThreadFilter) ([]*models.Thread, error) {
	var conditions []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.SourceThreadID != "" {
		add("source_thread_id = $%d", filter.SourceThreadID)
	}
	if !filter.From.IsZero() {
		add("latest_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("latest_at < $%d", filter.To)
	}

	query := `SELECT ` + threadColumns + ` FROM threads`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY latest_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}
