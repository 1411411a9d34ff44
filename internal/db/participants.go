package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

// GetParticipants returns the cumulative participant set of a thread.
func GetParticipants(ctx context.Context, q Querier, threadID string) ([]models.Participant, error) {
	rows, err := q.Query(ctx, `
		SELECT address, role, introduced_by
		FROM thread_participants
		WHERE thread_id = $1
		ORDER BY address
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}

	participants, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.Participant])
	if err != nil {
		return nil, fmt.Errorf("failed to scan participants: %w", err)
	}
	return participants, nil
}

// GetParticipantLog returns the participant-change log in sequence order.
func GetParticipantLog(ctx context.Context, q Querier, threadID string) ([]models.ParticipantChange, error) {
	rows, err := q.Query(ctx, `
		SELECT seq, message_id, address, role, kind
		FROM participant_changes
		WHERE thread_id = $1
		ORDER BY seq
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participant log: %w", err)
	}

	changes, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.ParticipantChange])
	if err != nil {
		return nil, fmt.Errorf("failed to scan participant log: %w", err)
	}
	return changes, nil
}

// AppendParticipantChanges stores new log entries and applies them to the
// participant set. Entries must carry their final Seq.
func AppendParticipantChanges(ctx context.Context, q Querier, threadID string, changes []models.ParticipantChange) error {
	for _, c := range changes {
		if _, err := q.Exec(ctx, `
			INSERT INTO participant_changes (thread_id, seq, message_id, address, role, kind)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, threadID, c.Seq, c.MessageID, c.Address, c.Role, c.Kind); err != nil {
			return fmt.Errorf("failed to append participant change: %w", err)
		}

		if _, err := q.Exec(ctx, `
			INSERT INTO thread_participants (thread_id, address, role, introduced_by)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (thread_id, address) DO UPDATE SET role = EXCLUDED.role
		`, threadID, c.Address, c.Role, c.MessageID); err != nil {
			return fmt.Errorf("failed to update participant: %w", err)
		}
	}
	return nil
}

// ReplaceParticipantLog discards the stored participant state of a thread and
// writes the given log from scratch.
func ReplaceParticipantLog(ctx context.Context, q Querier, threadID string, changes []models.ParticipantChange) error {
	if _, err := q.Exec(ctx, `DELETE FROM participant_changes WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to clear participant log: %w", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM thread_participants WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to clear participants: %w", err)
	}
	return AppendParticipantChanges(ctx, q, threadID, changes)
}
