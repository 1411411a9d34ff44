package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

var (
	// ErrMessageNotFound is returned when a requested message cannot be found.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageExists is returned when an insert hits an already stored
	// (account, external id) pair.
	ErrMessageExists = errors.New("message already exists")
)

const messageColumns = `
	m.id, m.account_id, m.thread_id, t.source_thread_id, m.external_id,
	m.message_id_header, m.in_reply_to, m.reference_ids,
	m.from_address, m.from_name, m.to_addresses, m.cc_addresses,
	m.subject, m.body_text, m.body_html, m.snippet, m.sent_at,
	m.mailbox_label, m.labels, m.is_read, m.has_attachments, m.created_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.ThreadID,
		&msg.SourceThreadID,
		&msg.ExternalID,
		&msg.MessageIDHeader,
		&msg.InReplyTo,
		&msg.References,
		&msg.FromAddress,
		&msg.FromName,
		&msg.ToAddresses,
		&msg.CCAddresses,
		&msg.Subject,
		&msg.BodyText,
		&msg.BodyHTML,
		&msg.Snippet,
		&msg.SentAt,
		&msg.MailboxLabel,
		&msg.Labels,
		&msg.IsRead,
		&msg.HasAttachments,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessageByExternalID returns the account's copy of a message.
func GetMessageByExternalID(ctx context.Context, q Querier, accountID, externalID string) (*models.Message, error) {
	msg, err := scanMessage(q.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE m.account_id = $1 AND m.external_id = $2
	`, accountID, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// InsertMessage stores a new message. msg.ID is generated when empty.
// Returns ErrMessageExists if the account already has the external id.
func InsertMessage(ctx context.Context, q Querier, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	var createdAt time.Time
	err := q.QueryRow(ctx, `
		INSERT INTO messages (
			id,
			account_id,
			thread_id,
			external_id,
			message_id_header,
			in_reply_to,
			reference_ids,
			from_address,
			from_name,
			to_addresses,
			cc_addresses,
			subject,
			body_text,
			body_html,
			snippet,
			sent_at,
			mailbox_label,
			labels,
			is_read,
			has_attachments
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (account_id, external_id) DO NOTHING
		RETURNING created_at
	`,
		msg.ID,
		msg.AccountID,
		msg.ThreadID,
		msg.ExternalID,
		msg.MessageIDHeader,
		msg.InReplyTo,
		nonNil(msg.References),
		msg.FromAddress,
		msg.FromName,
		nonNil(msg.ToAddresses),
		nonNil(msg.CCAddresses),
		msg.Subject,
		msg.BodyText,
		msg.BodyHTML,
		msg.Snippet,
		msg.SentAt,
		msg.MailboxLabel,
		nonNil(msg.Labels),
		msg.IsRead,
		msg.HasAttachments,
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMessageExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	msg.CreatedAt = createdAt
	return nil
}

// RefreshMessageFlags merges new labels into a stored message and updates
// its read state. Headers and bodies are never touched.
func RefreshMessageFlags(ctx context.Context, q Querier, messageID string, labels []string, isRead bool) error {
	_, err := q.Exec(ctx, `
		UPDATE messages
		SET labels = ARRAY(SELECT DISTINCT l FROM unnest(labels || $2::text[]) AS l ORDER BY l),
			is_read = $3
		WHERE id = $1
	`, messageID, nonNil(labels), isRead)
	if err != nil {
		return fmt.Errorf("failed to refresh message flags: %w", err)
	}
	return nil
}

// CountMessagesAfter counts the thread's messages that sort after the
// (sentAt, externalID) position.
func CountMessagesAfter(ctx context.Context, q Querier, threadID string, sentAt time.Time, externalID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE thread_id = $1
			AND (sent_at, external_id COLLATE "C") > ($2, $3 COLLATE "C")
	`, threadID, sentAt, externalID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count later messages: %w", err)
	}
	return n, nil
}

// GetMessagesForThread returns all messages of a thread ordered by timestamp,
// ties broken by external id byte order.
func GetMessagesForThread(ctx context.Context, q Querier, threadID string) ([]*models.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE m.thread_id = $1
		ORDER BY m.sent_at, m.external_id COLLATE "C"
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// CountMessages returns the number of messages stored for an account.
func CountMessages(ctx context.Context, q Querier, accountID string) (int, error) {
	var n int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE account_id = $1`, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
