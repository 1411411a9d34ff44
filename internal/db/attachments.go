package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

// ErrAttachmentNotFound is returned when a requested attachment cannot be found.
var ErrAttachmentNotFound = errors.New("attachment not found")

// InsertAttachments stores attachment metadata for a message, one row per
// source attachment id. Rows that already exist are left alone.
func InsertAttachments(ctx context.Context, q Querier, messageID string, metas []models.AttachmentMeta) error {
	for _, a := range metas {
		_, err := q.Exec(ctx, `
			INSERT INTO attachments (
				id, message_id, source_attachment_id, filename, mime_type, size_bytes, is_inline, content_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (message_id, source_attachment_id) DO NOTHING
		`, uuid.NewString(), messageID, a.AttachmentID, a.Filename, a.MimeType, a.SizeBytes, a.IsInline, a.ContentID)
		if err != nil {
			return fmt.Errorf("failed to insert attachment %s: %w", a.AttachmentID, err)
		}
	}
	return nil
}

const attachmentColumns = `id, message_id, source_attachment_id, filename, mime_type, size_bytes, is_inline, content_id`

// GetAttachmentsForMessage returns attachment metadata in source id order.
func GetAttachmentsForMessage(ctx context.Context, q Querier, messageID string) ([]*models.Attachment, error) {
	rows, err := q.Query(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments
		WHERE message_id = $1
		ORDER BY source_attachment_id COLLATE "C"
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}

	attachments, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByPos[models.Attachment])
	if err != nil {
		return nil, fmt.Errorf("failed to scan attachments: %w", err)
	}
	return attachments, nil
}

// GetAttachment returns one attachment by its message and source id.
func GetAttachment(ctx context.Context, q Querier, messageID, sourceAttachmentID string) (*models.Attachment, error) {
	rows, err := q.Query(ctx, `
		SELECT `+attachmentColumns+`
		FROM attachments
		WHERE message_id = $1 AND source_attachment_id = $2
	`, messageID, sourceAttachmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}

	attachment, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByPos[models.Attachment])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan attachment: %w", err)
	}
	return attachment, nil
}
