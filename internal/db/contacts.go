package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

// UpsertContact records an address. An empty name never overwrites a known one.
func UpsertContact(ctx context.Context, q Querier, email, name string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO contacts (email, name)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE contacts.name END,
			updated_at = now()
	`, email, name)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

// GetContact returns the contact for an address, or nil if it was never seen.
func GetContact(ctx context.Context, q Querier, email string) (*models.Contact, error) {
	var c models.Contact
	err := q.QueryRow(ctx, `
		SELECT email, name, updated_at FROM contacts WHERE email = $1
	`, email).Scan(&c.Email, &c.Name, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &c, nil
}
