package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrCredentialNotFound is returned when an account has no stored secret.
var ErrCredentialNotFound = errors.New("credential not found")

// SaveCredential stores the encrypted secret of an account, replacing any
// previous one.
func SaveCredential(ctx context.Context, q Querier, accountID string, encrypted []byte) error {
	_, err := q.Exec(ctx, `
		INSERT INTO account_credentials (account_id, encrypted_secret)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET
			encrypted_secret = EXCLUDED.encrypted_secret,
			updated_at = now()
	`, accountID, encrypted)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetCredential returns the encrypted secret of an account.
func GetCredential(ctx context.Context, q Querier, accountID string) ([]byte, error) {
	var encrypted []byte
	err := q.QueryRow(ctx, `
		SELECT encrypted_secret FROM account_credentials WHERE account_id = $1
	`, accountID).Scan(&encrypted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return encrypted, nil
}
