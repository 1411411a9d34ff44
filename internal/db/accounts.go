package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `
	id, email, provider, imap_server_hostname, imap_username,
	is_active, deactivated_reason, deactivated_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.Provider,
		&a.IMAPServerHostname,
		&a.IMAPUsername,
		&a.IsActive,
		&a.DeactivatedReason,
		&a.DeactivatedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveAccount creates an account or updates the connection details of an
// existing one with the same email. Saving also re-activates the account,
// since it is the re-authorization path.
func SaveAccount(ctx context.Context, q Querier, account *models.Account) error {
	saved, err := scanAccount(q.QueryRow(ctx, `
		INSERT INTO accounts (email, provider, imap_server_hostname, imap_username)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET
			provider = EXCLUDED.provider,
			imap_server_hostname = EXCLUDED.imap_server_hostname,
			imap_username = EXCLUDED.imap_username,
			is_active = TRUE,
			deactivated_reason = '',
			deactivated_at = NULL,
			updated_at = now()
		RETURNING `+accountColumns,
		account.Email, account.Provider, account.IMAPServerHostname, account.IMAPUsername,
	))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	*account = *saved
	return nil
}

// GetAccountByEmail returns the account with the given address.
func GetAccountByEmail(ctx context.Context, q Querier, email string) (*models.Account, error) {
	account, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// ListAccounts returns accounts ordered by email. With activeOnly, revoked
// accounts are left out.
func ListAccounts(ctx context.Context, q Querier, activeOnly bool) ([]*models.Account, error) {
	rows, err := q.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE is_active OR NOT $1
		ORDER BY email
	`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// DeactivateAccount marks an account inactive with the given reason.
func DeactivateAccount(ctx context.Context, q Querier, email, reason string) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts
		SET is_active = FALSE, deactivated_reason = $2, deactivated_at = now(), updated_at = now()
		WHERE email = $1
	`, email, reason)
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ActivateAccount clears a previous deactivation.
func ActivateAccount(ctx context.Context, q Querier, email string) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts
		SET is_active = TRUE, deactivated_reason = '', deactivated_at = NULL, updated_at = now()
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("failed to activate account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
