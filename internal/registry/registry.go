// Package registry holds the connected accounts and hands out authenticated
// clients for them.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/mailsource"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncerr"
)

// ClientProvider creates authenticated clients. credential.Provider is the
// production implementation.
type ClientProvider interface {
	GetClient(ctx context.Context, account *models.Account) (mailsource.Client, error)
}

// Registry lists accounts and resolves their clients.
type Registry struct {
	pool     *pgxpool.Pool
	provider ClientProvider
	log      zerolog.Logger
}

// New creates a Registry.
func New(pool *pgxpool.Pool, provider ClientProvider, log zerolog.Logger) *Registry {
	return &Registry{pool: pool, provider: provider, log: log}
}

// ListActiveAccounts returns the accounts that take part in syncs, ordered
// by email.
func (r *Registry) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	return db.ListAccounts(ctx, r.pool, true)
}

// ResolveClient returns an authenticated client for account. On a
// CredentialError the account is deactivated before the error is returned,
// so later runs skip it until it is re-authorized. Any other failure is
// returned as a TransientFetchError and leaves the account active.
func (r *Registry) ResolveClient(ctx context.Context, account *models.Account) (mailsource.Client, error) {
	client, err := r.provider.GetClient(ctx, account)
	if err == nil {
		return client, nil
	}

	var credErr *syncerr.CredentialError
	if errors.As(err, &credErr) {
		if deactivateErr := r.Deactivate(context.WithoutCancel(ctx), account.Email, credErr.Error()); deactivateErr != nil {
			r.log.Error().Err(deactivateErr).Str("account", logger.MaskEmail(account.Email)).Msg("Failed to deactivate account")
		}
		return nil, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var transient *syncerr.TransientFetchError
	if errors.As(err, &transient) {
		return nil, err
	}
	return nil, &syncerr.TransientFetchError{Op: "resolve client", Err: err}
}

// Deactivate excludes an account from syncs and records why.
func (r *Registry) Deactivate(ctx context.Context, email, reason string) error {
	if err := db.DeactivateAccount(ctx, r.pool, email, reason); err != nil {
		return fmt.Errorf("failed to deactivate %s: %w", email, err)
	}
	r.log.Warn().Str("account", logger.MaskEmail(email)).Str("reason", reason).Msg("Account deactivated")
	return nil
}

// Activate re-enables an account after it has been re-authorized.
func (r *Registry) Activate(ctx context.Context, email string) error {
	if err := db.ActivateAccount(ctx, r.pool, email); err != nil {
		return fmt.Errorf("failed to activate %s: %w", email, err)
	}
	r.log.Info().Str("account", logger.MaskEmail(email)).Msg("Account activated")
	return nil
}
