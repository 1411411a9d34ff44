package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/coordinator"
	"github.com/vdavid/mailsync/internal/credential"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/mailsource"
	"github.com/vdavid/mailsync/internal/merger"
	"github.com/vdavid/mailsync/internal/registry"
	"github.com/vdavid/mailsync/internal/retry"
)

// env holds the dependencies of a command. They are built on first use so
// usage errors never need a database.
type env struct {
	stdin  io.Reader
	stdout io.Writer

	cfg   *config.Config
	log   zerolog.Logger
	pool  *pgxpool.Pool
	store credential.SecretStore
}

func (e *env) connect(ctx context.Context) error {
	if e.pool != nil {
		return nil
	}

	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	e.cfg = cfg
	e.log = logger.New(cfg.LogLevel, cfg.Environment)

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return err
	}
	e.pool = pool
	e.log.Debug().Msg("Connected to database")
	return nil
}

func (e *env) close() {
	db.CloseConnection(e.pool)
}

func (e *env) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     e.cfg.FetchMaxAttempts,
		InitialInterval: e.cfg.FetchInitialBackoff,
		MaxInterval:     e.cfg.FetchMaxBackoff,
	}
}

func (e *env) secretStore() (credential.SecretStore, error) {
	if e.store != nil {
		return e.store, nil
	}

	switch e.cfg.CredentialStore {
	case config.CredentialStoreKeyring:
		store, err := credential.OpenKeyring(e.cfg.KeyringDir)
		if err != nil {
			return nil, err
		}
		e.store = store
	default:
		encryptor, err := crypto.NewEncryptor(e.cfg.EncryptionKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		e.store = credential.NewDBSecretStore(e.pool, encryptor)
	}
	return e.store, nil
}

func (e *env) registry() (*registry.Registry, error) {
	store, err := e.secretStore()
	if err != nil {
		return nil, err
	}
	provider := credential.NewProvider(store, credential.Config{
		OAuth:      credential.GoogleOAuthConfig(e.cfg.GoogleClientID, e.cfg.GoogleClientSecret),
		IMAPUseTLS: e.cfg.IMAPUseTLS,
		Labels:     e.cfg.Labels,
		Retry:      e.retryPolicy(),
	}, e.log)
	return registry.New(e.pool, provider, e.log), nil
}

func (e *env) coordinator(reg *registry.Registry) *coordinator.Coordinator {
	return coordinator.New(
		reg,
		mailsource.NewFetcher(e.retryPolicy(), e.log),
		merger.New(e.pool, e.log),
		db.NewLedger(e.pool),
		coordinator.Config{
			Labels:      e.cfg.Labels,
			MaxResults:  e.cfg.MaxResults,
			Concurrency: e.cfg.AccountConcurrency,
		},
		e.log,
	)
}
