package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrSecretNotFound is returned when an account has no stored secret.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore keeps one secret per account: an OAuth2 token as JSON for
// Gmail accounts, the password for IMAP accounts.
type SecretStore interface {
	Get(ctx context.Context, account *models.Account) ([]byte, error)
	Put(ctx context.Context, account *models.Account, secret []byte) error
}

// DBSecretStore keeps secrets in the account_credentials table, sealed with
// AES-GCM and bound to the account id.
type DBSecretStore struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
}

// NewDBSecretStore creates a DBSecretStore.
func NewDBSecretStore(pool *pgxpool.Pool, encryptor *crypto.Encryptor) *DBSecretStore {
	return &DBSecretStore{pool: pool, encryptor: encryptor}
}

func (s *DBSecretStore) Get(ctx context.Context, account *models.Account) ([]byte, error) {
	sealed, err := db.GetCredential(ctx, s.pool, account.ID)
	if errors.Is(err, db.ErrCredentialNotFound) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}

	secret, err := s.encryptor.Open(account.ID, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return secret, nil
}

func (s *DBSecretStore) Put(ctx context.Context, account *models.Account, secret []byte) error {
	sealed, err := s.encryptor.Seal(account.ID, secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}
	return db.SaveCredential(ctx, s.pool, account.ID, sealed)
}

const keyringService = "mailsync"

// KeyringSecretStore keeps secrets in the OS keyring, keyed by account email.
type KeyringSecretStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the platform keyring, falling back to an encrypted file
// backend in dir.
func OpenKeyring(dir string) (*KeyringSecretStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringSecretStore(ring), nil
}

// NewKeyringSecretStore wraps an open keyring.
func NewKeyringSecretStore(ring keyring.Keyring) *KeyringSecretStore {
	return &KeyringSecretStore{ring: ring}
}

func (s *KeyringSecretStore) Get(_ context.Context, account *models.Account) ([]byte, error) {
	item, err := s.ring.Get(account.Email)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", account.Email, err)
	}
	return item.Data, nil
}

func (s *KeyringSecretStore) Put(_ context.Context, account *models.Account, secret []byte) error {
	err := s.ring.Set(keyring.Item{
		Key:   account.Email,
		Data:  secret,
		Label: "mailsync " + account.Email,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", account.Email, err)
	}
	return nil
}
