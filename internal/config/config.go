package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Credential store backends.
const (
	CredentialStoreDB      = "db"
	CredentialStoreKeyring = "keyring"
)

type Config struct {
	Environment         string
	LogLevel            string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string

	CredentialStore    string
	KeyringDir         string
	GoogleClientID     string
	GoogleClientSecret string
	IMAPUseTLS         bool

	Labels             []string
	MaxResults         int
	SyncInterval       time.Duration
	AccountConcurrency int

	FetchMaxAttempts    int
	FetchInitialBackoff time.Duration
	FetchMaxBackoff     time.Duration

	MetricsAddr string
}

func NewConfig() (*Config, error) {
	v := newViper()

	env := v.GetString("ENV")
	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		LogLevel:            v.GetString("LOG_LEVEL"),
		EncryptionKeyBase64: v.GetString("ENCRYPTION_KEY_BASE64"),
		DBHost:              v.GetString("DB_HOST"),
		DBPort:              v.GetString("DB_PORT"),
		DBUsername:          v.GetString("DB_USER"),
		DBPassword:          v.GetString("DB_PASSWORD"),
		DBName:              v.GetString("DB_NAME"),
		DBSSLMode:           v.GetString("DB_SSLMODE"),
		CredentialStore:     strings.ToLower(v.GetString("CREDENTIAL_STORE")),
		KeyringDir:          v.GetString("KEYRING_DIR"),
		GoogleClientID:      v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:  v.GetString("GOOGLE_CLIENT_SECRET"),
		IMAPUseTLS:          v.GetBool("IMAP_TLS"),
		Labels:              splitList(v.GetString("LABELS")),
		MaxResults:          v.GetInt("MAX_RESULTS"),
		SyncInterval:        v.GetDuration("SYNC_INTERVAL"),
		AccountConcurrency:  v.GetInt("ACCOUNT_CONCURRENCY"),
		FetchMaxAttempts:    v.GetInt("FETCH_MAX_ATTEMPTS"),
		FetchInitialBackoff: v.GetDuration("FETCH_INITIAL_BACKOFF"),
		FetchMaxBackoff:     v.GetDuration("FETCH_MAX_BACKOFF"),
		MetricsAddr:         v.GetString("METRICS_ADDR"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// newViper binds MAILSYNC_* environment variables and registers defaults.
// godotenv writes into the process environment, so keys loaded from .env are
// visible here too because viper reads the environment lazily.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MAILSYNC")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "mailsync")
	v.SetDefault("DB_NAME", "mailsync")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("CREDENTIAL_STORE", CredentialStoreDB)
	v.SetDefault("KEYRING_DIR", "~/.config/mailsync/credentials")
	v.SetDefault("IMAP_TLS", true)
	v.SetDefault("LABELS", "INBOX,SENT")
	v.SetDefault("MAX_RESULTS", 100)
	v.SetDefault("SYNC_INTERVAL", 5*time.Minute)
	v.SetDefault("ACCOUNT_CONCURRENCY", 1)
	v.SetDefault("FETCH_MAX_ATTEMPTS", 5)
	v.SetDefault("FETCH_INITIAL_BACKOFF", 250*time.Millisecond)
	v.SetDefault("FETCH_MAX_BACKOFF", 30*time.Second)

	return v
}

func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	switch c.CredentialStore {
	case CredentialStoreDB:
		if c.EncryptionKeyBase64 == "" {
			return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required when the credential store is %q", CredentialStoreDB)
		}
	case CredentialStoreKeyring:
	default:
		return fmt.Errorf("MAILSYNC_CREDENTIAL_STORE must be %q or %q, got %q", CredentialStoreDB, CredentialStoreKeyring, c.CredentialStore)
	}

	if len(c.Labels) == 0 {
		return fmt.Errorf("MAILSYNC_LABELS must name at least one label")
	}

	if c.MaxResults <= 0 {
		return fmt.Errorf("MAILSYNC_MAX_RESULTS must be positive, got %d", c.MaxResults)
	}

	if c.AccountConcurrency <= 0 {
		return fmt.Errorf("MAILSYNC_ACCOUNT_CONCURRENCY must be positive, got %d", c.AccountConcurrency)
	}

	if c.FetchMaxAttempts <= 0 {
		return fmt.Errorf("MAILSYNC_FETCH_MAX_ATTEMPTS must be positive, got %d", c.FetchMaxAttempts)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
