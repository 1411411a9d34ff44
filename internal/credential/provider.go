// Package credential turns stored account secrets into authenticated mail
// source clients.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/mailsource"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
	"github.com/vdavid/mailsync/internal/syncerr"
)

// Config configures a Provider.
type Config struct {
	// OAuth is the Gmail OAuth2 client. Its token endpoint is used to
	// refresh stored tokens.
	OAuth      *oauth2.Config
	IMAPUseTLS bool
	// Labels are passed to IMAP clients for attachment lookups.
	Labels []string
	Retry  retry.Policy
	// GmailOptions are appended when creating Gmail clients.
	GmailOptions []option.ClientOption
}

// GoogleOAuthConfig returns the read-only Gmail OAuth2 client configuration.
func GoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
}

// Provider resolves accounts to authenticated clients.
type Provider struct {
	store SecretStore
	cfg   Config
	log   zerolog.Logger
}

// NewProvider creates a Provider.
func NewProvider(store SecretStore, cfg Config, log zerolog.Logger) *Provider {
	return &Provider{store: store, cfg: cfg, log: log}
}

// GetClient returns an authenticated client for account. A missing, invalid
// or rejected secret is a CredentialError; network failures are retried and
// end as TransientFetchError.
func (p *Provider) GetClient(ctx context.Context, account *models.Account) (mailsource.Client, error) {
	switch account.Provider {
	case models.ProviderGmail:
		return p.gmailClient(ctx, account)
	case models.ProviderIMAP:
		return p.imapClient(ctx, account)
	default:
		return nil, &syncerr.CredentialError{Account: account.Email, Err: fmt.Errorf("unknown provider %q", account.Provider)}
	}
}

func (p *Provider) loadSecret(ctx context.Context, account *models.Account) ([]byte, error) {
	secret, err := p.store.Get(ctx, account)
	if errors.Is(err, ErrSecretNotFound) {
		return nil, &syncerr.CredentialError{Account: account.Email, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret: %w", err)
	}
	return secret, nil
}

func (p *Provider) gmailClient(ctx context.Context, account *models.Account) (mailsource.Client, error) {
	if p.cfg.OAuth == nil {
		return nil, errors.New("gmail OAuth client is not configured")
	}

	secret, err := p.loadSecret(ctx, account)
	if err != nil {
		return nil, err
	}

	var tok oauth2.Token
	if err := json.Unmarshal(secret, &tok); err != nil {
		return nil, &syncerr.CredentialError{Account: account.Email, Err: fmt.Errorf("stored token is not valid JSON: %w", err)}
	}

	src := &persistingTokenSource{
		base:    p.cfg.OAuth.TokenSource(context.WithoutCancel(ctx), &tok),
		store:   p.store,
		account: account,
		current: tok.AccessToken,
		log:     p.log,
	}

	// Validate eagerly so a revoked grant is reported before any fetch.
	_, err = retry.Value(ctx, p.cfg.Retry, "refresh token", func(ctx context.Context) (*oauth2.Token, error) {
		t, err := src.Token()
		return t, classifyTokenError(account.Email, err)
	})
	if err != nil {
		return nil, err
	}

	opts := append([]option.ClientOption{option.WithTokenSource(src)}, p.cfg.GmailOptions...)
	return mailsource.NewGmailClient(ctx, account.Email, opts...)
}

func (p *Provider) imapClient(ctx context.Context, account *models.Account) (mailsource.Client, error) {
	password, err := p.loadSecret(ctx, account)
	if err != nil {
		return nil, err
	}

	username := account.IMAPUsername
	if username == "" {
		username = account.Email
	}
	cfg := mailsource.IMAPConfig{
		Account:  account.Email,
		Addr:     account.IMAPServerHostname,
		Username: username,
		Password: string(password),
		UseTLS:   p.cfg.IMAPUseTLS,
		Labels:   p.cfg.Labels,
	}

	return retry.Value(ctx, p.cfg.Retry, "imap login", func(ctx context.Context) (mailsource.Client, error) {
		c, err := mailsource.DialIMAP(ctx, cfg, p.log)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// classifyTokenError maps a token refresh failure: the token endpoint
// answering 4xx means the grant is gone, anything else may pass.
func classifyTokenError(account string, err error) error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		if code >= http.StatusBadRequest && code < http.StatusInternalServerError {
			return &syncerr.CredentialError{Account: account, Err: err}
		}
	}
	if syncerr.IsTransient(err) {
		return err
	}
	return syncerr.MarkTransient(err)
}

// persistingTokenSource writes every newly issued token back to the store so
// refreshed access tokens survive restarts.
type persistingTokenSource struct {
	base    oauth2.TokenSource
	store   SecretStore
	account *models.Account
	log     zerolog.Logger

	mu      sync.Mutex
	current string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.current {
		return tok, nil
	}

	data, err := json.Marshal(tok)
	if err == nil {
		err = s.store.Put(context.Background(), s.account, data)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("account", logger.MaskEmail(s.account.Email)).Msg("Failed to persist refreshed token")
		return tok, nil
	}
	s.current = tok.AccessToken
	return tok, nil
}

// SaveGmailToken stores an OAuth2 token obtained out of band.
func SaveGmailToken(ctx context.Context, store SecretStore, account *models.Account, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	return store.Put(ctx, account, data)
}

// SaveIMAPPassword stores an IMAP password.
func SaveIMAPPassword(ctx context.Context, store SecretStore, account *models.Account, password string) error {
	return store.Put(ctx, account, []byte(password))
}
