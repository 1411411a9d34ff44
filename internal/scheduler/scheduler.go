// Package scheduler runs syncs periodically and on demand.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/mailsource"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncerr"
)

// Syncer runs one sync cycle. coordinator.Coordinator implements it.
type Syncer interface {
	RunSync(ctx context.Context) (*models.SyncRun, error)
}

// AccountSource lists accounts and resolves clients for watchers.
type AccountSource interface {
	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)
	ResolveClient(ctx context.Context, account *models.Account) (mailsource.Client, error)
}

var errNotWatchable = errors.New("client does not support watching")

var (
	// watchRetryDelay is how long a failed watcher waits before reconnecting.
	watchRetryDelay = 30 * time.Second
	// watchRefreshInterval is how often the watched account list is re-read.
	watchRefreshInterval = 5 * time.Minute
)

// Scheduler starts a sync on every interval tick and on every trigger. Only
// one sync runs at a time; triggers that arrive during a run collapse into a
// single follow-up run.
type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	triggers chan struct{}
	log      zerolog.Logger
}

// New creates a Scheduler.
func New(syncer Syncer, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		triggers: make(chan struct{}, 1),
		log:      log,
	}
}

// Trigger requests a sync. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.triggers <- struct{}{}:
	default:
	}
}

// Run syncs immediately and then on every tick or trigger until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx, "interval")
		case <-s.triggers:
			s.runOnce(ctx, "trigger")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}

	run, err := s.syncer.RunSync(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("reason", reason).Msg("Sync run could not be recorded")
		return
	}
	s.log.Info().
		Str("reason", reason).
		Int64("run_id", run.ID).
		Str("status", run.Status).
		Int("inserted", run.Totals.Inserted).
		Msg("Scheduled sync finished")
}

// WatchAccounts keeps a push watcher on label for every active IMAP
// account, each triggering a sync on mailbox changes. The account list is
// re-read every watchRefreshInterval: new or re-activated accounts get a
// watcher and watchers of accounts that are no longer active are stopped.
// It blocks until ctx is done and all watchers have stopped.
func (s *Scheduler) WatchAccounts(ctx context.Context, src AccountSource, label string) error {
	var wg sync.WaitGroup
	watchers := make(map[string]context.CancelFunc)
	defer func() {
		for _, cancel := range watchers {
			cancel()
		}
		wg.Wait()
	}()

	ticker := time.NewTicker(watchRefreshInterval)
	defer ticker.Stop()

	for {
		s.refreshWatchers(ctx, src, label, watchers, &wg)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// refreshWatchers reconciles watchers with the active accounts. A watcher
// that gave up stays registered while its account is active, so it is not
// restarted until the account is deactivated and activated again.
func (s *Scheduler) refreshWatchers(ctx context.Context, src AccountSource, label string, watchers map[string]context.CancelFunc, wg *sync.WaitGroup) {
	accounts, err := src.ListActiveAccounts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("Failed to list accounts for watching")
		}
		return
	}

	active := make(map[string]bool, len(accounts))
	for _, account := range accounts {
		if account.Provider != models.ProviderIMAP {
			continue
		}
		active[account.Email] = true
		if _, ok := watchers[account.Email]; ok {
			continue
		}

		watchCtx, cancel := context.WithCancel(ctx)
		watchers[account.Email] = cancel
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watch(watchCtx, src, account, label)
		}()
	}

	for email, cancel := range watchers {
		if !active[email] {
			cancel()
			delete(watchers, email)
		}
	}
}

// watch keeps one watcher alive, reconnecting after failures.
func (s *Scheduler) watch(ctx context.Context, src AccountSource, account *models.Account, label string) {
	log := s.log.With().Str("account", logger.MaskEmail(account.Email)).Str("label", label).Logger()

	for ctx.Err() == nil {
		err := s.watchOnce(ctx, src, account, label)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errNotWatchable) {
			log.Debug().Msg("Client does not support push, not watching")
			return
		}
		var credErr *syncerr.CredentialError
		if errors.As(err, &credErr) {
			log.Warn().Err(err).Msg("Credentials rejected, not watching")
			return
		}
		log.Warn().Err(err).Dur("retry_in", watchRetryDelay).Msg("Watcher stopped")

		select {
		case <-ctx.Done():
			return
		case <-time.After(watchRetryDelay):
		}
	}
}

func (s *Scheduler) watchOnce(ctx context.Context, src AccountSource, account *models.Account, label string) error {
	client, err := src.ResolveClient(ctx, account)
	if err != nil {
		return err
	}
	defer client.Close()

	watcher, ok := client.(mailsource.Watcher)
	if !ok {
		return errNotWatchable
	}
	return watcher.Watch(ctx, label, s.Trigger)
}
