// Package coordinator runs sync cycles: every active account, every
// configured label, fetch then merge, with the outcome recorded in the
// ledger.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/mailsource"
	"github.com/vdavid/mailsync/internal/merger"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncerr"
)

// AccountSource lists accounts, resolves their clients and deactivates
// accounts whose credentials stop working. registry.Registry is the
// production implementation.
type AccountSource interface {
	ListActiveAccounts(ctx context.Context) ([]*models.Account, error)
	ResolveClient(ctx context.Context, account *models.Account) (mailsource.Client, error)
	Deactivate(ctx context.Context, email, reason string) error
}

// MessageMerger stores fetched messages. merger.Merger is the production
// implementation.
type MessageMerger interface {
	Merge(ctx context.Context, account *models.Account, raw *models.RawMessage) (merger.Result, error)
	Repair(ctx context.Context, account *models.Account, threadIDs []string) int
}

// Config tunes a run.
type Config struct {
	Labels     []string
	MaxResults int
	// Concurrency is how many accounts sync at once. 1 is sequential.
	Concurrency int
}

// Coordinator runs syncs.
type Coordinator struct {
	accounts AccountSource
	fetcher  *mailsource.Fetcher
	merger   MessageMerger
	ledger   db.Ledger
	cfg      Config
	log      zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a Coordinator.
func New(accounts AccountSource, fetcher *mailsource.Fetcher, m MessageMerger, ledger db.Ledger, cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Coordinator{
		accounts: accounts,
		fetcher:  fetcher,
		merger:   m,
		ledger:   ledger,
		cfg:      cfg,
		log:      log,
		tracer:   otel.Tracer("github.com/vdavid/mailsync/internal/coordinator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunSync performs one sync cycle and returns the finalized run.
//
// Account failures are reported in the run, never as the error return,
// which is reserved for ledger failures. When ctx is cancelled, accounts
// that have not started are reported as failed; a merge already in progress
// completes.
func (c *Coordinator) RunSync(ctx context.Context) (*models.SyncRun, error) {
	ctx, span := c.tracer.Start(ctx, "sync.run")
	defer span.End()

	// Ledger writes must land even when the run is cancelled.
	ledgerCtx := context.WithoutCancel(ctx)

	started := c.now()
	runID, err := c.ledger.Begin(ledgerCtx, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin run")
		return nil, fmt.Errorf("failed to begin sync run: %w", err)
	}
	span.SetAttributes(attribute.Int64("run_id", runID))

	log := c.log.With().Int64("run_id", runID).Logger()
	log.Info().Msg("Sync run started")

	run := &models.SyncRun{ID: runID, StartedAt: started, Status: models.SyncStatusRunning}

	accounts, listErr := c.accounts.ListActiveAccounts(ctx)
	if listErr != nil {
		log.Error().Err(listErr).Msg("Failed to list accounts")
	}

	run.Accounts = make([]models.AccountResult, len(accounts))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, account := range accounts {
		g.Go(func() error {
			run.Accounts[i] = c.syncAccount(ctx, log, account)
			return nil
		})
	}
	_ = g.Wait()

	finished := c.now()
	run.Finalize(finished)
	if listErr != nil {
		run.Status = models.SyncStatusFailed
		run.ErrorSummary = "list accounts: " + listErr.Error()
	}

	metricRuns.WithLabelValues(run.Status).Inc()
	metricRunDuration.Observe(finished.Sub(started).Seconds())
	span.SetAttributes(attribute.String("status", run.Status))
	if run.Status != models.SyncStatusSuccess {
		span.SetStatus(codes.Error, run.ErrorSummary)
	}

	if err := c.ledger.Record(ledgerCtx, run); err != nil {
		span.RecordError(err)
		return run, fmt.Errorf("failed to record sync run %d: %w", runID, err)
	}

	log.Info().
		Str("status", run.Status).
		Int("fetched", run.Totals.Fetched).
		Int("inserted", run.Totals.Inserted).
		Int("skipped", run.Totals.SkippedDuplicate).
		Int("failed", run.Totals.Failed).
		Int("conflicts", run.Totals.Conflicts).
		Dur("duration", finished.Sub(started)).
		Msg("Sync run finished")

	return run, nil
}

// syncAccount syncs every label of one account. It never returns an error:
// whatever stops the account ends up in the result.
func (c *Coordinator) syncAccount(ctx context.Context, runLog zerolog.Logger, account *models.Account) models.AccountResult {
	res := models.AccountResult{AccountEmail: account.Email}

	if err := ctx.Err(); err != nil {
		res.Error = "not started: " + err.Error()
		return res
	}

	ctx, span := c.tracer.Start(ctx, "sync.account", trace.WithAttributes(attribute.String("account", account.Email)))
	defer span.End()

	log := runLog.With().Str("account", logger.MaskEmail(account.Email)).Logger()

	fatal := c.syncLabels(ctx, log, account, &res)
	if fatal != nil {
		res.Error = fatal.Error()
		span.RecordError(fatal)
		span.SetStatus(codes.Error, "account failed")
		metricAccountFailures.WithLabelValues(account.Email).Inc()
		log.Warn().Err(fatal).Msg("Account sync failed")
	}

	counters := res.Counters
	observeCounters(account.Email, counters.Fetched, counters.Inserted, counters.SkippedDuplicate, counters.Failed)
	metricConflicts.WithLabelValues(account.Email).Add(float64(counters.Conflicts))
	span.SetAttributes(
		attribute.Int("fetched", counters.Fetched),
		attribute.Int("inserted", counters.Inserted),
		attribute.Int("failed", counters.Failed),
	)
	return res
}

// syncLabels fetches and merges each label in turn, fills in res and
// returns the error that stopped the account, if any.
func (c *Coordinator) syncLabels(ctx context.Context, log zerolog.Logger, account *models.Account, res *models.AccountResult) error {
	client, err := c.accounts.ResolveClient(ctx, account)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close client")
		}
	}()

	touched := make(map[string]struct{})
	var fatal error

labels:
	for _, label := range c.cfg.Labels {
		for raw, err := range c.fetcher.Fetch(ctx, client, label, c.cfg.MaxResults) {
			if err != nil {
				if syncerr.IsAccountFatal(err) {
					fatal = fmt.Errorf("label %s: %w", label, err)
					break labels
				}
				res.Counters.Fetched++
				res.Counters.Failed++
				continue
			}

			res.Counters.Fetched++
			result, err := c.merger.Merge(ctx, account, raw)
			if err != nil {
				res.Counters.Failed++
				if syncerr.IsAccountFatal(err) {
					fatal = fmt.Errorf("label %s: %w", label, err)
					break labels
				}
				log.Warn().Err(err).Str("external_id", raw.ExternalID).Msg("Message not merged")
				continue
			}

			switch result.Outcome {
			case merger.Inserted:
				res.Counters.Inserted++
				touched[result.ThreadID] = struct{}{}
			case merger.Skipped:
				res.Counters.SkippedDuplicate++
			}
		}
	}

	if len(touched) > 0 {
		res.Counters.Conflicts = c.merger.Repair(context.WithoutCancel(ctx), account, slices.Sorted(maps.Keys(touched)))
	}

	if fatal != nil {
		// ResolveClient deactivates on its own; this covers grants revoked
		// while fetching.
		var credErr *syncerr.CredentialError
		if errors.As(fatal, &credErr) {
			if err := c.accounts.Deactivate(context.WithoutCancel(ctx), account.Email, credErr.Error()); err != nil {
				log.Error().Err(err).Msg("Failed to deactivate account")
			}
		}
		return fatal
	}

	if reporter, ok := client.(mailsource.CheckpointReporter); ok {
		checkpoint, err := reporter.Checkpoint(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Failed to read checkpoint")
		}
		res.HistoryID = checkpoint
	}
	return nil
}
