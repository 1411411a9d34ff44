package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/vdavid/mailsync/internal/credential"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/scheduler"
)

func cmdSync(ctx context.Context, e *env, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if err := e.connect(ctx); err != nil {
		return err
	}
	reg, err := e.registry()
	if err != nil {
		return err
	}

	run, err := e.coordinator(reg).RunSync(ctx)
	if err != nil {
		return err
	}
	printRuns(e.stdout, []*models.SyncRun{run})
	if run.Status == models.SyncStatusFailed {
		return fmt.Errorf("sync run %d failed: %s", run.ID, run.ErrorSummary)
	}
	return nil
}

func cmdServe(ctx context.Context, e *env, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if err := e.connect(ctx); err != nil {
		return err
	}
	reg, err := e.registry()
	if err != nil {
		return err
	}

	sched := scheduler.New(e.coordinator(reg), e.cfg.SyncInterval, e.log)

	var wg sync.WaitGroup
	if e.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              e.cfg.MetricsAddr,
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.log.Info().Str("addr", e.cfg.MetricsAddr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			wg.Wait()
		}()
	}

	go func() {
		if err := sched.WatchAccounts(ctx, reg, e.cfg.Labels[0]); err != nil {
			e.log.Warn().Err(err).Msg("Could not start mailbox watchers")
		}
	}()

	e.log.Info().Dur("interval", e.cfg.SyncInterval).Msg("Scheduler started")
	return sched.Run(ctx)
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "mailsync is running")
	})
	return mux
}

func cmdStatus(ctx context.Context, e *env, args []string) error {
	fs := newFlags("status")
	limit := fs.Int("n", 10, "number of runs to show")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 || *limit <= 0 {
		return errUsage
	}
	if err := e.connect(ctx); err != nil {
		return err
	}

	runs, err := db.ListSyncRuns(ctx, e.pool, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(e.stdout, "No sync runs recorded yet.")
		return nil
	}
	printRuns(e.stdout, runs)
	return nil
}

func printRuns(w io.Writer, runs []*models.SyncRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tFETCHED\tINSERTED\tDUPLICATE\tFAILED\tCONFLICTS")
	for _, r := range runs {
		t := r.Totals
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Status,
			t.Fetched, t.Inserted, t.SkippedDuplicate, t.Failed, t.Conflicts)
	}
	_ = tw.Flush()

	for _, r := range runs {
		for _, a := range r.Accounts {
			if a.Failed() {
				fmt.Fprintf(w, "run %d: %s: %s\n", r.ID, a.AccountEmail, a.Error)
			}
		}
	}
}

func cmdMigrate(ctx context.Context, e *env, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if err := e.connect(ctx); err != nil {
		return err
	}
	if err := db.Migrate(ctx, e.pool); err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, "Migrations applied.")
	return nil
}

func cmdAccountList(ctx context.Context, e *env, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if err := e.connect(ctx); err != nil {
		return err
	}

	accounts, err := db.ListAccounts(ctx, e.pool, false)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EMAIL\tPROVIDER\tACTIVE\tREASON")
	for _, a := range accounts {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", a.Email, a.Provider, a.IsActive, a.DeactivatedReason)
	}
	return tw.Flush()
}

type accountAddArgs struct {
	email     string
	provider  models.Provider
	tokenFile string
	host      string
	username  string
}

func parseAccountAdd(args []string) (accountAddArgs, error) {
	var a accountAddArgs
	var provider string
	fs := newFlags("account add")
	fs.StringVar(&a.email, "email", "", "account address")
	fs.StringVar(&provider, "provider", string(models.ProviderGmail), "gmail or imap")
	fs.StringVar(&a.tokenFile, "token-file", "", "OAuth2 token JSON for gmail accounts")
	fs.StringVar(&a.host, "host", "", "IMAP server host:port")
	fs.StringVar(&a.username, "username", "", "IMAP username, defaults to the email")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return a, errUsage
	}

	a.email = strings.ToLower(strings.TrimSpace(a.email))
	a.provider = models.Provider(provider)
	if a.email == "" {
		return a, errUsage
	}
	switch a.provider {
	case models.ProviderGmail:
		if a.tokenFile == "" {
			return a, fmt.Errorf("-token-file is required for gmail accounts")
		}
	case models.ProviderIMAP:
		if a.host == "" {
			return a, fmt.Errorf("-host is required for imap accounts")
		}
		if a.username == "" {
			a.username = a.email
		}
	default:
		return a, fmt.Errorf("unknown provider %q", provider)
	}
	return a, nil
}

func cmdAccountAdd(ctx context.Context, e *env, args []string) error {
	a, err := parseAccountAdd(args)
	if err != nil {
		return err
	}

	var token *oauth2.Token
	var password string
	switch a.provider {
	case models.ProviderGmail:
		token, err = readToken(a.tokenFile)
	case models.ProviderIMAP:
		password, err = readPassword(e.stdin)
	}
	if err != nil {
		return err
	}

	if err := e.connect(ctx); err != nil {
		return err
	}
	store, err := e.secretStore()
	if err != nil {
		return err
	}

	account := &models.Account{
		Email:              a.email,
		Provider:           a.provider,
		IMAPServerHostname: a.host,
		IMAPUsername:       a.username,
	}
	if err := db.SaveAccount(ctx, e.pool, account); err != nil {
		return err
	}

	if token != nil {
		err = credential.SaveGmailToken(ctx, store, account, token)
	} else {
		err = credential.SaveIMAPPassword(ctx, store, account, password)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(e.stdout, "Account %s saved and active.\n", account.Email)
	return nil
}

func readToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, fmt.Errorf("token file has neither an access nor a refresh token")
	}
	return &tok, nil
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("empty password on stdin")
	}
	return password, nil
}

// parseEmail parses fs with a required -email flag added.
func parseEmail(fs *flag.FlagSet, args []string) (string, error) {
	email := fs.String("email", "", "account address")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return "", errUsage
	}
	addr := strings.ToLower(strings.TrimSpace(*email))
	if addr == "" {
		return "", errUsage
	}
	return addr, nil
}

func cmdAccountDeactivate(ctx context.Context, e *env, args []string) error {
	fs := newFlags("account deactivate")
	reason := fs.String("reason", "deactivated by operator", "reason recorded on the account")
	email, err := parseEmail(fs, args)
	if err != nil {
		return err
	}
	if err := e.connect(ctx); err != nil {
		return err
	}
	reg, err := e.registry()
	if err != nil {
		return err
	}
	if err := reg.Deactivate(ctx, email, *reason); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Account %s deactivated.\n", email)
	return nil
}

func cmdAccountActivate(ctx context.Context, e *env, args []string) error {
	email, err := parseEmail(newFlags("account activate"), args)
	if err != nil {
		return err
	}
	if err := e.connect(ctx); err != nil {
		return err
	}
	reg, err := e.registry()
	if err != nil {
		return err
	}
	if err := reg.Activate(ctx, email); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Account %s activated.\n", email)
	return nil
}
