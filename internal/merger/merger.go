// Package merger reconciles fetched messages into per-account threads.
//
// Every merge is one transaction: the message row, the thread aggregate, the
// participant log, attachment metadata and contacts are written together or
// not at all. Merges into the same thread serialize on an advisory lock.
package merger

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/mailsource"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncerr"
)

// Outcome is what a merge did with a message.
type Outcome int

const (
	Inserted Outcome = iota + 1
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result of merging one message. ThreadID is the row id of the thread the
// message belongs to; it is empty when the merge failed.
type Result struct {
	Outcome  Outcome
	ThreadID string
}

// errLostRace rolls back a merge whose insert found the message already
// stored, so the thread aggregate is not counted twice.
var errLostRace = errors.New("message inserted concurrently")

// Merger writes messages into the store.
type Merger struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
	// inTx runs one merge transaction.
	inTx func(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// New creates a Merger.
func New(pool *pgxpool.Pool, log zerolog.Logger) *Merger {
	return &Merger{
		pool: pool,
		log:  log,
		inTx: func(ctx context.Context, fn func(tx pgx.Tx) error) error {
			return db.WithTx(ctx, pool, fn)
		},
	}
}

// Merge stores raw for account.
//
// An invalid message fails with a MalformedMessageError. A message the account
// already has only gets its labels and read state refreshed. The merge runs
// to completion even if ctx is cancelled. A StorageError is retried once.
func (m *Merger) Merge(ctx context.Context, account *models.Account, raw *models.RawMessage) (Result, error) {
	if err := raw.Validate(); err != nil {
		return Result{Outcome: Failed}, err
	}

	ctx = context.WithoutCancel(ctx)
	log := m.log.With().
		Str("account", account.Email).
		Str("external_id", raw.ExternalID).
		Str("thread_id", raw.ThreadID).
		Logger()

	res, err := m.mergeOnce(ctx, account, raw)
	var storageErr *syncerr.StorageError
	if errors.As(err, &storageErr) {
		log.Warn().Err(err).Msg("Merge failed, retrying once")
		res, err = m.mergeOnce(ctx, account, raw)
	}
	if err != nil {
		return Result{Outcome: Failed}, err
	}

	log.Debug().Stringer("outcome", res.Outcome).Msg("Merged message")
	return res, nil
}

func (m *Merger) mergeOnce(ctx context.Context, account *models.Account, raw *models.RawMessage) (Result, error) {
	var res Result
	err := m.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = mergeTx(ctx, tx, account, raw)
		return err
	})

	if errors.Is(err, errLostRace) {
		existing, err := db.GetMessageByExternalID(ctx, m.pool, account.ID, raw.ExternalID)
		if err != nil {
			return Result{}, &syncerr.StorageError{Op: "reload " + raw.ExternalID, Err: err}
		}
		return Result{Outcome: Skipped, ThreadID: existing.ThreadID}, nil
	}
	if err != nil {
		return Result{}, &syncerr.StorageError{Op: "merge " + raw.ExternalID, Err: err}
	}
	return res, nil
}

func mergeTx(ctx context.Context, tx pgx.Tx, account *models.Account, raw *models.RawMessage) (Result, error) {
	if err := db.LockThread(ctx, tx, account.ID, raw.ThreadID); err != nil {
		return Result{}, err
	}

	existing, err := db.GetMessageByExternalID(ctx, tx, account.ID, raw.ExternalID)
	switch {
	case err == nil:
		if err := db.RefreshMessageFlags(ctx, tx, existing.ID, raw.Labels, raw.IsRead); err != nil {
			return Result{}, err
		}
		return Result{Outcome: Skipped, ThreadID: existing.ThreadID}, nil
	case !errors.Is(err, db.ErrMessageNotFound):
		return Result{}, err
	}

	threadID, err := db.UpsertThread(ctx, tx, account.ID, raw.ThreadID, raw.Subject, raw.Timestamp)
	if err != nil {
		return Result{}, err
	}

	msg := newMessage(account, threadID, raw)
	if err := db.InsertMessage(ctx, tx, msg); err != nil {
		if errors.Is(err, db.ErrMessageExists) {
			return Result{}, errLostRace
		}
		return Result{}, err
	}

	if err := updateParticipantLog(ctx, tx, msg); err != nil {
		return Result{}, err
	}

	if err := db.InsertAttachments(ctx, tx, msg.ID, raw.Attachments); err != nil {
		return Result{}, err
	}

	if err := upsertContacts(ctx, tx, msg); err != nil {
		return Result{}, err
	}

	return Result{Outcome: Inserted, ThreadID: threadID}, nil
}

// updateParticipantLog extends the thread's log with msg. When msg sorts
// before a message already stored, the log is rebuilt from the full thread in
// order instead.
func updateParticipantLog(ctx context.Context, tx pgx.Tx, msg *models.Message) error {
	later, err := db.CountMessagesAfter(ctx, tx, msg.ThreadID, msg.SentAt, msg.ExternalID)
	if err != nil {
		return err
	}

	if later > 0 {
		messages, err := db.GetMessagesForThread(ctx, tx, msg.ThreadID)
		if err != nil {
			return err
		}
		sortMessages(messages)
		return db.ReplaceParticipantLog(ctx, tx, msg.ThreadID, buildParticipantLog(messages))
	}

	participants, err := db.GetParticipants(ctx, tx, msg.ThreadID)
	if err != nil {
		return err
	}
	log, err := db.GetParticipantLog(ctx, tx, msg.ThreadID)
	if err != nil {
		return err
	}
	nextSeq := 1
	if len(log) > 0 {
		nextSeq = log[len(log)-1].Seq + 1
	}

	changes := newParticipantSet(participants).diff(msg.ExternalID, msg.ToAddresses, msg.CCAddresses, nextSeq)
	if len(changes) == 0 {
		return nil
	}
	return db.AppendParticipantChanges(ctx, tx, msg.ThreadID, changes)
}

// upsertContacts writes contacts in address order so concurrent merges lock
// contact rows in the same order.
func upsertContacts(ctx context.Context, tx pgx.Tx, msg *models.Message) error {
	names := make(map[string]string)
	for _, addrs := range [][]string{msg.ToAddresses, msg.CCAddresses} {
		for _, addr := range addrs {
			names[addr] = ""
		}
	}
	if msg.FromAddress != "" {
		names[msg.FromAddress] = msg.FromName
	}

	for _, addr := range slices.Sorted(maps.Keys(names)) {
		if err := db.UpsertContact(ctx, tx, addr, names[addr]); err != nil {
			return err
		}
	}
	return nil
}

func newMessage(account *models.Account, threadID string, raw *models.RawMessage) *models.Message {
	label := ""
	if len(raw.Labels) > 0 {
		label = raw.Labels[0]
	}

	return &models.Message{
		AccountID:       account.ID,
		ThreadID:        threadID,
		SourceThreadID:  raw.ThreadID,
		ExternalID:      raw.ExternalID,
		MessageIDHeader: raw.MessageIDHeader,
		InReplyTo:       raw.InReplyTo,
		References:      raw.References,
		FromAddress:     mailsource.NormalizeAddress(raw.From),
		FromName:        raw.FromName,
		ToAddresses:     mailsource.NormalizeAddresses(raw.To),
		CCAddresses:     mailsource.NormalizeAddresses(raw.CC),
		Subject:         raw.Subject,
		BodyText:        raw.BodyText,
		BodyHTML:        raw.BodyHTML,
		Snippet:         raw.Snippet,
		SentAt:          raw.Timestamp.UTC().Truncate(time.Microsecond),
		MailboxLabel:    label,
		Labels:          raw.Labels,
		IsRead:          raw.IsRead,
		HasAttachments:  len(raw.Attachments) > 0,
	}
}

// Repair re-reads the given threads in stored order and counts reference
// chains that get shorter along the thread. Conflicts are logged; nothing is
// moved or dropped.
func (m *Merger) Repair(ctx context.Context, account *models.Account, threadIDs []string) int {
	conflicts := 0
	for _, threadID := range threadIDs {
		messages, err := db.GetMessagesForThread(ctx, m.pool, threadID)
		if err != nil {
			m.log.Warn().Err(err).Str("account", account.Email).Str("thread_id", threadID).Msg("Failed to load thread for repair")
			continue
		}
		sortMessages(messages)

		for _, conflict := range checkReferenceChain(messages) {
			m.log.Warn().
				Err(conflict).
				Str("account", account.Email).
				Str("thread_id", conflict.ThreadID).
				Str("external_id", conflict.ExternalID).
				Msg("Reference chain out of order")
			conflicts++
		}
	}
	return conflicts
}

