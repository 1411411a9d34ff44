package merger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncerr"
	"github.com/vdavid/mailsync/internal/testutil"
)

var base = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func newAccount(t *testing.T, pool *pgxpool.Pool, email string) *models.Account {
	t.Helper()
	account := &models.Account{Email: email, Provider: models.ProviderGmail}
	require.NoError(t, db.SaveAccount(context.Background(), pool, account))
	return account
}

// supportThread is a four-message conversation in which support@x.com joins
// through the To field of the second message.
func supportThread() []*models.RawMessage {
	return []*models.RawMessage{
		{
			ExternalID: "m1", ThreadID: "T1", MessageIDHeader: "<m1@x.com>",
			From: "customer@y.com", FromName: "Customer", To: []string{"a@x.com"},
			Subject: "Broken widget", Timestamp: base, Labels: []string{"INBOX"},
		},
		{
			ExternalID: "m2", ThreadID: "T1", MessageIDHeader: "<m2@x.com>",
			InReplyTo: "<m1@x.com>", References: []string{"<m1@x.com>"},
			From: "a@x.com", To: []string{"customer@y.com", "Support <Support@X.com>"},
			Subject: "Re: Broken widget", Timestamp: base.Add(time.Hour), Labels: []string{"SENT"}, IsRead: true,
		},
		{
			ExternalID: "m3", ThreadID: "T1", MessageIDHeader: "<m3@x.com>",
			InReplyTo: "<m2@x.com>", References: []string{"<m1@x.com>", "<m2@x.com>"},
			From: "support@x.com", To: []string{"customer@y.com"}, CC: []string{"a@x.com", "lead@x.com"},
			Subject: "Re: Broken widget", Timestamp: base.Add(2 * time.Hour), Labels: []string{"INBOX"},
			Attachments: []models.AttachmentMeta{{AttachmentID: "att-1", Filename: "log.txt", MimeType: "text/plain", SizeBytes: 10}},
		},
		{
			ExternalID: "m4", ThreadID: "T1", MessageIDHeader: "<m4@x.com>",
			InReplyTo: "<m3@x.com>", References: []string{"<m1@x.com>", "<m2@x.com>", "<m3@x.com>"},
			From: "customer@y.com", To: []string{"support@x.com", "lead@x.com"},
			Subject: "Re: Broken widget", Timestamp: base.Add(3 * time.Hour), Labels: []string{"INBOX"},
		},
	}
}

func mergeAll(t *testing.T, m *Merger, account *models.Account, raws ...*models.RawMessage) []Result {
	t.Helper()
	var results []Result
	for _, raw := range raws {
		res, err := m.Merge(context.Background(), account, raw)
		require.NoError(t, err, raw.ExternalID)
		results = append(results, res)
	}
	return results
}

func messageIDs(thread *models.Thread) []string {
	var ids []string
	for _, m := range thread.Messages {
		ids = append(ids, m.ExternalID)
	}
	return ids
}

func TestMergeOutOfOrder(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")

	msgs := supportThread()
	results := mergeAll(t, m, account, msgs[2], msgs[0], msgs[3], msgs[1])
	for _, r := range results {
		assert.Equal(t, Inserted, r.Outcome)
		assert.Equal(t, results[0].ThreadID, r.ThreadID)
	}

	thread, err := db.GetThread(ctx, pool, account.ID, "T1")
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageIDs(thread))
	assert.Equal(t, 4, thread.MessageCount)
	assert.Equal(t, "Broken widget", thread.Subject)
	assert.True(t, thread.EarliestAt.Equal(base))
	assert.True(t, thread.LatestAt.Equal(base.Add(3*time.Hour)))

	t.Run("support introduced at message 2 via To", func(t *testing.T) {
		var found []models.ParticipantChange
		for _, c := range thread.ParticipantLog {
			if c.Address == "support@x.com" {
				found = append(found, c)
			}
		}
		require.Len(t, found, 1)
		assert.Equal(t, "m2", found[0].MessageID)
		assert.Equal(t, models.RoleTo, found[0].Role)
		assert.Equal(t, models.ChangeAdded, found[0].Kind)
	})

	t.Run("log matches an in-order replay", func(t *testing.T) {
		assert.Equal(t, []models.ParticipantChange{
			{Seq: 1, MessageID: "m1", Address: "a@x.com", Role: models.RoleTo, Kind: models.ChangeAdded},
			{Seq: 2, MessageID: "m2", Address: "customer@y.com", Role: models.RoleTo, Kind: models.ChangeAdded},
			{Seq: 3, MessageID: "m2", Address: "support@x.com", Role: models.RoleTo, Kind: models.ChangeAdded},
			{Seq: 4, MessageID: "m3", Address: "lead@x.com", Role: models.RoleCC, Kind: models.ChangeAdded},
			{Seq: 5, MessageID: "m4", Address: "lead@x.com", Role: models.RoleTo, Kind: models.ChangeRoleChanged},
		}, thread.ParticipantLog)

		roles := make(map[string]string)
		for _, p := range thread.Participants {
			roles[p.Address] = p.Role
		}
		assert.Equal(t, map[string]string{
			"a@x.com":        models.RoleTo,
			"customer@y.com": models.RoleTo,
			"support@x.com":  models.RoleTo,
			"lead@x.com":     models.RoleTo,
		}, roles)
	})

	t.Run("attachments and contacts", func(t *testing.T) {
		require.Len(t, thread.Messages[2].Attachments, 1)
		assert.Equal(t, "att-1", thread.Messages[2].Attachments[0].SourceAttachmentID)
		assert.True(t, thread.Messages[2].HasAttachments)

		contact, err := db.GetContact(ctx, pool, "customer@y.com")
		require.NoError(t, err)
		require.NotNil(t, contact)
		assert.Equal(t, "Customer", contact.Name)
	})

	t.Run("repair finds no conflicts", func(t *testing.T) {
		assert.Equal(t, 0, m.Repair(ctx, account, []string{results[0].ThreadID}))
	})
}

func TestMergeIsIdempotent(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")

	mergeAll(t, m, account, supportThread()...)
	before, err := db.GetThread(ctx, pool, account.ID, "T1")
	require.NoError(t, err)

	for _, r := range mergeAll(t, m, account, supportThread()...) {
		assert.Equal(t, Skipped, r.Outcome)
		assert.Equal(t, before.ID, r.ThreadID)
	}

	after, err := db.GetThread(ctx, pool, account.ID, "T1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	n, err := db.CountMessages(ctx, pool, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMergeDuplicateRefreshesFlags(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")

	first := supportThread()[0]
	mergeAll(t, m, account, first)

	again := supportThread()[0]
	again.Labels = []string{"IMPORTANT"}
	again.IsRead = true
	again.Subject = "changed"
	res, err := m.Merge(ctx, account, again)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)

	stored, err := db.GetMessageByExternalID(ctx, pool, account.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"IMPORTANT", "INBOX"}, stored.Labels)
	assert.True(t, stored.IsRead)
	assert.Equal(t, "Broken widget", stored.Subject)
	assert.Equal(t, "INBOX", stored.MailboxLabel)
}

func TestMergeScopesThreadsPerAccount(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	a := newAccount(t, pool, "a@x.com")
	b := newAccount(t, pool, "b@x.com")

	msgs := supportThread()
	resA := mergeAll(t, m, a, msgs[0], msgs[1])
	resB := mergeAll(t, m, b, supportThread()[1], supportThread()[3])
	assert.NotEqual(t, resA[0].ThreadID, resB[0].ThreadID)

	threadA, err := db.GetThread(ctx, pool, a.ID, "T1")
	require.NoError(t, err)
	threadB, err := db.GetThread(ctx, pool, b.ID, "T1")
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2"}, messageIDs(threadA))
	assert.Equal(t, []string{"m2", "m4"}, messageIDs(threadB))
	assert.Equal(t, 2, threadA.MessageCount)
	assert.Equal(t, 2, threadB.MessageCount)
	assert.Equal(t, "m1", threadA.ParticipantLog[0].MessageID)
	assert.Equal(t, "m2", threadB.ParticipantLog[0].MessageID)
}

func TestMergeAttachmentsWithSameFilename(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")

	raw := supportThread()[0]
	raw.Attachments = []models.AttachmentMeta{
		{AttachmentID: "att-v1", Filename: "report.pdf", MimeType: "application/pdf", SizeBytes: 100},
		{AttachmentID: "att-v2", Filename: "report.pdf", MimeType: "application/pdf", SizeBytes: 200},
	}
	mergeAll(t, m, account, raw)

	msg, err := db.GetMessageByExternalID(ctx, pool, account.ID, "m1")
	require.NoError(t, err)

	attachments, err := db.GetAttachmentsForMessage(ctx, pool, msg.ID)
	require.NoError(t, err)
	require.Len(t, attachments, 2)
	assert.NotEqual(t, attachments[0].ID, attachments[1].ID)

	v1, err := db.GetAttachment(ctx, pool, msg.ID, "att-v1")
	require.NoError(t, err)
	v2, err := db.GetAttachment(ctx, pool, msg.ID, "att-v2")
	require.NoError(t, err)
	assert.Equal(t, int64(100), v1.SizeBytes)
	assert.Equal(t, int64(200), v2.SizeBytes)
}

func TestMergeRejectsMalformed(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")

	raw := supportThread()[0]
	raw.Timestamp = time.Time{}

	res, err := m.Merge(ctx, account, raw)
	assert.Equal(t, Failed, res.Outcome)
	var malformed *syncerr.MalformedMessageError
	require.ErrorAs(t, err, &malformed)

	_, err = db.GetThread(ctx, pool, account.ID, "T1")
	assert.ErrorIs(t, err, db.ErrThreadNotFound)
}

func TestMergeCompletesAfterCancel(t *testing.T) {
	pool := testutil.NewTestDB(t)
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := m.Merge(ctx, account, supportThread()[0])
	require.NoError(t, err)
	assert.Equal(t, Inserted, res.Outcome)
}

func TestConcurrentMerges(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, workers*4)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, raw := range supportThread() {
				res, err := m.Merge(ctx, account, raw)
				assert.NoError(t, err)
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := make(map[Outcome]int)
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 4, counts[Inserted])
	assert.Equal(t, workers*4-4, counts[Skipped])

	thread, err := db.GetThread(ctx, pool, account.ID, "T1")
	require.NoError(t, err)
	assert.Equal(t, 4, thread.MessageCount)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageIDs(thread))
	assert.Len(t, thread.ParticipantLog, 5)
}

func TestRepairCountsConflicts(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")

	msgs := supportThread()
	// m4 claims an earlier time than m3 while listing more ancestors.
	msgs[3].Timestamp = base.Add(90 * time.Minute)
	results := mergeAll(t, m, account, msgs...)

	assert.Equal(t, 1, m.Repair(ctx, account, []string{results[0].ThreadID}))

	thread, err := db.GetThread(ctx, pool, account.ID, "T1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m4", "m3"}, messageIDs(thread))
}

// failingTx makes the first n merge transactions fail after doing their
// writes, so the rollback is real.
func failingTx(m *Merger, pool *pgxpool.Pool, n int) *int {
	attempts := 0
	m.inTx = func(ctx context.Context, fn func(tx pgx.Tx) error) error {
		attempts++
		fail := attempts <= n
		return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			if fail {
				return errors.New("connection reset by peer")
			}
			return nil
		})
	}
	return &attempts
}

func TestMergeRetriesStorageErrorOnce(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")
	attempts := failingTx(m, pool, 1)

	res, err := m.Merge(ctx, account, supportThread()[0])
	require.NoError(t, err)
	assert.Equal(t, Inserted, res.Outcome)
	assert.Equal(t, 2, *attempts)

	thread, err := db.GetThread(ctx, pool, account.ID, "T1")
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
	assert.Len(t, thread.Messages, 1)
}

func TestMergeStorageErrorAfterRetry(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")
	attempts := failingTx(m, pool, 2)

	res, err := m.Merge(ctx, account, supportThread()[0])
	assert.Equal(t, Failed, res.Outcome)
	var storageErr *syncerr.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.True(t, syncerr.IsAccountFatal(err))
	assert.Equal(t, 2, *attempts)

	_, err = db.GetMessageByExternalID(ctx, pool, account.ID, "m1")
	assert.ErrorIs(t, err, db.ErrMessageNotFound)
}

func TestMergeSubMicrosecondTimestamp(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	m := New(pool, zerolog.Nop())
	account := newAccount(t, pool, "a@x.com")

	raw := supportThread()[0]
	raw.Timestamp = base.Add(1500 * time.Nanosecond)
	res, err := m.Merge(ctx, account, raw)
	require.NoError(t, err)

	stored, err := db.GetMessageByExternalID(ctx, pool, account.ID, "m1")
	require.NoError(t, err)
	msg := newMessage(account, res.ThreadID, raw)
	assert.True(t, msg.SentAt.Equal(stored.SentAt), "in-memory %v, stored %v", msg.SentAt, stored.SentAt)

	later, err := db.CountMessagesAfter(ctx, pool, res.ThreadID, msg.SentAt, msg.ExternalID)
	require.NoError(t, err)
	assert.Zero(t, later, "a message must not sort after itself")
}
