package mailsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncerr"
)

const (
	// locationPrefix marks external ids built from the message location
	// because the message had no Message-ID header.
	locationPrefix = "imap:"

	sentAttr = `\Sent`
)

// sentFallbacks are tried in order when no mailbox advertises \Sent.
var sentFallbacks = []string{"Sent", "Sent Items", "Sent Messages", "[Gmail]/Sent Mail"}

// IMAPConfig holds what is needed to open an IMAP session for an account.
type IMAPConfig struct {
	Account  string
	Addr     string
	Username string
	Password string
	UseTLS   bool
	// Labels are searched, in order, when an attachment is requested by
	// Message-ID.
	Labels []string
}

// IMAPClient reads one mailbox over IMAP. Commands on one connection are
// serialized; Watch occupies the connection until it returns.
type IMAPClient struct {
	mu        sync.Mutex
	c         *client.Client
	cfg       IMAPConfig
	mailboxes map[string]string
	log       zerolog.Logger
}

// ConnectToIMAP dials the server with a 5-second timeout. TLS is used in
// production; tests talk to a plaintext in-memory server.
func ConnectToIMAP(addr string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return c, nil
}

// DialIMAP connects and logs in. Dial failures are transient; a rejected
// login is a CredentialError.
func DialIMAP(ctx context.Context, cfg IMAPConfig, log zerolog.Logger) (*IMAPClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := ConnectToIMAP(cfg.Addr, cfg.UseTLS)
	if err != nil {
		return nil, err
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, fmt.Errorf("failed to login: %w", err)
		}
		return nil, &syncerr.CredentialError{Account: cfg.Account, Err: err}
	}

	return &IMAPClient{
		c:         c,
		cfg:       cfg,
		mailboxes: make(map[string]string),
		log:       log.With().Str("account", cfg.Account).Logger(),
	}, nil
}

// ListMessages pages through a mailbox newest first. The page token encodes
// the UIDVALIDITY and the offset into the sorted UID list.
func (c *IMAPClient) ListMessages(ctx context.Context, label, pageToken string, pageSize int) ([]models.MessageRef, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	mailbox, err := c.resolveMailbox(label)
	if err != nil {
		return nil, "", err
	}
	if mailbox == "" {
		c.log.Debug().Str("label", label).Msg("No mailbox for label")
		return nil, "", nil
	}

	status, err := c.c.Select(mailbox, true)
	if err != nil {
		return nil, "", c.wrap(err, "select "+mailbox)
	}

	offset := 0
	if pageToken != "" {
		validity, off, err := parsePageToken(pageToken)
		if err != nil {
			return nil, "", err
		}
		if validity != status.UidValidity {
			return nil, "", fmt.Errorf("mailbox %s changed UIDVALIDITY during listing", mailbox)
		}
		offset = off
	}

	uids, err := c.sortedUIDs()
	if err != nil {
		return nil, "", c.wrap(err, "search "+mailbox)
	}
	if offset >= len(uids) {
		return nil, "", nil
	}

	end := min(offset+pageSize, len(uids))
	refs := make([]models.MessageRef, 0, end-offset)
	for _, uid := range uids[offset:end] {
		refs = append(refs, models.MessageRef{ID: locationID(mailbox, status.UidValidity, uid), Label: label})
	}

	next := ""
	if end < len(uids) {
		next = fmt.Sprintf("%d:%d", status.UidValidity, end)
	}
	return refs, next, nil
}

// sortedUIDs returns the selected mailbox's UIDs newest first: by date when
// the server supports SORT, otherwise by descending UID.
func (c *IMAPClient) sortedUIDs() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()

	if ok, _ := c.c.Support("SORT"); ok {
		sortClient := sortthread.NewSortClient(c.c)
		uids, err := sortClient.UidSort([]sortthread.SortCriterion{{Field: sortthread.SortDate, Reverse: true}}, criteria)
		if err == nil {
			return uids, nil
		}
		c.log.Debug().Err(err).Msg("SORT failed, falling back to UID order")
	}

	uids, err := c.c.UidSearch(criteria)
	if err != nil {
		return nil, err
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids, nil
}

// GetMessage fetches the full message at a location returned by ListMessages.
func (c *IMAPClient) GetMessage(ctx context.Context, ref models.MessageRef) (*models.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mailbox, validity, uid, err := parseLocationID(ref.ID)
	if err != nil {
		return nil, &syncerr.MalformedMessageError{ExternalID: ref.ID, Reason: "invalid message reference", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fetched, err := c.fetchFull(mailbox, validity, uid)
	if err != nil {
		return nil, err
	}
	if fetched == nil {
		return nil, &syncerr.MalformedMessageError{ExternalID: ref.ID, Reason: "message not found at source"}
	}

	return parseIMAPMessage(ref.ID, ref.Label, fetched)
}

// FetchAttachment returns the decoded payload of a MIME part. attachmentID is
// the part path, e.g. "2" or "3.1".
func (c *IMAPClient) FetchAttachment(ctx context.Context, externalMessageID, attachmentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fetched, err := c.locate(externalMessageID)
	if err != nil {
		return nil, err
	}
	if fetched == nil {
		return nil, &syncerr.MalformedMessageError{ExternalID: externalMessageID, Reason: "message not found at source"}
	}

	env, err := enmime.ReadEnvelope(fetched.body)
	if err != nil {
		return nil, &syncerr.MalformedMessageError{ExternalID: externalMessageID, Reason: "unparseable MIME", Err: err}
	}

	part := partAtPath(env.Root, attachmentID)
	if part == nil {
		return nil, fmt.Errorf("message %s has no part %s", externalMessageID, attachmentID)
	}
	return part.Content, nil
}

// locate finds a message by its external id: a location id directly, a
// Message-ID by searching the configured labels.
func (c *IMAPClient) locate(externalID string) (*fetchedMessage, error) {
	if strings.HasPrefix(externalID, locationPrefix) {
		mailbox, validity, uid, err := parseLocationID(externalID)
		if err != nil {
			return nil, err
		}
		return c.fetchFull(mailbox, validity, uid)
	}

	for _, label := range c.cfg.Labels {
		mailbox, err := c.resolveMailbox(label)
		if err != nil {
			return nil, err
		}
		if mailbox == "" {
			continue
		}
		status, err := c.c.Select(mailbox, true)
		if err != nil {
			return nil, c.wrap(err, "select "+mailbox)
		}

		criteria := imap.NewSearchCriteria()
		criteria.Header.Add("Message-ID", externalID)
		uids, err := c.c.UidSearch(criteria)
		if err != nil {
			return nil, c.wrap(err, "search "+mailbox)
		}
		if len(uids) > 0 {
			return c.fetchFull(mailbox, status.UidValidity, uids[0])
		}
	}
	return nil, nil
}

type fetchedMessage struct {
	location     string
	flags        []string
	internalDate time.Time
	body         *bytes.Reader
}

// fetchFull selects mailbox and fetches one message with BODY.PEEK[], so the
// \Seen flag is left alone. Returns nil when the UID no longer exists.
func (c *IMAPClient) fetchFull(mailbox string, validity, uid uint32) (*fetchedMessage, error) {
	status, err := c.c.Select(mailbox, true)
	if err != nil {
		return nil, c.wrap(err, "select "+mailbox)
	}
	location := locationID(mailbox, validity, uid)
	if status.UidValidity != validity {
		return nil, &syncerr.MalformedMessageError{ExternalID: location, Reason: "mailbox UIDVALIDITY changed"}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.c.UidFetch(seqSet, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		return nil, c.wrap(err, "fetch "+location)
	}
	if msg == nil {
		return nil, nil
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return nil, &syncerr.MalformedMessageError{ExternalID: location, Reason: "server returned no body"}
	}
	data, err := io.ReadAll(literal)
	if err != nil {
		return nil, c.wrap(err, "read "+location)
	}

	return &fetchedMessage{
		location:     location,
		flags:        msg.Flags,
		internalDate: msg.InternalDate,
		body:         bytes.NewReader(data),
	}, nil
}

// resolveMailbox maps a label to a mailbox name. SENT resolves through the
// \Sent special-use attribute. An empty name means the account has no such
// mailbox.
func (c *IMAPClient) resolveMailbox(label string) (string, error) {
	if name, ok := c.mailboxes[label]; ok {
		return name, nil
	}

	name := label
	switch strings.ToUpper(label) {
	case "INBOX":
		name = "INBOX"
	case "SENT":
		found, err := c.findSentMailbox()
		if err != nil {
			return "", err
		}
		name = found
	}

	c.mailboxes[label] = name
	return name, nil
}

func (c *IMAPClient) findSentMailbox() (string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.c.List("", "*", mailboxes)
	}()

	var names []string
	special := ""
	for m := range mailboxes {
		names = append(names, m.Name)
		for _, attr := range m.Attributes {
			if attr == sentAttr && special == "" {
				special = m.Name
			}
		}
	}
	if err := <-done; err != nil {
		return "", c.wrap(err, "list mailboxes")
	}

	if special != "" {
		return special, nil
	}
	for _, candidate := range sentFallbacks {
		for _, name := range names {
			if strings.EqualFold(name, candidate) {
				return name, nil
			}
		}
	}
	return "", nil
}

// wrap marks connection-level failures as transient.
func (c *IMAPClient) wrap(err error, op string) error {
	err = fmt.Errorf("imap %s: %w", op, err)
	if c.c.State() == imap.LogoutState {
		return syncerr.MarkTransient(err)
	}
	return err
}

// Close logs out.
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.Logout()
}

func locationID(mailbox string, validity, uid uint32) string {
	return fmt.Sprintf("%s%s/%d/%d", locationPrefix, mailbox, validity, uid)
}

func parseLocationID(id string) (mailbox string, validity, uid uint32, err error) {
	rest, ok := strings.CutPrefix(id, locationPrefix)
	if !ok {
		return "", 0, 0, fmt.Errorf("not a location id: %q", id)
	}

	uidAt := strings.LastIndexByte(rest, '/')
	if uidAt <= 0 {
		return "", 0, 0, fmt.Errorf("malformed location id: %q", id)
	}
	validityAt := strings.LastIndexByte(rest[:uidAt], '/')
	if validityAt <= 0 {
		return "", 0, 0, fmt.Errorf("malformed location id: %q", id)
	}

	v, err := strconv.ParseUint(rest[validityAt+1:uidAt], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed uidvalidity in %q: %w", id, err)
	}
	u, err := strconv.ParseUint(rest[uidAt+1:], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed uid in %q: %w", id, err)
	}
	return rest[:validityAt], uint32(v), uint32(u), nil
}

func parsePageToken(token string) (validity uint32, offset int, err error) {
	v, o, ok := strings.Cut(token, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed page token %q", token)
	}
	parsedValidity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed page token %q: %w", token, err)
	}
	parsedOffset, err := strconv.Atoi(o)
	if err != nil || parsedOffset < 0 {
		return 0, 0, fmt.Errorf("malformed page token %q", token)
	}
	return uint32(parsedValidity), parsedOffset, nil
}
