// Package mailsource fetches raw messages from mail providers.
//
// A Client talks to one mailbox. The Fetcher turns a Client into a lazy,
// bounded, newest-first sequence of messages with retries applied to every
// network call.
package mailsource

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/logger"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
	"github.com/vdavid/mailsync/internal/syncerr"
)

// maxPageSize is the largest page requested from a source in one call.
const maxPageSize = 500

// ErrSequenceConsumed is yielded when a fetch sequence is ranged over twice.
var ErrSequenceConsumed = errors.New("fetch sequence already consumed")

// Client is an authenticated handle to one mailbox.
type Client interface {
	// ListMessages returns one page of message references for a label,
	// newest first, and the token of the next page ("" on the last page).
	ListMessages(ctx context.Context, label, pageToken string, pageSize int) ([]models.MessageRef, string, error)
	// GetMessage fetches and parses one message.
	GetMessage(ctx context.Context, ref models.MessageRef) (*models.RawMessage, error)
	// FetchAttachment downloads one attachment payload on demand.
	FetchAttachment(ctx context.Context, externalMessageID, attachmentID string) ([]byte, error)
	Close() error
}

// CheckpointReporter is implemented by sources that expose a mailbox-wide
// change marker, like Gmail's history id.
type CheckpointReporter interface {
	Checkpoint(ctx context.Context) (string, error)
}

// Watcher is implemented by sources that can push change notifications.
// Watch blocks until ctx is done or the connection fails.
type Watcher interface {
	Watch(ctx context.Context, label string, notify func()) error
}

// Fetcher pulls bounded batches of messages through a retry policy.
type Fetcher struct {
	policy retry.Policy
	log    zerolog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(policy retry.Policy, log zerolog.Logger) *Fetcher {
	return &Fetcher{policy: policy, log: log}
}

type page struct {
	refs []models.MessageRef
	next string
}

// Fetch returns at most maxResults messages of a label in source order.
//
// The sequence yields (msg, nil) for every parsed message. A message that
// cannot be parsed yields (nil, *MalformedMessageError) and the sequence
// continues. Any other error, including exhausted retries and cancellation,
// is yielded once and ends the sequence. The sequence can be ranged over
// only once.
func (f *Fetcher) Fetch(ctx context.Context, client Client, label string, maxResults int) iter.Seq2[*models.RawMessage, error] {
	var consumed atomic.Bool

	return func(yield func(*models.RawMessage, error) bool) {
		if consumed.Swap(true) {
			yield(nil, ErrSequenceConsumed)
			return
		}

		log := f.log.With().Str("label", label).Logger()
		remaining := maxResults
		pageToken := ""

		for remaining > 0 {
			p, err := retry.Value(ctx, f.policy, "list "+label, func(ctx context.Context) (page, error) {
				refs, next, err := client.ListMessages(ctx, label, pageToken, min(remaining, maxPageSize))
				return page{refs: refs, next: next}, err
			})
			if err != nil {
				yield(nil, err)
				return
			}

			for _, ref := range p.refs {
				if remaining == 0 {
					return
				}
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				remaining--

				msg, err := retry.Value(ctx, f.policy, "get message "+ref.ID, func(ctx context.Context) (*models.RawMessage, error) {
					return client.GetMessage(ctx, ref)
				})
				if err != nil {
					var malformed *syncerr.MalformedMessageError
					if !errors.As(err, &malformed) {
						yield(nil, err)
						return
					}
					log.Warn().Err(err).Str("external_id", ref.ID).Msg("Skipping malformed message")
					if !yield(nil, err) {
						return
					}
					continue
				}

				log.Debug().
					Str("external_id", msg.ExternalID).
					Str("from", logger.MaskEmail(msg.From)).
					Msg("Fetched message")
				if !yield(msg, nil) {
					return
				}
			}

			if p.next == "" || len(p.refs) == 0 {
				return
			}
			pageToken = p.next
		}
	}
}
