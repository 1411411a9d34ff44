package mailsource

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
)

// watchPollInterval is used when the server lacks IDLE.
const watchPollInterval = 30 * time.Second

// Watch selects the label's mailbox and calls notify for every mailbox
// update until ctx is done. It holds the connection for its whole lifetime,
// so watchers get their own IMAPClient.
func (c *IMAPClient) Watch(ctx context.Context, label string, notify func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mailbox, err := c.resolveMailbox(label)
	if err != nil {
		return err
	}
	if mailbox == "" {
		<-ctx.Done()
		return nil
	}

	if _, err := c.c.Select(mailbox, true); err != nil {
		return c.wrap(err, "select "+mailbox)
	}

	updates := make(chan client.Update, 16)
	c.c.Updates = updates
	defer func() { c.c.Updates = nil }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	idleClient := idle.NewClient(c.c)
	go func() {
		done <- idleClient.IdleWithFallback(stop, watchPollInterval)
	}()

	c.log.Debug().Str("mailbox", mailbox).Msg("Watching mailbox")

	for {
		select {
		case <-ctx.Done():
			close(stop)
			for {
				select {
				case err := <-done:
					if err != nil {
						c.log.Debug().Err(err).Msg("IDLE ended with error after stop")
					}
					return nil
				case <-updates:
				}
			}
		case update := <-updates:
			if _, ok := update.(*client.MailboxUpdate); ok {
				notify()
			}
		case err := <-done:
			if err != nil {
				return c.wrap(err, "idle "+mailbox)
			}
			return nil
		}
	}
}
