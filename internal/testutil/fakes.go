package testutil

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/vdavid/mailsync/internal/models"
)

// FakeMailClient is an in-memory mail source. Messages are listed per label
// in the order they were added, which tests treat as newest first.
type FakeMailClient struct {
	mu sync.Mutex

	labels      map[string][]*models.RawMessage
	getErrors   map[string][]error
	listErrors  []error
	attachments map[string][]byte

	// CheckpointValue is returned by Checkpoint.
	CheckpointValue string

	listCalls int
	getCalls  map[string]int
	closed    bool
}

// NewFakeMailClient returns an empty fake.
func NewFakeMailClient() *FakeMailClient {
	return &FakeMailClient{
		labels:      make(map[string][]*models.RawMessage),
		getErrors:   make(map[string][]error),
		attachments: make(map[string][]byte),
		getCalls:    make(map[string]int),
	}
}

// Add appends messages to a label.
func (f *FakeMailClient) Add(label string, msgs ...*models.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[label] = append(f.labels[label], msgs...)
}

// FailGet makes the next GetMessage calls for externalID return errs in
// order. Once they are used up the message is returned normally.
func (f *FakeMailClient) FailGet(externalID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErrors[externalID] = append(f.getErrors[externalID], errs...)
}

// FailList makes the next ListMessages calls return errs in order.
func (f *FakeMailClient) FailList(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErrors = append(f.listErrors, errs...)
}

// SetAttachment stores the payload served by FetchAttachment.
func (f *FakeMailClient) SetAttachment(externalID, attachmentID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[externalID+"/"+attachmentID] = data
}

// ListMessages pages through a label. The page token is the offset.
func (f *FakeMailClient) ListMessages(ctx context.Context, label, pageToken string, pageSize int) ([]models.MessageRef, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	if len(f.listErrors) > 0 {
		err := f.listErrors[0]
		f.listErrors = f.listErrors[1:]
		return nil, "", err
	}

	offset := 0
	if pageToken != "" {
		var err error
		if offset, err = strconv.Atoi(pageToken); err != nil {
			return nil, "", fmt.Errorf("bad page token %q", pageToken)
		}
	}

	msgs := f.labels[label]
	if offset >= len(msgs) {
		return nil, "", nil
	}
	end := min(offset+pageSize, len(msgs))

	refs := make([]models.MessageRef, 0, end-offset)
	for i := offset; i < end; i++ {
		refs = append(refs, models.MessageRef{ID: label + "#" + strconv.Itoa(i), Label: label})
	}

	next := ""
	if end < len(msgs) {
		next = strconv.Itoa(end)
	}
	return refs, next, nil
}

// GetMessage returns a copy of the referenced message.
func (f *FakeMailClient) GetMessage(ctx context.Context, ref models.MessageRef) (*models.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	msg, err := f.lookup(ref)
	if err != nil {
		return nil, err
	}
	f.getCalls[msg.ExternalID]++

	if errs := f.getErrors[msg.ExternalID]; len(errs) > 0 {
		f.getErrors[msg.ExternalID] = errs[1:]
		return nil, errs[0]
	}

	cp := *msg
	return &cp, nil
}

func (f *FakeMailClient) lookup(ref models.MessageRef) (*models.RawMessage, error) {
	msgs := f.labels[ref.Label]
	prefix := ref.Label + "#"
	if len(ref.ID) <= len(prefix) || ref.ID[:len(prefix)] != prefix {
		return nil, fmt.Errorf("unknown ref %q", ref.ID)
	}
	i, err := strconv.Atoi(ref.ID[len(prefix):])
	if err != nil || i < 0 || i >= len(msgs) {
		return nil, fmt.Errorf("unknown ref %q", ref.ID)
	}
	return msgs[i], nil
}

// FetchAttachment returns a payload set with SetAttachment.
func (f *FakeMailClient) FetchAttachment(ctx context.Context, externalMessageID, attachmentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.attachments[externalMessageID+"/"+attachmentID]
	if !ok {
		return nil, errors.New("attachment not found")
	}
	return data, nil
}

// Checkpoint returns CheckpointValue.
func (f *FakeMailClient) Checkpoint(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CheckpointValue, nil
}

// Close marks the client closed.
func (f *FakeMailClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeMailClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// GetCalls returns how often GetMessage was called for externalID.
func (f *FakeMailClient) GetCalls(externalID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[externalID]
}
