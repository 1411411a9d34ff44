package models

import (
	"time"

	"github.com/vdavid/mailsync/internal/syncerr"
)

// MessageRef points at a listed message that has not been fetched yet.
type MessageRef struct {
	ID    string
	Label string
}

// RawMessage is a message as fetched from a mail source, before merging.
type RawMessage struct {
	ExternalID      string
	ThreadID        string
	MessageIDHeader string
	InReplyTo       string
	References      []string
	From            string
	FromName        string
	To              []string
	CC              []string
	Subject         string
	Snippet         string
	BodyText        string
	BodyHTML        string
	Timestamp       time.Time
	Labels          []string
	IsRead          bool
	Attachments     []AttachmentMeta
}

// AttachmentMeta describes an attachment as reported by the source.
type AttachmentMeta struct {
	AttachmentID string
	Filename     string
	MimeType     string
	SizeBytes    int64
	IsInline     bool
	ContentID    string
}

// Validate checks the fields the merger relies on.
func (m *RawMessage) Validate() error {
	switch {
	case m.ExternalID == "":
		return &syncerr.MalformedMessageError{Reason: "missing external id"}
	case m.ThreadID == "":
		return &syncerr.MalformedMessageError{ExternalID: m.ExternalID, Reason: "missing thread id"}
	case m.Timestamp.IsZero():
		return &syncerr.MalformedMessageError{ExternalID: m.ExternalID, Reason: "missing timestamp"}
	}
	seen := make(map[string]struct{}, len(m.Attachments))
	for _, a := range m.Attachments {
		if a.AttachmentID == "" {
			return &syncerr.MalformedMessageError{ExternalID: m.ExternalID, Reason: "attachment without id"}
		}
		if _, dup := seen[a.AttachmentID]; dup {
			return &syncerr.MalformedMessageError{ExternalID: m.ExternalID, Reason: "duplicate attachment id " + a.AttachmentID}
		}
		seen[a.AttachmentID] = struct{}{}
	}
	return nil
}
