package models

import "time"

// Participant roles.
const (
	RoleTo = "to"
	RoleCC = "cc"
)

// Participant change kinds.
const (
	ChangeAdded       = "added"
	ChangeRoleChanged = "role_changed"
)

// Thread is a conversation scoped to one account.
type Thread struct {
	ID             string              `json:"id"`
	AccountID      string              `json:"account_id"`
	SourceThreadID string              `json:"source_thread_id"`
	Subject        string              `json:"subject"`
	EarliestAt     time.Time           `json:"earliest_at"`
	LatestAt       time.Time           `json:"latest_at"`
	MessageCount   int                 `json:"message_count"`
	Messages       []Message           `json:"messages,omitempty"`
	Participants   []Participant       `json:"participants,omitempty"`
	ParticipantLog []ParticipantChange `json:"participant_log,omitempty"`
}

// Message is a stored message. Only Labels and IsRead change after insert.
type Message struct {
	ID              string       `json:"id"`
	AccountID       string       `json:"account_id"`
	ThreadID        string       `json:"thread_id"`
	SourceThreadID  string       `json:"source_thread_id"`
	ExternalID      string       `json:"external_id"`
	MessageIDHeader string       `json:"message_id_header"`
	InReplyTo       string       `json:"in_reply_to,omitempty"`
	References      []string     `json:"references"`
	FromAddress     string       `json:"from_address"`
	FromName        string       `json:"from_name,omitempty"`
	ToAddresses     []string     `json:"to_addresses"`
	CCAddresses     []string     `json:"cc_addresses"`
	Subject         string       `json:"subject"`
	BodyText        string       `json:"body_text"`
	BodyHTML        string       `json:"body_html"`
	Snippet         string       `json:"snippet,omitempty"`
	SentAt          time.Time    `json:"sent_at"`
	MailboxLabel    string       `json:"mailbox_label"`
	Labels          []string     `json:"labels"`
	IsRead          bool         `json:"is_read"`
	HasAttachments  bool         `json:"has_attachments"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Participant is a member of a thread's cumulative To/CC set.
type Participant struct {
	Address      string `json:"address"`
	Role         string `json:"role"`
	IntroducedBy string `json:"introduced_by"`
}

// ParticipantChange is one entry of a thread's participant-change log.
// MessageID is the external id of the message that caused it.
type ParticipantChange struct {
	Seq       int    `json:"seq"`
	MessageID string `json:"message_id"`
	Address   string `json:"address"`
	Role      string `json:"role"`
	Kind      string `json:"kind"`
}

// Attachment is attachment metadata. The payload is fetched on demand from the
// mail source using SourceAttachmentID.
type Attachment struct {
	ID                 string `json:"id"`
	MessageID          string `json:"message_id"`
	SourceAttachmentID string `json:"source_attachment_id"`
	Filename           string `json:"filename"`
	MimeType           string `json:"mime_type"`
	SizeBytes          int64  `json:"size_bytes"`
	IsInline           bool   `json:"is_inline"`
	ContentID          string `json:"content_id,omitempty"`
}
