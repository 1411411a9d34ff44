package models

import (
	"time"
)

// Provider names the kind of mail source an account is synced from.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// Account is one connected mailbox. Accounts are deactivated, never deleted.
type Account struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Provider           Provider   `json:"provider"`
	IMAPServerHostname string     `json:"imap_server_hostname,omitempty"`
	IMAPUsername       string     `json:"imap_username,omitempty"`
	IsActive           bool       `json:"is_active"`
	DeactivatedReason  string     `json:"deactivated_reason,omitempty"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Contact is an address seen as a sender or recipient, with the latest
// non-empty display name.
type Contact struct {
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}
