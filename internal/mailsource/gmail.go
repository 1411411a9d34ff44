package mailsource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncerr"
)

// gmailUser addresses the authenticated mailbox in every API call.
const gmailUser = "me"

// GmailClient reads one Gmail mailbox through the Gmail REST API.
type GmailClient struct {
	svc     *gmail.Service
	account string
}

// NewGmailClient creates a client for account. Production callers pass
// option.WithTokenSource; tests pass option.WithEndpoint.
func NewGmailClient(ctx context.Context, account string, opts ...option.ClientOption) (*GmailClient, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return &GmailClient{svc: svc, account: account}, nil
}

// ListMessages lists message ids carrying a label id, newest first.
func (c *GmailClient) ListMessages(ctx context.Context, label, pageToken string, pageSize int) ([]models.MessageRef, string, error) {
	call := c.svc.Users.Messages.List(gmailUser).
		LabelIds(label).
		MaxResults(int64(pageSize)).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", c.classify(err, "")
	}

	refs := make([]models.MessageRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, models.MessageRef{ID: m.Id, Label: label})
	}
	return refs, resp.NextPageToken, nil
}

// GetMessage fetches a message in full format and parses it.
func (c *GmailClient) GetMessage(ctx context.Context, ref models.MessageRef) (*models.RawMessage, error) {
	msg, err := c.svc.Users.Messages.Get(gmailUser, ref.ID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, c.classify(err, ref.ID)
	}
	return parseGmailMessage(msg)
}

// FetchAttachment downloads an attachment by its Gmail attachment id.
func (c *GmailClient) FetchAttachment(ctx context.Context, externalMessageID, attachmentID string) ([]byte, error) {
	body, err := c.svc.Users.Messages.Attachments.Get(gmailUser, externalMessageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, c.classify(err, externalMessageID)
	}
	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

// Checkpoint returns the mailbox's current history id.
func (c *GmailClient) Checkpoint(ctx context.Context) (string, error) {
	profile, err := c.svc.Users.GetProfile(gmailUser).Context(ctx).Do()
	if err != nil {
		return "", c.classify(err, "")
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// Close is a no-op; the HTTP client is shared.
func (c *GmailClient) Close() error {
	return nil
}

// classify maps API failures onto the sync error taxonomy. externalID is set
// for per-message calls, where a 404 means the message vanished.
func (c *GmailClient) classify(err error, externalID string) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			return &syncerr.CredentialError{Account: c.account, Err: err}
		}
		return syncerr.MarkTransient(err)
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch {
	case apiErr.Code == http.StatusUnauthorized:
		return &syncerr.CredentialError{Account: c.account, Err: err}
	case apiErr.Code == http.StatusTooManyRequests:
		return &syncerr.RateLimitError{Err: err}
	case apiErr.Code == http.StatusForbidden && isRateLimitReason(apiErr):
		return &syncerr.RateLimitError{Err: err}
	case apiErr.Code == http.StatusNotFound && externalID != "":
		return &syncerr.MalformedMessageError{ExternalID: externalID, Reason: "message not found at source", Err: err}
	case apiErr.Code >= 500:
		return syncerr.MarkTransient(err)
	}
	return err
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

// parseGmailMessage converts a full-format message. Headers are read from the
// top-level payload; bodies and attachments from the whole part tree.
func parseGmailMessage(m *gmail.Message) (*models.RawMessage, error) {
	if m.Payload == nil {
		return nil, &syncerr.MalformedMessageError{ExternalID: m.Id, Reason: "message has no payload"}
	}

	headers := make(map[string]string, len(m.Payload.Headers))
	for _, h := range m.Payload.Headers {
		key := strings.ToLower(h.Name)
		if _, seen := headers[key]; !seen {
			headers[key] = h.Value
		}
	}

	raw := &models.RawMessage{
		ExternalID:      m.Id,
		ThreadID:        m.ThreadId,
		MessageIDHeader: strings.TrimSpace(headers["message-id"]),
		InReplyTo:       strings.TrimSpace(headers["in-reply-to"]),
		References:      ParseReferences(headers["references"]),
		To:              ParseAddressList(headers["to"]),
		CC:              ParseAddressList(headers["cc"]),
		Subject:         headers["subject"],
		Snippet:         m.Snippet,
		Labels:          m.LabelIds,
		IsRead:          true,
	}
	raw.From, raw.FromName = ParseSender(headers["from"])
	raw.Timestamp = messageTime(headers["date"], m.InternalDate)

	for _, l := range m.LabelIds {
		if l == "UNREAD" {
			raw.IsRead = false
		}
	}

	if err := collectGmailParts(m.Payload, raw); err != nil {
		return nil, &syncerr.MalformedMessageError{ExternalID: m.Id, Reason: "undecodable body", Err: err}
	}
	return raw, nil
}

func collectGmailParts(part *gmail.MessagePart, raw *models.RawMessage) error {
	if part == nil {
		return nil
	}

	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		meta := models.AttachmentMeta{
			AttachmentID: part.Body.AttachmentId,
			Filename:     part.Filename,
			MimeType:     part.MimeType,
			SizeBytes:    part.Body.Size,
		}
		for _, h := range part.Headers {
			switch strings.ToLower(h.Name) {
			case "content-disposition":
				meta.IsInline = strings.HasPrefix(strings.ToLower(strings.TrimSpace(h.Value)), "inline")
			case "content-id":
				meta.ContentID = strings.Trim(strings.TrimSpace(h.Value), "<>")
			}
		}
		raw.Attachments = append(raw.Attachments, meta)
		return nil
	}

	if part.Body != nil && part.Body.Data != "" {
		switch part.MimeType {
		case "text/plain":
			if raw.BodyText == "" {
				data, err := decodeBase64URL(part.Body.Data)
				if err != nil {
					return err
				}
				raw.BodyText = string(data)
			}
		case "text/html":
			if raw.BodyHTML == "" {
				data, err := decodeBase64URL(part.Body.Data)
				if err != nil {
					return err
				}
				raw.BodyHTML = string(data)
			}
		}
	}

	for _, child := range part.Parts {
		if err := collectGmailParts(child, raw); err != nil {
			return err
		}
	}
	return nil
}

// decodeBase64URL accepts Gmail's base64url data with or without padding.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
