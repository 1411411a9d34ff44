package mailsource

import (
	"errors"
	"net/mail"
	"strconv"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/syncerr"
)

const snippetLength = 200

// parseIMAPMessage turns a fetched RFC 822 message into a RawMessage.
//
// The external id is the Message-ID header, or the location id when the
// header is missing. The thread id is the root of the References chain,
// falling back to In-Reply-To and then to the message's own id.
func parseIMAPMessage(location, label string, fetched *fetchedMessage) (*models.RawMessage, error) {
	env, err := enmime.ReadEnvelope(fetched.body)
	if err != nil {
		return nil, &syncerr.MalformedMessageError{ExternalID: location, Reason: "unparseable MIME", Err: err}
	}

	raw := &models.RawMessage{
		MessageIDHeader: strings.TrimSpace(env.GetHeader("Message-ID")),
		References:      ParseReferences(env.GetHeader("References")),
		To:              envelopeAddresses(env, "To"),
		CC:              envelopeAddresses(env, "Cc"),
		Subject:         env.GetHeader("Subject"),
		BodyText:        env.Text,
		BodyHTML:        env.HTML,
		Snippet:         makeSnippet(env.Text),
		Labels:          []string{label},
	}
	if inReplyTo := strings.Fields(env.GetHeader("In-Reply-To")); len(inReplyTo) > 0 {
		raw.InReplyTo = inReplyTo[0]
	}
	raw.From, raw.FromName = ParseSender(env.GetHeader("From"))
	raw.Timestamp = messageTime(env.GetHeader("Date"), internalMillis(fetched))

	for _, flag := range fetched.flags {
		if flag == `\Seen` {
			raw.IsRead = true
		}
	}

	raw.ExternalID = raw.MessageIDHeader
	if raw.ExternalID == "" {
		raw.ExternalID = location
	}

	switch {
	case len(raw.References) > 0:
		raw.ThreadID = raw.References[0]
	case raw.InReplyTo != "":
		raw.ThreadID = raw.InReplyTo
	default:
		raw.ThreadID = raw.ExternalID
	}

	if env.Root != nil {
		walkParts(env.Root, "", func(path string, p *enmime.Part) {
			if meta, ok := attachmentMeta(path, p); ok {
				raw.Attachments = append(raw.Attachments, meta)
			}
		})
	}

	return raw, nil
}

func internalMillis(fetched *fetchedMessage) int64 {
	if fetched.internalDate.IsZero() {
		return 0
	}
	return fetched.internalDate.UnixMilli()
}

// envelopeAddresses reads an address header with RFC 2047 names decoded.
func envelopeAddresses(env *enmime.Envelope, header string) []string {
	list, err := env.AddressList(header)
	if err != nil {
		if errors.Is(err, mail.ErrHeaderNotPresent) {
			return nil
		}
		return ParseAddressList(env.GetHeader(header))
	}

	addrs := make([]string, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, a.Address)
	}
	return NormalizeAddresses(addrs)
}

// walkParts visits every part with its IMAP section path. Children of a
// multipart are numbered from 1; a single-part message is part "1".
func walkParts(p *enmime.Part, path string, visit func(string, *enmime.Part)) {
	if p.FirstChild == nil {
		if path == "" {
			path = "1"
		}
		visit(path, p)
		return
	}

	n := 0
	for child := p.FirstChild; child != nil; child = child.NextSibling {
		n++
		childPath := strconv.Itoa(n)
		if path != "" {
			childPath = path + "." + childPath
		}
		walkParts(child, childPath, visit)
	}
}

// partAtPath finds the leaf part at an IMAP section path.
func partAtPath(root *enmime.Part, path string) *enmime.Part {
	if root == nil {
		return nil
	}
	var found *enmime.Part
	walkParts(root, "", func(p string, part *enmime.Part) {
		if p == path && found == nil {
			found = part
		}
	})
	return found
}

// attachmentMeta reports whether a leaf part is an attachment: it has a file
// name, an attachment disposition, or is a non-text inline part with a
// Content-ID.
func attachmentMeta(path string, p *enmime.Part) (models.AttachmentMeta, bool) {
	disposition := strings.ToLower(p.Disposition)
	isText := strings.HasPrefix(strings.ToLower(p.ContentType), "text/")

	switch {
	case p.FileName != "":
	case disposition == "attachment":
	case disposition == "inline" && p.ContentID != "" && !isText:
	default:
		return models.AttachmentMeta{}, false
	}

	return models.AttachmentMeta{
		AttachmentID: path,
		Filename:     p.FileName,
		MimeType:     p.ContentType,
		SizeBytes:    int64(len(p.Content)),
		IsInline:     disposition == "inline",
		ContentID:    strings.Trim(p.ContentID, "<>"),
	}, true
}

// makeSnippet collapses whitespace and cuts text to a short preview.
func makeSnippet(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	runes := []rune(s)
	if len(runes) <= snippetLength {
		return s
	}
	return string(runes[:snippetLength])
}
