package testutil

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server for tests. The memory backend
// has a single user "username" with password "password", whose INBOX already
// holds one sample message.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	username string
	password string
}

// NewTestIMAPServer starts a server on a random local port and stops it when
// the test finishes.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	t.Cleanup(func() {
		_ = s.Close()
	})

	return &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}
}

// Username returns the test user's login.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the test user's password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Connect opens a logged-in client connection.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// CreateMailbox creates a mailbox for the test user.
func (s *TestIMAPServer) CreateMailbox(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create mailbox %s: %v", name, err)
	}
}

// TestAttachment is a file part of a TestMessage.
type TestAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// TestMessage describes a message to append to the test server.
type TestMessage struct {
	MessageID   string
	InReplyTo   string
	References  []string
	From        string
	To          []string
	CC          []string
	Subject     string
	Date        time.Time
	Body        string
	Seen        bool
	Attachments []TestAttachment
}

// RFC822 renders the message. Attachments produce a multipart/mixed body
// whose first part is the text body.
func (m TestMessage) RFC822() string {
	var b strings.Builder
	header := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		}
	}

	header("Message-ID", m.MessageID)
	if !m.Date.IsZero() {
		header("Date", m.Date.Format(time.RFC1123Z))
	}
	header("From", m.From)
	header("To", strings.Join(m.To, ", "))
	header("Cc", strings.Join(m.CC, ", "))
	header("Subject", m.Subject)
	header("In-Reply-To", m.InReplyTo)
	header("References", strings.Join(m.References, " "))
	header("MIME-Version", "1.0")

	if len(m.Attachments) == 0 {
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(m.Body)
		b.WriteString("\r\n")
		return b.String()
	}

	const boundary = "mailsync-test-boundary"
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", boundary, m.Body)
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Type: %s\r\n", a.ContentType)
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n", a.Filename)
		b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		b.WriteString(base64.StdEncoding.EncodeToString(a.Data))
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.String()
}

// AppendMessage appends msg to a mailbox.
func (s *TestIMAPServer) AppendMessage(t *testing.T, mailbox string, msg TestMessage) {
	t.Helper()
	s.AppendRaw(t, mailbox, msg.RFC822(), msg.Seen)
}

// AppendRaw appends an already rendered message to a mailbox.
func (s *TestIMAPServer) AppendRaw(t *testing.T, mailbox, raw string, seen bool) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	var flags []string
	if seen {
		flags = append(flags, imap.SeenFlag)
	}
	if err := client.Append(mailbox, flags, time.Now(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
}
