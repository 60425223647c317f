package target

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"korgalore/internal/korgaerr"
)

// literal adapts a byte slice to imap.Literal (io.Reader + Len).
type literal struct {
	*bytes.Reader
	size int
}

func newLiteral(b []byte) *literal {
	return &literal{Reader: bytes.NewReader(b), size: len(b)}
}

func (l *literal) Len() int { return l.size }

// IMAPAuth selects how an IMAPTarget authenticates.
type IMAPAuth int

const (
	IMAPAuthPassword IMAPAuth = iota
	IMAPAuthOAuth2
)

// OAuth2TokenSource supplies a fresh bearer token for XOAUTH2 login.
// korgalore ships no implementation and the CLI never sets one, so an
// IMAP target configured for OAuth2 fails Connect with a Configuration
// error; IMAP tokens are not persisted or refreshed anywhere.
type OAuth2TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// IMAPTarget delivers messages into a folder of an IMAP mailbox via
// APPEND, deduplicating by Message-ID with a SEARCH before each import.
type IMAPTarget struct {
	Addr     string // host:993
	Username string
	Folder   string

	Auth IMAPAuth

	Password     string
	PasswordFile string

	TokenSource OAuth2TokenSource

	Labels []string

	conn *client.Client
}

func (t *IMAPTarget) DefaultLabels() []string { return t.Labels }

func (t *IMAPTarget) resolvePassword() (string, error) {
	if t.PasswordFile != "" {
		data, err := os.ReadFile(t.PasswordFile)
		if err != nil {
			return "", korgaerr.NewConfiguration(fmt.Sprintf("read password file %s", t.PasswordFile), err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return t.Password, nil
}

// Connect dials, authenticates, and read-only SELECTs the configured
// folder. A missing folder is a Configuration error (korgalore never
// auto-creates IMAP folders). Connect is idempotent: a call against an
// already-dialed target is a no-op, so delivering many commits in one
// cycle reuses a single IMAP session instead of opening a new one per
// message.
func (t *IMAPTarget) Connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	c, err := client.DialTLS(t.Addr, nil)
	if err != nil {
		return korgaerr.NewRemote(fmt.Sprintf("dial imap %s", t.Addr), err)
	}
	c.Timeout = 60 * time.Second

	switch t.Auth {
	case IMAPAuthOAuth2:
		if t.TokenSource == nil {
			return korgaerr.NewConfiguration("oauth2 imap target has no token source", nil)
		}
		token, err := t.TokenSource.Token(ctx)
		if err != nil {
			return korgaerr.NewAuthentication("fetch oauth2 token", t.Username, "imap", err)
		}
		saslClient := sasl.NewXoauth2Client(t.Username, token)
		if err := c.Authenticate(saslClient); err != nil {
			return korgaerr.NewAuthentication("xoauth2 login failed", t.Username, "imap", err)
		}
	default:
		pass, err := t.resolvePassword()
		if err != nil {
			return err
		}
		if err := c.Login(t.Username, pass); err != nil {
			return korgaerr.NewAuthentication("imap login failed", t.Username, "imap", err)
		}
	}

	if _, err := c.Select(t.Folder, true); err != nil {
		return korgaerr.NewConfiguration(fmt.Sprintf("select imap folder %q", t.Folder), err)
	}

	t.conn = c
	return nil
}

func (t *IMAPTarget) Disconnect(ctx context.Context) error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Logout()
	t.conn = nil
	return err
}

// messageExists runs a SEARCH HEADER Message-ID query, failing open (not
// blocking delivery) on a search error since dedup is a best-effort
// convenience, not a correctness requirement.
func (t *IMAPTarget) messageExists(msgID string) bool {
	if msgID == "" {
		return false
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", msgID)
	ids, err := t.conn.Search(criteria)
	if err != nil {
		return false
	}
	return len(ids) > 0
}

func (t *IMAPTarget) ImportMessage(ctx context.Context, raw []byte, labels []string) (Result, error) {
	msgID := extractMessageID(raw)
	if t.messageExists(msgID) {
		return Result{Skipped: true}, nil
	}

	lit := newLiteral(raw)
	if err := t.conn.Append(t.Folder, nil, time.Time{}, lit); err != nil {
		return Result{}, korgaerr.NewDelivery(fmt.Sprintf("imap append to %s", t.Folder), err)
	}
	return Result{}, nil
}

func extractMessageID(raw []byte) string {
	lines := strings.SplitN(string(raw), "\r\n\r\n", 2)
	header := lines[0]
	for _, line := range strings.Split(header, "\r\n") {
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "message-id:") {
			return strings.TrimSpace(line[len("Message-Id:"):])
		}
	}
	return ""
}
