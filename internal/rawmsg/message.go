// Package rawmsg wraps the raw bytes of a single public-inbox mail message,
// exposing lazily-parsed headers and the delivery-ready rendering expected
// by every target in internal/target.
package rawmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"korgalore/internal/version"
)

// Message holds the unparsed bytes of a single message as read from a
// public-inbox epoch ("m" blob at a given commit). Header access is lazy
// and memoized with sync.Once: most commits are only ever inspected for
// their Message-ID during a pull cycle, so the full net/mail parse is
// deferred until something actually needs a header.
type Message struct {
	raw []byte

	once      sync.Once
	parseErr  error
	header    mail.Header
	messageID string
}

// New wraps raw message bytes. raw is not copied; callers must not mutate
// it afterward.
func New(raw []byte) *Message {
	return &Message{raw: raw}
}

// Raw returns the original, unmodified bytes.
func (m *Message) Raw() []byte { return m.raw }

func (m *Message) parse() {
	m.once.Do(func() {
		r, err := mail.ReadMessage(bytes.NewReader(m.raw))
		if err != nil {
			m.parseErr = fmt.Errorf("parse message: %w", err)
			return
		}
		m.header = r.Header
		id := strings.TrimSpace(r.Header.Get("Message-Id"))
		m.messageID = id
	})
}

// MessageID returns the Message-ID header value, angle brackets included,
// exactly as stored in the header (whitespace-trimmed only). Returns an
// error if the message's headers cannot be parsed at all.
func (m *Message) MessageID() (string, error) {
	m.parse()
	if m.parseErr != nil {
		return "", m.parseErr
	}
	return m.messageID, nil
}

// Header returns the parsed header, parsing on first use.
func (m *Message) Header() (mail.Header, error) {
	m.parse()
	if m.parseErr != nil {
		return nil, m.parseErr
	}
	return m.header, nil
}

// Subject returns the Subject header, unfolded, or "" if absent.
func (m *Message) Subject() (string, error) {
	h, err := m.Header()
	if err != nil {
		return "", err
	}
	return h.Get("Subject"), nil
}

const maxTraceLineLen = 75

var headerBodySeparator = []byte("\r\n\r\n")

// AsBytes renders the message for delivery: CRLF-normalized throughout,
// with a trace header spliced in immediately before the header/body
// separator recording which feed and delivery produced this copy and
// when. feedName and deliveryName identify the originating feed key and
// delivery name; the trace header is only injected when both are
// non-empty, matching the bare, untraced rendering used for ephemeral
// tracking deliveries that have no bound feed/delivery pair.
func (m *Message) AsBytes(feedName, deliveryName string) ([]byte, error) {
	normalized := normalizeCRLF(m.raw)
	if feedName == "" || deliveryName == "" {
		return normalized, nil
	}

	trace := buildTraceHeader(feedName, deliveryName)
	folded := foldHeader(trace, maxTraceLineLen)

	var out bytes.Buffer
	if idx := bytes.Index(normalized, headerBodySeparator); idx >= 0 {
		out.Write(normalized[:idx])
		out.WriteString("\r\n")
		out.WriteString(folded)
		out.Write(normalized[idx:])
	} else {
		// No header/body separator found (a headers-only message); append
		// the trace header and open the separator ourselves.
		out.Write(normalized)
		out.WriteString("\r\n")
		out.WriteString(folded)
		out.WriteString("\r\n\r\n")
	}
	return out.Bytes(), nil
}

func buildTraceHeader(feedName, deliveryName string) string {
	ts := now().UTC().Format(time.RFC1123Z)
	return fmt.Sprintf("X-Korgalore-Trace: from feed=%s for delivery=%s; v%s; %s",
		feedName, deliveryName, version.Version, ts)
}

// now is a var so tests can pin the timestamp without touching the system
// clock.
var now = time.Now

// normalizeCRLF idempotently collapses any CRLF to LF and then expands
// every LF to CRLF, so repeated calls against already-CRLF content are a
// no-op and mixed line endings in upstream archives are unified.
func normalizeCRLF(b []byte) []byte {
	collapsed := bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(collapsed, []byte("\n"), []byte("\r\n"))
}

// foldHeader wraps a single logical header line at maxLen columns per
// RFC 2822 folding rules: continuation lines start with a single space,
// breaks only happen at a space boundary so no word is split.
func foldHeader(line string, maxLen int) string {
	if len(line) <= maxLen {
		return line
	}

	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(line))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	scanner.Split(bufio.ScanWords)

	col := 0
	first := true
	for scanner.Scan() {
		word := scanner.Text()
		wlen := len(word)
		if first {
			b.WriteString(word)
			col = wlen
			first = false
			continue
		}
		if col+1+wlen > maxLen {
			b.WriteString("\r\n ")
			b.WriteString(word)
			col = 1 + wlen
		} else {
			b.WriteByte(' ')
			b.WriteString(word)
			col += 1 + wlen
		}
	}
	return b.String()
}
