package rawmsg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"korgalore/internal/version"
)

func fixedNow(t *testing.T) {
	t.Helper()
	orig := now
	now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	t.Cleanup(func() { now = orig })
}

func TestMessageIDExtraction(t *testing.T) {
	raw := []byte("Message-Id: <abc123@example.org>\r\nSubject: hi\r\n\r\nbody\r\n")
	m := New(raw)

	id, err := m.MessageID()
	require.NoError(t, err)
	assert.Equal(t, "<abc123@example.org>", id)

	// Memoized: second call returns the same value without re-parsing.
	id2, err := m.MessageID()
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestAsBytesNormalizesCRLF(t *testing.T) {
	fixedNow(t)
	raw := []byte("Subject: hi\nFrom: a@b.com\n\nline one\nline two\r\nline three\n")
	m := New(raw)

	out, err := m.AsBytes("lore/test", "imap-archive")
	require.NoError(t, err)

	// No bare LF should remain anywhere in the output.
	stripped := strings.ReplaceAll(string(out), "\r\n", "")
	assert.NotContains(t, stripped, "\n")
}

func TestAsBytesIdempotentCRLF(t *testing.T) {
	fixedNow(t)
	raw := []byte("Subject: hi\r\nFrom: a@b.com\r\n\r\nbody\r\n")
	m := New(raw)

	once, err := m.AsBytes("lore/test", "imap-archive")
	require.NoError(t, err)

	twice := normalizeCRLF(once)
	assert.Equal(t, once, twice)
}

func TestAsBytesInsertsTraceHeaderBeforeSeparator(t *testing.T) {
	fixedNow(t)
	m := New([]byte("Subject: hi\r\nFrom: a@b.com\r\n\r\nbody\r\n"))

	out, err := m.AsBytes("lore/test", "imap-archive")
	require.NoError(t, err)
	s := string(out)

	// The header is folded at 75 columns, so unfold it (CRLF + space is a
	// folding point) before looking for the unbroken prefix.
	want := "X-Korgalore-Trace: from feed=lore/test for delivery=imap-archive; v" + version.Version + "; "
	assert.Contains(t, strings.ReplaceAll(s, "\r\n ", " "), want)

	// The trace header must land immediately before the header/body
	// separator, i.e. right after the existing headers and right before
	// the blank line that starts the body, not at the top of the message.
	headerEnd := strings.Index(s, "\r\n\r\n")
	require.GreaterOrEqual(t, headerEnd, 0)
	traceIdx := strings.Index(s, "X-Korgalore-Trace:")
	require.GreaterOrEqual(t, traceIdx, 0)
	assert.True(t, strings.HasPrefix(s, "Subject: hi\r\nFrom: a@b.com\r\n"))
	assert.Less(t, traceIdx, headerEnd)
	assert.True(t, strings.HasSuffix(s[:headerEnd+4], "\r\n\r\n"))
	assert.True(t, strings.HasSuffix(s, "body\r\n"))
}

func TestAsBytesOmitsTraceHeaderWhenEitherNameIsMissing(t *testing.T) {
	fixedNow(t)
	raw := []byte("Subject: hi\r\n\r\nbody\r\n")

	out, err := New(raw).AsBytes("lore/test", "")
	require.NoError(t, err)
	assert.NotContains(t, string(out), "X-Korgalore-Trace:")

	out, err = New(raw).AsBytes("", "imap-archive")
	require.NoError(t, err)
	assert.NotContains(t, string(out), "X-Korgalore-Trace:")

	out, err = New(raw).AsBytes("", "")
	require.NoError(t, err)
	assert.Equal(t, normalizeCRLF(raw), out)
}

func TestFoldHeaderWrapsAtBoundary(t *testing.T) {
	long := "X-Korgalore-Trace: from feed=some/very/long/feed/name/that/goes/on for delivery=an-equally-long-delivery-name; v1.0.0; Fri, 02 Jan 2026 03:04:05 +0000"
	folded := foldHeader(long, maxTraceLineLen)

	for _, line := range strings.Split(folded, "\r\n") {
		assert.LessOrEqual(t, len(line), maxTraceLineLen)
	}
	// Continuation lines begin with a single space.
	lines := strings.Split(folded, "\r\n")
	for _, l := range lines[1:] {
		assert.True(t, strings.HasPrefix(l, " "))
	}
}
