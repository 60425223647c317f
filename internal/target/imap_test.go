package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMessageID(t *testing.T) {
	raw := []byte("From: a@b.com\r\nMessage-Id: <abc123@example.com>\r\nSubject: hi\r\n\r\nbody")
	assert.Equal(t, "<abc123@example.com>", extractMessageID(raw))
}

func TestExtractMessageIDMissing(t *testing.T) {
	raw := []byte("From: a@b.com\r\nSubject: hi\r\n\r\nbody")
	assert.Equal(t, "", extractMessageID(raw))
}

func TestIMAPTargetResolvePasswordFromLiteral(t *testing.T) {
	it := &IMAPTarget{Password: "secret"}
	pass, err := it.resolvePassword()
	require.NoError(t, err)
	assert.Equal(t, "secret", pass)
}

func TestIMAPTargetResolvePasswordFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pass.txt")
	require.NoError(t, os.WriteFile(path, []byte("file-secret\n"), 0o600))

	it := &IMAPTarget{PasswordFile: path}
	pass, err := it.resolvePassword()
	require.NoError(t, err)
	assert.Equal(t, "file-secret", pass)
}

func TestIMAPTargetResolvePasswordFromMissingFile(t *testing.T) {
	it := &IMAPTarget{PasswordFile: "/nonexistent/path"}
	_, err := it.resolvePassword()
	assert.Error(t, err)
}

func TestIMAPTargetDefaultLabels(t *testing.T) {
	it := &IMAPTarget{Labels: []string{"inbox", "archive"}}
	assert.Equal(t, []string{"inbox", "archive"}, it.DefaultLabels())
}

func TestIMAPTargetDisconnectWithoutConnectIsNoop(t *testing.T) {
	it := &IMAPTarget{}
	assert.NoError(t, it.Disconnect(nil))
}

func TestIMAPTargetConnectIsIdempotentWhenAlreadyConnected(t *testing.T) {
	// An unreachable address would make a real Connect fail at DialTLS;
	// a target that already believes it's connected must short-circuit
	// before ever reaching the dial, proving the idempotency guard
	// fires first.
	it := &IMAPTarget{Addr: "127.0.0.1:1", conn: &client.Client{}}
	assert.NoError(t, it.Connect(context.Background()))
}
