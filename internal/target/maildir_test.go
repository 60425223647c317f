package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaildirTargetWritesToNew(t *testing.T) {
	dir := t.TempDir()
	mt := &MaildirTarget{Root: dir}
	require.NoError(t, mt.Connect(context.Background()))

	_, err := mt.ImportMessage(context.Background(), []byte("Subject: hi\r\n\r\nbody\r\n"), nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "new"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	tmpEntries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmpEntries)
}

func TestMaildirTargetExpandsStrftimeSubfolder(t *testing.T) {
	dir := t.TempDir()
	mt := &MaildirTarget{Root: dir, Subfolder: "%Y"}
	require.NoError(t, mt.Connect(context.Background()))

	assert.Contains(t, mt.resolvedPath, dir)
	assert.NotEqual(t, dir, mt.resolvedPath)
}

func TestExtractMessageIDFromRaw(t *testing.T) {
	raw := []byte("Subject: hi\r\nMessage-Id: <abc@example.org>\r\n\r\nbody\r\n")
	assert.Equal(t, "<abc@example.org>", extractMessageID(raw))
}
