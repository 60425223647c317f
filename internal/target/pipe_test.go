package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeTargetDeliversStdinAndLabels(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "out.txt")
	script := filepath.Join(dir, "capture.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat > "+outFile+"\necho \"$@\" >> "+outFile+"\n"), 0o755))

	pt := &PipeTarget{Command: script, Labels: []string{"inbox"}}
	require.NoError(t, pt.Connect(context.Background()))

	_, err := pt.ImportMessage(context.Background(), []byte("hello world"), []string{"inbox", "list-a"})
	require.NoError(t, err)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello world")
	assert.Contains(t, string(data), "inbox list-a")
}

func TestPipeTargetFailsOnNonzeroExit(t *testing.T) {
	pt := &PipeTarget{Command: "false"}
	_, err := pt.ImportMessage(context.Background(), []byte("x"), nil)
	assert.Error(t, err)
}

func TestPipeTargetRejectsEmptyCommand(t *testing.T) {
	pt := &PipeTarget{Command: "   "}
	_, err := pt.ImportMessage(context.Background(), []byte("x"), nil)
	assert.Error(t, err)
}
