package target

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"korgalore/internal/korgaerr"
)

// PipeTarget delivers a message by piping it to stdin of an external
// command, appending each label as a trailing argument. Common uses are
// handing the message to a local MDA, a digest compiler, or a notifier
// script.
type PipeTarget struct {
	Command string // shell-style command line, split with go-shellwords
	Labels  []string
}

func (t *PipeTarget) DefaultLabels() []string { return t.Labels }

// Connect is a no-op: there is no connection to establish for a pipe
// target, each delivery spawns its own process.
func (t *PipeTarget) Connect(ctx context.Context) error { return nil }

func (t *PipeTarget) ImportMessage(ctx context.Context, raw []byte, labels []string) (Result, error) {
	args, err := shellwords.Parse(t.Command)
	if err != nil {
		return Result{}, korgaerr.NewConfiguration(fmt.Sprintf("parse pipe command %q", t.Command), err)
	}
	if len(args) == 0 {
		return Result{}, korgaerr.NewConfiguration("pipe command is empty", nil)
	}
	args = append(args, labels...)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = bytes.NewReader(raw)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, korgaerr.NewDelivery(fmt.Sprintf("pipe command %q failed: %s", t.Command, stderr.String()), err)
	}
	return Result{}, nil
}
