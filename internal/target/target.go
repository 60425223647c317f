// Package target implements the delivery targets korgalore can hand a
// message to: IMAP, JMAP, Maildir, Gmail, and an arbitrary pipe command.
package target

import "context"

// Result reports the outcome of a single ImportMessage call.
type Result struct {
	// Skipped is true when the target recognized the message (by
	// Message-ID) as already delivered and declined to re-import it.
	Skipped bool
}

// Target is the contract every delivery target implements.
type Target interface {
	Connect(ctx context.Context) error
	ImportMessage(ctx context.Context, raw []byte, labels []string) (Result, error)
	DefaultLabels() []string
}

// Disconnector is implemented by targets that hold a live connection
// worth explicitly tearing down. Only IMAP implements it; JMAP, Gmail,
// Maildir and Pipe targets do not.
type Disconnector interface {
	Disconnect(ctx context.Context) error
}
