package target

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"

	"korgalore/internal/korgaerr"
)

// MaildirTarget delivers messages into a qmail-style Maildir, atomically
// via the standard tmp/ → new/ rename. Subfolder is an optional strftime
// template (e.g. "%Y-%m") expanded on every Connect call (the
// orchestrator connects before each commit), so a dated subfolder scheme
// rolls over without korgalore tracking the date itself.
type MaildirTarget struct {
	Root      string // maildir base directory
	Subfolder string // strftime template, or "" for the root maildir

	Labels []string

	mu           sync.Mutex
	resolvedPath string
	hostname     string
}

func (t *MaildirTarget) DefaultLabels() []string { return t.Labels }

// Connect expands Subfolder (if any) against the current time and
// ensures the target Maildir's tmp/new/cur subdirectories exist.
func (t *MaildirTarget) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := t.Root
	if t.Subfolder != "" {
		expanded, err := expandStrftime(t.Subfolder, time.Now())
		if err != nil {
			return korgaerr.NewConfiguration(fmt.Sprintf("expand maildir subfolder template %q", t.Subfolder), err)
		}
		path = filepath.Join(t.Root, expanded)
	}

	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			return korgaerr.NewDelivery(fmt.Sprintf("create maildir dir %s", filepath.Join(path, sub)), err)
		}
	}
	t.resolvedPath = path

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	t.hostname = hostname
	return nil
}

func expandStrftime(tpl string, when time.Time) (string, error) {
	f, err := strftime.New(tpl)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := f.Format(&buf, when); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ImportMessage writes raw into tmp/ with a unique name, then renames it
// into new/. Maildir naming doesn't carry labels; labels is accepted to
// satisfy the Target interface but otherwise ignored (the source's
// mailbox.Maildir target has no header-injection step of its own, relying
// entirely on rawmsg's trace header for provenance).
func (t *MaildirTarget) ImportMessage(ctx context.Context, raw []byte, labels []string) (Result, error) {
	t.mu.Lock()
	path := t.resolvedPath
	hostname := t.hostname
	t.mu.Unlock()

	name := uniqueMaildirName(hostname)
	tmpPath := filepath.Join(path, "tmp", name)
	newPath := filepath.Join(path, "new", name)

	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return Result{}, korgaerr.NewDelivery(fmt.Sprintf("write %s", tmpPath), err)
	}
	if err := os.Rename(tmpPath, newPath); err != nil {
		return Result{}, korgaerr.NewDelivery(fmt.Sprintf("rename %s into new/", tmpPath), err)
	}
	return Result{}, nil
}

func uniqueMaildirName(hostname string) string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	hostname = strings.ReplaceAll(hostname, ":", "_")
	hostname = strings.ReplaceAll(hostname, "/", "_")
	return fmt.Sprintf("%d.%s.%s", time.Now().UnixNano(), hex.EncodeToString(buf[:]), hostname)
}
