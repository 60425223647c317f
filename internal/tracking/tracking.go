// Package tracking implements the ephemeral thread-tracking manifest:
// a JSON ledger of lei-search-backed deliveries that auto-expire after a
// period of inactivity.
package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"korgalore/internal/korgaerr"
)

// Status is a tracked thread's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPaused   Status = "paused"
)

// ExpireAfter is how long a thread may go without a new message before
// it auto-transitions from active to inactive.
const ExpireAfter = 30 * 24 * time.Hour

// ManifestVersion is bumped whenever the on-disk schema changes in a way
// that requires migration; korgalore currently only ever writes the
// current version.
const ManifestVersion = 1

// TrackedThread is one entry in the tracking manifest.
type TrackedThread struct {
	TrackID      string    `json:"track_id"`
	MessageID    string    `json:"message_id"`
	Subject      string    `json:"subject"`
	Target       string    `json:"target"`
	Labels       []string  `json:"labels"`
	LeiPath      string    `json:"lei_path"`
	Created      time.Time `json:"created"`
	LastUpdate   time.Time `json:"last_update"`
	LastActivity time.Time `json:"last_activity"`
	Status       Status    `json:"status"`
	MessageCount int       `json:"message_count"`
}

// Manifest is the on-disk tracking.json document.
type Manifest struct {
	Version int             `json:"version"`
	Threads []TrackedThread `json:"threads"`

	path string
}

// Load reads tracking.json from dir, returning an empty manifest if it
// doesn't exist yet.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "tracking.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Manifest{Version: ManifestVersion, path: path}, nil
	}
	if err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("read %s", path), err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("parse %s", path), err)
	}
	m.path = path
	return &m, nil
}

// Save atomically writes the manifest back via a temp-file-then-rename.
func (m *Manifest) Save() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return korgaerr.NewState("marshal tracking manifest", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return korgaerr.NewState("create temp tracking manifest", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return korgaerr.NewState("write temp tracking manifest", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return korgaerr.NewState("close temp tracking manifest", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return korgaerr.NewState("rename temp tracking manifest", err)
	}
	return nil
}

// AddThread creates a new tracked thread with a fresh track-id.
func (m *Manifest) AddThread(messageID, subject, target string, labels []string, leiPath string) *TrackedThread {
	now := time.Now()
	t := TrackedThread{
		TrackID:      uuid.NewString(),
		MessageID:    messageID,
		Subject:      subject,
		Target:       target,
		Labels:       labels,
		LeiPath:      leiPath,
		Created:      now,
		LastUpdate:   now,
		LastActivity: now,
		Status:       StatusActive,
	}
	m.Threads = append(m.Threads, t)
	return &m.Threads[len(m.Threads)-1]
}

// RemoveThread deletes the entry with the given track-id, if present.
func (m *Manifest) RemoveThread(trackID string) bool {
	for i, t := range m.Threads {
		if t.TrackID == trackID {
			m.Threads = append(m.Threads[:i], m.Threads[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manifest) find(trackID string) *TrackedThread {
	for i := range m.Threads {
		if m.Threads[i].TrackID == trackID {
			return &m.Threads[i]
		}
	}
	return nil
}

// PauseThread sets a thread's status to paused, exempting it from
// auto-expiry until resumed.
func (m *Manifest) PauseThread(trackID string) bool {
	t := m.find(trackID)
	if t == nil {
		return false
	}
	t.Status = StatusPaused
	return true
}

// ResumeThread returns a paused or inactive thread to active.
func (m *Manifest) ResumeThread(trackID string) bool {
	t := m.find(trackID)
	if t == nil {
		return false
	}
	t.Status = StatusActive
	t.LastActivity = time.Now()
	return true
}

// GetThread returns the entry for trackID, or nil.
func (m *Manifest) GetThread(trackID string) *TrackedThread { return m.find(trackID) }

// GetThreadByMessageID returns the entry whose root MessageID matches, or
// nil.
func (m *Manifest) GetThreadByMessageID(messageID string) *TrackedThread {
	for i := range m.Threads {
		if m.Threads[i].MessageID == messageID {
			return &m.Threads[i]
		}
	}
	return nil
}

// GetAllThreads returns every tracked thread.
func (m *Manifest) GetAllThreads() []TrackedThread { return m.Threads }

// GetActiveThreads returns threads currently in the active status.
func (m *Manifest) GetActiveThreads() []TrackedThread {
	return m.filterByStatus(StatusActive)
}

// GetInactiveThreads returns threads currently in the inactive status.
func (m *Manifest) GetInactiveThreads() []TrackedThread {
	return m.filterByStatus(StatusInactive)
}

func (m *Manifest) filterByStatus(s Status) []TrackedThread {
	var out []TrackedThread
	for _, t := range m.Threads {
		if t.Status == s {
			out = append(out, t)
		}
	}
	return out
}

// UpdateActivity bumps a thread's last-seen timestamps and message
// count, called whenever a new message arrives on its lei search.
func (m *Manifest) UpdateActivity(trackID string, newMessages int) bool {
	t := m.find(trackID)
	if t == nil {
		return false
	}
	now := time.Now()
	t.LastUpdate = now
	if newMessages > 0 {
		t.LastActivity = now
		t.MessageCount += newMessages
		if t.Status == StatusInactive {
			t.Status = StatusActive
		}
	}
	return true
}

// CheckAndExpireThreads transitions every active thread whose
// LastActivity is older than ExpireAfter to inactive, returning the
// track-ids that were transitioned.
func (m *Manifest) CheckAndExpireThreads() []string {
	var expired []string
	cutoff := time.Now().Add(-ExpireAfter)
	for i := range m.Threads {
		t := &m.Threads[i]
		if t.Status == StatusActive && t.LastActivity.Before(cutoff) {
			t.Status = StatusInactive
			expired = append(expired, t.TrackID)
		}
	}
	return expired
}

// RunLeiCommand runs the external `lei` tool with the given arguments,
// used by the search-subscribe/refresh helpers below. Capturing combined
// output keeps failures diagnosable without needing the caller to thread
// through separate stdout/stderr buffers.
func RunLeiCommand(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "lei", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, korgaerr.NewRemote(fmt.Sprintf("lei %v", args), err)
	}
	return out, nil
}

// CreateLeiThreadSearch materializes a `lei q --thread` search rooted at
// messageID into outputDir, the on-disk epoch a searchFeed will read from.
func CreateLeiThreadSearch(ctx context.Context, messageID, outputDir string) error {
	_, err := RunLeiCommand(ctx, "q", "--thread", fmt.Sprintf("mid:%s", messageID), "-o", outputDir, "--dedupe=mid", "--no-import-remote")
	return err
}

// CreateLeiQuerySearch materializes an arbitrary lei query into outputDir.
func CreateLeiQuerySearch(ctx context.Context, query, outputDir string) error {
	_, err := RunLeiCommand(ctx, "q", query, "-o", outputDir, "--dedupe=mid", "--no-import-remote")
	return err
}

// UpdateLeiSearch refreshes a previously materialized lei search
// directory in place.
func UpdateLeiSearch(ctx context.Context, outputDir string) error {
	_, err := RunLeiCommand(ctx, "up", outputDir)
	return err
}

// ForgetLeiSearch removes lei's bookkeeping for outputDir, called when a
// tracked thread is removed.
func ForgetLeiSearch(ctx context.Context, outputDir string) error {
	_, err := RunLeiCommand(ctx, "forget-mail-sync", outputDir)
	return err
}
