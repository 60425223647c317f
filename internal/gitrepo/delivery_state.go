package gitrepo

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"korgalore/internal/korgaerr"
)

// EpochCursor records the last commit successfully delivered in one
// epoch for one delivery, plus enough metadata (commit_date, subject,
// msgid) to drive rebase recovery if that commit later disappears from
// history.
type EpochCursor struct {
	Last       string `json:"last"`
	CommitDate string `json:"commit_date"`
	Subject    string `json:"subject"`
	MsgID      string `json:"msgid"`
}

// DeliveryState is the current (non-legacy) per-delivery progress
// record: a map from epoch number (as a string key, to match the
// source's JSON object keying) to that epoch's cursor.
type DeliveryState map[string]EpochCursor

// deliveryStatePath returns the on-disk state file for one delivery:
// korgalore.<delivery>.info.
func deliveryStatePath(feedDir, delivery string) string {
	return filepath.Join(feedDir, fmt.Sprintf("korgalore.%s.info", delivery))
}

// LoadDeliveryState reads a delivery's current state file
// (korgalore.<delivery>.info), returning an empty (non-nil) DeliveryState
// if the file doesn't exist yet. A pre-multi-epoch file at the same path
// holding the flat (non-epoch-keyed) shape {last, commit_date, subject,
// msgid} is migrated in place into epoch "0" of the new map shape, and
// the original bytes are preserved alongside with a .pre-migration
// suffix rather than overwritten silently.
func LoadDeliveryState(feedDir, delivery string) (DeliveryState, error) {
	path := deliveryStatePath(feedDir, delivery)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DeliveryState{}, nil
	}
	if err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("read %s", path), err)
	}

	var ds DeliveryState
	if err := json.Unmarshal(data, &ds); err == nil {
		return ds, nil
	}

	var flat DeliveryInfo
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("parse %s", path), err)
	}
	ds = DeliveryState{}
	if flat.Last != "" {
		ds.SetCursor(0, EpochCursor{
			Last:       flat.Last,
			CommitDate: flat.CommitDate,
			Subject:    flat.Subject,
			MsgID:      flat.MsgID,
		})
	}
	if err := os.Rename(path, path+".pre-migration"); err != nil && !os.IsNotExist(err) {
		return nil, korgaerr.NewState(fmt.Sprintf("preserve legacy %s", path), err)
	}
	if err := SaveDeliveryState(feedDir, delivery, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// SaveDeliveryState atomically writes a delivery's state file.
func SaveDeliveryState(feedDir, delivery string, ds DeliveryState) error {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return korgaerr.NewState("marshal delivery state", err)
	}
	return atomicWrite(deliveryStatePath(feedDir, delivery), data)
}

// CursorFor returns the cursor for the given epoch, and whether one was
// recorded at all.
func (ds DeliveryState) CursorFor(epoch int) (EpochCursor, bool) {
	c, ok := ds[strconv.Itoa(epoch)]
	return c, ok
}

// SetCursor records the cursor for the given epoch.
func (ds DeliveryState) SetCursor(epoch int, c EpochCursor) {
	ds[strconv.Itoa(epoch)] = c
}

// FailedEntry is one line of a delivery's failed-commits ledger.
type FailedEntry struct {
	Epoch            int       `json:"epoch"`
	Commit           string    `json:"commit"`
	FirstFailureTime time.Time `json:"first_failure_iso"`
	RetryCount       int       `json:"retry_count"`
}

// RetryWindow is the span after which a still-failing commit is moved
// from the failed ledger to the rejected ledger and never retried again.
const RetryWindow = 5 * 24 * time.Hour

func failedLedgerPath(feedDir, delivery string) string {
	return filepath.Join(feedDir, fmt.Sprintf("korgalore.%s.failed", delivery))
}

func rejectedLedgerPath(feedDir, delivery string) string {
	return filepath.Join(feedDir, fmt.Sprintf("korgalore.%s.rejected", delivery))
}

// LoadFailedLedger reads the JSON-lines failed-commits ledger, one
// FailedEntry per line. Returns an empty slice if the file is absent.
func LoadFailedLedger(feedDir, delivery string) ([]FailedEntry, error) {
	return readJSONLines[FailedEntry](failedLedgerPath(feedDir, delivery))
}

// RejectedEntry is one line of a delivery's rejected-commits ledger.
type RejectedEntry struct {
	Epoch  int    `json:"epoch"`
	Commit string `json:"commit"`
}

// LoadRejectedLedger reads the JSON-lines rejected-commits ledger.
func LoadRejectedLedger(feedDir, delivery string) ([]RejectedEntry, error) {
	return readJSONLines[RejectedEntry](rejectedLedgerPath(feedDir, delivery))
}

func readJSONLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, korgaerr.NewState(fmt.Sprintf("parse line in %s", path), err)
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("read %s", path), err)
	}
	return out, nil
}

func writeJSONLines[T any](path string, entries []T) error {
	if len(entries) == 0 {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return korgaerr.NewState(fmt.Sprintf("remove empty ledger %s", path), err)
		}
		return nil
	}
	var buf []byte
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return korgaerr.NewState("marshal ledger entry", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return atomicWrite(path, buf)
}

// RecordFailure applies the failure-ledger semantics: if an entry for
// (epoch, commit) already exists and has been failing
// longer than RetryWindow, it is moved to the rejected ledger instead of
// being re-appended to failed. Otherwise its retry_count is incremented
// (or the entry is created fresh) and the failed ledger is rewritten.
func RecordFailure(feedDir, delivery string, epoch int, commit string, now time.Time) error {
	failed, err := LoadFailedLedger(feedDir, delivery)
	if err != nil {
		return err
	}

	idx := -1
	for i, e := range failed {
		if e.Epoch == epoch && e.Commit == commit {
			idx = i
			break
		}
	}

	if idx >= 0 {
		entry := failed[idx]
		if now.Sub(entry.FirstFailureTime) > RetryWindow {
			rejected, err := LoadRejectedLedger(feedDir, delivery)
			if err != nil {
				return err
			}
			rejected = append(rejected, RejectedEntry{Epoch: epoch, Commit: commit})
			if err := writeJSONLines(rejectedLedgerPath(feedDir, delivery), rejected); err != nil {
				return err
			}
			failed = append(failed[:idx], failed[idx+1:]...)
			return writeJSONLines(failedLedgerPath(feedDir, delivery), failed)
		}
		entry.RetryCount++
		failed[idx] = entry
		return writeJSONLines(failedLedgerPath(feedDir, delivery), failed)
	}

	failed = append(failed, FailedEntry{
		Epoch:            epoch,
		Commit:           commit,
		FirstFailureTime: now,
		RetryCount:       1,
	})
	return writeJSONLines(failedLedgerPath(feedDir, delivery), failed)
}

// ClearFailure removes a (epoch, commit) entry from the failed ledger
// after a successful delivery, matching the "was_failing" success path.
func ClearFailure(feedDir, delivery string, epoch int, commit string) error {
	failed, err := LoadFailedLedger(feedDir, delivery)
	if err != nil {
		return err
	}
	out := failed[:0]
	for _, e := range failed {
		if e.Epoch == epoch && e.Commit == commit {
			continue
		}
		out = append(out, e)
	}
	return writeJSONLines(failedLedgerPath(feedDir, delivery), out)
}

// IsRejected reports whether (epoch, commit) is already on the rejected
// ledger for this delivery.
func IsRejected(feedDir, delivery string, epoch int, commit string) (bool, error) {
	rejected, err := LoadRejectedLedger(feedDir, delivery)
	if err != nil {
		return false, err
	}
	for _, e := range rejected {
		if e.Epoch == epoch && e.Commit == commit {
			return true, nil
		}
	}
	return false, nil
}
