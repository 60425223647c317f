package gitrepo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"korgalore/internal/korgaerr"
)

// FeedState is the consolidated per-feed progress record, persisted as
// <feedDir>/korgalore.feed. It replaced the original per-delivery info
// file scheme; MigrateLegacyInfo upgrades older feed directories in place.
type FeedState struct {
	LastUpdate       time.Time `json:"last_update"`
	UpdateSuccessful bool      `json:"update_successful"`
	LatestCommit     string    `json:"latest_commit"`
	HighestEpoch     int       `json:"highest_epoch"`
}

const feedStateFileName = "korgalore.feed"

// LoadFeedState reads <feedDir>/korgalore.feed. If it's absent but legacy
// per-delivery info files are found in the feed's epoch directories, it
// migrates them first (see MigrateLegacyInfo) before returning the
// resulting state.
func LoadFeedState(feedDir string) (*FeedState, error) {
	path := filepath.Join(feedDir, feedStateFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		migrated, mErr := MigrateLegacyInfo(feedDir)
		if mErr != nil {
			return nil, mErr
		}
		if migrated != nil {
			return migrated, nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("read %s", path), err)
	}
	var fs FeedState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("parse %s", path), err)
	}
	return &fs, nil
}

// SaveFeedState atomically writes <feedDir>/korgalore.feed via a
// temp-file-then-rename, so a crash mid-write never leaves a truncated
// state file behind.
func SaveFeedState(feedDir string, fs *FeedState) error {
	path := filepath.Join(feedDir, feedStateFileName)
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return korgaerr.NewState("marshal feed state", err)
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return korgaerr.NewState(fmt.Sprintf("create temp for %s", path), err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return korgaerr.NewState(fmt.Sprintf("write temp for %s", path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return korgaerr.NewState(fmt.Sprintf("close temp for %s", path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return korgaerr.NewState(fmt.Sprintf("rename temp into %s", path), err)
	}
	return nil
}

// DeliveryInfo is the legacy per-delivery progress record,
// korgalore.<delivery>.info, found under an epoch directory
// (git/<n>.git/korgalore.<delivery>.info) in feeds created before the
// consolidated FeedState scheme.
type DeliveryInfo struct {
	Last       string `json:"last"`
	Subject    string `json:"subject"`
	MsgID      string `json:"msgid"`
	CommitDate string `json:"commit_date"`
}

// CommitDateLayout is the legacy info file's timestamp format, matched
// byte for byte against the Python source's strftime("%Y-%m-%d %H:%M:%S %z").
const CommitDateLayout = "2006-01-02 15:04:05 -0700"

func deliveryInfoPath(epochDir, delivery string) string {
	return filepath.Join(epochDir, fmt.Sprintf("korgalore.%s.info", delivery))
}

// LoadDeliveryInfo reads a legacy per-delivery info file, returning
// (nil, nil) if it doesn't exist.
func LoadDeliveryInfo(epochDir, delivery string) (*DeliveryInfo, error) {
	path := deliveryInfoPath(epochDir, delivery)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("read %s", path), err)
	}
	var info DeliveryInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("parse %s", path), err)
	}
	return &info, nil
}

// MigrateLegacyInfo scans every epoch directory under feedDir for
// korgalore.<delivery>.info files, takes the earliest commit_date across
// all of them as the new feed's last_update, writes korgalore.feed, and
// renames each migrated legacy file with a .pre-migration suffix (never
// deleting it). Returns nil, nil if no legacy files are found.
func MigrateLegacyInfo(feedDir string) (*FeedState, error) {
	epochs, err := DiscoverEpochs(feedDir)
	if err != nil {
		return nil, err
	}

	var earliest time.Time
	var earliestSet bool
	var latestCommit string
	var highestEpoch int

	for _, epochNum := range epochs {
		epochDir := EpochPath(feedDir, epochNum)
		entries, err := os.ReadDir(epochDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasPrefix(name, "korgalore.") || !strings.HasSuffix(name, ".info") {
				continue
			}
			delivery := strings.TrimSuffix(strings.TrimPrefix(name, "korgalore."), ".info")
			info, err := LoadDeliveryInfo(epochDir, delivery)
			if err != nil || info == nil {
				continue
			}
			if info.CommitDate != "" {
				ts, perr := time.Parse(CommitDateLayout, info.CommitDate)
				if perr == nil && (!earliestSet || ts.Before(earliest)) {
					earliest = ts
					earliestSet = true
				}
			}
			if info.Last != "" {
				latestCommit = info.Last
				highestEpoch = epochNum
			}

			legacyPath := deliveryInfoPath(epochDir, delivery)
			if err := os.Rename(legacyPath, legacyPath+".pre-migration"); err != nil && !os.IsNotExist(err) {
				return nil, korgaerr.NewState(fmt.Sprintf("rename legacy info %s", legacyPath), err)
			}
		}
	}

	if !earliestSet {
		return nil, nil
	}

	fs := &FeedState{
		LastUpdate:       earliest,
		UpdateSuccessful: true,
		LatestCommit:     latestCommit,
		HighestEpoch:     highestEpoch,
	}
	if err := SaveFeedState(feedDir, fs); err != nil {
		return nil, err
	}
	return fs, nil
}

// DiscoverEpochs lists the numbered epoch directories (git/<n>.git) under
// feedDir, sorted ascending numerically (not lexically, so epoch 10
// sorts after epoch 9).
func DiscoverEpochs(feedDir string) ([]int, error) {
	gitDir := filepath.Join(feedDir, "git")
	entries, err := os.ReadDir(gitDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, korgaerr.NewGit(fmt.Sprintf("list epochs in %s", gitDir), err)
	}

	var nums []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".git") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimSuffix(name, ".git"), "%d", &n); err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

// EpochPath returns the on-disk path of epoch n within feedDir.
func EpochPath(feedDir string, n int) string {
	return filepath.Join(feedDir, "git", fmt.Sprintf("%d.git", n))
}
