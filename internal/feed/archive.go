package feed

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"korgalore/internal/gitrepo"
	"korgalore/internal/korgaerr"
	"korgalore/internal/rawmsg"
)

// Manifest is the upstream public-inbox manifest: a mapping from
// repository path (e.g. "lkml/0.git") to an opaque fingerprint string
// (the source treats this as an ETag-like value, only ever compared for
// equality, never parsed).
type Manifest map[string]string

// FetchManifest downloads and gunzips the manifest JSON document from
// url (typically "<base>/manifest.js.gz").
func FetchManifest(ctx context.Context, httpClient *http.Client, url string) (Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, korgaerr.NewRemote("build manifest request", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, korgaerr.NewRemote(fmt.Sprintf("fetch manifest %s", url), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, korgaerr.NewRemote(fmt.Sprintf("manifest %s returned %s", url, resp.Status), nil)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, korgaerr.NewRemote("gunzip manifest", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, korgaerr.NewRemote("read manifest body", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, korgaerr.NewPublicInbox("parse manifest json", err)
	}
	return m, nil
}

// Epochs extracts the epoch numbers this manifest advertises for the
// given mailing-list path prefix (e.g. "lkml"), sorted ascending.
func (m Manifest) Epochs(listPath string) []int {
	prefix := listPath + "/"
	var nums []int
	for key := range m {
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ".git") {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".git")
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	for i := 1; i < len(nums); i++ {
		for j := i; j > 0 && nums[j-1] > nums[j]; j-- {
			nums[j-1], nums[j] = nums[j], nums[j-1]
		}
	}
	return nums
}

// archiveFeed is the variant that clones/pulls epoch repositories
// published over HTTP by a remote public-inbox instance.
type archiveFeed struct {
	baseFeed

	httpClient  *http.Client
	manifestURL string
	remoteBase  string // base URL epochs are cloned/fetched from, e.g. https://lore.kernel.org/lkml
	listPath    string // manifest key prefix, e.g. "lkml"

	// Populated by the most recent UpdateFeed call and consulted by
	// LatestCommitsForDelivery in the same cycle; re-fetching the
	// manifest on every delivery lookup would multiply network calls by
	// the number of deliveries bound to this feed. Whether a rollover
	// catch-up is needed is determined independently, from the delivery
	// cursor's own recorded epoch, since each delivery bound to this feed
	// drains the previous epoch on its own schedule.
	workingEpochCache int
}

// NewArchiveFeed constructs an archive-variant feed rooted at dir, with
// epochs discovered via manifestURL and cloned from remoteBase.
func NewArchiveFeed(key, dir, manifestURL, remoteBase, listPath string, httpClient *http.Client) Feed {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &archiveFeed{
		baseFeed:    newBaseFeed(key, dir),
		httpClient:  httpClient,
		manifestURL: manifestURL,
		remoteBase:  remoteBase,
		listPath:    listPath,
	}
}

func (f *archiveFeed) UpdateFeed(ctx context.Context) (Status, error) {
	state, err := gitrepo.LoadFeedState(f.dir)
	if err != nil {
		return NoChange, err
	}
	initialized := state == nil
	if state == nil {
		state = &gitrepo.FeedState{}
	}

	manifest, err := FetchManifest(ctx, f.httpClient, f.manifestURL)
	if err != nil {
		return NoChange, err
	}
	epochs := manifest.Epochs(f.listPath)
	if len(epochs) == 0 {
		return NoChange, korgaerr.NewPublicInbox(fmt.Sprintf("manifest has no epochs for %s", f.listPath), nil)
	}
	highest := epochs[len(epochs)-1]

	status := NoChange
	if initialized {
		status |= Initialized
	}

	onDisk, err := gitrepo.DiscoverEpochs(f.dir)
	if err != nil {
		return NoChange, err
	}
	onDiskSet := map[int]bool{}
	for _, n := range onDisk {
		onDiskSet[n] = true
	}

	rolledOver := 0
	for _, n := range epochs {
		if onDiskSet[n] {
			continue
		}
		remoteURL := fmt.Sprintf("%s/%d.git", f.remoteBase, n)
		localPath := gitrepo.EpochPath(f.dir, n)
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return NoChange, korgaerr.NewState("create epoch parent dir", err)
		}
		if _, err := gitrepo.CloneEpoch(ctx, remoteURL, localPath); err != nil {
			return NoChange, err
		}
		status |= Updated
		if n > rolledOver {
			rolledOver = n
		}
	}

	working := highest
	if !onDiskSet[working] && rolledOver != working {
		// Working epoch should now be on disk from the loop above; if not,
		// something is inconsistent between the manifest and what we
		// actually cloned.
		return NoChange, korgaerr.NewPublicInbox(fmt.Sprintf("working epoch %d missing after clone", working), nil)
	}

	repo, err := f.openEpoch(working)
	if err != nil {
		return NoChange, err
	}
	if err := gitrepo.FetchEpoch(ctx, repo); err != nil {
		return NoChange, err
	}
	branch, err := gitrepo.DefaultBranch(repo)
	if err != nil {
		return NoChange, err
	}
	tip, err := gitrepo.TopCommit(repo, branch)
	if err != nil {
		return NoChange, err
	}
	if state.LatestCommit != tip.String() {
		status |= Updated
	}

	state.LatestCommit = tip.String()
	state.HighestEpoch = working
	state.LastUpdate = time.Now()
	state.UpdateSuccessful = true
	if err := gitrepo.SaveFeedState(f.dir, state); err != nil {
		return NoChange, err
	}

	f.workingEpochCache = working
	return status, nil
}

func (f *archiveFeed) LatestCommitsForDelivery(ctx context.Context, delivery string) ([]CommitRef, error) {
	working := f.workingEpochCache
	if working == 0 {
		w, err := f.workingEpoch()
		if err != nil {
			return nil, err
		}
		working = w
	}

	ds, err := gitrepo.LoadDeliveryState(f.dir, delivery)
	if err != nil {
		return nil, err
	}

	cursor, hasCursor := ds.CursorFor(working)
	rolledOverEpoch := 0
	if !hasCursor && working > 0 {
		// The manifest's highest epoch just advanced this cycle (or a
		// prior one) and this delivery hasn't recorded anything against
		// it yet: its cursor is still anchored in the previous epoch
		// until that epoch's remaining commits are drained. Resume
		// there and let newCommitsSince walk the new epoch in full.
		if prev, ok := ds.CursorFor(working - 1); ok {
			cursor, hasCursor = prev, true
			rolledOverEpoch = working
			working--
		}
	}

	refs, _, err := f.newCommitsSince(working, rolledOverEpoch, cursor, hasCursor)
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (f *archiveFeed) MessageAtCommit(ctx context.Context, ref CommitRef) ([]byte, error) {
	repo, err := f.openEpoch(ref.Epoch)
	if err != nil {
		return nil, err
	}
	return gitrepo.MessageAtCommit(repo, ref.Hash())
}

func (f *archiveFeed) MarkSuccessfulDelivery(delivery string, ref CommitRef, subject, msgid string, wasFailing bool) error {
	ds, err := gitrepo.LoadDeliveryState(f.dir, delivery)
	if err != nil {
		return err
	}
	ds.SetCursor(ref.Epoch, gitrepo.EpochCursor{
		Last:       ref.Commit,
		Subject:    subject,
		MsgID:      msgid,
		CommitDate: time.Now().Format(gitrepo.CommitDateLayout),
	})
	if err := gitrepo.SaveDeliveryState(f.dir, delivery, ds); err != nil {
		return err
	}
	if wasFailing {
		return gitrepo.ClearFailure(f.dir, delivery, ref.Epoch, ref.Commit)
	}
	return nil
}

func (f *archiveFeed) MarkFailedDelivery(delivery string, ref CommitRef, subject, msgid string, wasFailing bool) error {
	if err := gitrepo.RecordFailure(f.dir, delivery, ref.Epoch, ref.Commit, time.Now()); err != nil {
		return err
	}
	if wasFailing || (subject == "" && msgid == "") {
		return nil
	}
	ds, err := gitrepo.LoadDeliveryState(f.dir, delivery)
	if err != nil {
		return err
	}
	ds.SetCursor(ref.Epoch, gitrepo.EpochCursor{
		Last:       ref.Commit,
		Subject:    subject,
		MsgID:      msgid,
		CommitDate: time.Now().Format(gitrepo.CommitDateLayout),
	})
	return gitrepo.SaveDeliveryState(f.dir, delivery, ds)
}

func (f *archiveFeed) FailedCommitsForDelivery(delivery string) ([]CommitRef, error) {
	entries, err := gitrepo.LoadFailedLedger(f.dir, delivery)
	if err != nil {
		return nil, err
	}
	refs := make([]CommitRef, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, CommitRef{Epoch: e.Epoch, Commit: e.Commit})
	}
	return refs, nil
}

func (f *archiveFeed) InitializeDeliveryCursor(delivery string, fromStart bool) error {
	working, err := f.workingEpoch()
	if err != nil {
		return err
	}
	repo, err := f.openEpoch(working)
	if err != nil {
		return err
	}
	branch, err := gitrepo.DefaultBranch(repo)
	if err != nil {
		return err
	}

	var cursorHash string
	var subject, msgid string
	if fromStart {
		tip, err := gitrepo.TopCommit(repo, branch)
		if err != nil {
			return err
		}
		all, err := gitrepo.AllCommits(repo, tip)
		if err != nil {
			return err
		}
		if len(all) > 0 {
			first := all[0]
			data, err := gitrepo.MessageAtCommit(repo, first)
			if err == nil {
				msg := rawmsg.New(data)
				subject, _ = msg.Subject()
				msgid, _ = msg.MessageID()
			}
			// Cursor sits one commit "before" the first so that cursor is
			// replayed inclusive of the first commit on the next pull.
			cursorHash = ""
		}
	} else {
		tip, err := gitrepo.TopCommit(repo, branch)
		if err != nil {
			return err
		}
		cursorHash = tip.String()
	}

	ds, err := gitrepo.LoadDeliveryState(f.dir, delivery)
	if err != nil {
		return err
	}
	ds.SetCursor(working, gitrepo.EpochCursor{
		Last:       cursorHash,
		Subject:    subject,
		MsgID:      msgid,
		CommitDate: time.Now().Format(gitrepo.CommitDateLayout),
	})
	return gitrepo.SaveDeliveryState(f.dir, delivery, ds)
}
