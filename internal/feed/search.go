package feed

import (
	"context"
	"os/exec"
	"time"

	"korgalore/internal/gitrepo"
	"korgalore/internal/korgaerr"
)

// searchFeed is the variant rooted at a lei-search output directory: an
// external `lei` process maintains the on-disk epoch repository;
// UpdateFeed here runs refreshCmd to have lei refresh it before behaving
// exactly like an archive feed
// against the single epoch it maintains.
type searchFeed struct {
	baseFeed

	refreshCmd []string // e.g. {"lei", "up", "<leiPath>"}
}

// NewSearchFeed constructs a search-variant feed rooted at dir (a lei
// query/thread output directory), refreshed each cycle with refreshCmd.
func NewSearchFeed(key, dir string, refreshCmd []string) Feed {
	return &searchFeed{
		baseFeed:   newBaseFeed(key, dir),
		refreshCmd: refreshCmd,
	}
}

func (f *searchFeed) refresh(ctx context.Context) error {
	if len(f.refreshCmd) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, f.refreshCmd[0], f.refreshCmd[1:]...)
	if err := cmd.Run(); err != nil {
		return korgaerr.NewRemote("refresh lei search", err)
	}
	return nil
}

func (f *searchFeed) UpdateFeed(ctx context.Context) (Status, error) {
	if err := f.refresh(ctx); err != nil {
		return NoChange, err
	}

	state, err := gitrepo.LoadFeedState(f.dir)
	if err != nil {
		return NoChange, err
	}
	initialized := state == nil
	if state == nil {
		state = &gitrepo.FeedState{}
	}

	status := NoChange
	if initialized {
		status |= Initialized
	}

	// Search feeds typically have a single epoch (0) and never roll over
	// in practice; only epoch 0 is ever opened here.
	repo, err := f.openEpoch(0)
	if err != nil {
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
	state.HighestEpoch = 0
	state.LastUpdate = time.Now()
	state.UpdateSuccessful = true
	if err := gitrepo.SaveFeedState(f.dir, state); err != nil {
		return NoChange, err
	}
	return status, nil
}

func (f *searchFeed) LatestCommitsForDelivery(ctx context.Context, delivery string) ([]CommitRef, error) {
	ds, err := gitrepo.LoadDeliveryState(f.dir, delivery)
	if err != nil {
		return nil, err
	}
	cursor, hasCursor := ds.CursorFor(0)
	refs, _, err := f.newCommitsSince(0, 0, cursor, hasCursor)
	return refs, err
}

func (f *searchFeed) MessageAtCommit(ctx context.Context, ref CommitRef) ([]byte, error) {
	repo, err := f.openEpoch(ref.Epoch)
	if err != nil {
		return nil, err
	}
	return gitrepo.MessageAtCommit(repo, ref.Hash())
}

func (f *searchFeed) MarkSuccessfulDelivery(delivery string, ref CommitRef, subject, msgid string, wasFailing bool) error {
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

func (f *searchFeed) MarkFailedDelivery(delivery string, ref CommitRef, subject, msgid string, wasFailing bool) error {
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

func (f *searchFeed) FailedCommitsForDelivery(delivery string) ([]CommitRef, error) {
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

func (f *searchFeed) InitializeDeliveryCursor(delivery string, fromStart bool) error {
	repo, err := f.openEpoch(0)
	if err != nil {
		return err
	}
	branch, err := gitrepo.DefaultBranch(repo)
	if err != nil {
		return err
	}

	var cursorHash string
	if !fromStart {
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
	ds.SetCursor(0, gitrepo.EpochCursor{
		Last:       cursorHash,
		CommitDate: time.Now().Format(gitrepo.CommitDateLayout),
	})
	return gitrepo.SaveDeliveryState(f.dir, delivery, ds)
}
