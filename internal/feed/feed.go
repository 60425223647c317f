// Package feed owns the on-disk epoch repositories of a single
// public-inbox mailing list (archive variant) or lei search (search
// variant), keeps their tip up to date, and answers "what new commits
// exist for this delivery?" for the orchestrator.
package feed

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"korgalore/internal/gitrepo"
	"korgalore/internal/korgaerr"
)

// Status is a bitmask describing what UpdateFeed observed.
type Status int

const (
	NoChange    Status = 0
	Updated     Status = 1 << 0
	Initialized Status = 1 << 1
)

func (s Status) Has(bit Status) bool { return s&bit != 0 }

// CommitRef names one commit within one epoch of a feed.
type CommitRef struct {
	Epoch  int
	Commit string
}

func (r CommitRef) Hash() plumbing.Hash { return plumbing.NewHash(r.Commit) }

func (r CommitRef) String() string {
	return fmt.Sprintf("%d:%s", r.Epoch, r.Commit)
}

// Feed is the contract shared by the archive and search variants.
type Feed interface {
	Key() string
	UpdateFeed(ctx context.Context) (Status, error)
	LatestCommitsForDelivery(ctx context.Context, delivery string) ([]CommitRef, error)
	MessageAtCommit(ctx context.Context, ref CommitRef) ([]byte, error)
	MarkSuccessfulDelivery(delivery string, ref CommitRef, subject, msgid string, wasFailing bool) error

	// MarkFailedDelivery records a delivery failure in the failed ledger.
	// subject and msgid are the failing commit's message headers when the
	// message itself was read successfully ("" otherwise, e.g. when the
	// failure happened reading the commit's raw message). When this is not
	// a retry of an already-failing commit (wasFailing is false) and a
	// subject or msgid is available, the delivery state's cursor is also
	// updated to anchor on this commit, so a later upstream rebase can
	// still recover this delivery's position by subject/msgid even though
	// the commit itself never delivered successfully.
	MarkFailedDelivery(delivery string, ref CommitRef, subject, msgid string, wasFailing bool) error
	FailedCommitsForDelivery(delivery string) ([]CommitRef, error)
	Lock(ctx context.Context) error
	Unlock() error

	// InitializeDeliveryCursor creates tip-initialized delivery state for
	// a delivery newly bound to this feed. fromStart requests "from the
	// first commit of the working epoch" instead of "from the current
	// tip".
	InitializeDeliveryCursor(delivery string, fromStart bool) error
}

// baseFeed holds the state common to both variants: the on-disk
// directory, the process-wide advisory lock, and cached open epoch
// repositories.
type baseFeed struct {
	key string
	dir string

	lock   *gitrepo.FeedLock
	epochs map[int]*git.Repository
}

func newBaseFeed(key, dir string) baseFeed {
	return baseFeed{
		key:    key,
		dir:    dir,
		lock:   gitrepo.NewFeedLock(dir),
		epochs: map[int]*git.Repository{},
	}
}

func (b *baseFeed) Key() string { return b.key }

func (b *baseFeed) Lock(ctx context.Context) error   { return b.lock.Lock(ctx) }
func (b *baseFeed) Unlock() error                    { return b.lock.Unlock() }

// openEpoch lazily opens (and caches) an already-cloned epoch repository.
func (b *baseFeed) openEpoch(n int) (*git.Repository, error) {
	if repo, ok := b.epochs[n]; ok {
		return repo, nil
	}
	repo, err := gitrepo.OpenEpoch(gitrepo.EpochPath(b.dir, n))
	if err != nil {
		return nil, err
	}
	b.epochs[n] = repo
	return repo, nil
}

func (b *baseFeed) workingEpoch() (int, error) {
	epochs, err := gitrepo.DiscoverEpochs(b.dir)
	if err != nil {
		return 0, err
	}
	if len(epochs) == 0 {
		return 0, korgaerr.NewPublicInbox(fmt.Sprintf("feed %s has no epochs on disk", b.key), nil)
	}
	return epochs[len(epochs)-1], nil
}

// newCommitsSince enumerates new commits for a delivery: rebase recovery
// if the cursor no longer resolves, then an ancestry-path walk of the
// working epoch, optionally followed by a full chronological walk of a
// freshly rolled-over higher epoch.
func (b *baseFeed) newCommitsSince(working int, rolledOverEpoch int, cursor gitrepo.EpochCursor, hasCursor bool) ([]CommitRef, gitrepo.EpochCursor, error) {
	repo, err := b.openEpoch(working)
	if err != nil {
		return nil, cursor, err
	}
	branchName, err := gitrepo.DefaultBranch(repo)
	if err != nil {
		return nil, cursor, err
	}
	tip, err := gitrepo.TopCommit(repo, branchName)
	if err != nil {
		return nil, cursor, err
	}

	var refs []CommitRef

	if !hasCursor {
		// No cursor at all for this epoch: nothing to replay. The
		// orchestrator seeds a cursor via InitializeDeliveryCursor only for
		// feeds whose update reported Initialized; a delivery newly bound
		// to an already-initialized feed gets no cursor and no commits.
		return nil, cursor, nil
	}

	if cursor.Last == "" {
		// "From start" initialization: no prior commit to anchor an
		// ancestry-path walk on, so the entire working epoch is new.
		all, err := gitrepo.AllCommits(repo, tip)
		if err != nil {
			return nil, cursor, err
		}
		for _, h := range all {
			refs = append(refs, CommitRef{Epoch: working, Commit: h.String()})
		}
	} else {
		sinceHash := plumbing.NewHash(cursor.Last)
		if !gitrepo.CommitExists(repo, sinceHash) {
			recovered, err := gitrepo.RecoverAfterRebase(repo, tip, &gitrepo.DeliveryInfo{
				Last:       cursor.Last,
				Subject:    cursor.Subject,
				MsgID:      cursor.MsgID,
				CommitDate: cursor.CommitDate,
			})
			if err != nil {
				return nil, cursor, err
			}
			sinceHash = recovered
		}

		hashes, err := gitrepo.AncestryPath(repo, sinceHash, tip)
		if err != nil {
			return nil, cursor, err
		}
		for _, h := range hashes {
			refs = append(refs, CommitRef{Epoch: working, Commit: h.String()})
		}
	}

	if rolledOverEpoch > working {
		rolledRepo, err := b.openEpoch(rolledOverEpoch)
		if err != nil {
			return nil, cursor, err
		}
		rolledBranch, err := gitrepo.DefaultBranch(rolledRepo)
		if err != nil {
			return nil, cursor, err
		}
		rolledTip, err := gitrepo.TopCommit(rolledRepo, rolledBranch)
		if err != nil {
			return nil, cursor, err
		}
		all, err := gitrepo.AllCommits(rolledRepo, rolledTip)
		if err != nil {
			return nil, cursor, err
		}
		for _, h := range all {
			refs = append(refs, CommitRef{Epoch: rolledOverEpoch, Commit: h.String()})
		}
	}

	return refs, cursor, nil
}

func epochKey(n int) string { return strconv.Itoa(n) }
