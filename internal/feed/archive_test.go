package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/stretchr/testify/require"

	"korgalore/internal/gitrepo"
)

// buildFixtureFeed lays out a feed directory with one epoch (git/0.git)
// containing n commits on "master", mirroring what a cloned public-inbox
// epoch looks like on disk.
func buildFixtureFeed(t *testing.T, n int) (string, []plumbing.Hash) {
	t.Helper()
	feedDir := t.TempDir()
	hashes := buildFixtureEpoch(t, feedDir, 0, n, 0)
	return feedDir, hashes
}

// buildFixtureEpoch lays out one epoch (git/<epoch>.git) of n commits on
// "master" inside an existing feed directory, with message/commit-date
// numbering offset by idOffset so hashes built across multiple epochs in
// the same feed don't collide on Message-Id.
func buildFixtureEpoch(t *testing.T, feedDir string, epoch, n, idOffset int) []plumbing.Hash {
	t.Helper()
	epochDir := gitrepo.EpochPath(feedDir, epoch)

	fs := osfs.New(epochDir)
	storer := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
	_, err := git.Init(storer, nil)
	require.NoError(t, err)

	var hashes []plumbing.Hash
	var parent plumbing.Hash
	for i := 0; i < n; i++ {
		id := idOffset + i
		body := []byte(fmt.Sprintf("Subject: msg %d\r\nMessage-Id: <msg-%d@example.org>\r\n\r\nbody %d\r\n", id, id, id))
		blob := storer.NewEncodedObject()
		blob.SetType(plumbing.BlobObject)
		w, err := blob.Writer()
		require.NoError(t, err)
		_, err = w.Write(body)
		require.NoError(t, err)
		w.Close()
		blobHash, err := storer.SetEncodedObject(blob)
		require.NoError(t, err)

		tree := &object.Tree{Entries: []object.TreeEntry{{Name: "m", Mode: filemode.Regular, Hash: blobHash}}}
		treeObj := storer.NewEncodedObject()
		require.NoError(t, tree.Encode(treeObj))
		treeHash, err := storer.SetEncodedObject(treeObj)
		require.NoError(t, err)

		when := time.Date(2025, 1, 1+id, 0, 0, 0, 0, time.UTC)
		sig := object.Signature{Name: "t", Email: "t@example.org", When: when}
		commit := &object.Commit{
			Author: sig, Committer: sig,
			Message:  fmt.Sprintf("msg %d\n\nMessage-Id: <msg-%d@example.org>\n", id, id),
			TreeHash: treeHash,
		}
		if i > 0 {
			commit.ParentHashes = []plumbing.Hash{parent}
		}
		commitObj := storer.NewEncodedObject()
		require.NoError(t, commit.Encode(commitObj))
		commitHash, err := storer.SetEncodedObject(commitObj)
		require.NoError(t, err)

		hashes = append(hashes, commitHash)
		parent = commitHash
	}

	require.NoError(t, storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("master"), parent)))
	require.NoError(t, storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("master"))))

	return hashes
}

func TestNewCommitsSinceFromStartReturnsAll(t *testing.T) {
	feedDir, hashes := buildFixtureFeed(t, 3)
	bf := newBaseFeed("test", feedDir)

	refs, _, err := bf.newCommitsSince(0, 0, gitrepo.EpochCursor{}, true)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	require.Equal(t, hashes[0].String(), refs[0].Commit)
	require.Equal(t, hashes[2].String(), refs[2].Commit)
}

func TestNewCommitsSinceAdvancesFromCursor(t *testing.T) {
	feedDir, hashes := buildFixtureFeed(t, 4)
	bf := newBaseFeed("test", feedDir)

	refs, _, err := bf.newCommitsSince(0, 0, gitrepo.EpochCursor{Last: hashes[1].String()}, true)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, hashes[2].String(), refs[0].Commit)
	require.Equal(t, hashes[3].String(), refs[1].Commit)
}

func TestNewCommitsSinceNoCursorReturnsNothing(t *testing.T) {
	feedDir, _ := buildFixtureFeed(t, 2)
	bf := newBaseFeed("test", feedDir)

	refs, _, err := bf.newCommitsSince(0, 0, gitrepo.EpochCursor{}, false)
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestMarkFailedDeliveryAnchorsOnFirstFailure(t *testing.T) {
	feedDir, hashes := buildFixtureFeed(t, 1)
	f := &archiveFeed{baseFeed: newBaseFeed("test", feedDir)}
	ref := CommitRef{Epoch: 0, Commit: hashes[0].String()}

	err := f.MarkFailedDelivery("d", ref, "msg 0", "<msg-0@example.org>", false)
	require.NoError(t, err)

	ds, err := gitrepo.LoadDeliveryState(feedDir, "d")
	require.NoError(t, err)
	cursor, ok := ds.CursorFor(0)
	require.True(t, ok)
	require.Equal(t, ref.Commit, cursor.Last)
	require.Equal(t, "msg 0", cursor.Subject)
	require.Equal(t, "<msg-0@example.org>", cursor.MsgID)

	failed, err := gitrepo.LoadFailedLedger(feedDir, "d")
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestMarkFailedDeliverySkipsAnchorOnRetry(t *testing.T) {
	feedDir, hashes := buildFixtureFeed(t, 1)
	f := &archiveFeed{baseFeed: newBaseFeed("test", feedDir)}
	ref := CommitRef{Epoch: 0, Commit: hashes[0].String()}

	err := f.MarkFailedDelivery("d", ref, "msg 0", "<msg-0@example.org>", true)
	require.NoError(t, err)

	ds, err := gitrepo.LoadDeliveryState(feedDir, "d")
	require.NoError(t, err)
	_, ok := ds.CursorFor(0)
	require.False(t, ok)
}

func TestLatestCommitsForDeliveryDrainsPreviousEpochAfterRollover(t *testing.T) {
	feedDir := t.TempDir()
	epoch0Hashes := buildFixtureEpoch(t, feedDir, 0, 3, 0)
	epoch1Hashes := buildFixtureEpoch(t, feedDir, 1, 2, 100)

	f := &archiveFeed{baseFeed: newBaseFeed("test", feedDir)}
	f.workingEpochCache = 1 // manifest's highest epoch just advanced to 1.

	ds := gitrepo.DeliveryState{}
	ds.SetCursor(0, gitrepo.EpochCursor{Last: epoch0Hashes[0].String()})
	require.NoError(t, gitrepo.SaveDeliveryState(feedDir, "d", ds))

	refs, err := f.LatestCommitsForDelivery(context.Background(), "d")
	require.NoError(t, err)

	// The remaining two epoch-0 commits drain first, then all of epoch 1.
	require.Len(t, refs, 4)
	require.Equal(t, CommitRef{Epoch: 0, Commit: epoch0Hashes[1].String()}, refs[0])
	require.Equal(t, CommitRef{Epoch: 0, Commit: epoch0Hashes[2].String()}, refs[1])
	require.Equal(t, CommitRef{Epoch: 1, Commit: epoch1Hashes[0].String()}, refs[2])
	require.Equal(t, CommitRef{Epoch: 1, Commit: epoch1Hashes[1].String()}, refs[3])
}

func TestMarkFailedDeliverySkipsAnchorWithoutMessage(t *testing.T) {
	feedDir, hashes := buildFixtureFeed(t, 1)
	f := &archiveFeed{baseFeed: newBaseFeed("test", feedDir)}
	ref := CommitRef{Epoch: 0, Commit: hashes[0].String()}

	err := f.MarkFailedDelivery("d", ref, "", "", false)
	require.NoError(t, err)

	ds, err := gitrepo.LoadDeliveryState(feedDir, "d")
	require.NoError(t, err)
	_, ok := ds.CursorFor(0)
	require.False(t, ok)
}
