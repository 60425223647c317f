package gitrepo

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"korgalore/internal/korgaerr"
)

// CloneEpoch mirrors a remote epoch into localPath as a bare, shallow
// (depth 1) clone, mirroring `git clone --mirror --depth=1`.
func CloneEpoch(ctx context.Context, remoteURL, localPath string) (*git.Repository, error) {
	repo, err := git.PlainCloneContext(ctx, localPath, true, &git.CloneOptions{
		URL:        remoteURL,
		Depth:      1,
		Mirror:     true,
		Tags:       git.NoTags,
		NoCheckout: true,
	})
	if err != nil {
		return nil, korgaerr.NewGit(fmt.Sprintf("clone %s into %s", remoteURL, localPath), err)
	}
	return repo, nil
}

// OpenEpoch opens an already-cloned epoch's bare repository.
func OpenEpoch(localPath string) (*git.Repository, error) {
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return nil, korgaerr.NewGit(fmt.Sprintf("open epoch at %s", localPath), err)
	}
	return repo, nil
}

// FetchEpoch runs `remote update origin --prune` equivalent: fetch every
// ref from origin, pruning stale remote-tracking refs.
func FetchEpoch(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Prune:      true,
		Tags:       git.NoTags,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return korgaerr.NewGit("fetch origin", err)
	}
	return nil
}

// DefaultBranch resolves the repository's default branch name: HEAD's
// symbolic target if set, else the sole branch if there's exactly one,
// else "master" as a last-resort fallback (matching the source's
// get_default_branch order of preference).
func DefaultBranch(repo *git.Repository) (string, error) {
	head, err := repo.Reference(plumbing.HEAD, false)
	if err == nil && head.Type() == plumbing.SymbolicReference {
		return head.Target().Short(), nil
	}

	refs, err := repo.Branches()
	if err != nil {
		return "", korgaerr.NewGit("list branches", err)
	}
	var names []string
	_ = refs.ForEach(func(r *plumbing.Reference) error {
		names = append(names, r.Name().Short())
		return nil
	})
	if len(names) == 1 {
		return names[0], nil
	}
	for _, n := range names {
		if n == "master" {
			return "master", nil
		}
	}
	return "master", nil
}

// TopCommit returns the tip commit hash of the given branch.
func TopCommit(repo *git.Repository, branch string) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return plumbing.ZeroHash, korgaerr.NewGit(fmt.Sprintf("resolve branch %s", branch), err)
	}
	return ref.Hash(), nil
}

// CommitExists reports whether hash resolves to a commit object in repo,
// mirroring `git cat-file -e <hash>^{commit}`.
func CommitExists(repo *git.Repository, hash plumbing.Hash) bool {
	_, err := repo.CommitObject(hash)
	return err == nil
}

// AncestryPath reproduces `git rev-list --reverse --ancestry-path
// since..branch`: every commit reachable from branch's tip that has
// since as an ancestor, oldest first, excluding since itself.
func AncestryPath(repo *git.Repository, since, branch plumbing.Hash) ([]plumbing.Hash, error) {
	tip, err := repo.CommitObject(branch)
	if err != nil {
		return nil, korgaerr.NewGit(fmt.Sprintf("resolve commit %s", branch), err)
	}
	sinceCommit, err := repo.CommitObject(since)
	if err != nil {
		return nil, korgaerr.NewGit(fmt.Sprintf("resolve commit %s", since), err)
	}

	var path []plumbing.Hash
	visited := map[plumbing.Hash]bool{}
	var walk func(c *object.Commit) error
	walk = func(c *object.Commit) error {
		if visited[c.Hash] {
			return nil
		}
		visited[c.Hash] = true
		if c.Hash == sinceCommit.Hash {
			return nil
		}
		isDescendant, err := sinceCommit.IsAncestor(c)
		if err != nil {
			return err
		}
		if !isDescendant {
			return nil
		}
		path = append(path, c.Hash)
		return c.Parents().ForEach(walk)
	}
	if err := walk(tip); err != nil {
		return nil, korgaerr.NewGit("walk ancestry path", err)
	}

	// walk collected from tip backward; reverse to oldest-first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// AllCommits returns every commit reachable from branch's tip, reverse
// (oldest-first) chronological order, mirroring
// `git rev-list --reverse <branch>`.
func AllCommits(repo *git.Repository, branch plumbing.Hash) ([]plumbing.Hash, error) {
	iter, err := repo.Log(&git.LogOptions{From: branch, Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, korgaerr.NewGit("walk all commits", err)
	}
	defer iter.Close()

	var hashes []plumbing.Hash
	if err := iter.ForEach(func(c *object.Commit) error {
		hashes = append(hashes, c.Hash)
		return nil
	}); err != nil {
		return nil, korgaerr.NewGit("iterate commits", err)
	}
	for i, j := 0, len(hashes)-1; i < j; i, j = i+1, j-1 {
		hashes[i], hashes[j] = hashes[j], hashes[i]
	}
	return hashes, nil
}

// MessageAtCommit reads the "m" blob (the raw RFC 2822 message) from the
// commit's tree. A missing "m" path mirrors the source's retcode-128
// case and is reported as a *korgaerr.State error so callers can treat it
// as "message removed/unavailable" rather than a hard git failure.
func MessageAtCommit(repo *git.Repository, hash plumbing.Hash) ([]byte, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, korgaerr.NewGit(fmt.Sprintf("resolve commit %s", hash), err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, korgaerr.NewGit(fmt.Sprintf("tree for commit %s", hash), err)
	}
	entry, err := tree.File("m")
	if err != nil {
		return nil, korgaerr.NewState(fmt.Sprintf("message blob missing at commit %s", hash), err)
	}
	r, err := entry.Reader()
	if err != nil {
		return nil, korgaerr.NewGit(fmt.Sprintf("open blob at commit %s", hash), err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, korgaerr.NewGit(fmt.Sprintf("read blob at commit %s", hash), err)
	}
	return data, nil
}

// CommitMeta is the subset of commit metadata used for rebase recovery
// matching.
type CommitMeta struct {
	Hash    plumbing.Hash
	Subject string
	MsgID   string
	When    string
}

// RecoverAfterRebase reproduces the source's recover_after_rebase: given
// the legacy DeliveryInfo's recorded commit date, subject and msgid, list
// commits on branch since that date and find the one whose subject and
// msgid both match, falling back to the first commit since that date, and
// finally to branch's own tip if nothing since that date exists at all.
func RecoverAfterRebase(repo *git.Repository, branch plumbing.Hash, info *DeliveryInfo) (plumbing.Hash, error) {
	since, err := time.Parse(CommitDateLayout, info.CommitDate)
	if err != nil {
		return plumbing.ZeroHash, korgaerr.NewState("parse legacy commit_date", err)
	}

	all, err := AllCommits(repo, branch)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var sinceCandidates []plumbing.Hash
	for _, h := range all {
		c, err := repo.CommitObject(h)
		if err != nil {
			continue
		}
		if !c.Committer.When.Before(since) {
			sinceCandidates = append(sinceCandidates, h)
		}
	}
	if len(sinceCandidates) == 0 {
		tip, err := repo.CommitObject(branch)
		if err != nil {
			return plumbing.ZeroHash, korgaerr.NewGit("resolve branch tip", err)
		}
		return tip.Hash, nil
	}

	for _, h := range sinceCandidates {
		c, err := repo.CommitObject(h)
		if err != nil {
			continue
		}
		subject := firstLine(c.Message)
		msgid := extractMessageIDFromCommit(c.Message)
		if subject == info.Subject && (info.MsgID == "" || msgid == info.MsgID) {
			return h, nil
		}
	}

	return sinceCandidates[0], nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func extractMessageIDFromCommit(msg string) string {
	for _, line := range strings.Split(msg, "\n") {
		if strings.HasPrefix(line, "Message-Id:") || strings.HasPrefix(line, "Message-ID:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

// RemoteConfig builds a transient "origin" remote config pointing at url.
// Nothing in korgalore calls it at present.
func RemoteConfig(url string) *config.RemoteConfig {
	return &config.RemoteConfig{Name: "origin", URLs: []string{url}}
}
