// Package workspace manages the transient local clone a job works in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Ops is the git capability used by the orchestrator and stages.
type Ops interface {
	Clone(ctx context.Context, url, dest string) error
	CreateBranch(ctx context.Context, path, name, base string) error
	WriteFile(path, rel string, content []byte) error
	AppendFile(path, rel string, content []byte) error
	AddFile(ctx context.Context, path, rel string) error
	AddAll(ctx context.Context, path string) error
	Commit(ctx context.Context, path, message string) error
	Push(ctx context.Context, path, branch string, force bool) error
	ChangedFiles(ctx context.Context, path, base string) ([]string, error)
}

// Git implements Ops with go-git; no git binary is required.
type Git struct {
	AuthorName   string
	AuthorEmail  string
	CloneTimeout time.Duration
	PushTimeout  time.Duration
}

var _ Ops = (*Git)(nil)

// NewGit returns a Git with default identity and timeouts.
func NewGit() *Git {
	return &Git{
		AuthorName:   "Bug Fix Agent",
		AuthorEmail:  "agent@fixbot.local",
		CloneTimeout: 2 * time.Minute,
		PushTimeout:  time.Minute,
	}
}

// Clone clones url into dest. Credentials embedded in the URL are used for
// the transfer and kept in the remote config for later pushes.
func (g *Git) Clone(ctx context.Context, rawURL, dest string) error {
	ctx, cancel := withTimeout(ctx, g.CloneTimeout)
	defer cancel()

	clog.FromContext(ctx).Infof("Cloning %s into %s", redact(rawURL), dest)
	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:  rawURL,
		Auth: authFromURL(rawURL),
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", redact(rawURL), err)
	}
	return nil
}

// CreateBranch creates name at the tip of base and checks it out. A stale
// local branch of the same name is overwritten.
func (g *Git) CreateBranch(_ context.Context, path, name, base string) error {
	if name == "" {
		return errors.New("branch name cannot be empty")
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("opening repo: %w", err)
	}

	hash, err := resolveBase(repo, base)
	if err != nil {
		return err
	}

	refName := plumbing.NewBranchReferenceName(name)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return fmt.Errorf("setting branch reference: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: refName, Force: true}); err != nil {
		return fmt.Errorf("checking out branch %s: %w", name, err)
	}
	return nil
}

// WriteFile writes content to rel inside the workspace, creating parents.
// Symlinks cannot redirect the write outside the workspace.
func (g *Git) WriteFile(path, rel string, content []byte) error {
	r, name, err := openRoot(path, rel)
	if err != nil {
		return err
	}
	defer r.Close()
	if dir := filepath.Dir(name); dir != "." {
		if err := r.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}
	}
	return r.WriteFile(name, content, 0o644)
}

// AppendFile appends content to rel, creating it when missing.
func (g *Git) AppendFile(path, rel string, content []byte) error {
	r, name, err := openRoot(path, rel)
	if err != nil {
		return err
	}
	defer r.Close()
	if dir := filepath.Dir(name); dir != "." {
		if err := r.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}
	}
	f, err := r.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// AddFile stages a single file.
func (g *Git) AddFile(_ context.Context, path, rel string) error {
	worktree, err := openWorktree(path)
	if err != nil {
		return err
	}
	if _, err := worktree.Add(filepath.ToSlash(rel)); err != nil {
		return fmt.Errorf("staging %s: %w", rel, err)
	}
	return nil
}

// AddAll stages every change in the worktree, deletions included.
func (g *Git) AddAll(_ context.Context, path string) error {
	worktree, err := openWorktree(path)
	if err != nil {
		return err
	}
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("staging all changes: %w", err)
	}
	return nil
}

// Commit records the staged changes with the configured identity.
func (g *Git) Commit(_ context.Context, path, message string) error {
	if message == "" {
		return errors.New("commit message cannot be empty")
	}
	worktree, err := openWorktree(path)
	if err != nil {
		return err
	}
	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.AuthorName,
			Email: g.AuthorEmail,
			When:  time.Now(),
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// Push pushes branch to origin.
func (g *Git) Push(ctx context.Context, path, branch string, force bool) error {
	ctx, cancel := withTimeout(ctx, g.PushTimeout)
	defer cancel()
	log := clog.FromContext(ctx)

	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("opening repo: %w", err)
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return fmt.Errorf("getting origin: %w", err)
	}
	var auth transport.AuthMethod
	if urls := remote.Config().URLs; len(urls) > 0 {
		auth = authFromURL(urls[0])
	}

	ref := plumbing.NewBranchReferenceName(branch)
	refSpec := gitconfig.RefSpec(fmt.Sprintf("%s:%s", ref, ref))
	log.Infof("Pushing %s (force=%v)", refSpec, force)

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
		Force:      force,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			log.Infof("Branch %s already up to date", branch)
			return nil
		}
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// ChangedFiles lists files that differ between base and HEAD.
func (g *Git) ChangedFiles(_ context.Context, path, base string) ([]string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repo: %w", err)
	}
	baseHash, err := resolveBase(repo, base)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	baseTree, err := commitTree(repo, baseHash)
	if err != nil {
		return nil, err
	}
	headTree, err := commitTree(repo, head.Hash())
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTree(baseTree, headTree)
	if err != nil {
		return nil, fmt.Errorf("diffing trees: %w", err)
	}

	seen := make(map[string]bool, len(changes))
	var files []string
	for _, ch := range changes {
		name := ch.To.Name
		if name == "" {
			name = ch.From.Name
		}
		if !seen[name] {
			seen[name] = true
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Join resolves rel inside root and rejects paths escaping it.
func Join(root, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return filepath.Join(root, clean), nil
}

func resolveBase(repo *git.Repository, base string) (plumbing.Hash, error) {
	if base == "" {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("resolving HEAD: %w", err)
		}
		return head.Hash(), nil
	}
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName("origin", base),
		plumbing.NewBranchReferenceName(base),
	} {
		if ref, err := repo.Reference(name, true); err == nil {
			return ref.Hash(), nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("base branch %q not found", base)
}

func commitTree(repo *git.Repository, hash plumbing.Hash) (*object.Tree, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("getting commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting tree: %w", err)
	}
	return tree, nil
}

func openWorktree(path string) (*git.Worktree, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("getting worktree: %w", err)
	}
	return worktree, nil
}

func authFromURL(raw string) transport.AuthMethod {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return nil
	}
	password, ok := u.User.Password()
	if !ok {
		return nil
	}
	return &githttp.BasicAuth{Username: u.User.Username(), Password: password}
}

// redact strips credentials from a URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
