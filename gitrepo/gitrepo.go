// Package gitrepo resolves team revision specs to commit hashes and checks
// out trees for the executor, through local mirror clones.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"go.uber.org/zap"

	"github.com/complab-ci/complab/model"
)

// ErrUnknownRevision reports a revision spec that does not resolve against
// the team's repository
var ErrUnknownRevision = errors.New("gitrepo: unknown revision")

// Resolver is the version control collaborator used by the queue and the
// scheduler
type Resolver interface {
	// Resolve maps a branch, tag or hash spec to a full commit hash
	Resolve(ctx context.Context, team *model.Team, revision string) (string, error)

	// Checkout materializes the tree at hash into dir
	Checkout(ctx context.Context, team *model.Team, hash, dir string) error
}

// GitResolver keeps one mirror clone per team under a cache directory
type GitResolver struct {
	cacheDir string
	logger   *zap.Logger

	// serializes fetches per process; mirror updates are cheap and rare
	mu sync.Mutex
}

// NewGitResolver creates a resolver caching mirrors under cacheDir
func NewGitResolver(cacheDir string, logger *zap.Logger) *GitResolver {
	return &GitResolver{cacheDir: cacheDir, logger: logger}
}

func (r *GitResolver) mirrorPath(team *model.Team) string {
	return filepath.Join(r.cacheDir, team.Name+".git")
}

func auth(team *model.Team) (transport.AuthMethod, error) {
	if team.DeployKey == "" {
		return nil, nil
	}
	keys, err := gitssh.NewPublicKeys("git", []byte(team.DeployKey), "")
	if err != nil {
		return nil, fmt.Errorf("load deploy key for %s: %w", team.Name, err)
	}
	return keys, nil
}

func (r *GitResolver) ensureMirror(ctx context.Context, team *model.Team) (*git.Repository, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.mirrorPath(team)
	am, err := auth(team)
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
			return nil, err
		}
		repo, err = git.PlainCloneContext(ctx, path, true, &git.CloneOptions{
			URL:    team.RepoURL,
			Mirror: true,
			Auth:   am,
		})
		if err != nil {
			return nil, fmt.Errorf("mirror %s: %w", team.RepoURL, err)
		}
		return repo, nil
	}
	if err != nil {
		return nil, err
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{Auth: am, Force: true})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("fetch %s: %w", team.RepoURL, err)
	}
	return repo, nil
}

// Resolve fetches the mirror and resolves the revision spec
func (r *GitResolver) Resolve(ctx context.Context, team *model.Team, revision string) (string, error) {
	repo, err := r.ensureMirror(ctx, team)
	if err != nil {
		return "", err
	}
	h, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return "", fmt.Errorf("%w: %q for team %s", ErrUnknownRevision, revision, team.Name)
	}
	return h.String(), nil
}

// Checkout clones from the local mirror and checks out the commit into dir
func (r *GitResolver) Checkout(ctx context.Context, team *model.Team, hash, dir string) error {
	if _, err := r.ensureMirror(ctx, team); err != nil {
		return err
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        r.mirrorPath(team),
		NoCheckout: true,
	})
	if err != nil {
		return fmt.Errorf("clone mirror for %s: %w", team.Name, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(hash), Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", hash, err)
	}
	return nil
}
