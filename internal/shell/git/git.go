// Package git acquires pipeline sources: a shallow single-branch clone of
// the configured repository into a clean workspace, plus the resolved HEAD
// revision for run records and image tags.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrEmptyURL means no repository URL was configured.
	ErrEmptyURL = errors.New("repository URL is empty")

	// ErrEmptyBranch means no branch was configured.
	ErrEmptyBranch = errors.New("branch is empty")

	// ErrBranchNotFound means the remote has no such branch.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrAuthFailed means the remote rejected the provided credentials.
	ErrAuthFailed = errors.New("authentication failed")
)

// CloneError wraps a clone failure with the repository context.
type CloneError struct {
	URL    string
	Branch string
	Err    error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("clone %s@%s: %v", e.URL, e.Branch, e.Err)
}

func (e *CloneError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Cloner
// =============================================================================

// DefaultDepth is the shallow clone depth. Pipeline runs only need the tip
// of the branch.
const DefaultDepth = 1

// Options configures a clone.
type Options struct {
	// URL is the remote repository, https or ssh form.
	URL string

	// Branch is the branch to check out.
	Branch string

	// Depth limits history; zero means DefaultDepth.
	Depth int

	// Token authenticates https remotes. Empty means anonymous access.
	Token string
}

// Checkout describes an acquired source tree.
type Checkout struct {
	// Dir is the workspace directory holding the worktree.
	Dir string

	// Revision is the full hex hash of HEAD.
	Revision string
}

// Cloner acquires sources for pipeline runs.
type Cloner interface {
	Clone(ctx context.Context, dir string, opts Options) (*Checkout, error)
}

// GoGitCloner clones with go-git, no git binary required.
type GoGitCloner struct{}

// NewCloner creates a GoGitCloner.
func NewCloner() *GoGitCloner {
	return &GoGitCloner{}
}

// Clone performs a shallow single-branch clone of opts.Branch into dir.
// Any previous contents of dir are removed first so every run starts from
// a pristine workspace.
func (c *GoGitCloner) Clone(ctx context.Context, dir string, opts Options) (*Checkout, error) {
	if opts.URL == "" {
		return nil, ErrEmptyURL
	}
	if opts.Branch == "" {
		return nil, ErrEmptyBranch
	}

	if err := resetDir(dir); err != nil {
		return nil, &CloneError{URL: opts.URL, Branch: opts.Branch, Err: err}
	}

	depth := opts.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}

	cloneOpts := &gogit.CloneOptions{
		URL:           opts.URL,
		ReferenceName: plumbing.NewBranchReferenceName(opts.Branch),
		SingleBranch:  true,
		Depth:         depth,
		Tags:          gogit.NoTags,
	}
	if opts.Token != "" {
		// Token auth over https; the username is ignored by most forges.
		cloneOpts.Auth = &http.BasicAuth{Username: "token", Password: opts.Token}
	}

	repo, err := gogit.PlainCloneContext(ctx, dir, false, cloneOpts)
	if err != nil {
		return nil, &CloneError{URL: opts.URL, Branch: opts.Branch, Err: classify(err)}
	}

	head, err := repo.Head()
	if err != nil {
		return nil, &CloneError{URL: opts.URL, Branch: opts.Branch, Err: err}
	}

	return &Checkout{Dir: dir, Revision: head.Hash().String()}, nil
}

// resetDir removes dir and recreates it empty.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// classify maps go-git errors onto package sentinels where a caller can act
// on the distinction.
func classify(err error) error {
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return fmt.Errorf("%w: %v", ErrBranchNotFound, err)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	default:
		return err
	}
}

// ShortRevision returns the first 12 characters of a revision, the form
// used in image tags and log lines.
func ShortRevision(revision string) string {
	if len(revision) <= 12 {
		return revision
	}
	return revision[:12]
}

// WorkspacePath joins the workspace root with a run-scoped directory name.
func WorkspacePath(root, runID string) string {
	return filepath.Join(root, runID)
}
