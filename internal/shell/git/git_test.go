package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupSourceRepo creates a local repository with one commit on master and
// returns its path and the commit hash.
func setupSourceRepo(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('ok')\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("app.py")
	require.NoError(t, err)

	hash, err := wt.Commit("initial commit", &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "pipeline",
			Email: "pipeline@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)

	return dir, hash.String()
}

func TestClone_ChecksOutBranchHead(t *testing.T) {
	src, want := setupSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "workspace")

	checkout, err := NewCloner().Clone(context.Background(), dest, Options{
		URL:    src,
		Branch: "master",
	})

	require.NoError(t, err)
	assert.Equal(t, dest, checkout.Dir)
	assert.Equal(t, want, checkout.Revision)
	assert.FileExists(t, filepath.Join(dest, "app.py"))
}

func TestClone_WipesStaleWorkspace(t *testing.T) {
	src, _ := setupSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "workspace")

	require.NoError(t, os.MkdirAll(dest, 0o755))
	stale := filepath.Join(dest, "leftover.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old run"), 0o644))

	_, err := NewCloner().Clone(context.Background(), dest, Options{
		URL:    src,
		Branch: "master",
	})

	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

func TestClone_BranchNotFound(t *testing.T) {
	src, _ := setupSourceRepo(t)
	dest := filepath.Join(t.TempDir(), "workspace")

	_, err := NewCloner().Clone(context.Background(), dest, Options{
		URL:    src,
		Branch: "release",
	})

	require.Error(t, err)
	var cloneErr *CloneError
	require.ErrorAs(t, err, &cloneErr)
	assert.Equal(t, "release", cloneErr.Branch)
}

func TestClone_EmptyURL(t *testing.T) {
	_, err := NewCloner().Clone(context.Background(), t.TempDir(), Options{Branch: "main"})
	assert.ErrorIs(t, err, ErrEmptyURL)
}

func TestClone_EmptyBranch(t *testing.T) {
	_, err := NewCloner().Clone(context.Background(), t.TempDir(), Options{URL: "https://example.com/r.git"})
	assert.ErrorIs(t, err, ErrEmptyBranch)
}

func TestShortRevision(t *testing.T) {
	assert.Equal(t, "0123456789ab", ShortRevision("0123456789abcdef0123456789abcdef01234567"))
	assert.Equal(t, "abc", ShortRevision("abc"))
}

func TestWorkspacePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/var/lib/gantry", "run-42"), WorkspacePath("/var/lib/gantry", "run-42"))
}
