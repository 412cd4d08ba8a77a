package session_test

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laraforge/laraforge/internal/git"
	"github.com/laraforge/laraforge/internal/procs"
	"github.com/laraforge/laraforge/internal/session"
	"github.com/laraforge/laraforge/internal/worktree"
)

func initRepoOnBranch(t *testing.T, branch string) string {
	t.Helper()
	dir := t.TempDir()
	cmds := [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
		{"git", "-C", dir, "commit", "--allow-empty", "-m", "initial"},
		{"git", "-C", dir, "checkout", "-b", branch},
	}
	for _, args := range cmds {
		out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return dir
}

// Process A works on feature/x; process B in the same checkout sees the
// conflict, moves into its own worktree, and is then conflict free.
func TestConflictThenWorktree(t *testing.T) {
	ctx := context.Background()
	repo := initRepoOnBranch(t, "feature/x")
	control := t.TempDir()
	runner := git.NewRunner(0, 0, nil)
	store := session.NewYAMLStore(filepath.Join(control, "sessions.yaml"), time.Second, nil)
	alive := func(int) bool { return true }

	a := session.NewManager(session.Config{
		Store:    store,
		Git:      runner,
		WorkDir:  repo,
		Identity: procs.Identity{Hostname: "box", PID: 100},
		Alive:    alive,
	})
	_, err := a.StartSession(ctx, "feature", "x")
	require.NoError(t, err)

	wt := worktree.NewManager(worktree.Config{
		RepoDir:      repo,
		WorktreesDir: filepath.Join(t.TempDir(), "wt"),
		Store:        worktree.NewYAMLStore(filepath.Join(control, "worktrees", "sessions.yaml"), time.Second),
		Git:          runner,
	})
	b := session.NewManager(session.Config{
		Store:     store,
		Git:       runner,
		WorkDir:   repo,
		Identity:  procs.Identity{Hostname: "box", PID: 200},
		Alive:     alive,
		Worktrees: wt,
	})
	_, err = b.StartSession(ctx, "feature", "x")
	require.NoError(t, err)

	conflict, err := b.DetectConflict(ctx)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, a.CurrentSessionID(), conflict.ConflictingSession.ID)
	assert.Contains(t, conflict.Message, "is already working on branch feature/x")

	path, err := b.CreateWorktree(ctx, "feature-x-parallel")
	require.NoError(t, err)
	assert.NotEqual(t, repo, path)
	assert.DirExists(t, path)

	conflict, err = b.DetectConflict(ctx)
	require.NoError(t, err)
	assert.Nil(t, conflict)

	own, err := b.Session()
	require.NoError(t, err)
	assert.Equal(t, "feature/feature-x-parallel", own.Branch)
	assert.Equal(t, path, own.WorktreePath())

	// A still sees B as a different branch now.
	conflict, err = a.DetectConflict(ctx)
	require.NoError(t, err)
	assert.Nil(t, conflict)
}
