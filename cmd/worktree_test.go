package cmd

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/laraforge/laraforge/internal/errors"
	"github.com/laraforge/laraforge/internal/models"
)

var testTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// initRepoEnv creates a git repository on main with one commit and points
// the command environment at it.
func initRepoEnv(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	dir, buf := testEnv(t)
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
	} {
		gitCmd(t, dir, args...)
	}
	commitFile(t, dir, "README.md", "hello\n", "initial")
	rootCache.dir, rootCache.root = "", ""
	return dir, buf
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, string(out))
}

func commitFile(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	gitCmd(t, dir, "add", name)
	gitCmd(t, dir, "commit", "-m", msg)
}

func onlySession(t *testing.T) *models.WorktreeSession {
	t.Helper()
	d, err := getDeps()
	require.NoError(t, err)
	list, err := d.worktrees.Sessions()
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestWorktreeCreateListAndMerge(t *testing.T) {
	repo, buf := initRepoEnv(t)
	ctx := context.Background()

	require.NoError(t, worktreeCreateRun(ctx, "checkout", "dev1"))
	s := onlySession(t)
	assert.Equal(t, "feature/checkout-dev1", s.Branch)
	assert.Equal(t, filepath.Join(repo+".worktrees", "checkout-dev1"), s.Path)
	assert.Contains(t, buf.String(), s.ID)

	// The guard ends the session it registered.
	d, err := getDeps()
	require.NoError(t, err)
	sessions, err := d.sessionStore.Load()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	buf.Reset()
	require.NoError(t, worktreeListRun(ctx, false))
	assert.Contains(t, buf.String(), s.ID)

	commitFile(t, s.Path, "checkout.php", "<?php\n", "add checkout")
	require.NoError(t, worktreeRefreshRun(ctx, []string{s.ID}))
	assert.Len(t, onlySession(t).Commits, 1)

	buf.Reset()
	require.NoError(t, worktreeMergeRun(ctx, []string{s.ID}))
	assert.Contains(t, buf.String(), "Merged")
	assert.Equal(t, models.WorktreeMerged, onlySession(t).Status)
	_, err = os.Stat(filepath.Join(repo, "checkout.php"))
	assert.NoError(t, err)

	buf.Reset()
	require.NoError(t, worktreeHistoryRun(ctx))
	assert.Contains(t, buf.String(), models.EventCreated)
	assert.Contains(t, buf.String(), models.EventMerged)
}

func TestWorktreeMerge_ConflictFails(t *testing.T) {
	repo, buf := initRepoEnv(t)
	ctx := context.Background()

	require.NoError(t, worktreeCreateRun(ctx, "checkout", "dev1"))
	s := onlySession(t)
	commitFile(t, s.Path, "README.md", "from worktree\n", "edit in worktree")
	commitFile(t, repo, "README.md", "from main\n", "edit on main")

	buf.Reset()
	wtSession = s.ID
	t.Cleanup(func() { wtSession = "" })
	err := worktreeMergeRun(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge conflicts in 1 file(s)")
	assert.True(t, lferrors.Is(err, lferrors.KindMergeConflict))
	assert.Contains(t, buf.String(), "README.md")
	assert.Contains(t, buf.String(), "both modified")
	assert.Equal(t, models.WorktreeActive, onlySession(t).Status)
}

func TestWorktreeStatusCommands(t *testing.T) {
	initRepoEnv(t)
	ctx := context.Background()

	require.NoError(t, worktreeCreateRun(ctx, "billing", "dev2"))
	id := onlySession(t).ID

	require.NoError(t, worktreeStatusRun(ctx, []string{id}, models.WorktreePaused))
	assert.Equal(t, models.WorktreePaused, onlySession(t).Status)
	require.NoError(t, worktreeStatusRun(ctx, []string{id}, models.WorktreeActive))
	require.NoError(t, worktreeStatusRun(ctx, []string{id}, models.WorktreeCompleted))
	assert.Equal(t, models.WorktreeCompleted, onlySession(t).Status)

	// Live sessions need --force, finished ones do not.
	require.NoError(t, worktreeRemoveRun(ctx, []string{id}))
	d, err := getDeps()
	require.NoError(t, err)
	list, err := d.worktrees.Sessions()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWorktreeRemove_ActiveNeedsForce(t *testing.T) {
	initRepoEnv(t)
	ctx := context.Background()

	require.NoError(t, worktreeCreateRun(ctx, "billing", "dev2"))
	id := onlySession(t).ID

	assert.Error(t, worktreeRemoveRun(ctx, []string{id}))

	wtForce = true
	t.Cleanup(func() { wtForce = false })
	require.NoError(t, worktreeRemoveRun(ctx, []string{id}))
}

func TestWorktreeCleanup_Nothing(t *testing.T) {
	_, buf := initRepoEnv(t)
	require.NoError(t, worktreeCleanupRun(context.Background(), 7))
	assert.Contains(t, buf.String(), "Nothing to clean up")
}

func TestWorktreeCreate_DryRun(t *testing.T) {
	repo, buf := initRepoEnv(t)
	dryRun = true
	ui.DryRun = true

	require.NoError(t, worktreeCreateRun(context.Background(), "checkout", "dev1"))
	assert.Contains(t, buf.String(), "feature/checkout-dev1")
	_, err := os.Stat(repo + ".worktrees")
	assert.True(t, os.IsNotExist(err))
}

func TestWorktreeCommands_RequireRepo(t *testing.T) {
	testEnv(t)
	err := worktreeListRun(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not inside a git repository")
}

func TestSessionIDArg(t *testing.T) {
	_, err := sessionIDArg(nil)
	assert.Error(t, err)

	id, err := sessionIDArg([]string{"checkout-dev1-abc"})
	require.NoError(t, err)
	assert.Equal(t, "checkout-dev1-abc", id)

	wtSession = "from-flag"
	t.Cleanup(func() { wtSession = "" })
	id, err = sessionIDArg(nil)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", id)
}

func TestPrintMergeResult(t *testing.T) {
	_, buf := testEnv(t)
	s := models.NewWorktreeSession("checkout", "dev1", "/w/checkout-dev1", "feature/checkout-dev1", testTime)

	require.NoError(t, printMergeResult(s, models.MergeNoop("main", "feature/checkout-dev1 has no commits ahead of main; nothing to merge")))
	assert.Contains(t, buf.String(), "nothing to merge")

	err := printMergeResult(s, models.MergeFailed("main", "branch main does not exist"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch main does not exist")
	assert.False(t, lferrors.Is(err, lferrors.KindMergeConflict))

	buf.Reset()
	err = printMergeResult(s, models.MergeConflicted("main", []models.FileConflict{{FilePath: "README.md", Description: "both modified"}}))
	require.Error(t, err)
	assert.True(t, lferrors.Is(err, lferrors.KindMergeConflict))
	assert.Equal(t, lferrors.KindMergeConflict, lferrors.GetKind(err))
	assert.Contains(t, buf.String(), "README.md")
}

func TestShortHash(t *testing.T) {
	assert.Equal(t, "0123abcd", shortHash("0123abcdef456789"))
	assert.Equal(t, "abc", shortHash("abc"))
}
