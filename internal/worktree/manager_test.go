package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/laraforge/laraforge/internal/errors"
	"github.com/laraforge/laraforge/internal/git"
	"github.com/laraforge/laraforge/internal/models"
)

// initTestRepo creates a git repo on main with one commit.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cmds := [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
	commitFile(t, dir, "README.md", "hello\n", "initial")
	return dir
}

func commitFile(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	full := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	gitOut(t, dir, "add", name)
	gitOut(t, dir, "commit", "-m", msg)
}

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, string(out))
	return strings.TrimSpace(string(out))
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recorder struct{ events []models.LifecycleEvent }

func (r *recorder) Record(_ context.Context, e models.LifecycleEvent) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) names() []string {
	var out []string
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

type fixedMessage string

func (f fixedMessage) MergeMessage(context.Context, *models.WorktreeSession, string) (string, error) {
	return string(f), nil
}

type harness struct {
	repo    string
	store   *YAMLStore
	clock   *clock
	history *recorder
	mgr     *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:    initTestRepo(t),
		store:   NewYAMLStore(filepath.Join(t.TempDir(), "worktrees", "sessions.yaml"), time.Second),
		clock:   &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		history: &recorder{},
	}
	h.mgr = NewManager(Config{
		RepoDir:      h.repo,
		WorktreesDir: filepath.Join(t.TempDir(), "wt"),
		Store:        h.store,
		Git:          git.NewRunner(0, 0, nil),
		Now:          h.clock.now,
		History:      h.history,
	})
	return h
}

func TestDefaultWorktreesDir(t *testing.T) {
	assert.Equal(t, "/home/dev/shop.worktrees", DefaultWorktreesDir("/home/dev/shop/"))
	m := NewManager(Config{RepoDir: "/home/dev/shop"})
	assert.Equal(t, "/home/dev/shop.worktrees", m.WorktreesDir())
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)

	assert.Equal(t, "feature/checkout-dev1", s.Branch)
	assert.Equal(t, filepath.Join(h.mgr.WorktreesDir(), "checkout-dev1"), s.Path)
	assert.Equal(t, models.WorktreeActive, s.Status)
	assert.Equal(t, "main", s.MetaString(models.MetaBaseBranch))
	assert.DirExists(t, s.Path)
	assert.Equal(t, "feature/checkout-dev1", gitOut(t, s.Path, "rev-parse", "--abbrev-ref", "HEAD"))

	got, err := h.mgr.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, []string{models.EventCreated}, h.history.names())

	list := h.mgr.ListWorktrees(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "feature/checkout-dev1", list[1].Branch)
}

func TestCreateSession_ExistingBranch(t *testing.T) {
	h := newHarness(t)
	gitOut(t, h.repo, "branch", "feature/checkout-dev1")

	s, err := h.mgr.CreateSession(context.Background(), "checkout", "dev1")
	require.NoError(t, err)
	assert.Equal(t, "feature/checkout-dev1", gitOut(t, s.Path, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestCreateSession_PathExists(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Join(h.mgr.WorktreesDir(), "checkout-dev1"), 0o755))

	_, err := h.mgr.CreateSession(context.Background(), "checkout", "dev1")
	require.Error(t, err)
	assert.True(t, lferrors.Is(err, lferrors.KindInvalid))
	assert.Contains(t, err.Error(), "already exists")
}

func TestCreateSession_GitFailureSurfacesStderr(t *testing.T) {
	h := newHarness(t)
	// The branch is already checked out in the main tree, so git refuses
	// to check it out a second time.
	gitOut(t, h.repo, "checkout", "-b", "feature/checkout-dev1")

	_, err := h.mgr.CreateSession(context.Background(), "checkout", "dev1")
	require.Error(t, err)
	assert.True(t, lferrors.Is(err, lferrors.KindGit))
	assert.Contains(t, err.Error(), "git worktree add")

	sessions, err := h.mgr.Sessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateSession_InvalidIDs(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.CreateSession(context.Background(), "checkout", "  ")
	assert.True(t, lferrors.Is(err, lferrors.KindInvalid))
	_, err = h.mgr.CreateNamed(context.Background(), "!!")
	assert.True(t, lferrors.Is(err, lferrors.KindInvalid))
}

func TestCreateNamed(t *testing.T) {
	h := newHarness(t)
	s, err := h.mgr.CreateNamed(context.Background(), "feature-x-parallel")
	require.NoError(t, err)
	assert.Equal(t, "feature/feature-x-parallel", s.Branch)
	assert.Equal(t, filepath.Join(h.mgr.WorktreesDir(), "feature-x-parallel"), s.Path)
	assert.Empty(t, s.AgentID)
}

func TestGetSession_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.GetSession("nope")
	assert.True(t, lferrors.Is(err, lferrors.KindNotFound))
}

func TestStatusTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)

	s, err = h.mgr.PauseSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreePaused, s.Status)

	active, err := h.mgr.ActiveSessions()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	s, err = h.mgr.ResumeSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeActive, s.Status)

	s, err = h.mgr.CompleteSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeCompleted, s.Status)

	active, err = h.mgr.ActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, active)

	s, err = h.mgr.AbandonSession(ctx, s.ID)
	require.NoError(t, err)
	assert.DirExists(t, s.Path, "abandon keeps the worktree for inspection")

	_, err = h.mgr.ResumeSession(ctx, s.ID)
	assert.True(t, lferrors.Is(err, lferrors.KindInvalid))

	_, err = h.mgr.CompleteSession(ctx, "missing")
	assert.True(t, lferrors.Is(err, lferrors.KindNotFound))

	assert.Equal(t, []string{
		models.EventCreated, models.EventPaused, models.EventResumed,
		models.EventCompleted, models.EventAbandoned,
	}, h.history.names())
}

func TestMergeSession_Clean(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	commitFile(t, s.Path, "app/Checkout.php", "<?php\n", "add checkout")

	_, err = h.mgr.CompleteSession(ctx, s.ID)
	require.NoError(t, err)

	res, err := h.mgr.MergeSession(ctx, s.ID, "main")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.CommitHash)
	assert.Equal(t, "main", res.TargetBranch)
	assert.Empty(t, res.Conflicts)

	assert.Equal(t, res.CommitHash, gitOut(t, h.repo, "rev-parse", "main"))
	assert.Equal(t, "<?php", gitOut(t, h.repo, "show", "main:app/Checkout.php"))
	assert.Equal(t, "Merge branch 'feature/checkout-dev1' into main", gitOut(t, h.repo, "log", "-1", "--format=%s", "main"))

	got, err := h.mgr.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeMerged, got.Status)
	assert.Equal(t, res.CommitHash, got.MetaString(models.MetaMergeCommit))
}

func TestMergeSession_DefaultsToBaseBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	commitFile(t, s.Path, "a.txt", "a\n", "add a")

	res, err := h.mgr.MergeSession(ctx, s.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "main", res.TargetBranch)

	// Merging an active session completes it on the way.
	got, err := h.mgr.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeMerged, got.Status)
}

func TestMergeSession_ConflictLeavesCleanState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	one, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	two, err := h.mgr.CreateSession(ctx, "checkout", "dev2")
	require.NoError(t, err)

	commitFile(t, one.Path, "README.md", "from dev1\n", "dev1 readme")
	commitFile(t, two.Path, "README.md", "from dev2\n", "dev2 readme")
	_, err = h.mgr.CompleteSession(ctx, two.ID)
	require.NoError(t, err)

	res, err := h.mgr.MergeSession(ctx, one.ID, "main")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = h.mgr.MergeSession(ctx, two.ID, "main")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "merge conflicts detected", res.Error)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "README.md", res.Conflicts[0].FilePath)
	assert.Equal(t, "both modified", res.Conflicts[0].Description)

	assert.Empty(t, gitOut(t, h.repo, "status", "--porcelain"))
	_, err = os.Stat(filepath.Join(h.repo, ".git", "MERGE_HEAD"))
	assert.True(t, os.IsNotExist(err))

	got, err := h.mgr.GetSession(two.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeCompleted, got.Status)
	assert.Contains(t, h.history.names(), models.EventConflicted)
}

func TestMergeSession_Noop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	before := gitOut(t, h.repo, "rev-parse", "main")

	res, err := h.mgr.MergeSession(ctx, s.ID, "main")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.CommitHash)
	assert.Contains(t, res.Note, "nothing to merge")
	assert.Equal(t, before, gitOut(t, h.repo, "rev-parse", "main"))

	got, err := h.mgr.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeActive, got.Status)
}

func TestMergeSession_MissingTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)

	res, err := h.mgr.MergeSession(ctx, s.ID, "release")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.Conflicts)
	assert.Contains(t, res.Error, "release does not exist")
}

func TestMergeSession_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.MergeSession(ctx, "missing", "main")
	assert.True(t, lferrors.Is(err, lferrors.KindNotFound))

	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	_, err = h.mgr.AbandonSession(ctx, s.ID)
	require.NoError(t, err)
	_, err = h.mgr.MergeSession(ctx, s.ID, "main")
	assert.True(t, lferrors.Is(err, lferrors.KindInvalid))
}

func TestMergeSession_RestoresMainTreeBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	commitFile(t, s.Path, "a.txt", "a\n", "add a")
	gitOut(t, h.repo, "checkout", "-b", "docs")

	res, err := h.mgr.MergeSession(ctx, s.ID, "main")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "docs", gitOut(t, h.repo, "rev-parse", "--abbrev-ref", "HEAD"))
	assert.Equal(t, res.CommitHash, gitOut(t, h.repo, "rev-parse", "main"))
}

// interruptedMerge runs the real merge, then cancels the caller's
// context as a Ctrl-C during git merge would.
type interruptedMerge struct {
	*git.Runner
	cancel context.CancelFunc
}

func (g interruptedMerge) Merge(ctx context.Context, path, branch, message string) (git.Output, error) {
	out, err := g.Runner.Merge(ctx, path, branch, message)
	g.cancel()
	return out, err
}

func TestMergeSession_CancelledMidMergeLeavesCleanState(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.mgr.git = interruptedMerge{Runner: git.NewRunner(0, 0, nil), cancel: cancel}

	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	commitFile(t, s.Path, "README.md", "from worktree\n", "edit in worktree")
	commitFile(t, h.repo, "README.md", "from main\n", "edit on main")
	gitOut(t, h.repo, "checkout", "-b", "docs")

	res, err := h.mgr.MergeSession(ctx, s.ID, "main")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "interrupted")

	_, statErr := os.Stat(filepath.Join(h.repo, ".git", "MERGE_HEAD"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, gitOut(t, h.repo, "status", "--porcelain"))
	assert.Equal(t, "docs", gitOut(t, h.repo, "rev-parse", "--abbrev-ref", "HEAD"))

	got, err := h.mgr.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeActive, got.Status)
}

func TestMergeSession_UsesMessageWriter(t *testing.T) {
	h := newHarness(t)
	h.mgr.messages = fixedMessage("Add checkout flow")
	ctx := context.Background()
	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	commitFile(t, s.Path, "a.txt", "a\n", "add a")

	res, err := h.mgr.MergeSession(ctx, s.ID, "main")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "Add checkout flow", gitOut(t, h.repo, "log", "-1", "--format=%s", "main"))
}

func TestCleanup_RespectsLiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	active, err := h.mgr.CreateSession(ctx, "a", "dev1")
	require.NoError(t, err)
	paused, err := h.mgr.CreateSession(ctx, "b", "dev1")
	require.NoError(t, err)
	completed, err := h.mgr.CreateSession(ctx, "c", "dev1")
	require.NoError(t, err)
	abandoned, err := h.mgr.CreateSession(ctx, "d", "dev1")
	require.NoError(t, err)

	_, err = h.mgr.PauseSession(ctx, paused.ID)
	require.NoError(t, err)
	_, err = h.mgr.CompleteSession(ctx, completed.ID)
	require.NoError(t, err)
	_, err = h.mgr.AbandonSession(ctx, abandoned.ID)
	require.NoError(t, err)

	removed, err := h.mgr.Cleanup(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, removed, "nothing is old enough yet")

	h.clock.advance(365 * 24 * time.Hour)
	removed, err = h.mgr.Cleanup(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := h.mgr.Sessions()
	require.NoError(t, err)
	var ids []string
	for _, s := range remaining {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{active.ID, paused.ID}, ids)
	assert.DirExists(t, active.Path)
	assert.DirExists(t, paused.Path)
	assert.NoDirExists(t, completed.Path)
	assert.NoDirExists(t, abandoned.Path)

	_, err = h.mgr.Cleanup(ctx, -1)
	assert.True(t, lferrors.Is(err, lferrors.KindInvalid))
}

func TestRemoveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)

	err = h.mgr.RemoveSession(ctx, s.ID, false)
	assert.True(t, lferrors.Is(err, lferrors.KindInvalid))
	assert.DirExists(t, s.Path)

	require.NoError(t, h.mgr.RemoveSession(ctx, s.ID, true))
	assert.NoDirExists(t, s.Path)
	_, err = h.mgr.GetSession(s.ID)
	assert.True(t, lferrors.Is(err, lferrors.KindNotFound))
	assert.Len(t, h.mgr.ListWorktrees(ctx), 1)
}

func TestRemoveSession_DirectoryAlreadyGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	_, err = h.mgr.AbandonSession(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(s.Path))

	require.NoError(t, h.mgr.RemoveSession(ctx, s.ID, false))
	assert.Len(t, h.mgr.ListWorktrees(ctx), 1)
}

func TestRefreshSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	commitFile(t, s.Path, "app/Order.php", "<?php\n", "add order")
	require.NoError(t, os.WriteFile(filepath.Join(s.Path, "README.md"), []byte("changed\n"), 0o644))

	h.clock.advance(time.Minute)
	got, err := h.mgr.RefreshSession(ctx, s.ID, "")
	require.NoError(t, err)
	require.Len(t, got.Commits, 1)
	assert.Equal(t, "add order", got.Commits[0].Message)
	assert.ElementsMatch(t, []string{"app/Order.php", "README.md"}, got.ModifiedFiles)
	assert.True(t, got.LastActivityAt.After(s.LastActivityAt))

	again, err := h.mgr.RefreshSession(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Len(t, again.Commits, 1)
	assert.Len(t, again.ModifiedFiles, 2)
	assert.Equal(t, got.LastActivityAt, again.LastActivityAt)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gone, err := h.mgr.CreateSession(ctx, "checkout", "dev1")
	require.NoError(t, err)
	kept, err := h.mgr.CreateSession(ctx, "checkout", "dev2")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(gone.Path))

	n, err := h.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.mgr.GetSession(gone.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeAbandoned, got.Status)
	got, err = h.mgr.GetSession(kept.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeActive, got.Status)

	n, err = h.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListWorktrees_FailsSoft(t *testing.T) {
	m := NewManager(Config{RepoDir: t.TempDir(), Store: NewYAMLStore(filepath.Join(t.TempDir(), "s.yaml"), 0)})
	list := m.ListWorktrees(context.Background())
	assert.NotNil(t, list)
	assert.Empty(t, list)
}
