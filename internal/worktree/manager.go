package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lferrors "github.com/laraforge/laraforge/internal/errors"
	"github.com/laraforge/laraforge/internal/git"
	"github.com/laraforge/laraforge/internal/logger"
	"github.com/laraforge/laraforge/internal/models"
)

// Git is the subset of git.Runner the manager needs.
type Git interface {
	CurrentBranch(ctx context.Context, path string) (string, error)
	RevParse(ctx context.Context, path, ref string) (string, error)
	BranchExists(ctx context.Context, path, branch string) (bool, error)
	DefaultBranch(ctx context.Context, path string) string
	WorktreeAdd(ctx context.Context, repo, path, branch, base string, newBranch bool) error
	WorktreeRemove(ctx context.Context, repo, path string, force bool) error
	WorktreePrune(ctx context.Context, repo string) error
	WorktreeList(ctx context.Context, repo string) ([]git.WorktreeInfo, error)
	Checkout(ctx context.Context, path, branch string) error
	Merge(ctx context.Context, path, branch, message string) (git.Output, error)
	MergeAbort(ctx context.Context, path string) error
	IsMergeInProgress(ctx context.Context, path string) (bool, error)
	Status(ctx context.Context, path string) ([]git.StatusEntry, error)
	CommitsAhead(ctx context.Context, path, base, head string) (int, error)
	Log(ctx context.Context, path, revRange string) ([]git.CommitInfo, error)
	DiffNameOnly(ctx context.Context, path, base, head string) ([]string, error)
}

// EventRecorder receives lifecycle events. Recording failures are logged
// and never fail the operation.
type EventRecorder interface {
	Record(ctx context.Context, e models.LifecycleEvent) error
}

// MessageWriter composes merge commit messages.
type MessageWriter interface {
	MergeMessage(ctx context.Context, s *models.WorktreeSession, target string) (string, error)
}

// Config holds the collaborators of a Manager.
type Config struct {
	// RepoDir is the main working tree of the repository.
	RepoDir string
	// WorktreesDir holds created worktrees; defaults to "<RepoDir>.worktrees".
	WorktreesDir string
	// DefaultTarget overrides the merge target when none is given.
	DefaultTarget string
	Store         Store
	Git           Git
	Now           func() time.Time
	History       EventRecorder
	Messages      MessageWriter
	Logger        *slog.Logger
}

// Manager owns worktree sessions and the git worktrees they point to.
type Manager struct {
	repoDir       string
	worktreesDir  string
	defaultTarget string
	store         Store
	git           Git
	now           func() time.Time
	history       EventRecorder
	messages      MessageWriter
	logger        *slog.Logger
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		repoDir:       filepath.Clean(cfg.RepoDir),
		worktreesDir:  cfg.WorktreesDir,
		defaultTarget: cfg.DefaultTarget,
		store:         cfg.Store,
		git:           cfg.Git,
		now:           cfg.Now,
		history:       cfg.History,
		messages:      cfg.Messages,
		logger:        logger.OrDiscard(cfg.Logger),
	}
	if m.worktreesDir == "" {
		m.worktreesDir = DefaultWorktreesDir(m.repoDir)
	}
	if m.git == nil {
		m.git = &git.Runner{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// DefaultWorktreesDir returns the sibling directory "<repo>.worktrees".
func DefaultWorktreesDir(repoDir string) string {
	return filepath.Clean(repoDir) + ".worktrees"
}

func (m *Manager) RepoDir() string      { return m.repoDir }
func (m *Manager) WorktreesDir() string { return m.worktreesDir }

// CreateSession creates a worktree and branch for featureID and agentID.
func (m *Manager) CreateSession(ctx context.Context, featureID, agentID string) (*models.WorktreeSession, error) {
	const op = lferrors.Op("worktree.CreateSession")
	if models.Slug(featureID) == "" || models.Slug(agentID) == "" {
		return nil, lferrors.E(op, lferrors.KindInvalid, "feature and agent ids must contain letters or digits")
	}
	return m.create(ctx, op, featureID, agentID)
}

// CreateNamed creates a worktree for a free-form name with no agent.
func (m *Manager) CreateNamed(ctx context.Context, name string) (*models.WorktreeSession, error) {
	const op = lferrors.Op("worktree.CreateNamed")
	if models.Slug(name) == "" {
		return nil, lferrors.E(op, lferrors.KindInvalid, fmt.Sprintf("invalid worktree name %q", name))
	}
	return m.create(ctx, op, name, "")
}

func (m *Manager) create(ctx context.Context, op lferrors.Op, featureID, agentID string) (*models.WorktreeSession, error) {
	name := models.WorktreeName(featureID, agentID)
	branch := models.WorktreeBranch(featureID, agentID)
	path, err := filepath.Abs(filepath.Join(m.worktreesDir, name))
	if err != nil {
		return nil, lferrors.E(op, lferrors.KindIO, err)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, lferrors.E(op, lferrors.KindInvalid, fmt.Sprintf("worktree path already exists: %s", path))
	}

	base, err := m.git.CurrentBranch(ctx, m.repoDir)
	if err != nil {
		return nil, lferrors.E(op, err)
	}
	exists, err := m.git.BranchExists(ctx, m.repoDir, branch)
	if err != nil {
		return nil, lferrors.E(op, err)
	}
	if err := os.MkdirAll(m.worktreesDir, 0o755); err != nil {
		return nil, lferrors.E(op, lferrors.KindIO, err)
	}
	if err := m.git.WorktreeAdd(ctx, m.repoDir, path, branch, "", !exists); err != nil {
		return nil, lferrors.E(op, err)
	}

	s := models.NewWorktreeSession(featureID, agentID, path, branch, m.now())
	if base != "" && base != "HEAD" {
		s.SetMeta(models.MetaBaseBranch, models.StringValue(base))
	}
	err = m.store.Update(ctx, func(sessions Sessions) error {
		sessions[s.ID] = s
		return nil
	})
	if err != nil {
		if rmErr := m.git.WorktreeRemove(ctx, m.repoDir, path, true); rmErr != nil {
			m.logger.Warn("cannot roll back worktree", "path", path, "error", rmErr)
		}
		return nil, lferrors.E(op, "save session", err)
	}

	m.logger.Info("worktree created", "id", s.ID, "path", path, "branch", branch, "new_branch", !exists)
	m.record(ctx, s, models.EventCreated, path)
	return s, nil
}

// GetSession returns the session with id or a KindNotFound error.
func (m *Manager) GetSession(id string) (*models.WorktreeSession, error) {
	sessions, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	s, ok := sessions[id]
	if !ok {
		return nil, lferrors.SessionNotFound(lferrors.Op("worktree.GetSession"), id)
	}
	return s, nil
}

// Sessions returns every session ordered by creation time.
func (m *Manager) Sessions() ([]*models.WorktreeSession, error) {
	sessions, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]*models.WorktreeSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *models.WorktreeSession) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ActiveSessions returns sessions that are active or paused.
func (m *Manager) ActiveSessions() ([]*models.WorktreeSession, error) {
	all, err := m.Sessions()
	if err != nil {
		return nil, err
	}
	var out []*models.WorktreeSession
	for _, s := range all {
		if s.Status.Live() {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListWorktrees returns git's own worktree list. Errors yield an empty list.
func (m *Manager) ListWorktrees(ctx context.Context) []git.WorktreeInfo {
	list, err := m.git.WorktreeList(ctx, m.repoDir)
	if err != nil {
		m.logger.Warn("cannot list worktrees", "repo", m.repoDir, "error", err)
		return []git.WorktreeInfo{}
	}
	return list
}

// mutate applies fn to session id under the store lock.
func (m *Manager) mutate(ctx context.Context, op lferrors.Op, id string, fn func(s *models.WorktreeSession) error) (*models.WorktreeSession, error) {
	var out *models.WorktreeSession
	err := m.store.Update(ctx, func(sessions Sessions) error {
		s, ok := sessions[id]
		if !ok {
			return lferrors.SessionNotFound(op, id)
		}
		if err := fn(s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) transition(ctx context.Context, op lferrors.Op, id string, to models.WorktreeStatus, event string) (*models.WorktreeSession, error) {
	s, err := m.mutate(ctx, op, id, func(s *models.WorktreeSession) error {
		if err := s.SetStatus(to, m.now()); err != nil {
			return lferrors.E(op, lferrors.KindInvalid, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("worktree session "+event, "id", id)
	m.record(ctx, s, event, "")
	return s, nil
}

// CompleteSession marks the session completed.
func (m *Manager) CompleteSession(ctx context.Context, id string) (*models.WorktreeSession, error) {
	return m.transition(ctx, lferrors.Op("worktree.CompleteSession"), id, models.WorktreeCompleted, models.EventCompleted)
}

func (m *Manager) PauseSession(ctx context.Context, id string) (*models.WorktreeSession, error) {
	return m.transition(ctx, lferrors.Op("worktree.PauseSession"), id, models.WorktreePaused, models.EventPaused)
}

// ResumeSession reactivates a paused or completed session.
func (m *Manager) ResumeSession(ctx context.Context, id string) (*models.WorktreeSession, error) {
	return m.transition(ctx, lferrors.Op("worktree.ResumeSession"), id, models.WorktreeActive, models.EventResumed)
}

// AbandonSession marks the session abandoned. The worktree stays on disk
// until Cleanup or RemoveSession.
func (m *Manager) AbandonSession(ctx context.Context, id string) (*models.WorktreeSession, error) {
	return m.transition(ctx, lferrors.Op("worktree.AbandonSession"), id, models.WorktreeAbandoned, models.EventAbandoned)
}

// RemoveSession deletes the worktree and the session record. Live
// sessions require force.
func (m *Manager) RemoveSession(ctx context.Context, id string, force bool) error {
	const op = lferrors.Op("worktree.RemoveSession")
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if s.Status.Live() && !force {
		return lferrors.E(op, lferrors.KindInvalid,
			fmt.Sprintf("session %s is %s; complete or abandon it first, or force removal", id, s.Status))
	}
	if err := m.removeWorktree(ctx, s.Path, force); err != nil {
		return lferrors.E(op, err)
	}
	err = m.store.Update(ctx, func(sessions Sessions) error {
		delete(sessions, id)
		return nil
	})
	if err != nil {
		return lferrors.E(op, "save sessions", err)
	}
	m.logger.Info("worktree removed", "id", id, "path", s.Path)
	m.record(ctx, s, models.EventRemoved, s.Path)
	return nil
}

// removeWorktree removes path from git, pruning instead when the
// directory is already gone.
func (m *Manager) removeWorktree(ctx context.Context, path string, force bool) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return m.git.WorktreePrune(ctx, m.repoDir)
	}
	return m.git.WorktreeRemove(ctx, m.repoDir, path, force)
}

// Cleanup removes completed, merged and abandoned sessions whose last
// activity is older than olderThanDays, along with their worktrees.
// Failures on one session do not stop the others.
func (m *Manager) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	const op = lferrors.Op("worktree.Cleanup")
	if olderThanDays < 0 {
		return 0, lferrors.E(op, lferrors.KindInvalid, "days must not be negative")
	}
	all, err := m.Sessions()
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)

	var removed []*models.WorktreeSession
	var errs []error
	for _, s := range all {
		if s.Status.Live() || !s.LastActivityAt.Before(cutoff) {
			continue
		}
		if err := m.removeWorktree(ctx, s.Path, true); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", s.ID, err))
			continue
		}
		removed = append(removed, s)
	}
	if len(removed) > 0 {
		err := m.store.Update(ctx, func(sessions Sessions) error {
			for _, s := range removed {
				delete(sessions, s.ID)
			}
			return nil
		})
		if err != nil {
			return 0, lferrors.E(op, "save sessions", err)
		}
	}
	for _, s := range removed {
		m.logger.Info("worktree cleaned up", "id", s.ID, "status", s.Status)
		m.record(ctx, s, models.EventRemoved, "cleanup")
	}
	return len(removed), errors.Join(errs...)
}

// ResolveTarget picks the merge target: explicit, configured default,
// the session's base branch, then the repository default branch.
func (m *Manager) ResolveTarget(ctx context.Context, s *models.WorktreeSession, target string) string {
	switch {
	case target != "":
		return target
	case m.defaultTarget != "":
		return m.defaultTarget
	}
	if base := s.MetaString(models.MetaBaseBranch); base != "" {
		return base
	}
	return m.git.DefaultBranch(ctx, m.repoDir)
}

// RefreshSession imports commits and modified files from git into the
// session record.
func (m *Manager) RefreshSession(ctx context.Context, id, target string) (*models.WorktreeSession, error) {
	const op = lferrors.Op("worktree.RefreshSession")
	current, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}
	target = m.ResolveTarget(ctx, current, target)

	commits, err := m.git.Log(ctx, m.repoDir, target+".."+current.Branch)
	if err != nil {
		return nil, lferrors.E(op, err)
	}
	files, err := m.git.DiffNameOnly(ctx, m.repoDir, target, current.Branch)
	if err != nil {
		return nil, lferrors.E(op, err)
	}
	if _, statErr := os.Stat(current.Path); statErr == nil {
		entries, err := m.git.Status(ctx, current.Path)
		if err != nil {
			return nil, lferrors.E(op, err)
		}
		for _, e := range entries {
			files = append(files, e.Path)
		}
	}

	added := 0
	s, err := m.mutate(ctx, op, id, func(s *models.WorktreeSession) error {
		now := m.now()
		known := make(map[string]bool, len(s.Commits))
		for _, c := range s.Commits {
			known[c.Hash] = true
		}
		for _, c := range commits {
			if known[c.Hash] {
				continue
			}
			s.AddCommit(models.Commit{Hash: c.Hash, Message: c.Message, Timestamp: c.Timestamp}, now)
			added++
		}
		for _, f := range files {
			if slices.Contains(s.ModifiedFiles, f) {
				continue
			}
			s.AddModifiedFile(f, now)
			added++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if added > 0 {
		m.record(ctx, s, models.EventRefreshed, fmt.Sprintf("%d commits, %d files", len(s.Commits), len(s.ModifiedFiles)))
	}
	return s, nil
}

// Reconcile abandons active or paused sessions whose worktree directory
// no longer exists and returns how many were changed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	var changed []*models.WorktreeSession
	err := m.store.Update(ctx, func(sessions Sessions) error {
		for _, s := range sessions {
			if !s.Status.Live() {
				continue
			}
			if _, err := os.Stat(s.Path); !os.IsNotExist(err) {
				continue
			}
			if err := s.SetStatus(models.WorktreeAbandoned, m.now()); err != nil {
				return err
			}
			changed = append(changed, s)
		}
		return nil
	})
	if err != nil {
		return 0, lferrors.E(lferrors.Op("worktree.Reconcile"), err)
	}
	for _, s := range changed {
		m.logger.Info("worktree missing, session abandoned", "id", s.ID, "path", s.Path)
		m.record(ctx, s, models.EventAbandoned, "worktree directory missing")
	}
	return len(changed), nil
}

func (m *Manager) record(ctx context.Context, s *models.WorktreeSession, event, detail string) {
	if m.history == nil {
		return
	}
	if err := m.history.Record(ctx, models.EventFor(s, event, detail)); err != nil {
		m.logger.Warn("cannot record history", "id", s.ID, "event", event, "error", err)
	}
}
