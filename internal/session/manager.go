package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	lferrors "github.com/laraforge/laraforge/internal/errors"
	"github.com/laraforge/laraforge/internal/logger"
	"github.com/laraforge/laraforge/internal/models"
	"github.com/laraforge/laraforge/internal/procs"
)

// DefaultStaleAfter is how long a session may go without activity before
// it is considered abandoned.
const DefaultStaleAfter = 5 * time.Minute

// UnknownBranch is recorded when the current branch cannot be read.
const UnknownBranch = "unknown"

// ConflictSuggestion is the advice attached to every SessionConflict.
const ConflictSuggestion = "Create a worktree or switch branches to avoid collisions"

// BranchReader reads the branch checked out in a directory.
type BranchReader interface {
	CurrentBranch(ctx context.Context, path string) (string, error)
}

// WorktreeCreator materializes a named worktree for the current process.
type WorktreeCreator interface {
	CreateNamed(ctx context.Context, name string) (*models.WorktreeSession, error)
}

// Config holds the collaborators of a Manager. Zero fields get defaults.
type Config struct {
	Store      Store
	Git        BranchReader
	WorkDir    string
	Identity   procs.Identity
	Now        func() time.Time
	Alive      procs.Prober
	StaleAfter time.Duration
	Worktrees  WorktreeCreator
	Logger     *slog.Logger
}

// Manager represents the running process in the shared session map.
type Manager struct {
	store      Store
	git        BranchReader
	workDir    string
	worktree   string
	identity   procs.Identity
	now        func() time.Time
	alive      procs.Prober
	staleAfter time.Duration
	worktrees  WorktreeCreator
	logger     *slog.Logger
	id         string
}

// NewManager builds a Manager. The session id is fixed at this point.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:      cfg.Store,
		git:        cfg.Git,
		workDir:    cfg.WorkDir,
		identity:   cfg.Identity,
		now:        cfg.Now,
		alive:      cfg.Alive,
		staleAfter: cfg.StaleAfter,
		worktrees:  cfg.Worktrees,
		logger:     logger.OrDiscard(cfg.Logger),
	}
	if m.identity == (procs.Identity{}) {
		m.identity = procs.Current()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.alive == nil {
		m.alive = procs.Alive
	}
	if m.staleAfter <= 0 {
		m.staleAfter = DefaultStaleAfter
	}
	m.id = SessionID(m.identity, m.now())
	return m
}

// SessionID formats "<hostname>-<YYYYMMDDHHmmss>-<pid>".
func SessionID(id procs.Identity, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", id.Hostname, at.Format("20060102150405"), id.PID)
}

// CurrentSessionID returns this process's session id.
func (m *Manager) CurrentSessionID() string {
	return m.id
}

// WorkDir is the directory git is read from. CreateWorktree moves it.
func (m *Manager) WorkDir() string {
	return m.workDir
}

// IsGitInitialized reports whether the working directory has a .git entry.
func (m *Manager) IsGitInitialized() bool {
	_, err := os.Stat(filepath.Join(m.workDir, ".git"))
	return err == nil
}

// currentBranch falls back to UnknownBranch when git cannot answer.
func (m *Manager) currentBranch(ctx context.Context) string {
	if m.git == nil {
		return UnknownBranch
	}
	branch, err := m.git.CurrentBranch(ctx, m.workDir)
	if err != nil || branch == "" {
		m.logger.Debug("cannot read current branch", "dir", m.workDir, "error", err)
		return UnknownBranch
	}
	return branch
}

// worktreePath returns the linked worktree this process runs in, if any.
// A linked worktree has a .git file rather than a directory.
func (m *Manager) worktreePath() *string {
	if m.worktree != "" {
		p := m.worktree
		return &p
	}
	fi, err := os.Stat(filepath.Join(m.workDir, ".git"))
	if err != nil || fi.IsDir() {
		return nil
	}
	p := m.workDir
	return &p
}

// sameOwner matches records from this host and pid other than our own.
func (m *Manager) sameOwner(id string, s *models.ProcessSession) bool {
	return id != m.id && s.Hostname == m.identity.Hostname && s.PID == m.identity.PID
}

// mine matches this process's record and earlier records of the same owner.
func (m *Manager) mine(id string, s *models.ProcessSession) bool {
	return id == m.id || m.sameOwner(id, s)
}

// own finds this process's record, preferring the exact id.
func (m *Manager) own(sessions Sessions) (*models.ProcessSession, bool) {
	if s, ok := sessions[m.id]; ok {
		return s, true
	}
	for _, id := range sortedIDs(sessions) {
		if m.sameOwner(id, sessions[id]) {
			return sessions[id], true
		}
	}
	return nil, false
}

// StartSession records this process as working on the current branch.
// Records left by an earlier invocation with the same host and pid are
// replaced.
func (m *Manager) StartSession(ctx context.Context, workflowType, workflowName string) (*models.ProcessSession, error) {
	branch := m.currentBranch(ctx)
	now := m.now().UTC()

	var out models.ProcessSession
	err := m.store.Update(ctx, func(sessions Sessions) error {
		for id, s := range sessions {
			if m.sameOwner(id, s) {
				delete(sessions, id)
			}
		}
		rec, ok := sessions[m.id]
		if !ok {
			rec = &models.ProcessSession{ID: m.id, StartedAt: now}
			sessions[m.id] = rec
		}
		rec.Branch = branch
		rec.Worktree = m.worktreePath()
		if workflowType != "" {
			rec.WorkflowType = workflowType
		}
		if workflowName != "" {
			rec.WorkflowName = workflowName
		}
		rec.LastActivity = now
		rec.PID = m.identity.PID
		rec.Hostname = m.identity.Hostname
		out = *rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	m.logger.Debug("session started", "id", m.id, "branch", branch)
	return &out, nil
}

// Session returns this process's own record.
func (m *Manager) Session() (*models.ProcessSession, error) {
	sessions, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	s, ok := m.own(sessions)
	if !ok {
		return nil, lferrors.SessionNotFound(lferrors.Op("session.Session"), m.id)
	}
	return s, nil
}

// Touch refreshes this process's last activity and re-reads its branch,
// so a claim made before the owner switched branches does not linger.
func (m *Manager) Touch(ctx context.Context) error {
	branch := m.currentBranch(ctx)
	now := m.now().UTC()
	return m.store.Update(ctx, func(sessions Sessions) error {
		s, ok := m.own(sessions)
		if !ok {
			return lferrors.SessionNotFound(lferrors.Op("session.Touch"), m.id)
		}
		if s.Branch != branch {
			m.logger.Debug("session branch changed", "id", s.ID, "from", s.Branch, "to", branch)
		}
		s.Branch = branch
		s.Worktree = m.worktreePath()
		s.LastActivity = now
		return nil
	})
}

// ActiveSessions returns the sessions of other processes, ordered by id.
func (m *Manager) ActiveSessions() ([]*models.ProcessSession, error) {
	sessions, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	var out []*models.ProcessSession
	for _, id := range sortedIDs(sessions) {
		if m.mine(id, sessions[id]) {
			continue
		}
		out = append(out, sessions[id])
	}
	return out, nil
}

// IsStale reports whether s belongs to a dead process or has been idle
// longer than the staleness threshold. Pids are only probed for
// sessions recorded on this host.
func (m *Manager) IsStale(s *models.ProcessSession) bool {
	if s.Hostname == "" || s.Hostname == m.identity.Hostname {
		if !m.alive(s.PID) {
			return true
		}
	}
	return m.now().Sub(s.LastActivity) > m.staleAfter
}

// DetectConflict returns the first other live session on this process's
// branch, or nil.
func (m *Manager) DetectConflict(ctx context.Context) (*models.SessionConflict, error) {
	branch := m.currentBranch(ctx)
	if branch == UnknownBranch {
		return nil, nil
	}
	sessions, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	for _, id := range sortedIDs(sessions) {
		other := sessions[id]
		if m.mine(id, other) {
			continue
		}
		if other.Branch != branch || m.IsStale(other) {
			continue
		}
		return &models.SessionConflict{
			ConflictingSession: other,
			Message:            fmt.Sprintf("%s is already working on branch %s", other.Describe(), branch),
			Suggestion:         ConflictSuggestion,
		}, nil
	}
	return nil, nil
}

// CleanupStaleSessions removes stale records other than this process's
// own and returns how many were removed.
func (m *Manager) CleanupStaleSessions(ctx context.Context) (int, error) {
	removed := 0
	err := m.store.Update(ctx, func(sessions Sessions) error {
		for id, s := range sessions {
			if id == m.id || !m.IsStale(s) {
				continue
			}
			m.logger.Debug("reaping stale session", "id", id, "pid", s.PID)
			delete(sessions, id)
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup stale sessions: %w", err)
	}
	return removed, nil
}

// EndSession removes this process's record, along with any other record
// from the same host and pid.
func (m *Manager) EndSession(ctx context.Context) error {
	err := m.store.Update(ctx, func(sessions Sessions) error {
		for id, s := range sessions {
			if id == m.id || m.sameOwner(id, s) {
				delete(sessions, id)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// SuggestWorktreeName slugifies workflowName, falling back to a
// timestamped "session-" name.
func (m *Manager) SuggestWorktreeName(workflowName string) string {
	if slug := models.Slug(workflowName); slug != "" {
		return slug
	}
	return "session-" + m.now().Format("20060102-150405")
}

// CreateWorktree creates a worktree named name and moves this process
// into it. It returns the worktree's absolute path.
func (m *Manager) CreateWorktree(ctx context.Context, name string) (string, error) {
	if m.worktrees == nil {
		return "", lferrors.E(lferrors.Op("session.CreateWorktree"), lferrors.KindInvalid, "no worktree manager configured")
	}
	wt, err := m.worktrees.CreateNamed(ctx, name)
	if err != nil {
		return "", err
	}
	path, err := filepath.Abs(wt.Path)
	if err != nil {
		return "", fmt.Errorf("resolve worktree path: %w", err)
	}

	m.workDir = path
	m.worktree = path
	now := m.now().UTC()
	err = m.store.Update(ctx, func(sessions Sessions) error {
		rec, ok := sessions[m.id]
		if !ok {
			rec = &models.ProcessSession{ID: m.id, StartedAt: now, PID: m.identity.PID, Hostname: m.identity.Hostname}
			sessions[m.id] = rec
		}
		rec.Branch = wt.Branch
		rec.Worktree = &path
		rec.LastActivity = now
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("record worktree on session: %w", err)
	}
	m.logger.Info("session moved to worktree", "id", m.id, "path", path, "branch", wt.Branch)
	return path, nil
}

func sortedIDs(sessions Sessions) []string {
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
