package worktree

import (
	"context"
	"fmt"
	"strings"

	lferrors "github.com/laraforge/laraforge/internal/errors"
	"github.com/laraforge/laraforge/internal/git"
	"github.com/laraforge/laraforge/internal/models"
)

// MergeSession merges the session's branch into target from the main
// working tree. Git failures and conflicts are reported in the result;
// the returned error covers missing sessions, timeouts and persistence.
// On conflict the merge is aborted and the session status is unchanged.
func (m *Manager) MergeSession(ctx context.Context, id, target string) (*models.MergeResult, error) {
	const op = lferrors.Op("worktree.MergeSession")
	s, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, lferrors.E(op, lferrors.KindInvalid, fmt.Sprintf("session %s is already %s", id, s.Status))
	}
	target = m.ResolveTarget(ctx, s, target)

	if ok, err := m.git.BranchExists(ctx, m.repoDir, target); err != nil {
		return m.mergeError(op, target, err)
	} else if !ok {
		return models.MergeFailed(target, fmt.Sprintf("target branch %s does not exist", target)), nil
	}
	if busy, err := m.git.IsMergeInProgress(ctx, m.repoDir); err != nil {
		return m.mergeError(op, target, err)
	} else if busy {
		return models.MergeFailed(target, "a merge is already in progress in "+m.repoDir), nil
	}

	ahead, err := m.git.CommitsAhead(ctx, m.repoDir, target, s.Branch)
	if err != nil {
		return m.mergeError(op, target, err)
	}
	if ahead == 0 {
		note := fmt.Sprintf("%s has no commits ahead of %s; nothing to merge", s.Branch, target)
		m.record(ctx, s, models.EventMergeNoop, target)
		return models.MergeNoop(target, note), nil
	}

	original, _ := m.git.CurrentBranch(ctx, m.repoDir)
	if original != target {
		if err := m.git.Checkout(ctx, m.repoDir, target); err != nil {
			return m.mergeError(op, target, err)
		}
		defer m.restoreBranch(context.WithoutCancel(ctx), original)
	}

	message := m.mergeMessage(ctx, s, target)
	out, mergeErr := m.git.Merge(ctx, m.repoDir, s.Branch, message)
	if mergeErr != nil {
		return m.handleMergeFailure(ctx, op, s, target, out, mergeErr)
	}

	// The merge commit exists now; record it even if ctx was cancelled.
	done := context.WithoutCancel(ctx)
	hash, err := m.git.RevParse(done, m.repoDir, "HEAD")
	if err != nil {
		return m.mergeError(op, target, err)
	}
	merged, err := m.mutate(done, op, id, func(s *models.WorktreeSession) error {
		now := m.now()
		if s.Status.Live() {
			if err := s.SetStatus(models.WorktreeCompleted, now); err != nil {
				return err
			}
		}
		s.SetMeta(models.MetaMergeCommit, models.StringValue(hash))
		return s.SetStatus(models.WorktreeMerged, now)
	})
	if err != nil {
		return nil, lferrors.E(op, fmt.Sprintf("merged %s as %s but could not save session", s.Branch, hash), err)
	}

	m.logger.Info("worktree merged", "id", id, "target", target, "commit", hash)
	m.record(done, merged, models.EventMerged, target+" "+hash)
	return models.MergeSucceeded(target, hash), nil
}

// handleMergeFailure collects conflicts, aborts any in-progress merge and
// turns the failure into a result. Cleanup runs even after ctx is
// cancelled; each git call is still bounded by the runner timeout.
func (m *Manager) handleMergeFailure(ctx context.Context, op lferrors.Op, s *models.WorktreeSession, target string, out git.Output, mergeErr error) (*models.MergeResult, error) {
	cleanup := context.WithoutCancel(ctx)
	var conflicts []models.FileConflict
	if entries, err := m.git.Status(cleanup, m.repoDir); err == nil {
		for _, e := range git.UnmergedPaths(entries) {
			conflicts = append(conflicts, models.FileConflict{FilePath: e.Path, Description: e.ConflictDescription()})
		}
	} else {
		m.logger.Warn("cannot read status after failed merge", "error", err)
	}

	if err := m.abortMerge(cleanup); err != nil {
		return nil, lferrors.E(op, "abort merge", err)
	}

	if lferrors.Is(mergeErr, lferrors.KindTimeout) {
		return nil, lferrors.E(op, mergeErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, lferrors.E(op, fmt.Sprintf("merge of %s into %s interrupted", s.Branch, target), err)
	}
	if len(conflicts) > 0 {
		m.logger.Info("merge conflicts", "id", s.ID, "target", target, "files", len(conflicts))
		m.record(ctx, s, models.EventConflicted, fmt.Sprintf("%s: %d files", target, len(conflicts)))
		return models.MergeConflicted(target, conflicts), nil
	}

	msg := strings.TrimSpace(out.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(out.Stdout)
	}
	if msg == "" {
		msg = mergeErr.Error()
	}
	return models.MergeFailed(target, msg), nil
}

// abortMerge runs git merge --abort when a merge is in progress.
func (m *Manager) abortMerge(ctx context.Context) error {
	busy, err := m.git.IsMergeInProgress(ctx, m.repoDir)
	if err != nil || !busy {
		return err
	}
	return m.git.MergeAbort(ctx, m.repoDir)
}

// mergeError maps git failures to a failed result and passes timeouts
// through as errors.
func (m *Manager) mergeError(op lferrors.Op, target string, err error) (*models.MergeResult, error) {
	if lferrors.Is(err, lferrors.KindTimeout) {
		return nil, lferrors.E(op, err)
	}
	return models.MergeFailed(target, err.Error()), nil
}

func (m *Manager) restoreBranch(ctx context.Context, branch string) {
	if branch == "" || branch == "HEAD" {
		return
	}
	if err := m.git.Checkout(ctx, m.repoDir, branch); err != nil {
		m.logger.Warn("cannot restore branch after merge", "branch", branch, "error", err)
	}
}

// DefaultMergeMessage is used when no MessageWriter is configured or it fails.
func DefaultMergeMessage(s *models.WorktreeSession, target string) string {
	msg := fmt.Sprintf("Merge branch '%s' into %s", s.Branch, target)
	if s.AgentID != "" {
		msg += fmt.Sprintf("\n\nFeature: %s\nAgent: %s", s.FeatureID, s.AgentID)
	}
	return msg
}

func (m *Manager) mergeMessage(ctx context.Context, s *models.WorktreeSession, target string) string {
	if m.messages != nil {
		msg, err := m.messages.MergeMessage(ctx, s, target)
		if err == nil && strings.TrimSpace(msg) != "" {
			return msg
		}
		m.logger.Warn("falling back to default merge message", "id", s.ID, "error", err)
	}
	return DefaultMergeMessage(s, target)
}
