package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"
)

// WorktreeStatus represents the lifecycle state of a worktree session.
type WorktreeStatus string

const (
	WorktreeActive    WorktreeStatus = "active"
	WorktreePaused    WorktreeStatus = "paused"
	WorktreeCompleted WorktreeStatus = "completed"
	WorktreeMerged    WorktreeStatus = "merged"
	WorktreeAbandoned WorktreeStatus = "abandoned"
)

// Metadata keys written by the worktree manager.
const (
	MetaBaseBranch  = "base_branch"
	MetaMergeCommit = "merge_commit"
)

var transitions = map[WorktreeStatus][]WorktreeStatus{
	WorktreeActive:    {WorktreePaused, WorktreeCompleted, WorktreeAbandoned},
	WorktreePaused:    {WorktreeActive, WorktreeCompleted, WorktreeAbandoned},
	WorktreeCompleted: {WorktreeMerged, WorktreeAbandoned, WorktreeActive},
}

// Valid reports whether s is a known status.
func (s WorktreeStatus) Valid() bool {
	switch s {
	case WorktreeActive, WorktreePaused, WorktreeCompleted, WorktreeMerged, WorktreeAbandoned:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s WorktreeStatus) Terminal() bool {
	return s == WorktreeMerged || s == WorktreeAbandoned
}

// Live reports whether the worktree is still being worked on.
func (s WorktreeStatus) Live() bool {
	return s == WorktreeActive || s == WorktreePaused
}

// ValidTransition reports whether a session may move from one status to another.
func ValidTransition(from, to WorktreeStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Commit is one commit recorded against a worktree session.
type Commit struct {
	Hash      string
	Message   string
	Timestamp time.Time
}

// WorktreeSession binds a feature and agent to a git worktree and branch.
type WorktreeSession struct {
	ID             string
	Path           string
	Branch         string
	FeatureID      string
	AgentID        string
	Status         WorktreeStatus
	ModifiedFiles  []string
	Commits        []Commit
	Metadata       map[string]MetaValue
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// NewWorktreeSession returns an active session stamped with now.
func NewWorktreeSession(featureID, agentID, path, branch string, now time.Time) *WorktreeSession {
	now = now.UTC()
	return &WorktreeSession{
		ID:             WorktreeSessionID(featureID, agentID, now),
		Path:           path,
		Branch:         branch,
		FeatureID:      featureID,
		AgentID:        agentID,
		Status:         WorktreeActive,
		ModifiedFiles:  []string{},
		Commits:        []Commit{},
		Metadata:       map[string]MetaValue{},
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// WorktreeSessionID derives "{feature}-{agent}-{hash8}" from the inputs.
func WorktreeSessionID(featureID, agentID string, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(featureID + "\x00" + agentID + "\x00" + createdAt.UTC().Format(time.RFC3339Nano)))
	return fmt.Sprintf("%s-%s", WorktreeName(featureID, agentID), hex.EncodeToString(sum[:])[:8])
}

// WorktreeName is the directory and branch suffix for a feature/agent pair.
// An empty agent yields just the feature slug.
func WorktreeName(featureID, agentID string) string {
	if a := Slug(agentID); a != "" {
		return Slug(featureID) + "-" + a
	}
	return Slug(featureID)
}

// WorktreeBranch is the branch a feature/agent pair works on.
func WorktreeBranch(featureID, agentID string) string {
	return "feature/" + WorktreeName(featureID, agentID)
}

// touch advances LastActivityAt to now, or by one nanosecond when the
// clock has not moved past the previous value.
func (s *WorktreeSession) touch(now time.Time) {
	now = now.UTC()
	if !now.After(s.LastActivityAt) {
		now = s.LastActivityAt.Add(time.Nanosecond)
	}
	s.LastActivityAt = now
}

// Touch records activity without other changes.
func (s *WorktreeSession) Touch(now time.Time) {
	s.touch(now)
}

// AddModifiedFile records path and reports whether it was new.
func (s *WorktreeSession) AddModifiedFile(path string, now time.Time) bool {
	s.touch(now)
	if slices.Contains(s.ModifiedFiles, path) {
		return false
	}
	s.ModifiedFiles = append(s.ModifiedFiles, path)
	return true
}

// AddCommit appends c unless a commit with the same hash is already recorded.
func (s *WorktreeSession) AddCommit(c Commit, now time.Time) bool {
	s.touch(now)
	for _, existing := range s.Commits {
		if existing.Hash == c.Hash {
			return false
		}
	}
	c.Timestamp = c.Timestamp.UTC()
	s.Commits = append(s.Commits, c)
	return true
}

// SetStatus moves the session to status, rejecting invalid transitions.
func (s *WorktreeSession) SetStatus(status WorktreeStatus, now time.Time) error {
	if !ValidTransition(s.Status, status) {
		return fmt.Errorf("cannot move session %s from %s to %s", s.ID, s.Status, status)
	}
	s.Status = status
	s.touch(now)
	return nil
}

// SetMeta stores a metadata value.
func (s *WorktreeSession) SetMeta(key string, v MetaValue) {
	if s.Metadata == nil {
		s.Metadata = map[string]MetaValue{}
	}
	s.Metadata[key] = v
}

// MetaString returns the string metadata value for key, if present.
func (s *WorktreeSession) MetaString(key string) string {
	v, ok := s.Metadata[key]
	if !ok {
		return ""
	}
	str, _ := v.Str()
	return str
}

// Slug lower-cases s and collapses every run of characters outside
// [a-z0-9] into a single hyphen.
func Slug(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			pendingDash = false
			continue
		}
		pendingDash = true
	}
	return b.String()
}
