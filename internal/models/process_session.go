package models

import (
	"fmt"
	"time"
)

// ProcessSession records which branch one running laraforge process claims.
type ProcessSession struct {
	ID           string    `yaml:"-" json:"id"`
	Branch       string    `yaml:"branch" json:"branch"`
	Worktree     *string   `yaml:"worktree" json:"worktree"`
	WorkflowType string    `yaml:"workflow_type" json:"workflow_type"`
	WorkflowName string    `yaml:"workflow_name" json:"workflow_name"`
	StartedAt    time.Time `yaml:"started_at" json:"started_at"`
	LastActivity time.Time `yaml:"last_activity" json:"last_activity"`
	PID          int       `yaml:"pid" json:"pid"`
	Hostname     string    `yaml:"hostname" json:"hostname"`
}

// Describe returns "<host> pid <N> (<workflow>)" for messages.
func (p *ProcessSession) Describe() string {
	desc := fmt.Sprintf("%s pid %d", p.Hostname, p.PID)
	if wf := p.Workflow(); wf != "" {
		desc += " (" + wf + ")"
	}
	return desc
}

// Workflow joins type and name, whichever are set.
func (p *ProcessSession) Workflow() string {
	switch {
	case p.WorkflowType != "" && p.WorkflowName != "":
		return p.WorkflowType + ": " + p.WorkflowName
	case p.WorkflowType != "":
		return p.WorkflowType
	default:
		return p.WorkflowName
	}
}

// WorktreePath returns the worktree path or "".
func (p *ProcessSession) WorktreePath() string {
	if p.Worktree == nil {
		return ""
	}
	return *p.Worktree
}

// SessionConflict reports another live process on the same branch.
type SessionConflict struct {
	ConflictingSession *ProcessSession `json:"conflicting_session"`
	Message            string          `json:"message"`
	Suggestion         string          `json:"suggestion"`
}
