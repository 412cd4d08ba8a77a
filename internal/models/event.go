package models

// Lifecycle event names recorded in the worktree history.
const (
	EventCreated    = "created"
	EventCompleted  = "completed"
	EventPaused     = "paused"
	EventResumed    = "resumed"
	EventMerged     = "merged"
	EventMergeNoop  = "merge_noop"
	EventConflicted = "merge_conflict"
	EventAbandoned  = "abandoned"
	EventRemoved    = "removed"
	EventRefreshed  = "refreshed"
)

// LifecycleEvent is one step in a worktree session's history.
type LifecycleEvent struct {
	SessionID string
	FeatureID string
	AgentID   string
	Branch    string
	Event     string
	Detail    string
}

// EventFor builds a LifecycleEvent describing s.
func EventFor(s *WorktreeSession, event, detail string) LifecycleEvent {
	return LifecycleEvent{
		SessionID: s.ID,
		FeatureID: s.FeatureID,
		AgentID:   s.AgentID,
		Branch:    s.Branch,
		Event:     event,
		Detail:    detail,
	}
}
