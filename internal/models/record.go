package models

import (
	"fmt"
	"maps"
	"time"
)

// WorktreeSessionRecord is the persisted form of a WorktreeSession.
type WorktreeSessionRecord struct {
	ID             string               `yaml:"id" json:"id"`
	Path           string               `yaml:"path" json:"path"`
	Branch         string               `yaml:"branch" json:"branch"`
	FeatureID      string               `yaml:"feature_id" json:"feature_id"`
	AgentID        string               `yaml:"agent_id" json:"agent_id"`
	Status         string               `yaml:"status" json:"status"`
	ModifiedFiles  []string             `yaml:"modified_files" json:"modified_files"`
	Commits        []CommitRecord       `yaml:"commits" json:"commits"`
	Metadata       map[string]MetaValue `yaml:"metadata" json:"metadata"`
	CreatedAt      string               `yaml:"created_at" json:"created_at"`
	LastActivityAt string               `yaml:"last_activity_at" json:"last_activity_at"`
}

// CommitRecord is the persisted form of a Commit.
type CommitRecord struct {
	Hash      string `yaml:"hash" json:"hash"`
	Message   string `yaml:"message" json:"message"`
	Timestamp string `yaml:"timestamp" json:"timestamp"`
}

// ToRecord converts the session to its persisted form.
func (s *WorktreeSession) ToRecord() WorktreeSessionRecord {
	rec := WorktreeSessionRecord{
		ID:             s.ID,
		Path:           s.Path,
		Branch:         s.Branch,
		FeatureID:      s.FeatureID,
		AgentID:        s.AgentID,
		Status:         string(s.Status),
		ModifiedFiles:  append([]string{}, s.ModifiedFiles...),
		Commits:        make([]CommitRecord, 0, len(s.Commits)),
		Metadata:       map[string]MetaValue{},
		CreatedAt:      formatTime(s.CreatedAt),
		LastActivityAt: formatTime(s.LastActivityAt),
	}
	for _, c := range s.Commits {
		rec.Commits = append(rec.Commits, CommitRecord{Hash: c.Hash, Message: c.Message, Timestamp: formatTime(c.Timestamp)})
	}
	maps.Copy(rec.Metadata, s.Metadata)
	return rec
}

// FromRecord rebuilds a session from its persisted form.
func FromRecord(rec WorktreeSessionRecord) (*WorktreeSession, error) {
	status := WorktreeStatus(rec.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("session %s: unknown status %q", rec.ID, rec.Status)
	}
	created, err := parseTime(rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("session %s: created_at: %w", rec.ID, err)
	}
	last, err := parseTime(rec.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("session %s: last_activity_at: %w", rec.ID, err)
	}

	s := &WorktreeSession{
		ID:             rec.ID,
		Path:           rec.Path,
		Branch:         rec.Branch,
		FeatureID:      rec.FeatureID,
		AgentID:        rec.AgentID,
		Status:         status,
		ModifiedFiles:  append([]string{}, rec.ModifiedFiles...),
		Commits:        make([]Commit, 0, len(rec.Commits)),
		Metadata:       map[string]MetaValue{},
		CreatedAt:      created,
		LastActivityAt: last,
	}
	for _, c := range rec.Commits {
		ts, err := parseTime(c.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("session %s: commit %s: %w", rec.ID, c.Hash, err)
		}
		s.Commits = append(s.Commits, Commit{Hash: c.Hash, Message: c.Message, Timestamp: ts})
	}
	maps.Copy(s.Metadata, rec.Metadata)
	return s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
