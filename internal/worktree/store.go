// Package worktree manages git worktrees created for features and agents,
// and the session records bound to them.
package worktree

import (
	"context"
	"time"

	lferrors "github.com/laraforge/laraforge/internal/errors"
	"github.com/laraforge/laraforge/internal/models"
	"github.com/laraforge/laraforge/internal/statefile"
)

// Sessions maps worktree session id to session.
type Sessions map[string]*models.WorktreeSession

// Store persists worktree sessions.
type Store interface {
	Load() (Sessions, error)
	Save(Sessions) error
	// Update runs load, fn and save under the store lock. Nothing is saved
	// when fn returns an error.
	Update(ctx context.Context, fn func(Sessions) error) error
}

// YAMLStore keeps worktree sessions in one YAML file. Unlike the process
// session store, a file that does not parse is an error: saving over it
// would lose every record.
type YAMLStore struct {
	file *statefile.File
}

func NewYAMLStore(path string, lockTimeout time.Duration) *YAMLStore {
	f := statefile.New(path)
	if lockTimeout > 0 {
		f.LockTimeout = lockTimeout
	}
	return &YAMLStore{file: f}
}

func (s *YAMLStore) Path() string { return s.file.Path }

func (s *YAMLStore) Load() (Sessions, error) {
	records := map[string]models.WorktreeSessionRecord{}
	if _, err := s.file.Read(&records); err != nil {
		return nil, err
	}
	sessions := make(Sessions, len(records))
	for id, rec := range records {
		if rec.ID == "" {
			rec.ID = id
		}
		ws, err := models.FromRecord(rec)
		if err != nil {
			return nil, lferrors.ConfigInvalid(lferrors.Op("worktree.Load"), s.file.Path, err)
		}
		sessions[id] = ws
	}
	return sessions, nil
}

func (s *YAMLStore) Save(sessions Sessions) error {
	records := make(map[string]models.WorktreeSessionRecord, len(sessions))
	for id, ws := range sessions {
		records[id] = ws.ToRecord()
	}
	return s.file.Write(records)
}

func (s *YAMLStore) Update(ctx context.Context, fn func(Sessions) error) error {
	return s.file.WithLock(ctx, func() error {
		sessions, err := s.Load()
		if err != nil {
			return err
		}
		if err := fn(sessions); err != nil {
			return err
		}
		return s.Save(sessions)
	})
}
