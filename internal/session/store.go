// Package session tracks which laraforge processes are working on which
// branch and detects when two of them collide.
package session

import (
	"context"
	"log/slog"
	"time"

	lferrors "github.com/laraforge/laraforge/internal/errors"
	"github.com/laraforge/laraforge/internal/logger"
	"github.com/laraforge/laraforge/internal/models"
	"github.com/laraforge/laraforge/internal/statefile"
)

// Sessions maps session id to record.
type Sessions map[string]*models.ProcessSession

// Store persists the process session map.
type Store interface {
	// Load returns the stored sessions. A missing or unparsable file
	// yields an empty map.
	Load() (Sessions, error)
	// Save replaces the stored map.
	Save(Sessions) error
	// Update runs load, fn and save while holding the store lock.
	// Nothing is saved when fn returns an error.
	Update(ctx context.Context, fn func(Sessions) error) error
}

// YAMLStore keeps sessions in a single YAML file.
type YAMLStore struct {
	file   *statefile.File
	logger *slog.Logger
}

// NewYAMLStore returns a store backed by path.
func NewYAMLStore(path string, lockTimeout time.Duration, l *slog.Logger) *YAMLStore {
	f := statefile.New(path)
	if lockTimeout > 0 {
		f.LockTimeout = lockTimeout
	}
	return &YAMLStore{file: f, logger: logger.OrDiscard(l)}
}

func (s *YAMLStore) Path() string { return s.file.Path }

func (s *YAMLStore) Load() (Sessions, error) {
	sessions, err := s.LoadStrict()
	if lferrors.Is(err, lferrors.KindConfig) {
		s.logger.Warn("ignoring unreadable session file", "path", s.file.Path, "error", err)
		return Sessions{}, nil
	}
	return sessions, err
}

// LoadStrict is Load with parse failures reported as KindConfig errors.
func (s *YAMLStore) LoadStrict() (Sessions, error) {
	raw := map[string]*models.ProcessSession{}
	if _, err := s.file.Read(&raw); err != nil {
		return nil, err
	}
	sessions := make(Sessions, len(raw))
	for id, rec := range raw {
		if rec == nil {
			continue
		}
		rec.ID = id
		sessions[id] = rec
	}
	return sessions, nil
}

func (s *YAMLStore) Save(sessions Sessions) error {
	if sessions == nil {
		sessions = Sessions{}
	}
	return s.file.Write(sessions)
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
