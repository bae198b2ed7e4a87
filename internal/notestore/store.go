// Package notestore is the single writer of persisted notes. It serializes
// mutations, commits backend-confirmed changes to the index and notifies
// live queries.
package notestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/starford/quill/internal/apperr"
	"github.com/starford/quill/internal/models"
	"github.com/starford/quill/internal/noteindex"
	"github.com/starford/quill/internal/querycache"
	"github.com/starford/quill/internal/storage"
)

// Store coordinates the backend, the note index and the query cache.
//
// Mutations on different ids run concurrently; mutations on the same id are
// serialized across the backend call and the index commit. ClearAll and
// Reload exclude every other mutation.
type Store struct {
	backend storage.Backend
	cache   *querycache.Cache
	logger  *slog.Logger

	gate     sync.RWMutex // shared by single-note mutations, exclusive for ClearAll/Reload
	locks    *keyedMutex
	commitMu sync.Mutex
	snap     atomic.Pointer[noteindex.Snapshot]
	loaded   atomic.Bool
	reloads  singleflight.Group

	listenersMu sync.RWMutex
	listeners   []func(models.Change)
}

// New creates a store over backend. Call Load before serving reads.
func New(backend storage.Backend, logger *slog.Logger) *Store {
	s := &Store{
		backend: backend,
		cache:   querycache.New(),
		logger:  logger,
		locks:   newKeyedMutex(),
	}
	s.snap.Store(noteindex.Empty())
	return s
}

// Load scans the backend for the first time. On failure the store stays
// empty, every subscription reports the error, and mutations keep working.
func (s *Store) Load(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		s.logger.Error("store: load failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("store: loaded", slog.Int("notes", s.Len()))
	return nil
}

// Reload rescans the backend and merges the result into the index. Known ids
// keep their position. Concurrent calls share one scan.
func (s *Store) Reload(ctx context.Context) error {
	_, err, _ := s.reloads.Do("reload", func() (any, error) {
		s.gate.Lock()
		defer s.gate.Unlock()

		notes, err := s.backend.ScanAll(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", apperr.ErrStorageUnavailable, err)
			s.cache.Fail(err)
			return nil, err
		}
		s.loaded.Store(true)
		s.commit(models.Change{Kind: models.ChangeReloaded, Notes: notes})
		return nil, nil
	})
	return err
}

// Ready reports whether the last scan succeeded.
func (s *Store) Ready() bool {
	return s.loaded.Load() && s.cache.Err() == nil
}

// Search opens a live query. The caller must Close the subscription.
func (s *Store) Search(query string) *querycache.Subscription {
	return s.cache.Subscribe(query)
}

// Get returns the indexed note with the given id.
func (s *Store) Get(id string) (models.Note, bool) {
	return s.snap.Load().Get(id)
}

// Snapshot returns the latest committed index state.
func (s *Store) Snapshot() *noteindex.Snapshot {
	return s.snap.Load()
}

// Len returns the number of indexed notes.
func (s *Store) Len() int {
	return s.snap.Load().Len()
}

// OnChange registers fn to be called after every committed change, in commit
// order. fn runs inside the commit and must not call back into the store.
func (s *Store) OnChange(fn func(models.Change)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Create persists a new note and returns it with its backend-assigned id.
func (s *Store) Create(ctx context.Context, title, content string) (models.Note, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	id, err := s.backend.Insert(ctx, title, content)
	if err != nil {
		s.logger.Warn("store: create failed", slog.String("error", err.Error()))
		return models.Note{}, fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}
	n := models.Note{ID: id, Title: title, Content: content}

	unlock := s.locks.Lock(id)
	defer unlock()
	s.commit(models.Change{Kind: models.ChangeCreated, Note: n})
	return n, nil
}

// Save replaces the title and content of an existing note.
// It returns apperr.ErrNotFound if id is not in the index.
func (s *Store) Save(ctx context.Context, id, title, content string) (models.Note, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()

	if !s.snap.Load().Has(id) {
		return models.Note{}, fmt.Errorf("store: save %q: %w", id, apperr.ErrNotFound)
	}
	if err := s.backend.Update(ctx, id, title, content); err != nil {
		s.logger.Warn("store: save failed", slog.String("id", id), slog.String("error", err.Error()))
		if errors.Is(err, apperr.ErrNotFound) {
			return models.Note{}, fmt.Errorf("store: save %q: %w", id, err)
		}
		return models.Note{}, fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}
	n := models.Note{ID: id, Title: title, Content: content}
	s.commit(models.Change{Kind: models.ChangeUpdated, Note: n})
	return n, nil
}

// Remove deletes a note. Removing an id that is not indexed does nothing.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()

	n, ok := s.snap.Load().Get(id)
	if !ok {
		return nil
	}
	if err := s.backend.Delete(ctx, id); err != nil {
		s.logger.Warn("store: remove failed", slog.String("id", id), slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}
	s.commit(models.Change{Kind: models.ChangeDeleted, Note: n})
	return nil
}

// ClearAll waits for in-flight mutations, deletes every note and commits the
// empty index as a single change.
func (s *Store) ClearAll(ctx context.Context) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	if err := s.backend.DeleteAll(ctx); err != nil {
		s.logger.Warn("store: clear failed", slog.String("error", err.Error()))
		s.resync(ctx)
		return fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
	}
	s.commit(models.Change{Kind: models.ChangeCleared})
	return nil
}

// resync rescans after a write that may have been applied partially, so the
// index shows what the backend actually holds. It requires the exclusive gate.
func (s *Store) resync(ctx context.Context) {
	notes, err := s.backend.ScanAll(context.WithoutCancel(ctx))
	if err != nil {
		err = fmt.Errorf("%w: %w", apperr.ErrStorageUnavailable, err)
		s.logger.Error("store: rescan failed", slog.String("error", err.Error()))
		s.cache.Fail(err)
		return
	}
	s.commit(models.Change{Kind: models.ChangeReloaded, Notes: notes})
}

func (s *Store) commit(c models.Change) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	next := s.snap.Load().Apply(c)
	s.snap.Store(next)
	s.cache.Notify(next, c)

	s.logger.Debug("store: committed",
		slog.String("kind", string(c.Kind)),
		slog.String("id", c.Note.ID),
		slog.Int("notes", next.Len()),
	)

	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, fn := range s.listeners {
		fn(c)
	}
}
