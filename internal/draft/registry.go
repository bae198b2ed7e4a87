package draft

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/quill/internal/models"
)

// Registry hands out opaque keys for sessions so transports can address them.
// Sessions that reach StateClosed on their own, for example because their
// note was removed elsewhere, are forgotten automatically.
type Registry struct {
	ctx  context.Context
	w    Writer
	opts []Option

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose sessions write through w.
func NewRegistry(ctx context.Context, w Writer, opts ...Option) *Registry {
	return &Registry{
		ctx:      ctx,
		w:        w,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Open starts a session for note and returns its key.
func (r *Registry) Open(note models.Note, opts ...Option) (string, *Session) {
	key := uuid.NewString()
	all := append(append([]Option{}, r.opts...), opts...)
	all = append(all, alsoObserve(func(ev Event) {
		if ev.State == StateClosed {
			r.forget(key)
		}
	}))

	s := New(r.ctx, r.w, note, all...)
	r.mu.Lock()
	r.sessions[key] = s
	r.mu.Unlock()
	return key, s
}

// Get returns the session registered under key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes the session and forgets it. If the close fails the session
// stays registered so it can be retried.
func (r *Registry) Close(ctx context.Context, key string) error {
	s, ok := r.Get(key)
	if !ok {
		return ErrUnknownSession
	}
	if err := s.Close(ctx); err != nil {
		if s.State() == StateClosed {
			r.forget(key)
		}
		return err
	}
	r.forget(key)
	return nil
}

// Delete deletes the session's note and forgets the session. If the removal
// fails the session stays registered.
func (r *Registry) Delete(ctx context.Context, key string) error {
	s, ok := r.Get(key)
	if !ok {
		return ErrUnknownSession
	}
	if err := s.Delete(ctx); err != nil {
		return err
	}
	r.forget(key)
	return nil
}

// CloseAll closes every session, flushing pending edits of persisted notes.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep closes sessions not edited for maxIdle and returns how many it
// closed. Sessions whose close fails are kept.
func (r *Registry) Sweep(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var idle []string
	for key, s := range r.sessions {
		if s.LastEdit().Before(cutoff) {
			idle = append(idle, key)
		}
	}
	r.mu.Unlock()

	closed := 0
	for _, key := range idle {
		if err := r.Close(ctx, key); err == nil {
			closed++
		}
	}
	return closed
}

// RunSweeper calls Sweep every maxIdle/2 until ctx is done. A non-positive
// maxIdle disables sweeping.
func (r *Registry) RunSweeper(ctx context.Context, maxIdle time.Duration, logger *slog.Logger) error {
	if maxIdle <= 0 {
		return nil
	}
	ticker := time.NewTicker(maxIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(ctx, maxIdle); n > 0 {
				logger.Info("draft: closed idle sessions", slog.Int("count", n))
			}
		}
	}
}

func (r *Registry) forget(key string) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// alsoObserve chains fn after any observer set by earlier options.
func alsoObserve(fn func(Event)) Option {
	return func(s *Session) {
		prev := s.observe
		s.observe = func(ev Event) {
			if prev != nil {
				prev(ev)
			}
			fn(ev)
		}
	}
}

// ErrUnknownSession is returned for keys the registry does not hold.
var ErrUnknownSession = errors.New("draft: unknown session")
