// Package draft reconciles an editing session with the note it edits.
//
// A Session debounces edits into backend writes. The first write of an
// id-less draft creates the note, and every later write saves it by the id
// the backend assigned.
package draft

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/quill/internal/apperr"
	"github.com/starford/quill/internal/models"
)

// DefaultDebounce is the quiet period after the last edit before a write.
const DefaultDebounce = 500 * time.Millisecond

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("draft: session closed")

// State is the lifecycle position of a Session.
type State int

const (
	StateNew State = iota
	StateEditing
	StateSaving
	StateSaved
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateEditing:
		return "editing"
	case StateSaving:
		return "saving"
	case StateSaved:
		return "saved"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Writer is the part of the note store a session writes through.
type Writer interface {
	Create(ctx context.Context, title, content string) (models.Note, error)
	Save(ctx context.Context, id, title, content string) (models.Note, error)
	Remove(ctx context.Context, id string) error
}

// Event reports a completed write or a state change to an observer.
type Event struct {
	State State
	Note  models.Note
	Err   error
}

// Option configures a Session.
type Option func(*Session)

// WithDebounce sets the quiet period. Non-positive values keep the default.
func WithDebounce(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithObserver registers fn to receive an Event after every write attempt.
// fn is called without the session lock held.
func WithObserver(fn func(Event)) Option {
	return func(s *Session) { s.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session is one editing session bound to exactly one note.
type Session struct {
	w        Writer
	ctx      context.Context
	debounce time.Duration
	observe  func(Event)
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	id       string
	title    string
	content  string
	editGen  uint64 // bumped on every edit
	savedGen uint64 // editGen captured by the last successful write
	timer    *time.Timer
	timerGen uint64
	queued   bool          // the timer fired while a write was in flight
	inflight chan struct{} // closed when the current write finishes
	closing  bool
	err      error
	touched  time.Time // last edit, or session start
}

// New starts a session for note. A note without an id is a fresh draft; if
// it carries a title or content those count as the first edit.
// Writes run with a context derived from ctx that is never cancelled.
func New(ctx context.Context, w Writer, note models.Note, opts ...Option) *Session {
	s := &Session{
		w:        w,
		ctx:      context.WithoutCancel(ctx),
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		id:       note.ID,
		title:    note.Title,
		content:  note.Content,
		touched:  time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	switch {
	case note.Persisted():
		s.state = StateSaved
	case note.Title != "" || note.Content != "":
		s.mu.Lock()
		s.editGen = 1
		s.state = StateEditing
		s.armTimer()
		s.mu.Unlock()
	default:
		s.state = StateNew
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Note returns the latest edited title and content with the id, if any.
func (s *Session) Note() models.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Note{ID: s.id, Title: s.title, Content: s.content}
}

// Err returns the error of the last write attempt, or nil after a success.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending reports whether there are edits not yet confirmed by the backend.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending()
}

// LastEdit returns when the session was last edited, or when it started.
func (s *Session) LastEdit() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

// Edit records the latest title and content and restarts the debounce timer.
func (s *Session) Edit(title, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.closing {
		return ErrClosed
	}
	s.title, s.content = title, content
	s.editGen++
	s.touched = time.Now()
	if s.state == StateNew || s.state == StateSaved {
		s.state = StateEditing
	}
	s.armTimer()
	return nil
}

// Flush writes pending edits now instead of waiting for the timer.
// It returns the error of that write.
func (s *Session) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state == StateClosed || s.closing {
			s.mu.Unlock()
			return ErrClosed
		}
		if ch := s.inflight; ch != nil {
			s.mu.Unlock()
			if err := wait(ctx, ch); err != nil {
				return err
			}
			continue
		}
		if !s.pending() {
			s.mu.Unlock()
			return nil
		}
		s.stopTimer()
		ch := s.startWrite()
		s.mu.Unlock()

		if err := wait(ctx, ch); err != nil {
			return err
		}
		return s.Err()
	}
}

// Close ends the session. It waits for an in-flight write and then saves any
// remaining edits of a persisted note. A draft that never got an id is
// discarded without touching the backend. If ctx ends first or the final save
// fails, the session stays open with its edits and Close can be retried.
func (s *Session) Close(ctx context.Context) error {
	if !s.beginClose() {
		return nil
	}
	if err := s.awaitWrite(ctx); err != nil {
		s.mu.Lock()
		s.reopen()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// The awaited write found the note gone.
		s.mu.Unlock()
		return nil
	}
	id, title, content, gen := s.id, s.title, s.content, s.editGen
	flush := id != "" && s.pending()
	s.mu.Unlock()

	if !flush {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return nil
	}

	n, err := s.w.Save(context.WithoutCancel(ctx), id, title, content)
	s.mu.Lock()
	s.err = err
	switch {
	case err == nil:
		s.savedGen = gen
		s.state = StateClosed
	case errors.Is(err, apperr.ErrNotFound):
		s.state = StateClosed
	default:
		s.reopen()
	}
	state := s.state
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("draft: final save failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	s.emit(Event{State: state, Note: noteOr(n, id, title, content), Err: err})
	return err
}

// Delete removes the note if it was ever persisted and ends the session.
// If the removal fails the session stays open.
func (s *Session) Delete(ctx context.Context) error {
	if !s.beginClose() {
		return ErrClosed
	}
	if err := s.awaitWrite(ctx); err != nil {
		s.mu.Lock()
		s.reopen()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	id := s.id
	s.mu.Unlock()

	if id != "" {
		if err := s.w.Remove(context.WithoutCancel(ctx), id); err != nil {
			s.mu.Lock()
			s.err = err
			s.reopen()
			s.mu.Unlock()
			return err
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.emit(Event{State: StateClosed, Note: models.Note{ID: id}})
	return nil
}

// beginClose stops new writes from starting. It reports false if the session
// is already closed or closing.
func (s *Session) beginClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.closing {
		return false
	}
	s.closing = true
	s.queued = false
	s.stopTimer()
	return true
}

// reopen requires s.mu. It undoes beginClose after an aborted Close or
// Delete. Pending edits are written again: after the in-flight write if there
// is one, otherwise once the debounce timer fires.
func (s *Session) reopen() {
	if s.state == StateClosed {
		return
	}
	s.closing = false
	switch {
	case s.state == StateSaving:
		s.queued = true
	case s.pending():
		s.state = StateEditing
		s.armTimer()
	}
}

func (s *Session) awaitWrite(ctx context.Context) error {
	for {
		s.mu.Lock()
		ch := s.inflight
		s.mu.Unlock()
		if ch == nil {
			return nil
		}
		if err := wait(ctx, ch); err != nil {
			return err
		}
	}
}

// pending requires s.mu.
func (s *Session) pending() bool {
	return s.editGen > s.savedGen
}

// armTimer requires s.mu.
func (s *Session) armTimer() {
	s.stopTimer()
	gen := s.timerGen
	s.timer = time.AfterFunc(s.debounce, func() { s.fire(gen) })
}

// stopTimer requires s.mu. Bumping timerGen invalidates a callback that
// already started running.
func (s *Session) stopTimer() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.closing || s.state == StateClosed {
		return
	}
	s.timer = nil
	switch s.state {
	case StateSaving:
		s.queued = true
	case StateEditing:
		s.startWrite()
	}
}

// startWrite requires s.mu. It moves to Saving and writes the current
// snapshot on a new goroutine.
func (s *Session) startWrite() chan struct{} {
	s.state = StateSaving
	ch := make(chan struct{})
	s.inflight = ch
	go s.write(ch, s.id, s.title, s.content, s.editGen)
	return ch
}

func (s *Session) write(ch chan struct{}, id, title, content string, gen uint64) {
	var (
		n   models.Note
		err error
	)
	if id == "" {
		n, err = s.w.Create(s.ctx, title, content)
	} else {
		n, err = s.w.Save(s.ctx, id, title, content)
	}

	s.mu.Lock()
	s.inflight = nil
	close(ch)
	ev := s.finish(n, err, id, gen)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("draft: write failed", slog.String("id", id), slog.String("error", err.Error()))
	} else {
		s.logger.Debug("draft: written", slog.String("id", n.ID))
	}
	s.emit(ev)
}

// finish requires s.mu. It applies the outcome of a write and returns the
// event to report.
func (s *Session) finish(n models.Note, err error, id string, gen uint64) Event {
	s.err = err
	if err != nil {
		if id != "" && errors.Is(err, apperr.ErrNotFound) {
			// The note was removed underneath us. Never recreate it.
			s.stopTimer()
			s.queued = false
			s.state = StateClosed
			return Event{State: s.state, Note: models.Note{ID: id}, Err: err}
		}
		s.state = StateEditing
		if !s.closing {
			s.queued = false
			s.armTimer()
		}
		return Event{State: s.state, Note: models.Note{ID: id, Title: s.title, Content: s.content}, Err: err}
	}

	if s.id == "" {
		s.id = n.ID
	}
	s.savedGen = gen
	switch {
	case s.pending():
		s.state = StateEditing
		if s.queued && !s.closing {
			s.queued = false
			s.startWrite()
		}
	default:
		s.state = StateSaved
		s.queued = false
	}
	return Event{State: s.state, Note: n}
}

func (s *Session) emit(ev Event) {
	if s.observe != nil {
		s.observe(ev)
	}
}

func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func noteOr(n models.Note, id, title, content string) models.Note {
	if n.Persisted() {
		return n
	}
	return models.Note{ID: id, Title: title, Content: content}
}
