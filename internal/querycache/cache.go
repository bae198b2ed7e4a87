// Package querycache keeps live search results in step with the note index.
package querycache

import (
	"sync"

	"github.com/starford/quill/internal/models"
	"github.com/starford/quill/internal/noteindex"
)

// Status is the load state a subscription reports alongside its notes.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Result is what a subscription currently shows.
type Result struct {
	Notes   []models.Note
	Status  Status
	Err     error
	Version uint64 // bumped on every recompute
}

// Cache owns the set of live subscriptions and the snapshot they filter.
// Notify is called by the writer after each commit, synchronously, so a
// subscription read after a mutation returns already reflects it.
type Cache struct {
	mu   sync.Mutex
	snap *noteindex.Snapshot // nil until the first Notify or Fail
	err  error
	subs map[*Subscription]struct{}
}

// New returns an empty cache in the loading state.
func New() *Cache {
	return &Cache{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a live query. If a snapshot is already available the
// result is computed before Subscribe returns.
func (c *Cache) Subscribe(query string) *Subscription {
	s := &Subscription{
		cache:   c,
		updates: make(chan struct{}, 1),
		query:   noteindex.NewQuery(query),
		result:  Result{Status: StatusLoading},
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[s] = struct{}{}
	s.mu.Lock()
	c.recompute(s)
	s.mu.Unlock()
	return s
}

// Notify publishes snap as the current state after change was committed.
// Subscriptions whose result cannot be affected by change are left alone.
func (c *Cache) Notify(snap *noteindex.Snapshot, change models.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasLoading := c.snap == nil
	c.snap = snap
	if change.Kind == models.ChangeReloaded {
		c.err = nil
	}
	for s := range c.subs {
		s.mu.Lock()
		if wasLoading || s.result.Status != c.status() || affects(s, change) {
			c.recompute(s)
		}
		s.mu.Unlock()
	}
}

// Fail moves every subscription into the error state. The error sticks until
// a reloaded change is notified. If nothing was loaded yet, results are empty.
func (c *Cache) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	if c.snap == nil {
		c.snap = noteindex.Empty()
	}
	for s := range c.subs {
		s.mu.Lock()
		c.recompute(s)
		s.mu.Unlock()
	}
}

// Err returns the sticky load error, if any.
func (c *Cache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Len returns the number of live subscriptions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Cache) status() Status {
	switch {
	case c.err != nil:
		return StatusError
	case c.snap == nil:
		return StatusLoading
	default:
		return StatusReady
	}
}

// recompute requires c.mu and s.mu.
func (c *Cache) recompute(s *Subscription) {
	if s.closed {
		return
	}
	status := c.status()
	var notes []models.Note
	if c.snap != nil {
		notes = c.snap.Filter(s.query)
	}
	s.result = Result{
		Notes:   notes,
		Status:  status,
		Err:     c.err,
		Version: s.result.Version + 1,
	}
	s.ids = make(map[string]struct{}, len(notes))
	for _, n := range notes {
		s.ids[n.ID] = struct{}{}
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// affects reports whether change can alter the result of s.
func affects(s *Subscription, change models.Change) bool {
	switch change.Kind {
	case models.ChangeCreated:
		return s.query.Match(change.Note)
	case models.ChangeUpdated:
		_, shown := s.ids[change.Note.ID]
		return shown || s.query.Match(change.Note)
	case models.ChangeDeleted:
		_, shown := s.ids[change.Note.ID]
		return shown
	default:
		return true
	}
}

// Subscription is a live, ordered search result.
type Subscription struct {
	cache   *Cache
	updates chan struct{}

	mu     sync.Mutex
	query  noteindex.Query
	result Result
	ids    map[string]struct{}
	closed bool
}

// Updates receives a value whenever Result changes. Signals coalesce: a slow
// reader sees one pending signal and then reads the newest Result.
// The channel is closed by Close.
func (s *Subscription) Updates() <-chan struct{} {
	return s.updates
}

// Result returns the current result.
func (s *Subscription) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Query returns the current query string.
func (s *Subscription) Query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query.String()
}

// SetQuery replaces the query and refilters the in-memory snapshot.
func (s *Subscription) SetQuery(query string) {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.query = noteindex.NewQuery(query)
	c.recompute(s)
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(c.subs, s)
	close(s.updates)
}
