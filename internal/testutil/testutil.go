// Package testutil provides shared test helpers: real backends on temp storage
// and an in-memory fake with failure and blocking hooks.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/starford/quill/internal/apperr"
	"github.com/starford/quill/internal/models"
	"github.com/starford/quill/internal/storage"
)

// TestSQLite creates a temporary SQLite backend that is automatically cleaned up.
func TestSQLite(t *testing.T) *storage.SQLite {
	t.Helper()
	dbFile, err := os.CreateTemp("", "quill-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := storage.OpenSQLite(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestDir creates a temporary notes directory with a Dir backend.
func TestDir(t *testing.T) *storage.Dir {
	t.Helper()
	d, err := storage.NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

// Backend operation names used by Fake hooks and call records.
const (
	OpInsert    = "insert"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpDeleteAll = "deleteAll"
	OpScan      = "scan"
)

// Call records one invocation of a Fake backend method.
type Call struct {
	Op      string
	ID      string
	Title   string
	Content string
}

type block struct {
	entered chan struct{}
	release chan struct{}
}

// Fake is an in-memory storage.Backend. Ids are decimal strings starting at
// "1", like the SQLite backend.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	notes    []models.Note
	calls    []Call
	failNext map[string][]error
	failAll  map[string]error
	blocks   map[string]*block
	// Set by FailDeleteAllAfter.
	clearAfter int
	clearErr   error
}

var _ storage.Backend = (*Fake)(nil)

// NewFake returns a Fake holding the given notes. Their ids must be decimal.
func NewFake(notes ...models.Note) *Fake {
	f := &Fake{
		failNext: map[string][]error{},
		failAll:  map[string]error{},
		blocks:   map[string]*block{},
	}
	for _, n := range notes {
		f.notes = append(f.notes, n)
		if v, err := strconv.Atoi(n.ID); err == nil && v > f.nextID {
			f.nextID = v
		}
	}
	return f
}

// FailNext makes the next call of op return err. Calls queue.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], err)
}

// FailAlways makes every call of op return err until cleared with a nil err.
func (f *Fake) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failAll, op)
		return
	}
	f.failAll[op] = err
}

// Block makes calls of op wait until release is called. entered receives a
// value each time a call starts waiting.
func (f *Fake) Block(op string) (entered <-chan struct{}, release func()) {
	b := &block{entered: make(chan struct{}, 64), release: make(chan struct{})}
	f.mu.Lock()
	f.blocks[op] = b
	f.mu.Unlock()
	var once sync.Once
	return b.entered, func() {
		once.Do(func() {
			f.mu.Lock()
			if f.blocks[op] == b {
				delete(f.blocks, op)
			}
			f.mu.Unlock()
			close(b.release)
		})
	}
}

// Calls returns the recorded calls of op, or of every op if op is empty.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Notes returns the stored notes in insertion order.
func (f *Fake) Notes() []models.Note {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Note(nil), f.notes...)
}

// enter records the call, waits on any block and returns the injected error.
func (f *Fake) enter(ctx context.Context, c Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	b := f.blocks[c.Op]
	f.mu.Unlock()

	if b != nil {
		select {
		case b.entered <- struct{}{}:
		default:
		}
		select {
		case <-b.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.failNext[c.Op]; len(q) > 0 {
		f.failNext[c.Op] = q[1:]
		return q[0]
	}
	return f.failAll[c.Op]
}

func (f *Fake) Insert(ctx context.Context, title, content string) (string, error) {
	if err := f.enter(ctx, Call{Op: OpInsert, Title: title, Content: content}); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.notes = append(f.notes, models.Note{ID: id, Title: title, Content: content})
	return id, nil
}

func (f *Fake) Update(ctx context.Context, id, title, content string) error {
	if err := f.enter(ctx, Call{Op: OpUpdate, ID: id, Title: title, Content: content}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notes {
		if f.notes[i].ID == id {
			f.notes[i].Title = title
			f.notes[i].Content = content
			return nil
		}
	}
	return fmt.Errorf("fake: update %q: %w", id, apperr.ErrNotFound)
}

func (f *Fake) Delete(ctx context.Context, id string) error {
	if err := f.enter(ctx, Call{Op: OpDelete, ID: id}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notes {
		if f.notes[i].ID == id {
			f.notes = append(f.notes[:i], f.notes[i+1:]...)
			return nil
		}
	}
	return nil
}

// FailDeleteAllAfter makes the next DeleteAll remove the first n notes and
// then fail with err, like a directory clear interrupted halfway.
func (f *Fake) FailDeleteAllAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearAfter = n
	f.clearErr = err
}

func (f *Fake) DeleteAll(ctx context.Context) error {
	if err := f.enter(ctx, Call{Op: OpDeleteAll}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.clearErr; err != nil {
		f.clearErr = nil
		if f.clearAfter < len(f.notes) {
			f.notes = append([]models.Note(nil), f.notes[f.clearAfter:]...)
		} else {
			f.notes = nil
		}
		return err
	}
	f.notes = nil
	return nil
}

func (f *Fake) ScanAll(ctx context.Context) ([]models.Note, error) {
	if err := f.enter(ctx, Call{Op: OpScan}); err != nil {
		return nil, err
	}
	return f.Notes(), nil
}

func (f *Fake) Close() error {
	return nil
}

// Put inserts or replaces a note directly, bypassing hooks. It simulates a
// change made by another process.
func (f *Fake) Put(n models.Note) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notes {
		if f.notes[i].ID == n.ID {
			f.notes[i] = n
			return
		}
	}
	f.notes = append(f.notes, n)
	if v, err := strconv.Atoi(n.ID); err == nil && v > f.nextID {
		f.nextID = v
	}
}
