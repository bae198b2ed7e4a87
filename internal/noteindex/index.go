// Package noteindex holds the in-memory, ordered view of every persisted note.
//
// A Snapshot is immutable. Apply returns a new Snapshot and leaves the
// receiver untouched, so readers can hold one without locking.
package noteindex

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/starford/quill/internal/models"
)

type entry struct {
	note    models.Note
	title   string // case-folded
	content string // case-folded
}

// Snapshot is one immutable, insertion-ordered state of the index.
type Snapshot struct {
	entries []entry
	pos     map[string]int
}

// Empty returns a snapshot with no notes.
func Empty() *Snapshot {
	return &Snapshot{pos: map[string]int{}}
}

// FromNotes builds a snapshot preserving the order of notes.
// Later duplicates of an id replace the earlier entry in place.
func FromNotes(notes []models.Note) *Snapshot {
	s := &Snapshot{
		entries: make([]entry, 0, len(notes)),
		pos:     make(map[string]int, len(notes)),
	}
	for _, n := range notes {
		s.put(n)
	}
	return s
}

// Len returns the number of notes.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Get returns the note with the given id.
func (s *Snapshot) Get(id string) (models.Note, bool) {
	i, ok := s.pos[id]
	if !ok {
		return models.Note{}, false
	}
	return s.entries[i].note, true
}

// Has reports whether id is indexed.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.pos[id]
	return ok
}

// Notes returns every note in index order.
func (s *Snapshot) Notes() []models.Note {
	out := make([]models.Note, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.note
	}
	return out
}

// Filter returns the notes matching q in index order.
func (s *Snapshot) Filter(q Query) []models.Note {
	out := make([]models.Note, 0, len(s.entries))
	for _, e := range s.entries {
		if q.matchFolded(e.title, e.content) {
			out = append(out, e.note)
		}
	}
	return out
}

// Apply returns the snapshot that results from committing c.
func (s *Snapshot) Apply(c models.Change) *Snapshot {
	switch c.Kind {
	case models.ChangeCreated, models.ChangeUpdated:
		next := s.clone()
		next.put(c.Note)
		return next
	case models.ChangeDeleted:
		i, ok := s.pos[c.Note.ID]
		if !ok {
			return s
		}
		next := &Snapshot{
			entries: make([]entry, 0, len(s.entries)-1),
			pos:     make(map[string]int, len(s.entries)-1),
		}
		next.entries = append(next.entries, s.entries[:i]...)
		next.entries = append(next.entries, s.entries[i+1:]...)
		for j, e := range next.entries {
			next.pos[e.note.ID] = j
		}
		return next
	case models.ChangeCleared:
		return Empty()
	case models.ChangeReloaded:
		return s.merge(c.Notes)
	default:
		return s
	}
}

// merge keeps the current position of every id still present in scanned and
// appends unknown ids in scan order.
func (s *Snapshot) merge(scanned []models.Note) *Snapshot {
	fresh := make(map[string]models.Note, len(scanned))
	for _, n := range scanned {
		fresh[n.ID] = n
	}
	next := &Snapshot{
		entries: make([]entry, 0, len(scanned)),
		pos:     make(map[string]int, len(scanned)),
	}
	for _, e := range s.entries {
		if n, ok := fresh[e.note.ID]; ok {
			next.put(n)
		}
	}
	for _, n := range scanned {
		if !next.Has(n.ID) {
			next.put(n)
		}
	}
	return next
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		entries: make([]entry, len(s.entries), len(s.entries)+1),
		pos:     make(map[string]int, len(s.pos)+1),
	}
	copy(next.entries, s.entries)
	for k, v := range s.pos {
		next.pos[k] = v
	}
	return next
}

// put must only be called on a snapshot nobody else can see yet.
func (s *Snapshot) put(n models.Note) {
	e := entry{note: n, title: fold(n.Title), content: fold(n.Content)}
	if i, ok := s.pos[n.ID]; ok {
		s.entries[i] = e
		return
	}
	s.pos[n.ID] = len(s.entries)
	s.entries = append(s.entries, e)
}

// Query is a search string folded once for repeated matching.
type Query struct {
	raw    string
	folded string
}

// NewQuery prepares q for matching. The empty query matches every note.
func NewQuery(q string) Query {
	return Query{raw: q, folded: fold(q)}
}

// String returns the query as the caller typed it.
func (q Query) String() string {
	return q.raw
}

// Match reports whether the query is a case-insensitive substring of the
// note's title or content.
func (q Query) Match(n models.Note) bool {
	if q.folded == "" {
		return true
	}
	return q.matchFolded(fold(n.Title), fold(n.Content))
}

func (q Query) matchFolded(title, content string) bool {
	return q.folded == "" ||
		strings.Contains(title, q.folded) ||
		strings.Contains(content, q.folded)
}

// fold applies Unicode case folding.
func fold(s string) string {
	if s == "" {
		return s
	}
	return cases.Fold().String(s)
}
