// Package models defines the domain types for Quill.
package models

// Note is a short text note. An empty ID marks a draft that has never been persisted.
type Note struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Persisted reports whether the backend has assigned the note an identity.
func (n Note) Persisted() bool {
	return n.ID != ""
}

// ChangeKind names a committed mutation of the note set.
type ChangeKind string

// Change kinds, in the vocabulary used by the SSE change feed.
const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeCleared  ChangeKind = "cleared"
	ChangeReloaded ChangeKind = "reloaded"
)

// Change is one backend-confirmed mutation.
// Note is the zero value for ChangeCleared; Notes carries the full set for ChangeReloaded.
type Change struct {
	Kind  ChangeKind
	Note  Note
	Notes []Note
}
