// Package storage defines the persistence port of the note store and its adapters.
package storage

import (
	"context"

	"github.com/starford/quill/internal/models"
)

// Backend is the durable store the note pipeline writes through.
// Implementations must be safe for concurrent use by calls targeting different ids.
type Backend interface {
	// Insert persists a new note and returns the identifier it was assigned.
	Insert(ctx context.Context, title, content string) (string, error)
	// Update replaces title and content of an existing note.
	// It returns an error wrapping apperr.ErrNotFound if id is unknown.
	Update(ctx context.Context, id, title, content string) error
	// Delete removes a note. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	// DeleteAll removes every note.
	DeleteAll(ctx context.Context) error
	// ScanAll returns every note in insertion order.
	ScanAll(ctx context.Context) ([]models.Note, error)
	// Close releases the backend's resources.
	Close() error
}
