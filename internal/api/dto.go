package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/quill/internal/draft"
	"github.com/starford/quill/internal/models"
)

// Request size limits.
const (
	MaxTitleRunes = 512
	MaxContentLen = 1 << 20
)

// NoteRequest is the request body for creating or saving a note.
// Both fields may be empty.
type NoteRequest struct {
	Title   string `json:"title" example:"Groceries"`
	Content string `json:"content" example:"milk, eggs"`
}

// Validate validates the request.
func (r NoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.RuneLength(0, MaxTitleRunes)),
		validation.Field(&r.Content, validation.Length(0, MaxContentLen)),
	)
}

// DraftOpenRequest is the request body for opening a draft session.
// An empty ID starts a new, unsaved draft.
type DraftOpenRequest struct {
	ID      string `json:"id,omitempty" example:"1"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

// Validate validates the request.
func (r DraftOpenRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Length(0, 128)),
		validation.Field(&r.Title, validation.RuneLength(0, MaxTitleRunes)),
		validation.Field(&r.Content, validation.Length(0, MaxContentLen)),
	)
}

// NoteListResponse wraps a one-shot search result.
type NoteListResponse struct {
	Notes  []models.Note `json:"notes" validate:"required"`
	Total  int           `json:"total" example:"42" validate:"required"`
	Status string        `json:"status" example:"ready" validate:"required"`
	Error  string        `json:"error,omitempty"`
}

// DraftResponse describes a draft session.
type DraftResponse struct {
	Session string      `json:"session" example:"6f1c0c8e-2a57-4d0e-9a55-0b7d1b0c3f10" validate:"required"`
	State   string      `json:"state" example:"editing" validate:"required"`
	Pending bool        `json:"pending"`
	Note    models.Note `json:"note" validate:"required"`
	Error   string      `json:"error,omitempty"`
}

func newDraftResponse(key string, s *draft.Session) DraftResponse {
	resp := DraftResponse{
		Session: key,
		State:   s.State().String(),
		Pending: s.Pending(),
		Note:    s.Note(),
	}
	if err := s.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}
