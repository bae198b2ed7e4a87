package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/quill/internal/apperr"
	"github.com/starford/quill/internal/draft"
	"github.com/starford/quill/internal/models"
	"github.com/starford/quill/internal/notestore"
	"github.com/starford/quill/internal/sse"
)

// Handler holds API route handlers.
type Handler struct {
	store  *notestore.Store
	drafts *draft.Registry
}

// NewHandler creates a new Handler.
func NewHandler(store *notestore.Store, drafts *draft.Registry) *Handler {
	return &Handler{store: store, drafts: drafts}
}

// ListNotes handles GET /api/notes.
//
//	@Summary		Search notes once
//	@Tags			notes
//	@Produce		json
//	@Param			q	query		string	false	"Case-insensitive substring; empty matches all"
//	@Success		200	{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	sub := h.store.Search(r.URL.Query().Get("q"))
	res := sub.Result()
	sub.Close()

	data := sse.NewResultData(sub.Query(), res)
	writeJSON(w, http.StatusOK, NoteListResponse{
		Notes:  data.Notes,
		Total:  data.Total,
		Status: data.Status,
		Error:  data.Error,
	})
}

// GetNote handles GET /api/notes/{id}.
//
//	@Summary		Get a single note by id
//	@Tags			notes
//	@Produce		json
//	@Param			id	path		string	true	"Note id"
//	@Success		200	{object}	models.Note
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	note, ok := h.store.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Create a new note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		NoteRequest	true	"Note to create"
//	@Success		201		{object}	models.Note
//	@Failure		400		{object}	errResponse
//	@Failure		500		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "create note", err)
		return
	}
	note, err := h.store.Create(r.Context(), req.Title, req.Content)
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// SaveNote handles PUT /api/notes/{id}.
//
//	@Summary		Replace the title and content of a note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string		true	"Note id"
//	@Param			body	body		NoteRequest	true	"New title and content"
//	@Success		200		{object}	models.Note
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{id} [put]
func (h *Handler) SaveNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req NoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "save note", err)
		return
	}
	note, err := h.store.Save(r.Context(), id, req.Title, req.Content)
	if err != nil {
		writeError(w, "save note", err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// RemoveNote handles DELETE /api/notes/{id}. Removing a missing note succeeds.
//
//	@Summary		Delete a note
//	@Tags			notes
//	@Param			id	path	string	true	"Note id"
//	@Success		204	"Note deleted"
//	@Security		BearerAuth
//	@Router			/notes/{id} [delete]
func (h *Handler) RemoveNote(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "remove note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearNotes handles DELETE /api/notes.
//
//	@Summary		Delete every note
//	@Tags			notes
//	@Success		204	"All notes deleted"
//	@Security		BearerAuth
//	@Router			/notes [delete]
func (h *Handler) ClearNotes(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearAll(r.Context()); err != nil {
		writeError(w, "clear notes", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reload handles POST /api/reload.
//
//	@Summary		Rescan the backend
//	@Tags			notes
//	@Success		204	"Reloaded"
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/reload [post]
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Reload(r.Context()); err != nil {
		writeError(w, "reload", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LiveSearch handles GET /api/search/live as an SSE stream of "result" events.
//
//	@Summary		Stream a live search result
//	@Tags			search
//	@Produce		text/event-stream
//	@Param			q	query	string	false	"Case-insensitive substring; empty matches all"
//	@Success		200
//	@Security		BearerAuth
//	@Router			/search/live [get]
func (h *Handler) LiveSearch(w http.ResponseWriter, r *http.Request) {
	sub := h.store.Search(r.URL.Query().Get("q"))
	defer sub.Close()
	sse.ServeSubscription(w, r, sub)
}

// OpenDraft handles POST /api/drafts.
//
//	@Summary		Open a draft session
//	@Tags			drafts
//	@Accept			json
//	@Produce		json
//	@Param			body	body		DraftOpenRequest	false	"Existing note id or initial text"
//	@Success		201		{object}	DraftResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/drafts [post]
func (h *Handler) OpenDraft(w http.ResponseWriter, r *http.Request) {
	var req DraftOpenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "open draft", err)
		return
	}
	note := models.Note{Title: req.Title, Content: req.Content}
	if req.ID != "" {
		existing, ok := h.store.Get(req.ID)
		if !ok {
			writeError(w, "open draft", fmt.Errorf("note %q: %w", req.ID, apperr.ErrNotFound))
			return
		}
		note = existing
	}
	key, s := h.drafts.Open(note)
	writeJSON(w, http.StatusCreated, newDraftResponse(key, s))
}

// GetDraft handles GET /api/drafts/{session}.
//
//	@Summary		Inspect a draft session
//	@Tags			drafts
//	@Produce		json
//	@Param			session	path		string	true	"Session key"
//	@Success		200		{object}	DraftResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/drafts/{session} [get]
func (h *Handler) GetDraft(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "session")
	s, ok := h.drafts.Get(key)
	if !ok {
		writeError(w, "get draft", draft.ErrUnknownSession)
		return
	}
	writeJSON(w, http.StatusOK, newDraftResponse(key, s))
}

// EditDraft handles PATCH /api/drafts/{session}.
//
//	@Summary		Record an edit; the write happens after the debounce window
//	@Tags			drafts
//	@Accept			json
//	@Produce		json
//	@Param			session	path		string		true	"Session key"
//	@Param			body	body		NoteRequest	true	"Latest title and content"
//	@Success		202		{object}	DraftResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/drafts/{session} [patch]
func (h *Handler) EditDraft(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "session")
	s, ok := h.drafts.Get(key)
	if !ok {
		writeError(w, "edit draft", draft.ErrUnknownSession)
		return
	}
	var req NoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "edit draft", err)
		return
	}
	if err := s.Edit(req.Title, req.Content); err != nil {
		writeError(w, "edit draft", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newDraftResponse(key, s))
}

// FlushDraft handles POST /api/drafts/{session}/flush.
//
//	@Summary		Write pending edits now
//	@Tags			drafts
//	@Produce		json
//	@Param			session	path		string	true	"Session key"
//	@Success		200		{object}	DraftResponse
//	@Failure		404		{object}	errResponse
//	@Failure		500		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/drafts/{session}/flush [post]
func (h *Handler) FlushDraft(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "session")
	s, ok := h.drafts.Get(key)
	if !ok {
		writeError(w, "flush draft", draft.ErrUnknownSession)
		return
	}
	if err := s.Flush(r.Context()); err != nil {
		writeError(w, "flush draft", err)
		return
	}
	writeJSON(w, http.StatusOK, newDraftResponse(key, s))
}

// CloseDraft handles DELETE /api/drafts/{session}.
//
//	@Summary		Close a draft session, saving pending edits of a persisted note
//	@Tags			drafts
//	@Param			session	path	string	true	"Session key"
//	@Success		204		"Session closed"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/drafts/{session} [delete]
func (h *Handler) CloseDraft(w http.ResponseWriter, r *http.Request) {
	if err := h.drafts.Close(r.Context(), chi.URLParam(r, "session")); err != nil {
		writeError(w, "close draft", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteDraftNote handles DELETE /api/drafts/{session}/note.
//
//	@Summary		Delete the session's note and end the session
//	@Tags			drafts
//	@Param			session	path	string	true	"Session key"
//	@Success		204		"Note deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/drafts/{session}/note [delete]
func (h *Handler) DeleteDraftNote(w http.ResponseWriter, r *http.Request) {
	if err := h.drafts.Delete(r.Context(), chi.URLParam(r, "session")); err != nil {
		writeError(w, "delete draft note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
