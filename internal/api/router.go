package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/quill/internal/draft"
	"github.com/starford/quill/internal/notestore"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(store *notestore.Store, drafts *draft.Registry, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(store, drafts)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notes.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Delete("/notes", h.ClearNotes)
	r.Get("/notes/{id}", h.GetNote)
	r.Put("/notes/{id}", h.SaveNote)
	r.Delete("/notes/{id}", h.RemoveNote)

	r.Post("/reload", h.Reload)

	// Live search.
	r.Get("/search/live", h.LiveSearch)

	// Draft sessions.
	r.Post("/drafts", h.OpenDraft)
	r.Get("/drafts/{session}", h.GetDraft)
	r.Patch("/drafts/{session}", h.EditDraft)
	r.Post("/drafts/{session}/flush", h.FlushDraft)
	r.Delete("/drafts/{session}", h.CloseDraft)
	r.Delete("/drafts/{session}/note", h.DeleteDraftNote)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
