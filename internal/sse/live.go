package sse

import (
	"net/http"

	"github.com/starford/quill/internal/models"
	"github.com/starford/quill/internal/querycache"
)

// ResultData is the payload of a live search "result" event.
type ResultData struct {
	Query   string        `json:"query"`
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Version uint64        `json:"version"`
	Total   int           `json:"total"`
	Notes   []models.Note `json:"notes"`
}

// NewResultData converts a subscription result for the wire.
func NewResultData(query string, r querycache.Result) ResultData {
	d := ResultData{
		Query:   query,
		Status:  string(r.Status),
		Version: r.Version,
		Total:   len(r.Notes),
		Notes:   r.Notes,
	}
	if d.Notes == nil {
		d.Notes = []models.Note{}
	}
	if r.Err != nil {
		d.Error = r.Err.Error()
	}
	return d
}

// ServeSubscription streams sub as "result" events until the client goes
// away or the subscription is closed. The current result is sent first.
// The caller keeps ownership of sub.
func ServeSubscription(w http.ResponseWriter, r *http.Request, sub *querycache.Subscription) {
	flusher, ok := startStream(w)
	if !ok {
		return
	}

	send := func(res querycache.Result) bool {
		raw, err := format(Event{Type: "result", Data: NewResultData(sub.Query(), res)})
		if err != nil {
			return false
		}
		if _, err := w.Write(raw); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	last := sub.Result()
	if !send(last) {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Updates():
			if !ok {
				return
			}
			res := sub.Result()
			if res.Version == last.Version {
				continue
			}
			last = res
			if !send(res) {
				return
			}
		}
	}
}
