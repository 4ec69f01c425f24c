package bridge

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns the bridge's HTTP surface: the typed message endpoint plus
// a convenience metrics snapshot.
func (b *Bridge) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/message", b.handleMessage)
	r.Get("/metrics", b.handleMetrics)
	return r
}

func (b *Bridge) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(Reply{Type: TypeError, Error: "invalid message body"})
		return
	}
	reply := b.Dispatch(r.Context(), msg)
	if reply == nil {
		// Fire-and-forget: acknowledged without a body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if reply.Type == TypeError {
		w.WriteHeader(http.StatusBadRequest)
	}
	_ = json.NewEncoder(w).Encode(reply)
}

func (b *Bridge) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(b.sink.Snapshot())
}
