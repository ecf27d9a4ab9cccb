package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

const heartbeatInterval = 30 * time.Second

func activityQueryFromRequest(r *http.Request, username string) store.ActivityQuery {
	q := store.ActivityQuery{
		Username: username,
		Category: types.ActivityCategory(r.URL.Query().Get("category")),
		Limit:    queryInt(r, "limit", 200),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		if since, err := time.Parse(time.RFC3339, raw); err == nil {
			q.Since = &since
		}
	}
	return q
}

func (s *Server) handleQueryActivity(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	username := p.Username
	if asked := r.URL.Query().Get("username"); asked != "" && asked != username {
		if _, err := s.authorize(r, asked, false); err != nil {
			respondError(w, r, err)
			return
		}
		username = asked
	}
	entries, err := s.activity.Query(activityQueryFromRequest(r, username))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAdminActivity(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAdmin(r); err != nil {
		respondError(w, r, err)
		return
	}
	entries, err := s.activity.Query(activityQueryFromRequest(r, r.URL.Query().Get("username")))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	username := r.URL.Query().Get("username")
	if p.Role != types.RoleAdmin {
		username = p.Username
	}
	evs, err := s.store.ListSecurityEvents(username, queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, evs)
}

// handleUserStream streams the caller's events as SSE.
func (s *Server) handleUserStream(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.streamEvents(w, r, s.bus.SubscribeUser(p.Username))
}

// handleAdminStream streams all events to an admin.
func (s *Server) handleAdminStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireAdmin(r); err != nil {
		respondError(w, r, err)
		return
	}
	s.streamEvents(w, r, s.bus.Subscribe())
}

// streamEvents forwards bus events over SSE with periodic heartbeats
// until the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, sub events.Subscriber) {
	defer s.bus.Unsubscribe(sub)

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, apperr.New(apperr.KindOperation, "sse_unsupported", "streaming unsupported by connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
