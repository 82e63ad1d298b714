package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleStream serves a project's reconciled cards as server-sent events.
// The first event names the board session; every later "cards" event is the
// full board after a change.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := sessionFrom(r)
	projectID := chi.URLParam(r, "projectID")
	rc := http.NewResponseController(w)

	var (
		mu      sync.Mutex
		started bool
		ended   bool
		stop    = make(chan struct{})
	)
	send := func(frame string) bool {
		mu.Lock()
		defer mu.Unlock()
		if ended {
			return false
		}
		if _, err := fmt.Fprint(w, frame); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	opened := func(boardSessionID string) {
		_ = rc.SetWriteDeadline(time.Time{})
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set(BoardSessionHeader, boardSessionID)
		w.WriteHeader(http.StatusOK)
		started = true

		payload, _ := json.Marshal(map[string]string{"session_id": boardSessionID})
		send(fmt.Sprintf("event: session\ndata: %s\n\n", payload))

		go func() {
			ticker := time.NewTicker(s.heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if !send(": ping\n\n") {
						return
					}
				}
			}
		}()
	}

	err := s.service.SubscribeToProjectCards(ctx, session, projectID, opened, func(view BoardView) {
		payload, err := json.Marshal(view)
		if err != nil {
			s.log.Error("encode board frame", "project_id", projectID, "error", err)
			return
		}
		send(fmt.Sprintf("event: cards\ndata: %s\n\n", payload))
	})
	close(stop)
	mu.Lock()
	ended = true
	mu.Unlock()
	if err != nil && !started {
		s.writeServiceError(w, r, err)
		return
	}
	if err != nil && ctx.Err() == nil {
		s.log.Warn("card stream ended", "project_id", projectID, "user_id", session.UserID, "error", err)
	}
}
