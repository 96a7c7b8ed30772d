package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/progress"
)

// handleEvents streams a run's events as server-sent events. Clients
// resume with Last-Event-ID or ?after=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, caller domain.Caller) {
	docID, runID := r.PathValue("id"), r.PathValue("runId")
	if _, err := s.ctl.Run(r.Context(), caller, docID, runID); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	after := r.Header.Get("Last-Event-ID")
	if q := r.URL.Query().Get("after"); q != "" {
		after = q
	}

	log := s.log.FromContext(r.Context()).With("document_id", docID).With("run_id", runID)
	err := s.ctl.Feed().Stream(r.Context(), docID, runID, progress.StreamOptions{
		AfterID: after,
		OnEvent: func(e domain.Event) error {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
		KeepAlive: s.cfg.KeepAlive,
		OnKeepAlive: func() error {
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	})
	if err != nil && r.Context().Err() == nil {
		log.Warn("stream_closed", nil, err)
	}
}
