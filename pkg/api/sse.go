package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// handleSubscribe streams a run's event log over SSE. Replay starts
// after since_seq, then the stream tails live events; heartbeats keep
// proxies from closing idle connections. The channel ends when the run
// reaches a terminal state.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	run, ok := s.tenantRun(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		WriteInternal(w, fmt.Errorf("response writer does not support streaming"))
		return
	}
	sinceSeq, _ := strconv.ParseUint(r.URL.Query().Get("since_seq"), 10, 64)

	events, err := s.hub.Subscribe(r.Context(), run.RunID, sinceSeq)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				s.logger.Error("encoding event", "run_id", run.RunID, "seq", ev.Seq, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.Seq, data)
			flusher.Flush()
		}
	}
}
