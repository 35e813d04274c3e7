package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/testforge/internal/pipeline"
	"github.com/lucasnoah/testforge/internal/report"
)

// handleStream serves Server-Sent Events with the run's summary. It re-reads
// the checkpoint every pollInterval, sends a "progress" event whenever the
// summary changed, and a final "done" event once the run is no longer
// running.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, cp *pipeline.Checkpoint) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(event string, data []byte) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	var last []byte
	for {
		data, _ := json.Marshal(report.Summarize(cp))
		if !bytes.Equal(data, last) {
			send("progress", data)
			last = data
		}
		if cp.Status != pipeline.RunRunning {
			send("done", data)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.pollInterval):
		}

		next, err := s.store.Load(cp.RunID)
		if err != nil {
			fmt.Fprintf(w, "event: done\ndata: %q\n\n", err.Error())
			flusher.Flush()
			return
		}
		cp = next
	}
}
