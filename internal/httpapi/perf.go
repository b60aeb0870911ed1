package httpapi

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ent0n29/chatsession/internal/observability"
)

// handlePerfLatency reports recent turn latencies, optionally for a single
// assistant given by ?assistant=.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	assistantType := strings.TrimSpace(r.URL.Query().Get("assistant"))
	if assistantType != "" && !slices.Contains(s.opts.Assistants, assistantType) {
		respondError(w, http.StatusNotFound, "unknown_assistant", ErrUnknownAssistant.Error())
		return
	}
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.LatencyReport{
			GeneratedAt: time.Now().UTC(),
			Stages:      []observability.StageLatency{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.LatencyReport(assistantType))
}
