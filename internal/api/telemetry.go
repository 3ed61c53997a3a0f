package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleIngestTelemetry accepts a JSON object of sensor readings from a device.
// Unknown keys are stored verbatim; unmapped devices land in the unknown group.
func (s *Server) handleIngestTelemetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	reading, err := s.gw.IngestTelemetry(r.Context(), id, values)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, reading)
}

// handleDeviceLatest returns the most recent reading of a device.
func (s *Server) handleDeviceLatest(w http.ResponseWriter, r *http.Request) {
	reading, err := s.gw.Latest(chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// handleGroupLatest returns the latest reading of every reporting device in a group.
func (s *Server) handleGroupLatest(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	readings, err := s.gw.LatestByGroup(group)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group":   group,
		"devices": readings,
		"count":   len(readings),
	})
}

// handleGroupHistory returns the retained readings of a group, oldest first.
func (s *Server) handleGroupHistory(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	history, err := s.gw.History(group)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group":    group,
		"readings": history,
		"count":    len(history),
	})
}
