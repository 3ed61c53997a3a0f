package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/growlink-core/internal/command"
)

// SubmitCommandRequest is the body of POST /devices/{id}/commands.
// Omitted value and duration take the kind's defaults.
type SubmitCommandRequest struct {
	Kind     string   `json:"kind"`
	Value    *float64 `json:"value,omitempty"`
	Duration *int     `json:"duration,omitempty"`
}

// OutcomeRequest is the body of POST /devices/{id}/commands/{cmdID}/outcome.
type OutcomeRequest struct {
	Success *bool `json:"success"`
}

// handleSubmitCommand queues a command for a device.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Kind == "" {
		writeBadRequest(w, "kind is required")
		return
	}
	kind, err := command.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("unknown command kind %q; supported: %s", req.Kind, kindList()))
		return
	}

	cmd, err := s.gw.SubmitCommand(r.Context(), command.SubmitRequest{
		DeviceID:   chi.URLParam(r, "id"),
		Kind:       kind,
		Value:      req.Value,
		DurationMS: req.Duration,
		IssuedBy:   operatorFrom(r),
	})
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cmd)
}

func kindList() string {
	kinds := command.AllKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

// handlePollCommands is the device pull path. Every pending command is
// returned once and counts as delivered.
func (s *Server) handlePollCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.gw.PollCommands(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": cmds,
		"count":    len(cmds),
	})
}

// handlePushCommands pushes not-yet-pushed pending commands over the
// device's live channels.
func (s *Server) handlePushCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.gw.PushCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pushed": cmds,
		"count":  len(cmds),
	})
}

func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.gw.ListCommands(chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": cmds,
		"count":    len(cmds),
	})
}

// handleReportOutcome records a device's result for a command. Repeated
// reports return the recorded command unchanged.
func (s *Server) handleReportOutcome(w http.ResponseWriter, r *http.Request) {
	cmdID, ok := parseCommandID(w, r)
	if !ok {
		return
	}

	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Success == nil {
		writeBadRequest(w, "success is required")
		return
	}

	cmd, err := s.gw.ReportCommandOutcome(r.Context(), chi.URLParam(r, "id"), cmdID, *req.Success)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmdID, ok := parseCommandID(w, r)
	if !ok {
		return
	}
	cmd, err := s.gw.GetCommand(cmdID)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// parseCommandID reads the {cmdID} URL parameter, writing a 400 on failure.
func parseCommandID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "cmdID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command id must be a positive integer")
		return 0, false
	}
	return id, true
}
