package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListDevices returns every known device with its connectivity.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.gw.ListDevices()

	if group := r.URL.Query().Get("group"); group != "" {
		filtered := devices[:0]
		for _, d := range devices {
			if d.Group == group {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.gw.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDeviceState returns the projected actuator state of a device.
func (s *Server) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	state, err := s.gw.DeviceState(chi.URLParam(r, "id"))
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
