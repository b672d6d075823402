package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/tydom-bridge/internal/bridges/tydom"
	"github.com/nerrad567/tydom-bridge/internal/device"
)

// maxQueryParamLen bounds identifiers accepted from the URL.
const maxQueryParamLen = 128

// commandRequest is the body of POST /devices/{id}/commands.
type commandRequest struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// handleListDevices returns every device snapshot.
//
// Query parameters:
//   - kind: filter by device kind (shutter, light, boiler, ...)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	kind := device.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeBadRequest(w, "unknown device kind")
		return
	}

	devices := s.registry.List()
	snaps := make([]device.Snapshot, 0, len(devices))
	for _, dev := range devices {
		if kind != "" && dev.Kind() != kind {
			continue
		}
		snaps = append(snaps, dev.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": snaps, "count": len(snaps)})
}

// handleGetDevice returns a single device by unique id. Last-Modified is
// the time of the device's last merge; a matching If-Modified-Since
// answers 304.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeNotFound(w, "device not found")
		return
	}

	modified := dev.UpdatedAt().Truncate(time.Second)
	w.Header().Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
	if since, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !modified.After(since) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, dev.Snapshot())
}

// handleDeviceStats returns the device count per kind.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.GetStats()
	byKind := make(map[string]int, len(stats.ByKind))
	for k, n := range stats.ByKind {
		byKind[string(k)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   stats.TotalDevices,
		"by_kind": byKind,
		"catalog": s.catalog.Len(),
	})
}

// handleDeviceCommand forwards a command to the gateway and returns the
// acknowledgement. Accepted commands answer 202.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid device ID")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "command is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ack := s.bridge.ExecuteCommand(r.Context(), tydom.CommandMessage{
		ID:         req.ID,
		DeviceID:   id,
		Command:    req.Command,
		Parameters: req.Parameters,
		Source:     "api",
	})
	writeJSON(w, ackStatus(ack), ack)
}

// ackStatus maps an acknowledgement onto an HTTP status code.
func ackStatus(ack tydom.AckMessage) int {
	if ack.Error == nil {
		return http.StatusAccepted
	}
	switch ack.Error.Code {
	case tydom.ErrCodeDeviceNotFound:
		return http.StatusNotFound
	case tydom.ErrCodeInvalidCommand, tydom.ErrCodeInvalidParameters:
		return http.StatusBadRequest
	case tydom.ErrCodeNotConfigured:
		return http.StatusConflict
	case tydom.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case tydom.ErrCodeGatewayError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleListScenarios returns the scenarios reported by the gateway.
func (s *Server) handleListScenarios(w http.ResponseWriter, _ *http.Request) {
	scenarios := s.catalog.Scenarios()
	slices.SortFunc(scenarios, func(a, b device.Scenario) int { return strings.Compare(a.ID, b.ID) })
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": scenarios, "count": len(scenarios)})
}

// handleActivateScenario triggers a gateway scenario.
func (s *Server) handleActivateScenario(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid scenario ID")
		return
	}

	if err := s.bridge.ActivateScenario(r.Context(), id); err != nil {
		ack := tydom.NewAckError(tydom.CommandMessage{ID: id, DeviceID: id, Command: tydom.CmdActivateScenario}, tydom.ErrorCode(err), err.Error())
		writeJSON(w, ackStatus(ack), ack)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scenario_id": id, "status": tydom.AckAccepted})
}

// handleListGroups returns the gateway groups.
func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.catalog.Groups()
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups, "count": len(groups)})
}
