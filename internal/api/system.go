package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/monitor"
)

// healthCheckTimeout bounds each component check run by /health.
const healthCheckTimeout = 2 * time.Second

// handleHealth reports overall health. It runs every registered component
// check and answers 503 when any of them fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "healthy"
	checks := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.health[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			status = "unhealthy"
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"checks":         checks,
	})
}

// handleStatus returns registry counts and WebSocket client numbers.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":                s.version,
		"started_at":             s.startedAt.UTC(),
		"local_devices":          len(s.registry.LocalDevices()),
		"remote_devices":         len(s.registry.RemoteDevices()),
		"incoming_subscriptions": s.registry.LocalSubscriptionCount(),
		"outgoing_subscriptions": len(s.registry.RemoteSubscriptions()),
		"websocket_clients":      s.hub.ClientCount(),
	})
}

// SearchRequest is the body of POST /api/v1/search.
type SearchRequest struct {
	Target string `json:"target"` // empty searches for all devices
	MX     int    `json:"mx"`     // 0 uses the configured default
}

// handleSearch sends an SSDP search. Responses arrive asynchronously and
// show up in the device list and on the WebSocket stream.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}
	if req.MX < 0 || req.MX > 120 {
		writeBadRequest(w, "mx must be between 0 and 120")
		return
	}

	if err := s.searcher.Search(r.Context(), req.Target, req.MX); err != nil {
		if errors.Is(err, monitor.ErrInvalidTarget) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("search failed", "target", req.Target, "error", err)
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "search could not be sent")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "searching",
		"target": req.Target,
	})
}
