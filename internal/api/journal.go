package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-upnp/internal/journal"
)

// parseFilter reads udn, kind, service_id, since (RFC 3339) and limit from
// the query string.
func parseFilter(r *http.Request) (journal.Filter, error) {
	q := r.URL.Query()
	f := journal.Filter{
		UDN:       q.Get("udn"),
		Kind:      q.Get("kind"),
		ServiceID: q.Get("service_id"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, err
		}
		f.Limit = n
	}
	return f, nil
}

// handleJournalDevices lists recorded device lifecycle events.
func (s *Server) handleJournalDevices(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeBadRequest(w, "invalid query: "+err.Error())
		return
	}
	events, err := s.journal.ListDeviceEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing device events", "error", err)
		writeInternalError(w, "failed to list device events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleJournalStates lists recorded evented state values.
func (s *Server) handleJournalStates(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeBadRequest(w, "invalid query: "+err.Error())
		return
	}
	events, err := s.journal.ListStateEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing state events", "error", err)
		writeInternalError(w, "failed to list state events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}
