package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)

	if s.scrape != nil {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.scrape)
	}

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Route("/{udn}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Post("/services/{serviceID}/actions/{action}", s.handleInvokeAction)
			})
		})

		r.Get("/subscriptions", s.handleListSubscriptions)

		if s.searcher != nil {
			r.Post("/search", s.handleSearch)
		}

		if s.journal != nil {
			r.Route("/journal", func(r chi.Router) {
				r.Get("/devices", s.handleJournalDevices)
				r.Get("/states", s.handleJournalStates)
			})
		}
	})

	return r
}
