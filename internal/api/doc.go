// Package api implements the HTTP status API and WebSocket event stream of
// upnpd.
//
// This package provides:
//   - Read-only views of the registry: local and remote devices, their
//     services, and outgoing GENA subscriptions with their last values
//   - Journal queries over recorded device and state events
//   - Search and action invocation on behalf of HTTP clients
//   - A WebSocket hub that relays monitor events live
//   - The Prometheus scrape endpoint and an aggregated health check
//
// # Routes
//
//	GET  /health
//	GET  /metrics
//	GET  /ws
//	GET  /api/v1/status
//	GET  /api/v1/devices
//	GET  /api/v1/devices/{udn}
//	POST /api/v1/devices/{udn}/services/{serviceId}/actions/{action}
//	GET  /api/v1/subscriptions
//	POST /api/v1/search
//	GET  /api/v1/journal/devices
//	GET  /api/v1/journal/states
//
// # Graceful Degradation
//
// The journal, metrics and search routes are only mounted when their
// dependencies are present, so the server runs with whatever integrations
// are enabled. Without an Invoker, actions on remote devices answer 503
// while local actions still run.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
