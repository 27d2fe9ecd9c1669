// Package logging provides structured logging for upnpd.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the node: the SSDP transport, the
// protocol factory, the registry and the infrastructure clients all log
// through the same handler.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, or a file path
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	svc.SetLogger(logger.Component("upnp"))
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
