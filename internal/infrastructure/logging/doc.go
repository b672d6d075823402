// Package logging provides structured logging for the Tydom bridge.
//
// It wraps the standard log/slog package so every component logs with the
// same handler, level and default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("gateway connected", "host", host)
//	logger.Error("send failed", "error", err)
//
// # Security
//
// Attributes named password, pwd, pin, alarm_pin, token, access_token or
// authorization are replaced with [REDACTED] before they are written.
package logging
