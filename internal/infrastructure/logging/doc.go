// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Daemon components tag their output with session and server fields
// (see WithSession, WithServer) so one session's lifecycle can be
// followed across manager, monitor, and relay logs.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("daemon starting", zap.String("port", "9210"))
//	logger.Error("launch failed", zap.Error(err))
package logging
