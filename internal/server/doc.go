// Package server assembles the stokerd daemon.
//
// It orchestrates all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (CORS, rate limiting, auth, recovery)
//   - Content root scanning and per-document session managers
//   - Session backend selection (embedded local kernel or launch service)
//   - WebSocket relay and transcript journaling
//
// Daemon Lifecycle:
//  1. Load configuration from environment
//  2. Initialize logger and metrics
//  3. Start the embedded kernel server, unless a launch service is configured
//  4. Scan the content root and register one manager per document
//  5. Setup HTTP routes and middleware
//  6. Start heartbeat monitors and serve
//  7. Graceful shutdown on signal; sessions stay cached for reattach
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(cfg)
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
