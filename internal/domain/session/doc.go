// Package session owns the lifecycle of one remote compute session:
// acquiring it, watching it, and replacing it when it dies.
//
// Components:
//   - Manager: the lifecycle state machine and acquisition chain
//   - Monitor: supervising heartbeat loop with replace-on-death
//   - Handle: the held session paired with the server hosting it
//
// Acquisition Chain (GetOrStartSession):
//  1. The handle already held in memory wins.
//  2. Cache reattach: the persisted (server, session id) pair is probed
//     against the server.
//  3. Fresh start: provision a server, persist its connection, start a
//     session on it, persist the session id.
//
// The chain is total: it produces a live handle or the whole call fails.
// Step 3 persists the server connection before the session start so a
// crash between the two never leaves a running server nobody remembers.
//
// Lifecycle States:
//
//	unstarted -> connecting -> live -> (death) -> connecting -> live ...
//
// The shutdown state is terminal for the session at hand and reachable
// only through KillSession; the monitor replaces dead sessions, it never
// tears one down.
//
// Concurrency: one atomic acquiring flag serializes Run calls and
// monitor replacements against each other. Overlapping Run calls are
// dropped, not queued. Session handle writes go through the manager
// mutex; when paths race, the last writer wins.
//
// Example Usage:
//
//	mgr := session.NewManager(launcher, store, nil, session.Options{
//		ImageSpec: "ghcr.io/acme/notebook:latest",
//	}).WithLogger(logger).WithMetrics(metrics)
//
//	if err := mgr.Monitor(ctx, 5*time.Second); err != nil { ... }
//	if err := mgr.Run(ctx); err != nil { ... }
package session
