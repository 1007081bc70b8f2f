package session

// State represents the manager's position in the session lifecycle.
type State string

const (
	// StateUnstarted means no session was ever acquired and none is in
	// flight.
	StateUnstarted State = "unstarted"

	// StateConnecting means an acquisition is in flight: a first start,
	// a reattach that fell through to provisioning, or a monitor-driven
	// replacement.
	StateConnecting State = "connecting"

	// StateLive means a session handle is held and was reachable the
	// last time anything checked.
	StateLive State = "live"

	// StateShutDown means the session was explicitly killed. Nothing
	// enters this state automatically; a later Run leaves it.
	StateShutDown State = "shutdown"
)

// Origins recorded when a session starts, for logs and metrics.
const (
	originFresh    = "fresh"
	originReattach = "reattach"
	originReplace  = "replace"
)
