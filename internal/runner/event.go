package runner

import (
	"time"

	"github.com/stokehold/stoker/internal/protocol"
	"github.com/stokehold/stoker/internal/shared/id"
)

// Event is one classified output produced during a run, shaped for
// relaying to pages and for journaling. Exactly one of the content
// pointers is set, matching Type.
type Event struct {
	RunID  id.RunID      `json:"run_id"`
	CellID string        `json:"cell_id,omitempty"`
	Seq    int           `json:"seq"`
	Type   protocol.Type `json:"type"`
	At     time.Time     `json:"at"`

	Status  *protocol.StatusContent  `json:"status,omitempty"`
	Stream  *protocol.StreamContent  `json:"stream,omitempty"`
	Display *protocol.DisplayContent `json:"display,omitempty"`
	Result  *protocol.ResultContent  `json:"result,omitempty"`
	Error   *protocol.ErrorContent   `json:"error,omitempty"`
}

// Sink receives events as they stream off a session channel. Event is
// called from the run goroutine; implementations must not block on it.
type Sink interface {
	Event(evt Event)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

// Event implements Sink.
func (f Fanout) Event(evt Event) {
	for _, sink := range f {
		sink.Event(evt)
	}
}
