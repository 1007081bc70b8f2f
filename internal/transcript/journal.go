package transcript

import (
	"sync"

	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/runner"
	"github.com/stokehold/stoker/internal/shared/id"
)

// Journal is a long-lived runner.Sink that rotates transcripts per run:
// the first event of a new run seals the previous file and opens one
// named after the run id. Wired into a document's sink fanout once, it
// journals every run for the daemon's lifetime.
type Journal struct {
	dir    string
	logger *logging.Logger

	mu      sync.Mutex
	current *Writer  // Protected by mu
	run     id.RunID // Protected by mu
}

// NewJournal creates a journal writing under dir. Files are created
// lazily, on the first event.
func NewJournal(dir string, logger *logging.Logger) *Journal {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Journal{dir: dir, logger: logger}
}

// Event implements runner.Sink. Failures are logged and dropped: a
// broken journal must not fail the run it records.
func (j *Journal) Event(evt runner.Event) {
	// Events of one run arrive from a single goroutine, but a daemon
	// shutdown can Close the journal while a run is still emitting.
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.current == nil || evt.RunID != j.run {
		if j.current != nil {
			if err := j.current.Close(); err != nil {
				j.logger.Warn("seal transcript failed", zap.Error(err))
			}
		}
		w, err := NewWriter(j.dir, evt.RunID.String(), j.logger)
		if err != nil {
			j.logger.Warn("open transcript failed",
				zap.String("run_id", evt.RunID.String()),
				zap.Error(err))
			j.current = nil
			return
		}
		j.current = w
		j.run = evt.RunID
	}

	j.current.Event(evt)
}

// Close seals the transcript in progress, if any.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.current == nil {
		return nil
	}
	w := j.current
	j.current = nil
	return w.Close()
}
