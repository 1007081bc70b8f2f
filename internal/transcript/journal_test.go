package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokehold/stoker/internal/protocol"
	"github.com/stokehold/stoker/internal/runner"
	"github.com/stokehold/stoker/internal/shared/id"
)

func runEvent(run string, seq int) runner.Event {
	evt := testEvent(seq, protocol.TypeStream)
	evt.RunID = id.RunID(run)
	return evt
}

func TestJournalRotatesPerRun(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, nil)

	j.Event(runEvent("run_A", 1))
	j.Event(runEvent("run_A", 2))
	j.Event(runEvent("run_B", 1))
	require.NoError(t, j.Close())

	first, err := Read(dir, "run_A")
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := Read(dir, "run_B")
	require.NoError(t, err)
	assert.Len(t, second, 1)
}

func TestJournalCloseWithoutEvents(t *testing.T) {
	j := NewJournal(t.TempDir(), nil)
	require.NoError(t, j.Close())
}

func TestJournalCloseDuringEvents(t *testing.T) {
	// Daemon teardown closes the journal while a run may still be
	// emitting. Exercised under -race.
	j := NewJournal(t.TempDir(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 50; i++ {
			j.Event(runEvent("run_A", i))
		}
	}()

	require.NoError(t, j.Close())
	<-done
	require.NoError(t, j.Close())
}
