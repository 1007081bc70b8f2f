package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokehold/stoker/internal/protocol"
	"github.com/stokehold/stoker/internal/runner"
	"github.com/stokehold/stoker/internal/shared/id"
)

func testEvent(seq int, typ protocol.Type) runner.Event {
	evt := runner.Event{
		RunID:  id.RunID("run_TEST"),
		CellID: "cell-1",
		Seq:    seq,
		Type:   typ,
		At:     time.Now().UTC().Truncate(time.Millisecond),
	}
	switch typ {
	case protocol.TypeStream:
		evt.Stream = &protocol.StreamContent{Name: "stdout", Text: "hello\n"}
	case protocol.TypeStatus:
		evt.Status = &protocol.StatusContent{State: "idle"}
	}
	return evt
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "sess-1", nil)
	require.NoError(t, err)

	want := []runner.Event{
		testEvent(1, protocol.TypeStream),
		testEvent(2, protocol.TypeStream),
		testEvent(3, protocol.TypeStatus),
	}
	for _, evt := range want {
		require.NoError(t, w.Append(evt))
	}
	require.NoError(t, w.Close())

	got, err := Read(dir, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Seq, got[i].Seq)
		assert.Equal(t, want[i].Type, got[i].Type)
	}
	assert.Equal(t, "hello\n", got[0].Stream.Text)
}

func TestAppendAfterClose(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "sess-2", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Append(testEvent(1, protocol.TypeStream)), ErrClosed)
}

func TestCloseTwice(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "sess-3", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestEventSinkDropsOnClosedWriter(t *testing.T) {
	// runner.Sink delivery must never panic, even on a sealed journal.
	w, err := NewWriter(t.TempDir(), "sess-4", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.NotPanics(t, func() { w.Event(testEvent(1, protocol.TypeStream)) })
}

func TestNewWriterTruncatesExisting(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "sess-5", nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(testEvent(1, protocol.TypeStream)))
	require.NoError(t, w.Close())

	w, err = NewWriter(dir, "sess-5", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := Read(dir, "sess-5")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSanitizeSessionID(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "../evil/../../id", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")
	assert.Equal(t, filepath.Base(entries[0].Name()), entries[0].Name())
}

func TestReadMissing(t *testing.T) {
	_, err := Read(t.TempDir(), "nope")
	assert.Error(t, err)
}
