package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokehold/stoker/internal/protocol"
	"github.com/stokehold/stoker/internal/runner"
)

func testHub(t *testing.T) (*Hub, string) {
	t.Helper()

	gin.SetMode(gin.TestMode)
	hub := NewHub(nil, nil)

	router := gin.New()
	router.GET("/v1/documents/:id/events", hub.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, docID string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(base+"/v1/documents/"+docID+"/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f frame
	require.NoError(t, sonic.Unmarshal(data, &f))
	return f
}

func streamEvent(text string) runner.Event {
	return runner.Event{
		Type:   protocol.TypeStream,
		Seq:    1,
		Stream: &protocol.StreamContent{Name: "stdout", Text: text},
	}
}

func TestHelloOnConnect(t *testing.T) {
	_, base := testHub(t)
	conn := dial(t, base, "doc-1")

	f := readFrame(t, conn)
	assert.Equal(t, "hello", f.Type)
	assert.Equal(t, "doc-1", f.Doc)
}

func TestBroadcastReachesWatchers(t *testing.T) {
	hub, base := testHub(t)
	conn := dial(t, base, "doc-1")
	readFrame(t, conn) // hello

	require.Eventually(t, func() bool { return hub.Clients() == 1 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast("doc-1", streamEvent("out\n"))

	f := readFrame(t, conn)
	require.Equal(t, "event", f.Type)
	require.NotNil(t, f.Event)
	assert.Equal(t, protocol.TypeStream, f.Event.Type)
	assert.Equal(t, "out\n", f.Event.Stream.Text)
}

func TestBroadcastScopedToDocument(t *testing.T) {
	hub, base := testHub(t)
	watcher := dial(t, base, "doc-1")
	other := dial(t, base, "doc-2")
	readFrame(t, watcher)
	readFrame(t, other)

	require.Eventually(t, func() bool { return hub.Clients() == 2 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast("doc-1", streamEvent("scoped\n"))

	f := readFrame(t, watcher)
	assert.Equal(t, "event", f.Type)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "doc-2 watcher must not receive doc-1 events")
}

func TestSinkForBridgesRunner(t *testing.T) {
	hub, base := testHub(t)
	conn := dial(t, base, "doc-1")
	readFrame(t, conn)

	require.Eventually(t, func() bool { return hub.Clients() == 1 },
		2*time.Second, 10*time.Millisecond)

	var sink runner.Sink = hub.SinkFor("doc-1")
	sink.Event(streamEvent("via sink\n"))

	f := readFrame(t, conn)
	require.NotNil(t, f.Event)
	assert.Equal(t, "via sink\n", f.Event.Stream.Text)
}

func TestStalledClientDropped(t *testing.T) {
	hub, base := testHub(t)
	conn := dial(t, base, "doc-1")
	readFrame(t, conn)

	require.Eventually(t, func() bool { return hub.Clients() == 1 },
		2*time.Second, 10*time.Millisecond)

	// The client never reads. Frames are large enough that the socket
	// buffer fills, the write pump stalls, and the queue overflows.
	big := strings.Repeat("x", 256*1024)
	for i := 0; i < sendQueue*2; i++ {
		hub.Broadcast("doc-1", streamEvent(big))
	}

	require.Eventually(t, func() bool { return hub.Clients() == 0 },
		5*time.Second, 20*time.Millisecond)
	_ = conn
}

func TestBroadcastWithNoClients(t *testing.T) {
	hub, _ := testHub(t)
	assert.NotPanics(t, func() {
		hub.Broadcast("doc-1", streamEvent("nobody\n"))
	})
}
