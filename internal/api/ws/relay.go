// Package ws relays classified run output to connected pages. Each page
// opens one websocket per document; the hub fans events out with a
// bounded queue per connection and drops consumers that cannot keep up,
// so one stalled page can never hold back a run.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/infrastructure/monitoring"
	"github.com/stokehold/stoker/internal/runner"
	"github.com/stokehold/stoker/internal/shared/id"
)

const (
	// sendQueue bounds the per-connection backlog before a consumer is
	// considered stalled and dropped.
	sendQueue = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Pages are served from arbitrary local origins; auth happens at
		// the API middleware layer, not per origin.
		return true
	},
}

// frame is the wire shape pushed to pages.
type frame struct {
	Type  string       `json:"type"` // "event" or "hello"
	Doc   string       `json:"doc,omitempty"`
	Event *runner.Event `json:"event,omitempty"`
}

// client is one connected page.
type client struct {
	id    id.RelayID
	docID string
	conn  *websocket.Conn
	send  chan []byte
	once  sync.Once
}

// Hub fans run events out to connected pages.
type Hub struct {
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.RWMutex
	clients map[id.RelayID]*client // Protected by mu
}

// NewHub creates an empty relay hub.
func NewHub(logger *logging.Logger, metrics *monitoring.Metrics) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		logger:  logger,
		metrics: metrics,
		clients: make(map[id.RelayID]*client),
	}
}

// SinkFor returns a runner.Sink that broadcasts events for one document.
func (h *Hub) SinkFor(docID string) runner.Sink {
	return sinkFunc(func(evt runner.Event) { h.Broadcast(docID, evt) })
}

type sinkFunc func(evt runner.Event)

func (f sinkFunc) Event(evt runner.Event) { f(evt) }

// Broadcast pushes one event to every client watching the document.
// Never blocks: a client whose queue is full is dropped.
func (h *Hub) Broadcast(docID string, evt runner.Event) {
	data, err := sonic.Marshal(frame{Type: "event", Doc: docID, Event: &evt})
	if err != nil {
		h.logger.Warn("encode relay frame failed", zap.Error(err))
		return
	}

	var stalled []*client
	h.mu.RLock()
	for _, cl := range h.clients {
		if cl.docID != docID {
			continue
		}
		select {
		case cl.send <- data:
			if h.metrics != nil {
				h.metrics.RecordRelayMessage("out", string(evt.Type))
			}
		default:
			stalled = append(stalled, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range stalled {
		h.logger.Warn("dropping stalled relay client",
			zap.String("relay_id", cl.id.String()),
			zap.String("doc_id", docID))
		h.drop(cl)
	}
}

// Clients reports the number of connected pages.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range clients {
		h.drop(cl)
	}
}

// HandleConnection upgrades a page connection and serves it until the
// page goes away. The doc id comes from the route parameter.
func (h *Hub) HandleConnection(c *gin.Context) {
	docID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("relay upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:    id.NewRelayID(),
		docID: docID,
		conn:  conn,
		send:  make(chan []byte, sendQueue),
	}

	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.IncRelayClients()
	}
	h.logger.Info("relay client connected",
		zap.String("relay_id", cl.id.String()),
		zap.String("doc_id", docID))

	if hello, err := sonic.Marshal(frame{Type: "hello", Doc: docID}); err == nil {
		select {
		case cl.send <- hello:
		default:
		}
	}

	go h.writePump(cl)
	h.readPump(cl)
}

// readPump discards page input and watches for disconnect. Pages only
// listen on this socket; runs are triggered over REST.
func (h *Hub) readPump(cl *client) {
	defer h.drop(cl)

	cl.conn.SetReadLimit(4096)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
		if h.metrics != nil {
			h.metrics.RecordRelayMessage("in", "ignored")
		}
	}
}

// writePump drains the client queue onto the socket and keeps the
// connection alive with pings.
func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer h.drop(cl)

	for {
		select {
		case data, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop removes a client and closes its socket. Idempotent.
func (h *Hub) drop(cl *client) {
	cl.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, cl.id)
		h.mu.Unlock()

		close(cl.send)
		_ = cl.conn.Close()

		if h.metrics != nil {
			h.metrics.DecRelayClients()
		}
		h.logger.Debug("relay client dropped", zap.String("relay_id", cl.id.String()))
	})
}
