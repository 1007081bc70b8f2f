package kernels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/protocol"
)

// ErrChannelClosed reports use of a channel after Close.
var ErrChannelClosed = errors.New("channel closed")

// Channel is an open message conversation with one session. Sends are
// serialized; reads are expected from a single consumer (the runner owns
// the read side for the duration of a run).
type Channel struct {
	ws     *websocket.Conn
	logger *logging.Logger

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenChannel dials the session's websocket endpoint. The context bounds
// the handshake only; the channel itself lives until Close.
func (c *Client) OpenChannel(ctx context.Context, sessionID string) (*Channel, error) {
	wsURL, err := c.conn.ChannelURL(sessionID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if auth := c.conn.AuthHeader(); auth != "" {
		header.Set("Authorization", auth)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("open channel: %w", ErrUnauthorized)
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("open channel: %w", ErrSessionNotFound)
		}
		return nil, fmt.Errorf("open channel: %w", err)
	}

	c.logger.Debug("channel open", zap.String("session_id", sessionID))

	return &Channel{
		ws:     ws,
		logger: c.logger,
		closed: make(chan struct{}),
	}, nil
}

// Send writes one message to the session.
func (ch *Channel) Send(m protocol.Message) error {
	select {
	case <-ch.closed:
		return ErrChannelClosed
	default:
	}

	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	if err := ch.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("channel send: %w", err)
	}
	return nil
}

// Receive blocks for the next message. Closing the channel (or the peer
// hanging up) unblocks it with an error.
func (ch *Channel) Receive() (protocol.Message, error) {
	_, data, err := ch.ws.ReadMessage()
	if err != nil {
		select {
		case <-ch.closed:
			return protocol.Message{}, ErrChannelClosed
		default:
		}
		return protocol.Message{}, fmt.Errorf("channel receive: %w", err)
	}
	return protocol.Decode(data)
}

// CloseOn closes the channel when ctx is cancelled. Lets a blocked
// Receive observe cancellation.
func (ch *Channel) CloseOn(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Close()
		case <-ch.closed:
		}
	}()
}

// Close tears the websocket down. Safe to call more than once.
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		close(ch.closed)

		ch.sendMu.Lock()
		_ = ch.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		ch.sendMu.Unlock()

		err = ch.ws.Close()
	})
	return err
}
