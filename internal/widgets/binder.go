// Package widgets keeps interactive widget state alive across session
// replacements. Widget payloads stream out of display and result bundles
// during a run; the binder captures the latest state per widget ref.
// When the monitor replaces a dead session, Rebind replays the captured
// state into the fresh session so page widgets keep working without a
// re-run.
package widgets

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/domain/session"
	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/kernels"
	"github.com/stokehold/stoker/internal/protocol"
	"github.com/stokehold/stoker/internal/runner"
)

// Channel is the sending side of a session conversation.
type Channel interface {
	Send(m protocol.Message) error
	CloseOn(ctx context.Context)
	Close() error
}

// Channeler opens a message channel to a live session.
type Channeler interface {
	Open(ctx context.Context, conn kernels.Connection, sessionID string) (Channel, error)
}

// ChannelerFunc adapts a function to the Channeler interface.
type ChannelerFunc func(ctx context.Context, conn kernels.Connection, sessionID string) (Channel, error)

// Open implements Channeler.
func (f ChannelerFunc) Open(ctx context.Context, conn kernels.Connection, sessionID string) (Channel, error) {
	return f(ctx, conn, sessionID)
}

// Binder tracks widget state and replays it into replacement sessions.
// Implements session.Binder and runner.Sink.
type Binder struct {
	open   Channeler
	logger *logging.Logger

	mu     sync.RWMutex
	states map[string]protocol.WidgetPayload // by ref, Protected by mu
}

// New creates a binder. A nil channeler dials the session's websocket
// through a fresh kernel client.
func New(open Channeler) *Binder {
	b := &Binder{
		open:   open,
		logger: logging.NewNop(),
		states: make(map[string]protocol.WidgetPayload),
	}
	if b.open == nil {
		b.open = ChannelerFunc(b.dialChannel)
	}
	return b
}

// WithLogger attaches a logger to the binder.
func (b *Binder) WithLogger(logger *logging.Logger) *Binder {
	b.logger = logger
	return b
}

func (b *Binder) dialChannel(ctx context.Context, conn kernels.Connection, sessionID string) (Channel, error) {
	client := kernels.NewClient(conn, kernels.WithLogger(b.logger))
	return client.OpenChannel(ctx, sessionID)
}

// Event captures widget payloads from run output. Non-bundle events pass
// through untouched.
func (b *Binder) Event(evt runner.Event) {
	switch {
	case evt.Display != nil:
		b.Observe(protocol.WidgetsFromBundle(evt.Display.Data)...)
	case evt.Result != nil:
		b.Observe(protocol.WidgetsFromBundle(evt.Result.Data)...)
	}
}

// Observe records widget payloads. The latest state per ref wins.
func (b *Binder) Observe(payloads ...protocol.WidgetPayload) {
	if len(payloads) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, payload := range payloads {
		if payload.Ref == "" {
			continue
		}
		b.states[payload.Ref] = payload
	}
}

// States returns the captured payloads sorted by ref.
func (b *Binder) States() []protocol.WidgetPayload {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]protocol.WidgetPayload, 0, len(b.states))
	for _, payload := range b.states {
		out = append(out, payload)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// Len reports the number of tracked widgets.
func (b *Binder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.states)
}

// Clear forgets all captured state. Called when a session is killed
// deliberately; the next run repopulates.
func (b *Binder) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = make(map[string]protocol.WidgetPayload)
}

// Rebind replays the captured widget state into the given session. With
// nothing captured it is a no-op: a fresh session has nothing to restore.
func (b *Binder) Rebind(ctx context.Context, handle session.Handle) error {
	states := b.States()
	if len(states) == 0 {
		b.logger.Debug("no widget state to rebind",
			zap.String("session_id", handle.Model.ID))
		return nil
	}

	ch, err := b.open.Open(ctx, handle.Conn, handle.Model.ID)
	if err != nil {
		return fmt.Errorf("open channel for rebind: %w", err)
	}
	defer ch.Close()
	ch.CloseOn(ctx)

	msg, err := protocol.NewWidgetRestore(states)
	if err != nil {
		return err
	}
	if err := ch.Send(msg); err != nil {
		return fmt.Errorf("replay widget state: %w", err)
	}

	b.logger.Info("widget state replayed",
		zap.String("session_id", handle.Model.ID),
		zap.Int("widgets", len(states)))
	return nil
}
