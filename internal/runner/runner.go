// Package runner executes a document's code cells, in page order, over a
// live session channel. It is the Runner collaborator injected into the
// session manager: the manager owns the session, the runner owns one
// conversation with it.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/document"
	"github.com/stokehold/stoker/internal/domain/session"
	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/kernels"
	"github.com/stokehold/stoker/internal/protocol"
	"github.com/stokehold/stoker/internal/shared/id"
)

// Loader produces the document to execute. Called at the start of every
// run, so edits on disk are picked up without restarting the daemon.
type Loader func() (*document.Document, error)

// Channel is the conversation slice the runner drives.
type Channel interface {
	Send(m protocol.Message) error
	Receive() (protocol.Message, error)
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

// CellError reports a cell whose evaluation failed. The run stops at the
// failing cell; later cells are not executed.
type CellError struct {
	CellID string
	Name   string
	Reason string
}

func (e *CellError) Error() string {
	return fmt.Sprintf("cell %s failed: %s: %s", e.CellID, e.Name, e.Reason)
}

// Runner executes documents against sessions. Implements session.Runner.
type Runner struct {
	load   Loader
	open   Channeler
	sink   Sink
	logger *logging.Logger
}

// New creates a runner. A nil channeler dials the session's websocket
// through a fresh kernel client.
func New(load Loader, open Channeler) *Runner {
	r := &Runner{
		load:   load,
		open:   open,
		logger: logging.NewNop(),
	}
	if r.open == nil {
		r.open = ChannelerFunc(r.dialChannel)
	}
	return r
}

// WithLogger attaches a logger to the runner.
func (r *Runner) WithLogger(logger *logging.Logger) *Runner {
	r.logger = logger
	return r
}

// WithSink attaches the event sink receiving classified run output.
func (r *Runner) WithSink(sink Sink) *Runner {
	r.sink = sink
	return r
}

func (r *Runner) dialChannel(ctx context.Context, conn kernels.Connection, sessionID string) (Channel, error) {
	client := kernels.NewClient(conn, kernels.WithLogger(r.logger))
	return client.OpenChannel(ctx, sessionID)
}

// Run executes every cell of the document against the session, stopping
// at the first failing cell. Cancelling ctx sends a best-effort interrupt
// for the in-flight cell and closes the channel.
func (r *Runner) Run(ctx context.Context, handle session.Handle) error {
	doc, err := r.load()
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if len(doc.Cells) == 0 {
		r.logger.Debug("document has no cells, nothing to run",
			zap.String("doc", doc.Path))
		return nil
	}

	ch, err := r.open.Open(ctx, handle.Conn, handle.Model.ID)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	x := &run{
		id:     id.NewRunID(),
		ch:     ch,
		sink:   r.sink,
		logger: r.logger,
	}

	r.logger.Info("run started",
		zap.String("run_id", x.id.String()),
		zap.String("doc", doc.Path),
		zap.String("session_id", handle.Model.ID),
		zap.Int("cells", len(doc.Cells)))

	for _, cell := range doc.Cells {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := x.execute(ctx, cell); err != nil {
			return err
		}
	}

	r.logger.Info("run finished",
		zap.String("run_id", x.id.String()),
		zap.Int("events", x.seq))
	return nil
}

// run is the state of one document execution.
type run struct {
	id     id.RunID
	ch     Channel
	sink   Sink
	logger *logging.Logger
	seq    int
}

// execute sends one cell and consumes its reply stream until the
// terminal result or error arrives.
func (x *run) execute(ctx context.Context, cell document.Cell) error {
	req, err := protocol.NewExecute(cell.Code, cell.ID)
	if err != nil {
		return err
	}

	// On cancellation, ask the session to stop the cell, then force the
	// receive loop out by closing the channel.
	stop := context.AfterFunc(ctx, func() {
		_ = x.ch.Send(protocol.NewInterrupt(req.ID))
		_ = x.ch.Close()
	})
	defer stop()

	if err := x.ch.Send(req); err != nil {
		return fmt.Errorf("send cell %s: %w", cell.ID, err)
	}

	for {
		m, err := x.ch.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("cell %s interrupted: %w", cell.ID, ctx.Err())
			}
			return fmt.Errorf("receive for cell %s: %w", cell.ID, err)
		}
		if m.Parent != req.ID {
			// Traffic for an earlier request; not ours to handle.
			continue
		}

		x.emit(cell.ID, m)

		if protocol.Terminal(m, req.ID) {
			if m.Type == protocol.TypeError {
				var content protocol.ErrorContent
				_ = protocol.DecodeContent(m, &content)
				return &CellError{CellID: cell.ID, Name: content.Name, Reason: content.Message}
			}
			return nil
		}
	}
}

// emit classifies a message into an event and hands it to the sink.
// Bundles are groomed here, before anything leaves the daemon: untyped
// binary entries get re-keyed by sniffing and HTML entries sanitized.
func (x *run) emit(cellID string, m protocol.Message) {
	if x.sink == nil {
		return
	}

	evt := Event{
		RunID:  x.id,
		CellID: cellID,
		Type:   m.Type,
		At:     time.Now(),
	}

	switch m.Type {
	case protocol.TypeStatus:
		var content protocol.StatusContent
		if protocol.DecodeContent(m, &content) != nil {
			return
		}
		evt.Status = &content
	case protocol.TypeStream:
		var content protocol.StreamContent
		if protocol.DecodeContent(m, &content) != nil {
			return
		}
		evt.Stream = &content
	case protocol.TypeDisplay:
		var content protocol.DisplayContent
		if protocol.DecodeContent(m, &content) != nil {
			return
		}
		content.Data = protocol.SanitizeBundle(protocol.RetypeBundle(content.Data))
		evt.Display = &content
	case protocol.TypeResult:
		var content protocol.ResultContent
		if protocol.DecodeContent(m, &content) != nil {
			return
		}
		content.Data = protocol.SanitizeBundle(protocol.RetypeBundle(content.Data))
		evt.Result = &content
	case protocol.TypeError:
		var content protocol.ErrorContent
		if protocol.DecodeContent(m, &content) != nil {
			return
		}
		evt.Error = &content
	default:
		return
	}

	x.seq++
	evt.Seq = x.seq
	x.sink.Event(evt)
}
