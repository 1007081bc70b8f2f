package localkernel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The daemon dials its own embedded server; origin checks add
		// nothing here.
		return true
	},
}

// handleChannel upgrades to a websocket and serves one session
// conversation: execute requests run on the engine, everything the
// engine produces flows back correlated to the request.
func (s *Server) handleChannel(c *gin.Context) {
	sess, ok := s.sessions.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("channel upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	sess.mu.Lock()
	sess.conns++
	sess.mu.Unlock()
	defer func() {
		sess.mu.Lock()
		sess.conns--
		sess.mu.Unlock()
	}()

	conv := &conversation{ws: ws, sess: sess, logger: s.logger}
	conv.serve(c.Request.Context())
}

// conversation is one websocket attachment to a session.
type conversation struct {
	ws     *websocket.Conn
	sess   *liveSession
	logger *logging.Logger
	sendMu sync.Mutex
}

func (cv *conversation) serve(ctx context.Context) {
	for {
		_, data, err := cv.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			cv.logger.Warn("undecodable channel frame", zap.Error(err))
			continue
		}
		cv.sess.touch()

		switch msg.Type {
		case protocol.TypeExecute:
			// Off the read loop so an interrupt frame can arrive while
			// the engine is busy. execMu keeps evaluations serial.
			go cv.execute(ctx, msg)
		case protocol.TypeInterrupt:
			cv.sess.interrupt()
		case protocol.TypeWidget:
			var payloads []protocol.WidgetPayload
			if err := protocol.DecodeContent(msg, &payloads); err != nil {
				cv.logger.Warn("bad widget restore", zap.Error(err))
				continue
			}
			cv.sess.restore(payloads)
		default:
			cv.logger.Debug("ignoring channel message", zap.String("type", string(msg.Type)))
		}
	}
}

// execute runs one request on the engine, bracketing the output with
// busy and idle status messages the way remote servers do.
func (cv *conversation) execute(ctx context.Context, req protocol.Message) {
	var content protocol.ExecuteContent
	if err := protocol.DecodeContent(req, &content); err != nil {
		cv.replyError(req, &EvalError{Name: "BadRequest", Message: err.Error()})
		return
	}

	cv.sess.execMu.Lock()
	defer cv.sess.execMu.Unlock()

	evalCtx, cancel := context.WithCancel(ctx)
	cv.sess.mu.Lock()
	cv.sess.cancel = cancel
	cv.sess.mu.Unlock()
	defer func() {
		cancel()
		cv.sess.mu.Lock()
		cv.sess.cancel = nil
		cv.sess.mu.Unlock()
	}()

	cv.reply(req, protocol.TypeStatus, protocol.StatusContent{State: "busy"})

	err := cv.sess.engine.Execute(evalCtx, content.Code, &emitter{cv: cv, req: req})
	if err != nil {
		var eval *EvalError
		if !errors.As(err, &eval) {
			eval = &EvalError{Name: "InternalError", Message: err.Error()}
		}
		cv.replyError(req, eval)
	}

	cv.reply(req, protocol.TypeStatus, protocol.StatusContent{State: "idle"})
}

func (cv *conversation) reply(parent protocol.Message, typ protocol.Type, content any) {
	msg, err := protocol.Reply(parent, typ, content)
	if err != nil {
		cv.logger.Warn("encode reply failed", zap.Error(err))
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		cv.logger.Warn("encode reply failed", zap.Error(err))
		return
	}

	cv.sendMu.Lock()
	defer cv.sendMu.Unlock()
	if err := cv.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		cv.logger.Warn("channel write failed", zap.Error(err))
	}
}

func (cv *conversation) replyError(parent protocol.Message, eval *EvalError) {
	cv.reply(parent, protocol.TypeError, protocol.ErrorContent{
		Name:      eval.Name,
		Message:   eval.Message,
		Traceback: eval.Traceback,
	})
}

// emitter bridges engine output onto the wire.
type emitter struct {
	cv  *conversation
	req protocol.Message
}

func (e *emitter) Stream(name, text string) {
	e.cv.reply(e.req, protocol.TypeStream, protocol.StreamContent{Name: name, Text: text})
}

func (e *emitter) Display(data map[string]json.RawMessage) {
	e.cv.reply(e.req, protocol.TypeDisplay, protocol.DisplayContent{Data: data})
}

func (e *emitter) Result(data map[string]json.RawMessage) {
	e.cv.reply(e.req, protocol.TypeResult, protocol.ResultContent{Data: data})
}
