package localkernel

import (
	"context"
	"encoding/json"

	"github.com/stokehold/stoker/internal/kernels"
)

// Emitter receives engine output as it is produced. The channel handler
// behind it turns each call into a wire message correlated to the
// execute request.
type Emitter interface {
	Stream(name, text string)
	Display(data map[string]json.RawMessage)
	Result(data map[string]json.RawMessage)
}

// EvalError is an evaluation failure the engine wants reported as an
// error reply rather than a transport failure.
type EvalError struct {
	Name      string
	Message   string
	Traceback []string
}

func (e *EvalError) Error() string {
	return e.Name + ": " + e.Message
}

// Engine evaluates code for one session. Execute calls are serialized by
// the session; an engine never sees two concurrent evaluations.
type Engine interface {
	Kind() kernels.Kind
	Execute(ctx context.Context, code string, out Emitter) error
	Close() error
}

// EngineFactory builds a fresh engine for each started session.
type EngineFactory func() (Engine, error)
