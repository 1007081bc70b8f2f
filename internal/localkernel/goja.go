package localkernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/stokehold/stoker/internal/kernels"
	"github.com/stokehold/stoker/internal/protocol"
)

// DefaultEvalTimeout bounds one JavaScript evaluation.
const DefaultEvalTimeout = 30 * time.Second

// jsEngine evaluates JavaScript on a goja VM. One VM per session, so
// state set by one cell is visible to the next, like a real kernel.
type jsEngine struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	timeout time.Duration
	out     Emitter // set for the duration of one Execute
}

// NewJavaScript builds the "javascript" engine factory.
func NewJavaScript() EngineFactory {
	return func() (Engine, error) {
		e := &jsEngine{
			vm:      goja.New(),
			timeout: DefaultEvalTimeout,
		}
		if err := e.setupGlobals(); err != nil {
			return nil, err
		}
		return e, nil
	}
}

func (e *jsEngine) Kind() kernels.Kind {
	return kernels.Kind{Name: "javascript", Language: "javascript", Display: "JavaScript (goja)"}
}

// setupGlobals wires console output and the display/widget helpers into
// the VM. The helpers write through e.out, which Execute swaps in per
// evaluation.
func (e *jsEngine) setupGlobals() error {
	console := e.vm.NewObject()
	log := func(name string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			if e.out != nil {
				e.out.Stream(name, strings.Join(parts, " ")+"\n")
			}
			return goja.Undefined()
		}
	}
	if err := console.Set("log", log("stdout")); err != nil {
		return err
	}
	if err := console.Set("error", log("stderr")); err != nil {
		return err
	}
	if err := e.vm.Set("console", console); err != nil {
		return err
	}

	display := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 || e.out == nil {
			return goja.Undefined()
		}
		mime := call.Arguments[0].String()
		raw, err := json.Marshal(call.Arguments[1].Export())
		if err != nil {
			return goja.Undefined()
		}
		e.out.Display(map[string]json.RawMessage{mime: raw})
		return goja.Undefined()
	}
	if err := e.vm.Set("display", display); err != nil {
		return err
	}

	// widget(ref, kind, state) publishes a widget payload under the
	// widget MIME key, the shape the binder captures.
	widget := func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 || e.out == nil {
			return goja.Undefined()
		}
		payload := protocol.WidgetPayload{
			Ref:  call.Arguments[0].String(),
			Kind: call.Arguments[1].String(),
		}
		if len(call.Arguments) > 2 {
			if raw, err := json.Marshal(call.Arguments[2].Export()); err == nil {
				payload.State = raw
			}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return goja.Undefined()
		}
		e.out.Display(map[string]json.RawMessage{protocol.WidgetMIME: raw})
		return goja.Undefined()
	}
	if err := e.vm.Set("widget", widget); err != nil {
		return err
	}

	return nil
}

// Execute evaluates one script. Timeout and cancellation interrupt the
// VM; the final value becomes the result bundle.
func (e *jsEngine) Execute(ctx context.Context, code string, out Emitter) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.out = out
	defer func() { e.out = nil }()

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() {
		e.vm.Interrupt("evaluation interrupted")
	})
	defer stop()

	val, err := e.vm.RunString(code)
	if err != nil {
		e.vm.ClearInterrupt()
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return &EvalError{Name: "Error", Message: exc.Value().String(), Traceback: strings.Split(exc.String(), "\n")}
		}
		if evalCtx.Err() != nil {
			return &EvalError{Name: "Interrupted", Message: evalCtx.Err().Error()}
		}
		return &EvalError{Name: "Error", Message: err.Error()}
	}

	out.Result(resultBundle(val))
	return nil
}

// resultBundle renders an evaluation value as a MIME bundle.
func resultBundle(val goja.Value) map[string]json.RawMessage {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	text, err := json.Marshal(fmt.Sprintf("%v", val.Export()))
	if err != nil {
		return nil
	}
	return map[string]json.RawMessage{"text/plain": text}
}

func (e *jsEngine) Close() error {
	e.vm.Interrupt("session shut down")
	return nil
}
