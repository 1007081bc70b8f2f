package localkernel

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/stokehold/stoker/internal/kernels"
)

// shellEngine evaluates each cell as a shell command under a PTY, so
// programs that check isatty behave as they would in a terminal.
type shellEngine struct {
	shell   string
	timeout time.Duration
}

// NewShell builds the "shell" engine factory.
func NewShell() EngineFactory {
	return func() (Engine, error) {
		return &shellEngine{shell: "/bin/sh", timeout: DefaultEvalTimeout}, nil
	}
}

func (e *shellEngine) Kind() kernels.Kind {
	return kernels.Kind{Name: "shell", Language: "sh", Display: "Shell (pty)"}
}

// Execute runs one command, streaming the PTY output as stdout. A
// non-zero exit reports an evaluation error, not a transport failure.
func (e *shellEngine) Execute(ctx context.Context, code string, out Emitter) error {
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(evalCtx, e.shell, "-c", code)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	stop := context.AfterFunc(evalCtx, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	defer stop()

	buf := make([]byte, 4096)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			out.Stream("stdout", string(buf[:n]))
		}
		if readErr != nil {
			// EOF and EIO both mean the child closed its side.
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		if evalCtx.Err() != nil {
			return &EvalError{Name: "Interrupted", Message: evalCtx.Err().Error()}
		}
		return &EvalError{Name: "ExitError", Message: err.Error()}
	}

	status, _ := json.Marshal("exit 0")
	out.Result(map[string]json.RawMessage{"text/plain": status})
	return nil
}

func (e *shellEngine) Close() error {
	return nil
}
