// Package transcript journals classified run output to disk. One file
// per run, NDJSON compressed with zstd: cheap to write during a run,
// replayable afterwards for debugging dead sessions and in tests.
package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/stokehold/stoker/internal/infrastructure/logging"
	"github.com/stokehold/stoker/internal/runner"
)

// Ext is the transcript file extension.
const Ext = ".ndjson.zst"

// ErrClosed reports a write after Close.
var ErrClosed = errors.New("transcript closed")

// Writer journals events for one session. Implements runner.Sink; Event
// never blocks the run goroutine on more than an in-memory encode and a
// buffered write.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	zw     *zstd.Encoder
	buf    *bufio.Writer
	closed bool
	logger *logging.Logger
}

// NewWriter opens a transcript named after name under dir. An existing
// transcript with the same name is truncated.
func NewWriter(dir, name string, logger *logging.Logger) (*Writer, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	path := filepath.Join(dir, sanitize(name)+Ext)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}

	zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("init zstd: %w", err)
	}

	logger.Debug("transcript open", zap.String("path", path))

	return &Writer{
		file:   file,
		zw:     zw,
		buf:    bufio.NewWriter(zw),
		logger: logger,
	}, nil
}

// Event implements runner.Sink. Encode failures are logged and dropped;
// a broken journal must not fail the run it records.
func (w *Writer) Event(evt runner.Event) {
	if err := w.Append(evt); err != nil {
		w.logger.Warn("transcript append failed", zap.Error(err))
	}
}

// Append writes one event as an NDJSON line.
func (w *Writer) Append(evt runner.Event) error {
	data, err := sonic.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close flushes and seals the transcript. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	err = multierr.Append(err, w.buf.Flush())
	err = multierr.Append(err, w.zw.Close())
	err = multierr.Append(err, w.file.Close())
	return err
}

// Read replays a transcript from dir in journal order.
func Read(dir, name string) ([]runner.Event, error) {
	path := filepath.Join(dir, sanitize(name)+Ext)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	defer zr.Close()

	var events []runner.Event
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt runner.Event
		if err := sonic.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("decode transcript line %d: %w", len(events)+1, err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return events, nil
}

// sanitize makes an identifier safe as a file name component.
func sanitize(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
