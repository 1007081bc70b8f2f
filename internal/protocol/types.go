package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/stokehold/stoker/internal/shared/id"
)

// Type identifies a message kind on a session channel.
type Type string

const (
	// Client to server
	TypeExecute   Type = "execute"
	TypeInterrupt Type = "interrupt"
	TypeWidget    Type = "widget" // restore widget state into a session

	// Server to client
	TypeStatus  Type = "status"
	TypeStream  Type = "stream"
	TypeDisplay Type = "display"
	TypeResult  Type = "result"
	TypeError   Type = "error"
)

// WidgetMIME is the bundle key carrying interactive widget state.
const WidgetMIME = "application/vnd.stoker.widget+json"

// Message is the envelope exchanged on a session channel. Content is kept
// raw so each side decodes only the types it handles.
type Message struct {
	ID      id.MessageID    `json:"id"`
	Parent  id.MessageID    `json:"parent,omitempty"`
	Type    Type            `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ExecuteContent asks a session to evaluate source code.
type ExecuteContent struct {
	Code   string `json:"code"`
	CellID string `json:"cell_id,omitempty"`
}

// StatusContent reports session busy/idle transitions.
type StatusContent struct {
	State string `json:"state"` // "busy" or "idle"
}

// StreamContent carries incremental stdout/stderr text.
type StreamContent struct {
	Name string `json:"name"` // "stdout" or "stderr"
	Text string `json:"text"`
}

// DisplayContent carries a MIME bundle produced by evaluation.
type DisplayContent struct {
	Data map[string]json.RawMessage `json:"data"`
	Meta map[string]json.RawMessage `json:"meta,omitempty"`
}

// ResultContent is the final value of an execute request.
type ResultContent struct {
	Data map[string]json.RawMessage `json:"data"`
}

// ErrorContent describes an evaluation failure.
type ErrorContent struct {
	Name      string   `json:"name"`
	Message   string   `json:"message"`
	Traceback []string `json:"traceback,omitempty"`
}

// WidgetPayload is the decoded widget bundle entry.
type WidgetPayload struct {
	Ref   string          `json:"ref"`
	Kind  string          `json:"kind"`
	State json.RawMessage `json:"state,omitempty"`
}

// NewExecute builds an execute request with a fresh message ID.
func NewExecute(code, cellID string) (Message, error) {
	content, err := sonic.Marshal(ExecuteContent{Code: code, CellID: cellID})
	if err != nil {
		return Message{}, fmt.Errorf("encode execute content: %w", err)
	}
	return Message{
		ID:      id.NewMessageID(),
		Type:    TypeExecute,
		Content: content,
	}, nil
}

// NewInterrupt builds an interrupt request for an in-flight execution.
func NewInterrupt(parent id.MessageID) Message {
	return Message{
		ID:     id.NewMessageID(),
		Parent: parent,
		Type:   TypeInterrupt,
	}
}

// NewWidgetRestore builds the message that replays captured widget state
// into a session, used after a dead session is replaced.
func NewWidgetRestore(payloads []WidgetPayload) (Message, error) {
	content, err := sonic.Marshal(payloads)
	if err != nil {
		return Message{}, fmt.Errorf("encode widget restore: %w", err)
	}
	return Message{
		ID:      id.NewMessageID(),
		Type:    TypeWidget,
		Content: content,
	}, nil
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	data, err := sonic.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a wire frame into a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}

// DecodeContent parses a message's content into the given struct.
func DecodeContent(m Message, out any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%s message has no content", m.Type)
	}
	if err := sonic.Unmarshal(m.Content, out); err != nil {
		return fmt.Errorf("decode %s content: %w", m.Type, err)
	}
	return nil
}

// MustContent encodes content or panics. For building server-side replies
// whose payloads are always marshalable.
func MustContent(v any) json.RawMessage {
	data, err := sonic.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Reply builds a server-side message correlated to a request.
func Reply(parent Message, typ Type, content any) (Message, error) {
	data, err := sonic.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s content: %w", typ, err)
	}
	return Message{
		ID:      id.NewMessageID(),
		Parent:  parent.ID,
		Type:    typ,
		Content: data,
	}, nil
}
