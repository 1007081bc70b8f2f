package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/microcosm-cc/bluemonday"

	"github.com/stokehold/stoker/internal/shared/id"
)

// Terminal reports whether a message ends the conversation for the given
// request: a result or error correlated to it.
func Terminal(m Message, request id.MessageID) bool {
	if m.Parent != request {
		return false
	}
	return m.Type == TypeResult || m.Type == TypeError
}

// Idle reports whether a status message announces the session went idle
// after handling the given request.
func Idle(m Message, request id.MessageID) bool {
	if m.Type != TypeStatus || m.Parent != request {
		return false
	}
	var status StatusContent
	if err := DecodeContent(m, &status); err != nil {
		return false
	}
	return status.State == "idle"
}

// ExtractWidgets pulls widget payloads out of a display or result bundle.
// Returns nil when the bundle carries no widget entries.
func ExtractWidgets(m Message) []WidgetPayload {
	var data map[string]json.RawMessage
	switch m.Type {
	case TypeDisplay:
		var content DisplayContent
		if err := DecodeContent(m, &content); err != nil {
			return nil
		}
		data = content.Data
	case TypeResult:
		var content ResultContent
		if err := DecodeContent(m, &content); err != nil {
			return nil
		}
		data = content.Data
	default:
		return nil
	}
	return WidgetsFromBundle(data)
}

// WidgetsFromBundle pulls widget payloads out of an already-decoded MIME
// bundle. Returns nil when the bundle carries no widget entries.
func WidgetsFromBundle(data map[string]json.RawMessage) []WidgetPayload {
	raw, ok := data[WidgetMIME]
	if !ok {
		return nil
	}

	// A bundle entry may hold a single payload or a list of them.
	var many []WidgetPayload
	if err := sonic.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many
	}
	var one WidgetPayload
	if err := sonic.Unmarshal(raw, &one); err == nil && one.Ref != "" {
		return []WidgetPayload{one}
	}
	return nil
}

var htmlPolicy = bluemonday.UGCPolicy()

// SanitizeHTML strips unsafe markup from an HTML display entry before it
// is relayed to connected pages.
func SanitizeHTML(markup string) string {
	return htmlPolicy.Sanitize(markup)
}

// SanitizeBundle returns a copy of a MIME bundle with its HTML entries
// sanitized. Other entries pass through untouched; an HTML entry that is
// not a JSON string is left alone rather than dropped.
func SanitizeBundle(data map[string]json.RawMessage) map[string]json.RawMessage {
	if data == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(data))
	for key, raw := range data {
		if key == "text/html" {
			var markup string
			if err := sonic.Unmarshal(raw, &markup); err == nil {
				if clean, err := sonic.Marshal(SanitizeHTML(markup)); err == nil {
					out[key] = clean
					continue
				}
			}
		}
		out[key] = raw
	}
	return out
}

// SniffMIME detects the MIME type of a raw display blob whose bundle gave
// no usable key.
func SniffMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// RetypeBundle returns a copy of a MIME bundle with unlabeled binary
// entries re-keyed by content sniffing. An entry keyed
// "application/octet-stream" (or with an empty key) whose value is a
// base64 JSON string is decoded and sniffed; when the sniffer names a
// real type not already present in the bundle, the entry moves under
// that key. Everything else passes through untouched.
func RetypeBundle(data map[string]json.RawMessage) map[string]json.RawMessage {
	if data == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(data))
	for key, raw := range data {
		if key != "application/octet-stream" && key != "" {
			out[key] = raw
			continue
		}
		var encoded string
		if err := sonic.Unmarshal(raw, &encoded); err != nil {
			out[key] = raw
			continue
		}
		blob, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			out[key] = raw
			continue
		}
		detected := SniffMIME(blob)
		if i := strings.IndexByte(detected, ';'); i >= 0 {
			detected = strings.TrimSpace(detected[:i])
		}
		if detected == "" || detected == "application/octet-stream" {
			out[key] = raw
			continue
		}
		if _, taken := data[detected]; taken {
			out[key] = raw
			continue
		}
		out[detected] = raw
	}
	return out
}
