/*
Package protocol defines the message envelope spoken on session channels.

# Overview

A session channel is a WebSocket carrying JSON envelopes. The daemon sends
execute and interrupt requests; the compute server answers with status,
stream, display, result, and error messages, each correlated to its request
through the parent field.

# Message Flow

	execute(id=A)  -->
	               <--  status{busy}    (parent=A)
	               <--  stream{stdout}  (parent=A)
	               <--  display{bundle} (parent=A)
	               <--  result{bundle}  (parent=A)
	               <--  status{idle}    (parent=A)

A result or error message is terminal for its request. Display and result
bundles are MIME-keyed; the application/vnd.stoker.widget+json entry carries
interactive widget payloads.

# Encoding

Envelopes are encoded with sonic. Content stays raw (json.RawMessage) so
relays can forward messages without decoding payloads they do not handle.
HTML bundle entries must pass through SanitizeHTML before reaching a page.
*/
package protocol
