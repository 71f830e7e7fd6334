// Package realtime is the websocket transport: a hub of live connections,
// per-connection read and write pumps, and the router that turns inbound
// events into service calls.
//
// Every frame, in both directions, is a JSON envelope:
//
//	{"event": "sendMessage", "data": {...}, "ref": "client-chosen id"}
//
// Replies to a client's own action (acknowledgements and errors) echo its
// ref. Events caused by someone else carry no ref.
package realtime

import (
	"encoding/json"

	"github.com/tbourn/astro-consult-backend/internal/services"
)

// Envelope is the wire frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Ref   string `json:"ref,omitempty"`
}

// ErrorPayload is the data of an "error" event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	Ref     string `json:"ref,omitempty"`
}

// Transport-level error codes. Domain refusals use services.Code values.
const (
	CodeBadFrame   = "bad_frame"
	CodeBadPayload = "invalid_payload"
	CodeUnknown    = "unknown_event"
	CodeNotJoined  = "not_joined"
)

func encode(event string, data any, ref string) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data, Ref: ref})
}

// errorFor maps an error returned by a service to the error payload.
// Internal failures are not described to the client.
func errorFor(err error, event, ref string) ErrorPayload {
	code := services.CodeOf(err)
	msg := err.Error()
	if code == services.CodeInternal {
		msg = "internal error"
	}
	return ErrorPayload{Code: string(code), Message: msg, Event: event, Ref: ref}
}
