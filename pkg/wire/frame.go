// Package wire defines the JSON frame model spoken between the daemon and a
// browser page over the WebSocket, together with the integer result codes
// and event names used on that channel.
package wire

import "encoding/json"

// Frame types.
const (
	TypeAction = "action"
	TypeReply  = "reply"
	TypeEvent  = "event"
	TypeError  = "error"
)

// Event names emitted by the daemon.
const (
	EventPrivileged        = "privileged"
	EventInteract          = "interact"
	EventStateVariables    = "stateVariables"
	EventStateChanged      = "stateChanged"
	EventAPIStateChanged   = "apiStateChanged"
	EventResolutionChanged = "resolutionChanged"
	EventFailure           = "failure"
	EventSucceed           = "succeed"
	EventFailed            = "failed"
	EventProgressStarted   = "started"
	EventProgress          = "progress"
	EventProgressCompleted = "completed"
)

// Interaction kinds carried as the first argument of an interact event.
const (
	InteractConfirm    = "confirm"
	InteractAlert      = "alert"
	InteractLicense    = "confirmLicense"
	InteractLicenseURL = "confirmLicenseURL"
)

// Request is an inbound action frame.
type Request struct {
	Type string          `json:"type"`
	Name string          `json:"name"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Reply is an outbound reply frame correlated with a request id.
type Reply struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data any    `json:"data"`
}

// Event is an outbound event frame. ID carries the session uuid for
// session-scoped events and the originating request id for workflow events;
// it is omitted for connection-scoped events.
type Event struct {
	Type string `json:"type"`
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
	Data []any  `json:"data"`
}

// Error is an outbound error frame.
type Error struct {
	Type string    `json:"type"`
	ID   string    `json:"id"`
	Data ErrorBody `json:"data"`
}

// ErrorBody is the payload of an error frame.
type ErrorBody struct {
	Message string `json:"message"`
}

// NewReply builds a reply frame for the given request id.
func NewReply(id string, data any) Reply {
	return Reply{Type: TypeReply, ID: id, Data: data}
}

// NewEvent builds an event frame. id may be empty.
func NewEvent(name, id string, args ...any) Event {
	if args == nil {
		args = []any{}
	}
	return Event{Type: TypeEvent, Name: name, ID: id, Data: args}
}

// NewError builds an error frame for the given request id.
func NewError(id, message string) Error {
	return Error{Type: TypeError, ID: id, Data: ErrorBody{Message: message}}
}

// Sender delivers outbound frames to the page. Implementations must be safe
// for concurrent use; each call delivers exactly one frame. Send failures
// are terminal for the connection and are handled by the transport layer,
// so the daemon side treats Sender as fire-and-forget.
type Sender interface {
	// Send queues one outbound frame (Reply, Event or Error).
	Send(frame any)
}
