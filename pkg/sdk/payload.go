package sdk

import "encoding/json"

// Event is the typed record inside the sandbox payload. Type selects which
// fields are populated: Token for commands, Data for callbacks, Message for
// free text. State and StateVersion carry the caller's current flow state for
// the invoked service.
type Event struct {
	Type         string         `json:"type"`
	Token        string         `json:"token,omitempty"`
	Data         string         `json:"data,omitempty"`
	Message      string         `json:"message,omitempty"`
	State        map[string]any `json:"state,omitempty"`
	StateVersion int            `json:"stateVersion,omitempty"`
}

// RouteMeta is the slice of manifest identity a service sees about itself.
type RouteMeta struct {
	ID          string `json:"id"`
	Command     string `json:"command,omitempty"`
	Description string `json:"description,omitempty"`
}

// Ctx is the invocation context handed to a service alongside the event.
// ServiceConfig and Datasets are opaque to the host and flow through
// unaltered from the chat configuration.
type Ctx struct {
	ChatID        string          `json:"chatId"`
	UserID        string          `json:"userId"`
	ServiceConfig json.RawMessage `json:"serviceConfig,omitempty"`
	RouteMeta     *RouteMeta      `json:"routeMeta,omitempty"`
	Datasets      json.RawMessage `json:"datasets,omitempty"`
}

// PayloadMeta pins the protocol version the host speaks.
type PayloadMeta struct {
	SchemaVersion int `json:"schemaVersion"`
}

// Payload is the single JSON document a service reads from stdin.
type Payload struct {
	Event    Event       `json:"event"`
	Ctx      Ctx         `json:"ctx"`
	Manifest PayloadMeta `json:"manifest"`
}
