package sdk

import (
	"encoding/json"
	"fmt"
)

// StateDirective mutates the caller's flow state after the service returns.
// Op is one of StateClear, StateReplace, StateMerge; Value is ignored for
// clear. Merge is shallow: top-level keys overwrite, nested objects replace.
type StateDirective struct {
	Op    string         `json:"op"`
	Value map[string]any `json:"value,omitempty"`
}

// Response is the single JSON document a service writes to stdout. Kind
// discriminates which fields are meaningful; unknown fields are ignored and
// unknown kinds decode as none so newer services keep working against older
// hosts.
type Response struct {
	Kind string `json:"kind"`

	// reply, edit, ui
	Text string `json:"text,omitempty"`

	// delete
	FallbackText string `json:"fallbackText,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// photo, audio, video, document
	URL     string `json:"url,omitempty"`
	Caption string `json:"caption,omitempty"`

	// location
	Lat     float64 `json:"lat,omitempty"`
	Lng     float64 `json:"lng,omitempty"`
	Title   string  `json:"title,omitempty"`
	Address string  `json:"address,omitempty"`

	// contact
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`

	// ui
	UIType string          `json:"uiType,omitempty"`
	UI     json.RawMessage `json:"ui,omitempty"`

	// pubky_write
	Path              string          `json:"path,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
	Preview           string          `json:"preview,omitempty"`
	OnApprovalMessage string          `json:"onApprovalMessage,omitempty"`

	// carried on any kind
	State         *StateDirective `json:"state,omitempty"`
	DeleteTrigger bool            `json:"deleteTrigger,omitempty"`
	TTL           int64           `json:"ttl,omitempty"`
	Options       json.RawMessage `json:"options,omitempty"`
}

var knownKinds = map[string]bool{
	RespReply:      true,
	RespEdit:       true,
	RespNone:       true,
	RespError:      true,
	RespPhoto:      true,
	RespDelete:     true,
	RespAudio:      true,
	RespVideo:      true,
	RespDocument:   true,
	RespLocation:   true,
	RespContact:    true,
	RespUI:         true,
	RespPubkyWrite: true,
}

// KnownKind reports whether k is a response kind this host understands.
func KnownKind(k string) bool { return knownKinds[k] }

// DecodeResponse parses a service response. A missing kind is a schema
// violation; an unrecognized kind is normalized to none, keeping any state
// directive it carried.
func DecodeResponse(raw []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if r.Kind == "" {
		return nil, fmt.Errorf("decode response: missing kind")
	}
	if !knownKinds[r.Kind] {
		r.Kind = RespNone
	}
	return &r, nil
}

// ErrorResponse builds the synthetic response the dispatcher returns when an
// invocation fails.
func ErrorResponse(message string) *Response {
	return &Response{Kind: RespError, Message: message}
}
