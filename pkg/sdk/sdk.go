// Package sdk defines the contract between the hivebot host and sandboxed
// services: the event payload a service reads from stdin, the response it
// writes to stdout, and the manifest it registers on load.
package sdk

import (
	"fmt"
	"regexp"
)

// SchemaVersion is the protocol version between host and services. Bundles
// declaring a newer version are rejected at build time.
const SchemaVersion = 1

// Service kinds.
const (
	KindSingleCommand = "single_command"
	KindCommandFlow   = "command_flow"
	KindListener      = "listener"
)

// Event types delivered to a service.
const (
	EventCommand  = "command"
	EventCallback = "callback"
	EventMessage  = "message"
)

// Response kinds a service may return.
const (
	RespReply      = "reply"
	RespEdit       = "edit"
	RespNone       = "none"
	RespError      = "error"
	RespPhoto      = "photo"
	RespDelete     = "delete"
	RespAudio      = "audio"
	RespVideo      = "video"
	RespDocument   = "document"
	RespLocation   = "location"
	RespContact    = "contact"
	RespUI         = "ui"
	RespPubkyWrite = "pubky_write"
)

// State directive operations.
const (
	StateClear   = "clear"
	StateReplace = "replace"
	StateMerge   = "merge"
)

// CallbackPrefix introduces routed callback data: "svc:<serviceId>|<payload>".
const CallbackPrefix = "svc:"

var versionRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Manifest is the identity a service declares when its bundle is loaded.
type Manifest struct {
	ID            string `json:"id"`
	Version       string `json:"version"`
	Kind          string `json:"kind"`
	Command       string `json:"command,omitempty"`
	Description   string `json:"description,omitempty"`
	SchemaVersion int    `json:"schemaVersion,omitempty"`
}

// Validate checks the fields every service must declare. Kind must be one of
// the three service kinds and non-listener services must name a command.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest missing id")
	}
	if !versionRe.MatchString(m.Version) {
		return fmt.Errorf("manifest %s: version %q is not MAJOR.MINOR.PATCH", m.ID, m.Version)
	}
	switch m.Kind {
	case KindSingleCommand, KindCommandFlow:
		if m.Command == "" {
			return fmt.Errorf("manifest %s: kind %s requires a command", m.ID, m.Kind)
		}
	case KindListener:
	default:
		return fmt.Errorf("manifest %s: unknown kind %q", m.ID, m.Kind)
	}
	if m.SchemaVersion > SchemaVersion {
		return fmt.Errorf("manifest %s: schemaVersion %d is newer than supported %d", m.ID, m.SchemaVersion, SchemaVersion)
	}
	return nil
}
