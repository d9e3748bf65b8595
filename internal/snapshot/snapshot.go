// Package snapshot compiles a chat's configuration document into its
// executable routing table: command token -> route, ordered listener routes,
// and the content-addressed bundles behind them. Snapshots are cached in the
// store keyed by configuration hash and rebuilt only when the configuration
// or the SDK schema changes.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// FormatVersion is bumped when the snapshot JSON shape changes; persisted
// snapshots with an older version are rebuilt on load.
const FormatVersion = 1

// Build failure modes.
var (
	ErrManifestInvalid = errors.New("manifest invalid")
	ErrSourceIO        = errors.New("service source unreadable")

	// ErrDuplicateCommand tags the diagnostic recorded when two services
	// declare the same command token. It never fails a build; the first
	// declaration wins.
	ErrDuplicateCommand = errors.New("duplicate command token")
)

// ServiceDecl is one enabled service inside a configuration document.
// Config and Datasets stay opaque; the runtime hands them to the service
// untouched.
type ServiceDecl struct {
	ServiceID string          `json:"serviceId"`
	Kind      string          `json:"kind"`
	Command   string          `json:"command,omitempty"`
	Entry     string          `json:"entry"`
	Config    json.RawMessage `json:"config,omitempty"`
	Datasets  json.RawMessage `json:"datasets,omitempty"`
	Net       []string        `json:"net,omitempty"`
}

// Document is the configuration JSON a chat selects.
type Document struct {
	ConfigID string        `json:"configId"`
	Services []ServiceDecl `json:"services"`
}

// ParseDocument decodes a configuration document.
func ParseDocument(configJSON string) (*Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(configJSON), &doc); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	return &doc, nil
}

// RouteMeta is the manifest identity carried on a route for display and for
// the service's own ctx.routeMeta.
type RouteMeta struct {
	ID          string `json:"id"`
	Command     string `json:"command,omitempty"`
	Description string `json:"description,omitempty"`
}

// Route binds one service bundle into a chat's routing table.
type Route struct {
	ServiceID  string          `json:"serviceId"`
	Kind       string          `json:"kind"`
	BundleHash string          `json:"bundleHash"`
	Config     json.RawMessage `json:"config,omitempty"`
	Datasets   json.RawMessage `json:"datasets,omitempty"`
	Net        []string        `json:"net,omitempty"`
	Meta       RouteMeta       `json:"meta"`
}

// Snapshot is the compiled routing table for one configuration hash.
type Snapshot struct {
	Commands         map[string]Route `json:"commands"`
	Listeners        []Route          `json:"listeners,omitempty"`
	BuiltAt          time.Time        `json:"builtAt"`
	Version          int              `json:"version"`
	SDKSchemaVersion int              `json:"sdkSchemaVersion"`
	SourceSig        string           `json:"sourceSig,omitempty"`
	ConfigHash       string           `json:"configHash"`
	Integrity        string           `json:"integrity"`
	// Diagnostics records non-fatal build findings, e.g. duplicate command
	// tokens resolved first-declaration-wins.
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Empty is the snapshot for a chat with no configuration: nothing routes.
func Empty() *Snapshot {
	return &Snapshot{
		Commands:         map[string]Route{},
		BuiltAt:          time.Now().UTC(),
		Version:          FormatVersion,
		SDKSchemaVersion: currentSchemaVersion(),
	}
}

// Decode parses persisted snapshot JSON.
func Decode(snapshotJSON string) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal([]byte(snapshotJSON), &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Commands == nil {
		s.Commands = map[string]Route{}
	}
	return &s, nil
}

// Encode serializes a snapshot for persistence.
func (s *Snapshot) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(data), nil
}

// RouteByServiceID finds the route owning a serviceId, commands first, then
// listeners. Used by callback dispatch.
func (s *Snapshot) RouteByServiceID(serviceID string) (Route, bool) {
	for _, r := range s.Commands {
		if r.ServiceID == serviceID {
			return r, true
		}
	}
	for _, r := range s.Listeners {
		if r.ServiceID == serviceID {
			return r, true
		}
	}
	return Route{}, false
}

// BundleHashes returns the set of bundle hashes the snapshot references.
func (s *Snapshot) BundleHashes() map[string]bool {
	out := make(map[string]bool)
	for _, r := range s.Commands {
		out[r.BundleHash] = true
	}
	for _, r := range s.Listeners {
		out[r.BundleHash] = true
	}
	return out
}

// HashContent returns the sha256 hex of a blob; used for both configuration
// hashes and bundle hashes.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// computeIntegrity hashes the route list for tamper detection: command
// tokens in sorted order with their bundle hashes, then listeners in
// declaration order.
func (s *Snapshot) computeIntegrity() string {
	h := sha256.New()
	tokens := make([]string, 0, len(s.Commands))
	for token := range s.Commands {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		r := s.Commands[token]
		fmt.Fprintf(h, "cmd|%s|%s|%s\n", token, r.ServiceID, r.BundleHash)
	}
	for _, r := range s.Listeners {
		fmt.Fprintf(h, "lst|%s|%s\n", r.ServiceID, r.BundleHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyIntegrity recomputes the route-list hash and compares.
func (s *Snapshot) VerifyIntegrity() bool {
	return s.Integrity == s.computeIntegrity()
}
