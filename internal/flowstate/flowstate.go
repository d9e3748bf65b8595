// Package flowstate holds the ephemeral per-flow state of the runtime: the
// (chat,user,service) state records that multi-step services read and write,
// and the per-(chat,user) active-flow session that claims free-text messages
// for one service. Everything here is in-memory by design; a restart starts
// every conversation over.
package flowstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

// Key identifies one service's state for one user in one chat.
type Key struct {
	ChatID    string
	UserID    string
	ServiceID string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.ChatID, k.UserID, k.ServiceID)
}

// Record is a versioned state value. Version increases on every mutation so
// services can detect stale reads.
type Record struct {
	Version int
	Value   map[string]any
}

// Session is the active-flow claim for a (chat,user) pair. TTL of zero means
// the session never expires on its own.
type Session struct {
	ServiceID string
	Since     time.Time
	TTL       time.Duration
}

func (s Session) expired(now time.Time) bool {
	return s.TTL > 0 && now.Sub(s.Since) > s.TTL
}

// Store is the in-memory state store. All methods are safe for concurrent
// use; each map is guarded by its own mutex since contention is one
// operation per dispatched event.
type Store struct {
	mu    sync.Mutex
	state map[Key]*Record

	flowMu sync.Mutex
	flows  map[flowKey]Session

	now func() time.Time
}

type flowKey struct {
	chatID string
	userID string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		state: make(map[Key]*Record),
		flows: make(map[flowKey]Session),
		now:   time.Now,
	}
}

// GetServiceState returns a copy of the state record for a key, or nil when
// the key has no state.
func (s *Store) GetServiceState(key Key) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state[key]
	if !ok {
		return nil
	}
	return &Record{Version: r.Version, Value: copyMap(r.Value)}
}

// SetServiceState stores a value. When version is zero the next version is
// current+1; a non-zero version is taken as-is.
func (s *Store) SetServiceState(key Key, value map[string]any, version int) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, value, version)
}

func (s *Store) setLocked(key Key, value map[string]any, version int) *Record {
	if version == 0 {
		version = 1
		if cur, ok := s.state[key]; ok {
			version = cur.Version + 1
		}
	}
	r := &Record{Version: version, Value: copyMap(value)}
	s.state[key] = r
	return &Record{Version: r.Version, Value: copyMap(r.Value)}
}

// ApplyDirective applies a state directive returned by a service and returns
// the post-image, nil for clear. A nil directive is a no-op returning the
// current record.
func (s *Store) ApplyDirective(key Key, d *sdk.StateDirective) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d == nil {
		if cur, ok := s.state[key]; ok {
			return &Record{Version: cur.Version, Value: copyMap(cur.Value)}
		}
		return nil
	}

	switch d.Op {
	case sdk.StateClear:
		delete(s.state, key)
		return nil
	case sdk.StateReplace:
		return s.setLocked(key, d.Value, 0)
	case sdk.StateMerge:
		// Shallow merge: top-level keys overwrite, nested values replace.
		merged := map[string]any{}
		if cur, ok := s.state[key]; ok {
			merged = copyMap(cur.Value)
		}
		for k, v := range d.Value {
			merged[k] = v
		}
		return s.setLocked(key, merged, 0)
	default:
		// Unknown ops are ignored for forward compatibility.
		if cur, ok := s.state[key]; ok {
			return &Record{Version: cur.Version, Value: copyMap(cur.Value)}
		}
		return nil
	}
}

// SetActiveFlow claims free-text messages in a chat for one service on
// behalf of one user. A zero ttl keeps the session until cleared.
func (s *Store) SetActiveFlow(chatID, userID, serviceID string, ttl time.Duration) {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	s.flows[flowKey{chatID, userID}] = Session{
		ServiceID: serviceID,
		Since:     s.now(),
		TTL:       ttl,
	}
}

// ClearActiveFlow drops the session for a (chat,user) pair.
func (s *Store) ClearActiveFlow(chatID, userID string) {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	delete(s.flows, flowKey{chatID, userID})
}

// GetActiveFlow returns the current session, expiring it lazily: a session
// past its TTL is removed and reported absent.
func (s *Store) GetActiveFlow(chatID, userID string) (Session, bool) {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	k := flowKey{chatID, userID}
	sess, ok := s.flows[k]
	if !ok {
		return Session{}, false
	}
	if sess.expired(s.now()) {
		delete(s.flows, k)
		return Session{}, false
	}
	return sess, true
}

// SweepExpiredFlows removes every expired session and reports how many went.
func (s *Store) SweepExpiredFlows() int {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	now := s.now()
	n := 0
	for k, sess := range s.flows {
		if sess.expired(now) {
			delete(s.flows, k)
			n++
		}
	}
	return n
}

// Dump returns a copy of all state records, for diagnostics and tests only.
func (s *Store) Dump() map[Key]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Key]Record, len(s.state))
	for k, r := range s.state {
		out[k] = Record{Version: r.Version, Value: copyMap(r.Value)}
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
