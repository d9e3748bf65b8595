package reaper

import (
	"sort"
	"sync"
	"time"
)

// MemoryKV is the non-persistent reaper tier. Scans sort on demand; tracked
// volumes are small (one entry per outbound message with a TTL).
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryKV returns an empty in-memory tier.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]Entry)}
}

func (m *MemoryKV) Put(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.key()] = e
	return nil
}

func (m *MemoryKV) Delete(platform, chatID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, Entry{Platform: platform, ChatID: chatID, MessageID: messageID}.key())
	return nil
}

func (m *MemoryKV) Expired(deadline time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if !e.DeleteAt.After(deadline) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeleteAt.Before(out[j].DeleteAt) })
	return out, nil
}

func (m *MemoryKV) All() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeleteAt.Before(out[j].DeleteAt) })
	return out, nil
}

func (m *MemoryKV) Close() error { return nil }
