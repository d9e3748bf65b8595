// Package reaper deletes bot-produced messages after their declared TTL.
// Entries are tracked under two indexes, primary by (platform,chat,message)
// and secondary by deadline, so expiry is a range scan instead of a full
// walk. With a bbolt file the schedule survives restarts; without one an
// in-memory tier covers the current process only.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Entry is one tracked message and its deletion deadline.
type Entry struct {
	Platform  string    `json:"platform"`
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	DeleteAt  time.Time `json:"delete_at"`
}

func (e Entry) key() string {
	return fmt.Sprintf("%s|%s|%s", e.Platform, e.ChatID, e.MessageID)
}

// Handler performs the platform-side deletion of one expired entry. Errors
// are the handler's to swallow; the reaper removes the entry either way.
type Handler func(Entry)

// KV is the storage tier behind the reaper.
type KV interface {
	Put(e Entry) error
	Delete(platform, chatID, messageID string) error
	// Expired returns entries with DeleteAt <= deadline, in deadline order.
	Expired(deadline time.Time) ([]Entry, error)
	All() ([]Entry, error)
	Close() error
}

// Reaper tracks message deadlines over a KV tier.
type Reaper struct {
	kv  KV
	now func() time.Time
}

// New builds a reaper over the given tier.
func New(kv KV) *Reaper {
	return &Reaper{kv: kv, now: time.Now}
}

// Open picks the storage tier: a bbolt file when path is non-empty, the
// in-memory map otherwise.
func Open(path string) (*Reaper, error) {
	if path == "" {
		slog.Info("reaper using in-memory tracking, TTLs will not survive restart")
		return New(NewMemoryKV()), nil
	}
	kv, err := OpenBoltKV(path)
	if err != nil {
		return nil, err
	}
	return New(kv), nil
}

// TrackMessage schedules deletion of a message ttlSeconds from now. A
// non-positive ttl is a no-op.
func (r *Reaper) TrackMessage(platform, chatID, messageID string, ttlSeconds int64) error {
	return r.TrackMessageAt(platform, chatID, messageID, ttlSeconds, r.now())
}

// TrackMessageAt is TrackMessage with an explicit clock, for tests and for
// callers replaying deadlines.
func (r *Reaper) TrackMessageAt(platform, chatID, messageID string, ttlSeconds int64, now time.Time) error {
	if ttlSeconds <= 0 {
		return nil
	}
	return r.kv.Put(Entry{
		Platform:  platform,
		ChatID:    chatID,
		MessageID: messageID,
		DeleteAt:  now.Add(time.Duration(ttlSeconds) * time.Second),
	})
}

// CleanupExpired invokes handler for every entry due at or before now and
// removes it from both indexes. Returns the number of reaped entries.
func (r *Reaper) CleanupExpired(handler Handler, now time.Time) (int, error) {
	due, err := r.kv.Expired(now)
	if err != nil {
		return 0, err
	}
	for _, e := range due {
		if handler != nil {
			handler(e)
		}
		if err := r.kv.Delete(e.Platform, e.ChatID, e.MessageID); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

// CleanupAll reaps every tracked entry regardless of deadline. Run at
// startup to flush leftovers whose wall-clock deadlines passed while the
// process was down.
func (r *Reaper) CleanupAll(handler Handler) (int, error) {
	all, err := r.kv.All()
	if err != nil {
		return 0, err
	}
	for _, e := range all {
		if handler != nil {
			handler(e)
		}
		if err := r.kv.Delete(e.Platform, e.ChatID, e.MessageID); err != nil {
			return 0, err
		}
	}
	return len(all), nil
}

// Run sweeps expired entries on the given interval until ctx is cancelled.
// Sweep errors are logged and swallowed; the loop keeps going.
func (r *Reaper) Run(ctx context.Context, interval time.Duration, handler Handler) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.CleanupExpired(handler, r.now())
			if err != nil {
				slog.Error("reaper sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("reaped expired messages", "count", n)
			}
		}
	}
}

// Close releases the storage tier.
func (r *Reaper) Close() error {
	return r.kv.Close()
}
