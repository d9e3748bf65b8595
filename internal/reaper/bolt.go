package reaper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket layout: "messages" maps primary key -> Entry JSON; "deadlines" maps
// a sortable deadline-prefixed key -> primary key, so Expired is a cursor
// scan that stops at the first future deadline.
var (
	bucketMessages  = []byte("messages")
	bucketDeadlines = []byte("deadlines")
)

// BoltKV is the durable reaper tier over a bbolt file.
type BoltKV struct {
	db *bolt.DB
}

// OpenBoltKV opens or creates the reaper database and its buckets.
func OpenBoltKV(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open reaper db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketDeadlines} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create reaper buckets: %w", err)
	}
	return &BoltKV{db: db}, nil
}

// deadlineKey builds a lexically sortable secondary key: zero-padded unix
// millis, then the primary key for uniqueness.
func deadlineKey(deleteAt time.Time, primary string) []byte {
	return []byte(fmt.Sprintf("%020d|%s", deleteAt.UnixMilli(), primary))
}

func (b *BoltKV) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	primary := e.key()
	return b.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		dls := tx.Bucket(bucketDeadlines)

		// Re-tracking a message moves its deadline: drop the old index row.
		if old := msgs.Get([]byte(primary)); old != nil {
			var prev Entry
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := dls.Delete(deadlineKey(prev.DeleteAt, primary)); err != nil {
					return err
				}
			}
		}
		if err := msgs.Put([]byte(primary), data); err != nil {
			return err
		}
		return dls.Put(deadlineKey(e.DeleteAt, primary), []byte(primary))
	})
}

func (b *BoltKV) Delete(platform, chatID, messageID string) error {
	primary := Entry{Platform: platform, ChatID: chatID, MessageID: messageID}.key()
	return b.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		raw := msgs.Get([]byte(primary))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("unmarshal entry %s: %w", primary, err)
		}
		if err := tx.Bucket(bucketDeadlines).Delete(deadlineKey(e.DeleteAt, primary)); err != nil {
			return err
		}
		return msgs.Delete([]byte(primary))
	})
}

func (b *BoltKV) Expired(deadline time.Time) ([]Entry, error) {
	limit := []byte(fmt.Sprintf("%020d|", deadline.UnixMilli()+1))
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketDeadlines).Cursor()
		for k, primary := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, primary = c.Next() {
			raw := msgs.Get(primary)
			if raw == nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("unmarshal entry %s: %w", primary, err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (b *BoltKV) All() ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal entry %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}
