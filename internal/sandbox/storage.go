// Package sandbox captures outgoing campaign mail instead of delivering it.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("messages") // time-ordered key -> message
	bucketByID     = []byte("by_id")    // id -> time-ordered key
)

// Message is one captured email
type Message struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Data       []byte    `json:"data,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Storage keeps captured messages in a bbolt file
type Storage struct {
	db     *bolt.DB
	closer bool
}

// Open opens or creates the capture file at path
func Open(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox store: %w", err)
	}
	s, err := NewStorage(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.closer = true
	return s, nil
}

// NewStorage creates a sandbox storage on an already open bbolt database
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMessages, bucketByID} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close closes the underlying file when the storage opened it
func (s *Storage) Close() error {
	if !s.closer {
		return nil
	}
	return s.db.Close()
}

// Save stores a message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if msg.CapturedAt.IsZero() {
		msg.CapturedAt = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		key := makeIndexKey(msg.CapturedAt, msg.ID)
		if err := tx.Bucket(bucketMessages).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketByID).Put([]byte(msg.ID), key)
	})
}

// Get retrieves a message by ID. It returns nil when the message is unknown.
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketByID).Get([]byte(id))
		if key == nil {
			return nil
		}
		v := tx.Bucket(bucketMessages).Get(key)
		if v == nil {
			return nil
		}
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("failed to unmarshal message %s: %w", id, err)
		}
		msg = &m
		return nil
	})
	return msg, err
}

// ListFilter narrows List results
type ListFilter struct {
	AccountID string
	To        string
	Limit     int
	Offset    int
}

// List returns matching messages newest first, without their raw data
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		skipped := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if filter.AccountID != "" && msg.AccountID != filter.AccountID {
				continue
			}
			if filter.To != "" && msg.To != filter.To {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			msg.Data = nil
			messages = append(messages, &msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Delete removes a message by ID
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		byID := tx.Bucket(bucketByID)
		key := byID.Get([]byte(id))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketMessages).Delete(key); err != nil {
			return err
		}
		return byID.Delete([]byte(id))
	})
}

// Clear removes messages captured before now minus olderThan. A zero
// olderThan removes everything.
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().UTC().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		byID := tx.Bucket(bucketByID)
		c := messages.Cursor()

		var keys [][]byte
		var ids [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if olderThan > 0 && msg.CapturedAt.After(cutoff) {
				// keys are time ordered
				break
			}
			keys = append(keys, append([]byte(nil), k...))
			ids = append(ids, []byte(msg.ID))
		}

		for i := range keys {
			if err := messages.Delete(keys[i]); err != nil {
				return err
			}
			if err := byID.Delete(ids[i]); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Stats summarizes the captured messages
type Stats struct {
	Total     int64            `json:"total"`
	ByAccount map[string]int64 `json:"by_account"`
	OldestAt  time.Time        `json:"oldest_at,omitempty"`
	NewestAt  time.Time        `json:"newest_at,omitempty"`
	TotalSize int64            `json:"total_size"`
}

// Stats returns sandbox statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByAccount: make(map[string]int64)}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			stats.Total++
			stats.TotalSize += int64(len(v))
			stats.ByAccount[msg.AccountID]++
			if stats.OldestAt.IsZero() || msg.CapturedAt.Before(stats.OldestAt) {
				stats.OldestAt = msg.CapturedAt
			}
			if msg.CapturedAt.After(stats.NewestAt) {
				stats.NewestAt = msg.CapturedAt
			}
			return nil
		})
	})

	return stats, err
}

// makeIndexKey orders keys by capture time. The fixed-width UTC layout keeps
// byte order equal to time order.
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + id)
}
