// Package msgcache keeps recent chat messages in the key-value store, each
// expiring on its own 24 hours after it was written.
package msgcache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/wirechat/pkg/kvstore"
)

const (
	// Lifetime is how long a cached message survives
	Lifetime = 24 * time.Hour
	// DefaultMaxEntries caps how many entries List returns
	DefaultMaxEntries = 1000

	keyPrefix = "messageid:"
)

// Entry is one cached chat message
type Entry struct {
	ID          string
	Text        string
	AuthorLogin string
	Timestamp   time.Time
}

// TimestampMillis returns the entry time as Unix milliseconds
func (e Entry) TimestampMillis() int64 {
	return e.Timestamp.UnixMilli()
}

// Cache stores entries as hashes under messageid:<id>
type Cache struct {
	store      kvstore.Store
	maxEntries int
}

// New creates a Cache. A non-positive maxEntries uses DefaultMaxEntries.
func New(store kvstore.Store, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{store: store, maxEntries: maxEntries}
}

func key(id string) string { return keyPrefix + id }

// Append writes the entry and its expiry in one transaction, so a cached
// message never exists without a TTL.
func (c *Cache) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("cache entry has no id")
	}
	fields := map[string]string{
		"id":        e.ID,
		"message":   e.Text,
		"userlogin": e.AuthorLogin,
		"timestamp": strconv.FormatInt(e.TimestampMillis(), 10),
	}

	err := c.store.Batch(ctx, func(b kvstore.Batch) {
		b.HSet(key(e.ID), fields)
		b.Expire(key(e.ID), Lifetime)
	})
	if err != nil {
		return fmt.Errorf("failed to cache message %s: %w", e.ID, err)
	}
	return nil
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (c *Cache) Remove(ctx context.Context, id string) error {
	if err := c.store.Del(ctx, key(id)); err != nil {
		return fmt.Errorf("failed to remove cached message %s: %w", id, err)
	}
	return nil
}

// List returns the live entries oldest first. At most maxEntries of the
// newest entries are returned.
func (c *Cache) List(ctx context.Context) ([]Entry, error) {
	keys, err := c.store.Scan(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan message cache: %w", err)
	}

	hashes, err := c.store.HGetAllMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to read message cache: %w", err)
	}

	entries := make([]Entry, 0, len(hashes))
	for i, h := range hashes {
		// expired between SCAN and HGETALL
		if len(h) == 0 {
			continue
		}
		entries = append(entries, decode(strings.TrimPrefix(keys[i], keyPrefix), h))
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})

	if len(entries) > c.maxEntries {
		entries = entries[len(entries)-c.maxEntries:]
	}
	return entries, nil
}

func decode(id string, h map[string]string) Entry {
	e := Entry{
		ID:          id,
		Text:        h["message"],
		AuthorLogin: h["userlogin"],
	}
	if v, ok := h["id"]; ok && v != "" {
		e.ID = v
	}
	if ms, err := strconv.ParseInt(h["timestamp"], 10, 64); err == nil {
		e.Timestamp = time.UnixMilli(ms)
	}
	return e
}

// Record is the JSON form of an entry sent to clients
type Record struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	UserLogin string `json:"userlogin"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// Record converts the entry to its client form
func (e Entry) Record() Record {
	return Record{
		ID:        e.ID,
		Message:   e.Text,
		UserLogin: e.AuthorLogin,
		Timestamp: e.TimestampMillis(),
	}
}

// Records converts a list of entries
func Records(entries []Entry) []Record {
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.Record()
	}
	return out
}
