package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Cache defines the interface for caching
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Entry is a cached enrichment result
type Entry struct {
	Text     string    `json:"text"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	StoredAt time.Time `json:"stored_at"`
}

// Key derives a cache key from the provider, the model and the full prompt.
// Any change to the claim facts changes the prompt and therefore the key.
func Key(provider, model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return "abacus:v1:" + hex.EncodeToString(h.Sum(nil))
}

// GetEntry reads and decodes an entry. Undecodable values count as a miss
// and are evicted.
func GetEntry(c Cache, key string) (Entry, bool) {
	var e Entry
	if c == nil {
		return e, false
	}
	data, found := c.Get(key)
	if !found {
		return e, false
	}
	if err := json.Unmarshal(data, &e); err != nil || e.Text == "" {
		_ = c.Delete(key)
		return Entry{}, false
	}
	return e, true
}

// SetEntry encodes and stores an entry using the cache's default TTL
func SetEntry(c Cache, key string, e Entry) error {
	if c == nil {
		return nil
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return c.Set(key, data, 0)
}
