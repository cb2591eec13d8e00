package kademlia

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Entry is a replicated key/value record
type Entry struct {
	Key       NodeID
	Value     []byte
	CreatedAt time.Time
	TTL       time.Duration
	Owner     NodeID
}

// Expired reports whether now is past CreatedAt+TTL
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// Store is the local key/value store of the DHT. Entries carry their own
// expiry which is authoritative; the underlying cache janitor only reclaims
// memory for entries nobody swept.
type Store struct {
	cache *gocache.Cache
}

// NewStore returns an empty store. janitor is the cache cleanup interval;
// zero disables the background janitor.
func NewStore(janitor time.Duration) *Store {
	return &Store{cache: gocache.New(gocache.NoExpiration, janitor)}
}

// Put stores an entry, replacing any previous entry for the key
func (s *Store) Put(e *Entry) {
	if e == nil {
		return
	}
	stored := *e
	stored.Value = append([]byte(nil), e.Value...)

	// keep the item in the cache a little past its logical expiry so the
	// sweep, not the janitor, decides when it disappears
	s.cache.Set(e.Key.String(), &stored, e.TTL+time.Minute)
}

// Get returns the entry for key if present and unexpired at now
func (s *Store) Get(key NodeID, now time.Time) (*Entry, bool) {
	v, ok := s.cache.Get(key.String())
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	if e.Expired(now) {
		return nil, false
	}
	out := *e
	out.Value = append([]byte(nil), e.Value...)
	return &out, true
}

// Delete removes the entry for key
func (s *Store) Delete(key NodeID) {
	s.cache.Delete(key.String())
}

// DeleteExpired removes every entry expired at now and returns how many were removed
func (s *Store) DeleteExpired(now time.Time) int {
	removed := 0
	for k, item := range s.cache.Items() {
		e, ok := item.Object.(*Entry)
		if !ok || e.Expired(now) {
			s.cache.Delete(k)
			removed++
		}
	}
	s.cache.DeleteExpired()
	return removed
}

// Len returns the number of stored entries, expired or not
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

// Bytes returns the total size of stored values
func (s *Store) Bytes() int {
	total := 0
	for _, item := range s.cache.Items() {
		if e, ok := item.Object.(*Entry); ok {
			total += len(e.Value)
		}
	}
	return total
}

// Keys returns the keys of all stored entries
func (s *Store) Keys() []NodeID {
	items := s.cache.Items()
	keys := make([]NodeID, 0, len(items))
	for _, item := range items {
		if e, ok := item.Object.(*Entry); ok {
			keys = append(keys, e.Key)
		}
	}
	return keys
}
