package kademlia

import (
	"time"

	ristretto "github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

const (
	statsSnapshotKey = "dht_stats/snapshot"
	defaultStatsTTL  = 5 * time.Second
)

// Stats is a snapshot of routing table and local store state
type Stats struct {
	NodeID       string      `json:"node_id"`
	Address      string      `json:"address"`
	Peers        int         `json:"peers"`
	BucketsInUse int         `json:"buckets_in_use"`
	BucketSizes  map[int]int `json:"bucket_sizes"`
	Entries      int         `json:"entries"`
	StoredBytes  int         `json:"stored_bytes"`
	TrackedFails int         `json:"tracked_failures"`
	CollectedAt  time.Time   `json:"collected_at"`
}

// statsCache keeps the last snapshot for a short time so that frequent status
// polls do not walk every bucket and cache item.
type statsCache struct {
	cache *ristretto.Cache[string, *Stats]
	ttl   time.Duration
	sf    singleflight.Group
}

func newStatsCache(ttl time.Duration) (*statsCache, error) {
	if ttl <= 0 {
		ttl = defaultStatsTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *Stats]{
		NumCounters: 100,
		MaxCost:     10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &statsCache{cache: c, ttl: ttl}, nil
}

// get returns the cached snapshot or collects a new one. Concurrent misses
// share one collection.
func (c *statsCache) get(collect func() *Stats) *Stats {
	if v, ok := c.cache.Get(statsSnapshotKey); ok && v != nil {
		return v
	}
	v, _, _ := c.sf.Do(statsSnapshotKey, func() (interface{}, error) {
		snap := collect()
		c.cache.SetWithTTL(statsSnapshotKey, snap, 1, c.ttl)
		c.cache.Wait()
		return snap, nil
	})
	return v.(*Stats)
}

func (c *statsCache) invalidate() {
	c.cache.Del(statsSnapshotKey)
}

func (c *statsCache) close() {
	c.cache.Close()
}
