package kademlia

import (
	"sync"
	"time"
)

const (
	// K is the bucket capacity and the replication factor
	K = 20
	// Alpha is the lookup concurrency parameter
	Alpha = 3
)

// HashTable is the routing table: B buckets of at most k peers each, most
// recently seen first.
type HashTable struct {
	self NodeID
	k    int

	mutex       sync.RWMutex
	routeTable  [B][]*PeerInfo
	refreshedAt [B]time.Time
}

// NewHashTable returns an empty routing table for self
func NewHashTable(self NodeID, k int) *HashTable {
	if k <= 0 {
		k = K
	}
	return &HashTable{self: self, k: k}
}

// Self returns the local node id
func (ht *HashTable) Self() NodeID {
	return ht.self
}

// Add inserts or refreshes a peer. A refreshed peer moves to the front of its
// bucket. When the bucket is full the least recently seen peer is evicted and
// returned.
func (ht *HashTable) Add(peer *PeerInfo) (evicted *PeerInfo) {
	if peer == nil || peer.ID == ht.self {
		return nil
	}
	idx := bucketIndex(ht.self, peer.ID)

	ht.mutex.Lock()
	defer ht.mutex.Unlock()

	bucket := ht.routeTable[idx]
	for i, p := range bucket {
		if p.ID == peer.ID {
			p.Address = peer.Address
			p.LastSeen = peer.LastSeen
			copy(bucket[1:i+1], bucket[:i])
			bucket[0] = p
			return nil
		}
	}

	entry := peer.clone()
	if len(bucket) >= ht.k {
		evicted = bucket[len(bucket)-1]
		bucket = bucket[:len(bucket)-1]
	}
	ht.routeTable[idx] = append([]*PeerInfo{entry}, bucket...)
	return evicted
}

// Touch marks a known peer as seen now and moves it to the front
func (ht *HashTable) Touch(id NodeID, at time.Time) bool {
	idx := bucketIndex(ht.self, id)
	if idx < 0 {
		return false
	}

	ht.mutex.Lock()
	defer ht.mutex.Unlock()

	bucket := ht.routeTable[idx]
	for i, p := range bucket {
		if p.ID == id {
			p.LastSeen = at
			copy(bucket[1:i+1], bucket[:i])
			bucket[0] = p
			return true
		}
	}
	return false
}

// Remove deletes a peer from its bucket
func (ht *HashTable) Remove(id NodeID) bool {
	idx := bucketIndex(ht.self, id)
	if idx < 0 {
		return false
	}

	ht.mutex.Lock()
	defer ht.mutex.Unlock()

	bucket := ht.routeTable[idx]
	for i, p := range bucket {
		if p.ID == id {
			ht.routeTable[idx] = append(bucket[:i:i], bucket[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns a copy of the peer with the id, if known
func (ht *HashTable) Get(id NodeID) (*PeerInfo, bool) {
	idx := bucketIndex(ht.self, id)
	if idx < 0 {
		return nil, false
	}

	ht.mutex.RLock()
	defer ht.mutex.RUnlock()

	for _, p := range ht.routeTable[idx] {
		if p.ID == id {
			return p.clone(), true
		}
	}
	return nil, false
}

// Closest returns up to n known peers ordered by closeness to target,
// skipping ignored ids
func (ht *HashTable) Closest(target NodeID, n int, ignores ...NodeID) *PeerList {
	skip := make(map[NodeID]struct{}, len(ignores))
	for _, id := range ignores {
		skip[id] = struct{}{}
	}

	list := &PeerList{Comparator: target}

	ht.mutex.RLock()
	for _, bucket := range ht.routeTable {
		for _, p := range bucket {
			if _, ok := skip[p.ID]; ok {
				continue
			}
			list.Peers = append(list.Peers, p.clone())
		}
	}
	ht.mutex.RUnlock()

	list.Sort()
	list.Truncate(n)
	return list
}

// Peers returns copies of all known peers
func (ht *HashTable) Peers() []*PeerInfo {
	ht.mutex.RLock()
	defer ht.mutex.RUnlock()

	var out []*PeerInfo
	for _, bucket := range ht.routeTable {
		for _, p := range bucket {
			out = append(out, p.clone())
		}
	}
	return out
}

// Len returns the number of known peers
func (ht *HashTable) Len() int {
	ht.mutex.RLock()
	defer ht.mutex.RUnlock()

	n := 0
	for _, bucket := range ht.routeTable {
		n += len(bucket)
	}
	return n
}

// BucketSizes returns the size of every non-empty bucket keyed by index
func (ht *HashTable) BucketSizes() map[int]int {
	ht.mutex.RLock()
	defer ht.mutex.RUnlock()

	sizes := make(map[int]int)
	for i, bucket := range ht.routeTable {
		if len(bucket) > 0 {
			sizes[i] = len(bucket)
		}
	}
	return sizes
}

// Contains reports whether the peer is in the routing table
func (ht *HashTable) Contains(id NodeID) bool {
	_, ok := ht.Get(id)
	return ok
}

// RandomIDInBucket returns a random id that falls into bucket i
func (ht *HashTable) RandomIDInBucket(i int) NodeID {
	return randomIDInBucket(ht.self, i)
}

// bucketLen returns the number of peers in bucket i
func (ht *HashTable) bucketLen(i int) int {
	ht.mutex.RLock()
	defer ht.mutex.RUnlock()
	return len(ht.routeTable[i])
}

func (ht *HashTable) resetRefreshTime(bucket int, at time.Time) {
	if bucket < 0 || bucket >= B {
		return
	}
	ht.mutex.Lock()
	ht.refreshedAt[bucket] = at
	ht.mutex.Unlock()
}

func (ht *HashTable) refreshTime(bucket int) time.Time {
	ht.mutex.RLock()
	defer ht.mutex.RUnlock()
	return ht.refreshedAt[bucket]
}
