package kademlia

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
)

const (
	defaultTTL              = 24 * time.Hour
	defaultRefreshInterval  = time.Minute
	defaultExpiryInterval   = 30 * time.Second
	defaultLivenessInterval = 2 * time.Minute
	defaultMaxPeerFailures  = 3

	// maxConcurrentNetworkStoreCalls bounds replication fan-out
	maxConcurrentNetworkStoreCalls = 8
	maxConcurrentPings             = 16
	// maxRefreshPerCycle caps bucket refresh lookups per tick
	maxRefreshPerCycle = 8
)

// Options contains configuration options for the DHT
type Options struct {
	// ID of the local node; a random id is generated when zero
	ID NodeID
	// Address advertised to peers (host:port)
	Address string

	K     int
	Alpha int

	DefaultTTL       time.Duration
	RefreshInterval  time.Duration
	ExpiryInterval   time.Duration
	LivenessInterval time.Duration
	StatsTTL         time.Duration

	// MaxPeerFailures consecutive RPC failures evict a peer from the routing table
	MaxPeerFailures int
}

func (o *Options) setDefaults() {
	if o.ID.IsZero() {
		o.ID = NewRandomID()
	}
	if o.K <= 0 {
		o.K = K
	}
	if o.Alpha <= 0 {
		o.Alpha = Alpha
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = defaultTTL
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = defaultRefreshInterval
	}
	if o.ExpiryInterval <= 0 {
		o.ExpiryInterval = defaultExpiryInterval
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = defaultLivenessInterval
	}
	if o.MaxPeerFailures <= 0 {
		o.MaxPeerFailures = defaultMaxPeerFailures
	}
}

// DeliverySink receives application payloads delivered by peers
type DeliverySink func(from *PeerInfo, payload []byte)

// DHT represents the state of the local node in the distributed hash table
type DHT struct {
	ht      *HashTable // the hashtable for routing
	options Options    // the options of DHT
	network Network    // the network of DHT
	store   *Store     // the local entry store
	stats   *statsCache

	now func() time.Time

	mtx      sync.RWMutex
	address  string
	failures map[NodeID]int
	sink     DeliverySink

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ReplicationResult reports the outcome of replicating one entry
type ReplicationResult struct {
	Key    NodeID
	Stored []NodeID
	Failed map[NodeID]error
}

// Succeeded returns the number of peers that accepted the entry
func (r *ReplicationResult) Succeeded() int {
	return len(r.Stored)
}

// NewDHT returns a DHT bound to network. The network must not be started yet.
func NewDHT(options Options, network Network) (*DHT, error) {
	if network == nil {
		return nil, errors.Invalid("dht requires a network")
	}
	options.setDefaults()

	stats, err := newStatsCache(options.StatsTTL)
	if err != nil {
		return nil, errors.Wrap(err, "create stats cache")
	}

	s := &DHT{
		ht:       NewHashTable(options.ID, options.K),
		options:  options,
		network:  network,
		store:    NewStore(options.ExpiryInterval * 4),
		stats:    stats,
		now:      func() time.Time { return time.Now().UTC() },
		address:  options.Address,
		failures: make(map[NodeID]int),
		done:     make(chan struct{}),
	}
	network.Bind(s)
	return s, nil
}

// ID returns the local node id
func (s *DHT) ID() NodeID {
	return s.options.ID
}

// Self returns the local peer info as advertised to others
func (s *DHT) Self() *PeerInfo {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return &PeerInfo{ID: s.options.ID, Address: s.address, LastSeen: s.now()}
}

// HashTable exposes the routing table
func (s *DHT) HashTable() *HashTable {
	return s.ht
}

// NodesLen returns the number of peers in the routing table
func (s *DHT) NodesLen() int {
	return s.ht.Len()
}

// SetDeliverySink installs the receiver of Deliver RPCs
func (s *DHT) SetDeliverySink(sink DeliverySink) {
	s.mtx.Lock()
	s.sink = sink
	s.mtx.Unlock()
}

// Start starts the network and the maintenance workers
func (s *DHT) Start(ctx context.Context) error {
	if err := s.network.Start(ctx); err != nil {
		return errors.Wrap(err, "start network")
	}
	if a, ok := s.network.(interface{ Addr() string }); ok {
		s.mtx.Lock()
		if s.address == "" {
			s.address = a.Addr()
		}
		s.mtx.Unlock()
	}

	s.startWorker(ctx, s.options.RefreshInterval, func(ctx context.Context) { s.RefreshBuckets(ctx) })
	s.startWorker(ctx, s.options.ExpiryInterval, func(context.Context) { s.ExpireEntries() })
	s.startWorker(ctx, s.options.LivenessInterval, func(ctx context.Context) { s.CheckPeers(ctx) })

	logtrace.Info(ctx, "DHT started", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldNodeID: s.options.ID.String(),
	})
	return nil
}

func (s *DHT) startWorker(ctx context.Context, interval time.Duration, task func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				task(ctx)
			}
		}
	}()
}

// Stop the distributed hash table
func (s *DHT) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.network.Stop()
		s.stats.close()
	})
}

// Bootstrap pings every seed, adds responders to the routing table and then
// looks up the local id to populate nearby buckets. Unreachable seeds are
// skipped; the number of reachable seeds is returned.
func (s *DHT) Bootstrap(ctx context.Context, seeds []string) int {
	self := s.Self()
	reached := 0
	for _, addr := range seeds {
		if addr == "" || addr == self.Address {
			continue
		}
		peer, err := s.network.Ping(ctx, addr)
		if err != nil {
			logtrace.Warn(ctx, "bootstrap seed unreachable", logtrace.Fields{
				logtrace.FieldModule:  "dht",
				logtrace.FieldAddress: addr,
				logtrace.FieldError:   err.Error(),
			})
			continue
		}
		if peer.ID == s.options.ID {
			continue
		}
		peer.Address = addr
		s.markSuccess(ctx, peer)
		reached++
	}

	if s.ht.Len() > 0 {
		found := s.LookupNode(ctx, s.options.ID)
		logtrace.Info(ctx, "bootstrap self lookup done", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldCount:  len(found),
			"routing_peers":      s.ht.Len(),
		})
	}
	return reached
}

// Store hashes key, stores the entry locally and replicates it to the K
// closest known peers. Per-peer failures are reported in the result.
func (s *DHT) Store(ctx context.Context, key string, value []byte, ttl time.Duration) (*ReplicationResult, error) {
	if key == "" {
		return nil, errors.Invalid("empty key")
	}
	if ttl <= 0 {
		ttl = s.options.DefaultTTL
	}

	hashed := HashKey(key)
	entry := &Entry{
		Key:       hashed,
		Value:     append([]byte(nil), value...),
		CreatedAt: s.now(),
		TTL:       ttl,
		Owner:     s.options.ID,
	}
	s.store.Put(entry)
	s.stats.invalidate()

	peers := s.FindClosestPeers(hashed, s.options.K)
	result := &ReplicationResult{Key: hashed, Failed: make(map[NodeID]error)}
	if len(peers) == 0 {
		return result, nil
	}

	var (
		mu  sync.Mutex
		sem = semaphore.NewWeighted(maxConcurrentNetworkStoreCalls)
		g   errgroup.Group
	)
	for _, peer := range peers {
		peer := peer
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Failed[peer.ID] = err
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			err := s.network.StoreAt(ctx, peer, entry)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[peer.ID] = err
				return nil
			}
			result.Stored = append(result.Stored, peer.ID)
			return nil
		})
	}
	_ = g.Wait()

	for id, err := range result.Failed {
		logtrace.Debug(ctx, "replicate entry failed", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldKey:    key,
			logtrace.FieldPeer:   id.Short(),
			logtrace.FieldError:  err.Error(),
		})
		s.markFailure(ctx, id, err)
	}
	for _, id := range result.Stored {
		s.ht.Touch(id, s.now())
		s.resetFailures(id)
	}
	return result, nil
}

// Retrieve returns the value for key from the local store, or from the Alpha
// closest peers queried one after another. A remote hit is cached locally
// with a fresh TTL.
func (s *DHT) Retrieve(ctx context.Context, key string) ([]byte, error) {
	hashed := HashKey(key)
	if e, ok := s.store.Get(hashed, s.now()); ok {
		return e.Value, nil
	}

	for _, peer := range s.FindClosestPeers(hashed, s.options.Alpha) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, _, err := s.network.FindValue(ctx, peer, hashed)
		if err != nil {
			s.markFailure(ctx, peer.ID, err)
			continue
		}
		s.markSuccess(ctx, peer)
		if entry == nil || entry.Key != hashed || entry.Expired(s.now()) {
			continue
		}

		ttl := entry.TTL
		if ttl <= 0 {
			ttl = s.options.DefaultTTL
		}
		cached := *entry
		cached.CreatedAt = s.now()
		cached.TTL = ttl
		s.store.Put(&cached)
		s.stats.invalidate()
		return cached.Value, nil
	}
	return nil, errors.NotFound("key", key)
}

// Delete removes the local copy of key
func (s *DHT) Delete(key string) {
	s.store.Delete(HashKey(key))
	s.stats.invalidate()
}

// FindClosestPeers returns up to n peers of the local routing table ordered by
// closeness to target
func (s *DHT) FindClosestPeers(target NodeID, n int) []*PeerInfo {
	return s.ht.Closest(target, n).Peers
}

// LookupNode runs an iterative lookup for target. Each round queries up to
// Alpha unqueried candidates in parallel and merges the peers they return.
// The lookup ends when no unqueried candidate remains; the responding peers
// are returned ordered by closeness.
func (s *DHT) LookupNode(ctx context.Context, target NodeID) []*PeerInfo {
	candidates := s.ht.Closest(target, s.options.K)
	queried := map[NodeID]bool{s.options.ID: true}
	result := &PeerList{Comparator: target}

	for ctx.Err() == nil {
		var round []*PeerInfo
		for _, p := range candidates.Peers {
			if queried[p.ID] {
				continue
			}
			round = append(round, p)
			if len(round) == s.options.Alpha {
				break
			}
		}
		if len(round) == 0 {
			break
		}

		var (
			mu         sync.Mutex
			g          errgroup.Group
			discovered []*PeerInfo
		)
		for _, p := range round {
			p := p
			queried[p.ID] = true
			g.Go(func() error {
				closest, err := s.network.FindNode(ctx, p, target)
				if err != nil {
					s.markFailure(ctx, p.ID, err)
					return nil
				}
				s.markSuccess(ctx, p)

				mu.Lock()
				defer mu.Unlock()
				result.AddPeers([]*PeerInfo{p.clone()})
				discovered = append(discovered, closest...)
				return nil
			})
		}
		_ = g.Wait()

		for _, p := range discovered {
			if p == nil || p.ID == s.options.ID || p.Address == "" {
				continue
			}
			candidates.AddPeers([]*PeerInfo{p.clone()})
		}
		candidates.Sort()
	}

	result.Sort()
	return result.Peers
}

// Ping contacts the peer at address and adds it to the routing table when
// it answers
func (s *DHT) Ping(ctx context.Context, address string) (*PeerInfo, error) {
	peer, err := s.network.Ping(ctx, address)
	if err != nil {
		return nil, err
	}
	if peer.ID == s.options.ID {
		return nil, errors.Invalid("address %s belongs to the local node", address)
	}
	peer.Address = address
	s.markSuccess(ctx, peer)
	return peer.clone(), nil
}

// Deliver hands an application payload to a peer. Failures count toward the
// peer's eviction.
func (s *DHT) Deliver(ctx context.Context, to *PeerInfo, payload []byte) error {
	if err := s.network.Deliver(ctx, to, payload); err != nil {
		s.markFailure(ctx, to.ID, err)
		return err
	}
	s.markSuccess(ctx, to)
	return nil
}

// Resolve returns the peer with the id from the routing table, falling back
// to an iterative lookup
func (s *DHT) Resolve(ctx context.Context, id NodeID) (*PeerInfo, error) {
	if p, ok := s.ht.Get(id); ok {
		return p, nil
	}
	for _, p := range s.LookupNode(ctx, id) {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, errors.NotFound("peer", id.String())
}

// Peers returns every peer of the routing table
func (s *DHT) Peers() []*PeerInfo {
	return s.ht.Peers()
}

// RefreshBuckets looks up a random id in empty buckets that were not
// refreshed within the refresh interval. It returns the number of lookups run.
func (s *DHT) RefreshBuckets(ctx context.Context) int {
	if s.ht.Len() == 0 {
		return 0
	}
	now := s.now()
	refreshed := 0
	for i := 0; i < B && refreshed < maxRefreshPerCycle; i++ {
		if s.ht.bucketLen(i) > 0 {
			continue
		}
		if last := s.ht.refreshTime(i); !last.IsZero() && now.Sub(last) < s.options.RefreshInterval {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		s.LookupNode(ctx, s.ht.RandomIDInBucket(i))
		s.ht.resetRefreshTime(i, now)
		refreshed++
	}
	if refreshed > 0 {
		logtrace.Debug(ctx, "refreshed buckets", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldCount:  refreshed,
		})
	}
	return refreshed
}

// ExpireEntries removes locally stored entries past their TTL
func (s *DHT) ExpireEntries() int {
	removed := s.store.DeleteExpired(s.now())
	if removed > 0 {
		s.stats.invalidate()
	}
	return removed
}

// CheckPeers pings every known peer and drops those that do not answer or
// answer with a different identity. It returns the number of dropped peers.
func (s *DHT) CheckPeers(ctx context.Context) int {
	peers := s.ht.Peers()
	if len(peers) == 0 {
		return 0
	}

	var (
		mu      sync.Mutex
		dropped []*PeerInfo
		g       errgroup.Group
	)
	g.SetLimit(maxConcurrentPings)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			got, err := s.network.Ping(ctx, p.Address)
			if err == nil && got.ID == p.ID {
				s.ht.Touch(p.ID, s.now())
				s.resetFailures(p.ID)
				return nil
			}
			mu.Lock()
			dropped = append(dropped, p)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range dropped {
		s.removePeer(ctx, p.ID, "liveness check failed")
	}
	return len(dropped)
}

// Stats returns routing table and local store statistics
func (s *DHT) Stats(ctx context.Context) Stats {
	snap := s.stats.get(func() *Stats {
		sizes := s.ht.BucketSizes()
		s.mtx.RLock()
		tracked := len(s.failures)
		address := s.address
		s.mtx.RUnlock()
		return &Stats{
			NodeID:       s.options.ID.String(),
			Address:      address,
			Peers:        s.ht.Len(),
			BucketsInUse: len(sizes),
			BucketSizes:  sizes,
			Entries:      s.store.Len(),
			StoredBytes:  s.store.Bytes(),
			TrackedFails: tracked,
			CollectedAt:  s.now(),
		}
	})
	out := *snap
	out.BucketSizes = make(map[int]int, len(snap.BucketSizes))
	for k, v := range snap.BucketSizes {
		out.BucketSizes[k] = v
	}
	return out
}

// PeerFailures returns the consecutive failure count tracked for a peer
func (s *DHT) PeerFailures(id NodeID) int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.failures[id]
}

// markSuccess refreshes the peer in the routing table and clears its failures
func (s *DHT) markSuccess(ctx context.Context, peer *PeerInfo) {
	if peer == nil || peer.ID == s.options.ID || peer.ID.IsZero() {
		return
	}
	p := peer.clone()
	p.LastSeen = s.now()
	if evicted := s.ht.Add(p); evicted != nil {
		logtrace.Debug(ctx, "bucket full, evicted least recently seen peer", logtrace.Fields{
			logtrace.FieldModule: "dht",
			logtrace.FieldPeer:   evicted.String(),
		})
		s.resetFailures(evicted.ID)
		s.stats.invalidate()
	}
	s.resetFailures(peer.ID)
}

// markFailure counts a failed RPC and evicts the peer once it reaches the limit
func (s *DHT) markFailure(ctx context.Context, id NodeID, err error) {
	s.mtx.Lock()
	s.failures[id]++
	count := s.failures[id]
	s.mtx.Unlock()

	if count >= s.options.MaxPeerFailures {
		s.removePeer(ctx, id, err.Error())
	}
}

func (s *DHT) resetFailures(id NodeID) {
	s.mtx.Lock()
	delete(s.failures, id)
	s.mtx.Unlock()
}

func (s *DHT) removePeer(ctx context.Context, id NodeID, reason string) {
	s.resetFailures(id)
	if !s.ht.Remove(id) {
		return
	}
	s.stats.invalidate()
	logtrace.Info(ctx, "removed peer from routing table", logtrace.Fields{
		logtrace.FieldModule: "dht",
		logtrace.FieldPeer:   id.Short(),
		"reason":             reason,
	})
}

// HandlePing records the sender
func (s *DHT) HandlePing(ctx context.Context, sender *PeerInfo) {
	s.markSuccess(ctx, sender)
}

// HandleStore stores an entry replicated by a peer
func (s *DHT) HandleStore(ctx context.Context, sender *PeerInfo, entry *Entry) error {
	s.markSuccess(ctx, sender)
	if entry == nil || entry.Key.IsZero() {
		return errors.Invalid("empty entry")
	}
	if entry.Expired(s.now()) {
		return errors.Invalid("entry %s already expired", entry.Key.Short())
	}
	s.store.Put(entry)
	s.stats.invalidate()
	return nil
}

// HandleFindNode returns the K closest known peers to target, excluding the sender
func (s *DHT) HandleFindNode(ctx context.Context, sender *PeerInfo, target NodeID) []*PeerInfo {
	s.markSuccess(ctx, sender)
	var ignores []NodeID
	if sender != nil {
		ignores = append(ignores, sender.ID)
	}
	return s.ht.Closest(target, s.options.K, ignores...).Peers
}

// HandleFindValue returns the local entry for key, or the closest known peers
func (s *DHT) HandleFindValue(ctx context.Context, sender *PeerInfo, key NodeID) (*Entry, []*PeerInfo) {
	s.markSuccess(ctx, sender)
	if e, ok := s.store.Get(key, s.now()); ok {
		return e, nil
	}
	var ignores []NodeID
	if sender != nil {
		ignores = append(ignores, sender.ID)
	}
	return nil, s.ht.Closest(key, s.options.K, ignores...).Peers
}

// HandleDeliver passes an application payload to the delivery sink
func (s *DHT) HandleDeliver(ctx context.Context, sender *PeerInfo, payload []byte) error {
	if sender == nil || sender.ID.IsZero() {
		return errors.Invalid("deliver without sender identity")
	}
	s.markSuccess(ctx, sender)
	s.mtx.RLock()
	sink := s.sink
	s.mtx.RUnlock()
	if sink == nil {
		return errors.New("no delivery sink installed")
	}
	sink(sender.clone(), append([]byte(nil), payload...))
	return nil
}
