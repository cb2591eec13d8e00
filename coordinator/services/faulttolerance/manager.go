// Package faulttolerance watches pool nodes, classifies their failures and
// recovers from them: probing, reconnecting, resynchronizing from
// checkpoints, tuning, quarantining and failing over to standby nodes.
package faulttolerance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LumeraProtocol/trainpool/p2p/kademlia"
	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/event"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
)

const logPrefix = "faulttolerance"

// KeyValueStore is the distributed store markers are mirrored into.
// *kademlia.DHT satisfies it.
type KeyValueStore interface {
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) (*kademlia.ReplicationResult, error)
	Retrieve(ctx context.Context, key string) ([]byte, error)
}

// StateSource snapshots the training state of a session
type StateSource interface {
	Snapshot(ctx context.Context, sessionID string) (CheckpointState, error)
}

// Manager tracks node health, failures, sessions and checkpoints
type Manager struct {
	cfg       Config
	self      string
	transport transport.Transport
	store     KeyValueStore
	state     StateSource
	bus       *event.Bus

	now func() time.Time

	mtx      sync.RWMutex
	nodes    map[string]*NodeState
	failover map[string]*FailoverNode
	failures map[string][]NodeFailure
	sessions map[string]*session

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type session struct {
	ongoing     bool
	startedAt   time.Time
	endedAt     time.Time
	checkpoints []*TrainingCheckpoint
}

// NewManager returns a manager that talks to nodes as self through tr.
// store, state and bus may be nil.
func NewManager(cfg Config, self string, tr transport.Transport, store KeyValueStore, state StateSource, bus *event.Bus) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		self:      self,
		transport: tr,
		store:     store,
		state:     state,
		bus:       bus,
		now:       func() time.Time { return time.Now().UTC() },
		nodes:     make(map[string]*NodeState),
		failover:  make(map[string]*FailoverNode),
		failures:  make(map[string][]NodeFailure),
		sessions:  make(map[string]*session),
		done:      make(chan struct{}),
	}
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// RegisterNode adds an active node or refreshes a known one
func (m *Manager) RegisterNode(ctx context.Context, nodeID, address, sessionID string) error {
	if nodeID == "" {
		return errors.Invalid("node id is required")
	}
	now := m.now()

	m.mtx.Lock()
	n, ok := m.nodes[nodeID]
	if !ok {
		n = &NodeState{NodeID: nodeID, Status: StatusActive, RegisteredAt: now}
		if f, standby := m.failover[nodeID]; standby {
			n.Capacity = f.Capacity
			delete(m.failover, nodeID)
		}
		m.nodes[nodeID] = n
	}
	if address != "" {
		n.Address = address
	}
	if sessionID != "" {
		n.SessionID = sessionID
	}
	n.LastHeartbeat = now
	m.mtx.Unlock()

	if ok {
		return nil
	}
	logtrace.Info(ctx, "node registered", logtrace.Fields{
		logtrace.FieldModule:    logPrefix,
		logtrace.FieldNodeID:    nodeID,
		logtrace.FieldSessionID: sessionID,
		logtrace.FieldAddress:   address,
	})
	m.bus.Publish(event.NewEvent(event.NodeRegistered, logPrefix, sessionID, nodeID, map[string]interface{}{
		event.KeyAddress: address,
	}))
	return nil
}

// RegisterFailoverNode adds or updates a standby with the declared capacity
func (m *Manager) RegisterFailoverNode(ctx context.Context, nodeID, address string, capacity float64) error {
	if nodeID == "" {
		return errors.Invalid("node id is required")
	}
	if !(capacity > 0) {
		return errors.Invalid("capacity must be positive, got %v", capacity)
	}

	m.mtx.Lock()
	if _, ok := m.nodes[nodeID]; ok {
		m.mtx.Unlock()
		return errors.Invalid("node %s is already participating", nodeID)
	}
	f, ok := m.failover[nodeID]
	if !ok {
		f = &FailoverNode{NodeID: nodeID, RegisteredAt: m.now()}
		m.failover[nodeID] = f
	}
	f.Address = address
	f.Capacity = capacity
	m.mtx.Unlock()

	logtrace.Info(ctx, "standby registered", logtrace.Fields{
		logtrace.FieldModule:  logPrefix,
		logtrace.FieldNodeID:  nodeID,
		logtrace.FieldAddress: address,
		"capacity":            capacity,
	})
	m.bus.Publish(event.NewEvent(event.NodeRegistered, logPrefix, "", nodeID, map[string]interface{}{
		event.KeyAddress:  address,
		event.KeyCapacity: capacity,
	}))
	return nil
}

// Heartbeat records a sign of life from the node
func (m *Manager) Heartbeat(nodeID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	n, ok := m.nodes[nodeID]
	if !ok {
		return errors.NotFound("node", nodeID)
	}
	n.LastHeartbeat = m.now()
	return nil
}

// Node returns a copy of the node's state
func (m *Manager) Node(nodeID string) (NodeState, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	if n, ok := m.nodes[nodeID]; ok {
		return *n, nil
	}
	if f, ok := m.failover[nodeID]; ok {
		return standbyState(f), nil
	}
	return NodeState{}, errors.NotFound("node", nodeID)
}

// ActiveNodes returns the nodes currently taking part in training, that is
// active or warned, sorted by id
func (m *Manager) ActiveNodes() []NodeState {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var out []NodeState
	for _, n := range m.nodes {
		if participating(n) {
			out = append(out, *n)
		}
	}
	sortStates(out)
	return out
}

// AllNodes returns every known node including standbys, sorted by id
func (m *Manager) AllNodes() []NodeState {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := make([]NodeState, 0, len(m.nodes)+len(m.failover))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	for _, f := range m.failover {
		out = append(out, standbyState(f))
	}
	sortStates(out)
	return out
}

// FailoverNodes returns the standbys by descending capacity
func (m *Manager) FailoverNodes() []FailoverNode {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.standbysLocked("")
}

// FailureLog returns the node's retained failures, oldest first
func (m *Manager) FailureLog(nodeID string) []NodeFailure {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return append([]NodeFailure(nil), m.failures[nodeID]...)
}

// IsQuarantined reports whether the node is currently quarantined
func (m *Manager) IsQuarantined(nodeID string) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	n, ok := m.nodes[nodeID]
	return ok && n.Status == StatusQuarantined
}

// Start runs the health, pruning, checkpoint and eviction loops until ctx is
// done or Stop is called
func (m *Manager) Start(ctx context.Context) {
	m.startWorker(ctx, m.cfg.HealthCheckInterval, func(ctx context.Context) { m.CheckHealth(ctx) })
	m.startWorker(ctx, m.cfg.PruneInterval, func(context.Context) {
		m.PruneFailures()
		m.EvictEndedSessions()
	})
	m.startWorker(ctx, m.cfg.CheckpointInterval, func(ctx context.Context) { m.CheckpointAll(ctx) })

	logtrace.Info(ctx, "fault tolerance started", logtrace.Fields{
		logtrace.FieldModule: logPrefix,
		logtrace.FieldNodeID: m.self,
	})
}

func (m *Manager) startWorker(ctx context.Context, interval time.Duration, task func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				task(ctx)
			}
		}
	}()
}

// Stop ends the maintenance loops
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

// CheckHealth releases quarantines that have run out and reports TIMEOUT for
// every participating node silent longer than the silence threshold
func (m *Manager) CheckHealth(ctx context.Context) HealthReport {
	now := m.now()
	var report HealthReport
	var silent []NodeState

	m.mtx.Lock()
	for id, n := range m.nodes {
		switch {
		case n.Status == StatusQuarantined:
			if !now.Before(n.QuarantinedUntil) {
				n.Status = StatusActive
				n.QuarantinedUntil = time.Time{}
				n.LastHeartbeat = now
				report.Released = append(report.Released, id)
			}
		case participating(n) && n.ReplacedBy == "":
			if now.Sub(n.LastHeartbeat) > m.cfg.SilenceThreshold {
				silent = append(silent, *n)
			}
		}
	}
	m.mtx.Unlock()

	sort.Strings(report.Released)
	for _, id := range report.Released {
		logtrace.Info(ctx, "quarantine released", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldNodeID: id,
		})
		m.bus.Publish(event.NewEvent(event.NodeReleased, logPrefix, "", id, nil))
	}

	sortStates(silent)
	for _, n := range silent {
		out, err := m.ReportFailure(ctx, NodeFailure{
			NodeID:    n.NodeID,
			SessionID: n.SessionID,
			Type:      FailureTimeout,
			Timestamp: now,
			Reason:    "no heartbeat since " + n.LastHeartbeat.Format(time.RFC3339),
		})
		if err != nil {
			logtrace.Warn(ctx, "timeout report failed", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				logtrace.FieldNodeID: n.NodeID,
				logtrace.FieldError:  err.Error(),
			})
			continue
		}
		if out.Action == ActionProbeOK {
			report.Answered = append(report.Answered, n.NodeID)
			continue
		}
		report.TimedOut = append(report.TimedOut, n.NodeID)
	}
	return report
}

// PruneFailures drops failures older than the retention and returns how
// many were removed. Nodes left without failures lose their record.
func (m *Manager) PruneFailures() int {
	cutoff := m.now().Add(-m.cfg.FailureRetention)

	m.mtx.Lock()
	defer m.mtx.Unlock()

	removed := 0
	for id, log := range m.failures {
		kept := log[:0]
		for _, f := range log {
			if f.Timestamp.After(cutoff) {
				kept = append(kept, f)
			}
		}
		removed += len(log) - len(kept)
		if len(kept) == 0 {
			delete(m.failures, id)
			continue
		}
		m.failures[id] = kept
	}
	return removed
}

func participating(n *NodeState) bool {
	return n.Status == StatusActive || n.Status == StatusWarning
}

func standbyState(f *FailoverNode) NodeState {
	return NodeState{
		NodeID:        f.NodeID,
		Address:       f.Address,
		Status:        StatusStandby,
		Capacity:      f.Capacity,
		LastHeartbeat: f.RegisteredAt,
		RegisteredAt:  f.RegisteredAt,
	}
}

func sortStates(s []NodeState) {
	sort.Slice(s, func(i, j int) bool { return s[i].NodeID < s[j].NodeID })
}
