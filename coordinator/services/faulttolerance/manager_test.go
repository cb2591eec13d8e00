package faulttolerance

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumeraProtocol/trainpool/p2p/kademlia"
	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/event"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
	"github.com/LumeraProtocol/trainpool/pkg/transport/memory"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte), ttl: make(map[string]time.Duration)}
}

func (s *fakeStore) Store(_ context.Context, key string, value []byte, ttl time.Duration) (*kademlia.ReplicationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	s.ttl[key] = ttl
	return &kademlia.ReplicationResult{Key: kademlia.HashKey(key)}, nil
}

func (s *fakeStore) Retrieve(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, errors.NotFound("key", key)
	}
	return v, nil
}

type stateFunc func(ctx context.Context, sessionID string) (CheckpointState, error)

func (f stateFunc) Snapshot(ctx context.Context, sessionID string) (CheckpointState, error) {
	return f(ctx, sessionID)
}

type fixture struct {
	t     *testing.T
	hub   *memory.Hub
	mgr   *Manager
	store *fakeStore
	peers map[string]*memory.Endpoint
	now   time.Time
}

func newFixture(t *testing.T, bus *event.Bus, peers ...string) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		hub:   memory.NewHub(),
		store: newFakeStore(),
		peers: make(map[string]*memory.Endpoint),
		now:   time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	coord := f.attach("coord")
	for _, id := range peers {
		f.peers[id] = f.attach(id)
	}
	f.mgr = NewManager(Config{
		ReconnectBaseDelay: time.Millisecond,
		ProbeTimeout:       100 * time.Millisecond,
	}, "coord", coord, f.store, nil, bus)
	f.mgr.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) attach(id string) *memory.Endpoint {
	signer, err := transport.NewEd25519Signer(id)
	require.NoError(f.t, err)
	ep, err := f.hub.Attach(signer, id+":7000")
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) register(session string, ids ...string) {
	for _, id := range ids {
		require.NoError(f.t, f.mgr.RegisterNode(context.Background(), id, id+":7000", session))
	}
}

func (f *fixture) nextMessage(id string) *transport.Message {
	f.t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case in := <-f.peers[id].Inbound():
			if in.Kind == transport.InboundMessage {
				return in.Message
			}
		case <-timeout:
			f.t.Fatalf("no message for %s", id)
			return nil
		}
	}
}

func (f *fixture) checkpoint(session string, epoch int64, model string) *TrainingCheckpoint {
	f.t.Helper()
	cp, err := f.mgr.CreateCheckpoint(context.Background(), session, CheckpointState{
		Epoch:      epoch,
		Step:       epoch * 100,
		ModelState: []byte(model),
	})
	require.NoError(f.t, err)
	return cp
}

func TestQuarantineAtFailureLimit(t *testing.T) {
	bus := event.NewBus(2)
	var mu sync.Mutex
	var quarantined []event.Event
	bus.Subscribe(event.NodeQuarantined, func(e event.Event) {
		mu.Lock()
		quarantined = append(quarantined, e)
		mu.Unlock()
	})

	f := newFixture(t, bus, "n1")
	f.register("s1", "n1")
	ctx := context.Background()
	failure := NodeFailure{NodeID: "n1", Type: FailureLowQuality, Quality: 10}

	for i := 1; i < DefaultMaxFailuresPerNode; i++ {
		out, err := f.mgr.ReportFailure(ctx, failure)
		require.NoError(t, err)
		assert.Equal(t, ActionTuned, out.Action)
		assert.Equal(t, i, out.FailureCount)
		f.advance(time.Minute)
	}
	assert.False(t, f.mgr.IsQuarantined("n1"), "one below the limit")
	n, err := f.mgr.Node("n1")
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, n.Status)

	out, err := f.mgr.ReportFailure(ctx, failure)
	require.NoError(t, err)
	assert.Equal(t, ActionQuarantined, out.Action)
	assert.True(t, f.mgr.IsQuarantined("n1"))

	n, err = f.mgr.Node("n1")
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(DefaultQuarantineDuration), n.QuarantinedUntil)

	marker, err := f.mgr.RemoteQuarantine(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, n.QuarantinedUntil, marker.Until)
	assert.Equal(t, DefaultMaxFailuresPerNode, marker.FailureCount)
	assert.Equal(t, DefaultQuarantineDuration, f.store.ttl[QuarantineKey("n1")])

	// further failures are only logged
	out, err = f.mgr.ReportFailure(ctx, failure)
	require.NoError(t, err)
	assert.Equal(t, ActionQuarantined, out.Action)
	assert.Len(t, f.mgr.FailureLog("n1"), DefaultMaxFailuresPerNode+1)

	bus.WaitForHandlers()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, quarantined, 1)
	assert.Equal(t, "n1", quarantined[0].NodeID)
	assert.Equal(t, "s1", quarantined[0].SessionID)
}

func TestFailuresOutsideWindowDoNotCount(t *testing.T) {
	f := newFixture(t, nil, "n1")
	f.register("s1", "n1")
	ctx := context.Background()

	old := f.now.Add(-DefaultFailureWindow - time.Second)
	for i := 0; i < 2; i++ {
		_, err := f.mgr.ReportFailure(ctx, NodeFailure{NodeID: "n1", Type: FailureLowQuality, Timestamp: old})
		require.NoError(t, err)
	}
	out, err := f.mgr.ReportFailure(ctx, NodeFailure{NodeID: "n1", Type: FailureLowQuality})
	require.NoError(t, err)
	assert.Equal(t, 1, out.FailureCount)
	assert.False(t, f.mgr.IsQuarantined("n1"))
}

func TestReportFailureValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.mgr.ReportFailure(ctx, NodeFailure{Type: FailureTimeout})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
	_, err = f.mgr.ReportFailure(ctx, NodeFailure{NodeID: "n1", Type: "CRASH"})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
	_, err = f.mgr.ReportFailure(ctx, NodeFailure{NodeID: "ghost", Type: FailureTimeout})
	assert.True(t, errors.IsNotFound(err))
}

func TestTimeoutWithLiveProbe(t *testing.T) {
	f := newFixture(t, nil, "n1")
	f.register("s1", "n1")

	out, err := f.mgr.ReportFailure(context.Background(), NodeFailure{NodeID: "n1", Type: FailureTimeout})
	require.NoError(t, err)
	assert.Equal(t, ActionProbeOK, out.Action)
	assert.Empty(t, out.Replacement)
	assert.Zero(t, out.FailureCount)
	assert.Empty(t, f.mgr.FailureLog("n1"))
}

func TestAnsweredProbeResetsSilence(t *testing.T) {
	f := newFixture(t, nil, "n1")
	ctx := context.Background()
	f.register("s1", "n1")

	// n1 never sends a heartbeat but answers every probe
	for i := 0; i < 10; i++ {
		f.advance(DefaultHealthCheckInterval)
		report := f.mgr.CheckHealth(ctx)
		assert.Empty(t, report.TimedOut, "tick %d", i)
	}
	n, err := f.mgr.Node("n1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, n.Status)
	assert.False(t, f.mgr.IsQuarantined("n1"))
	assert.Empty(t, f.mgr.FailureLog("n1"))
	assert.True(t, f.now.Sub(n.LastHeartbeat) <= DefaultSilenceThreshold)

	f.hub.SetUnreachable("n1", true)
	f.advance(DefaultSilenceThreshold + time.Second)
	report := f.mgr.CheckHealth(ctx)
	assert.Equal(t, []string{"n1"}, report.TimedOut)
	assert.Empty(t, report.Answered)
	assert.Len(t, f.mgr.FailureLog("n1"), 1)
}

func TestTimeoutReplacesWithHighestCapacityStandby(t *testing.T) {
	f := newFixture(t, nil, "n1", "sb-low", "sb-high")
	ctx := context.Background()
	require.NoError(t, f.mgr.StartMonitoring("s1"))
	f.register("s1", "n1")
	cp := f.checkpoint("s1", 3, "weights-v3")
	require.NoError(t, f.mgr.RegisterFailoverNode(ctx, "sb-low", "sb-low:7000", 1))
	require.NoError(t, f.mgr.RegisterFailoverNode(ctx, "sb-high", "sb-high:7000", 4))
	f.hub.SetUnreachable("n1", true)

	out, err := f.mgr.ReportFailure(ctx, NodeFailure{NodeID: "n1", Type: FailureTimeout})
	require.NoError(t, err)
	assert.Equal(t, ActionReplaced, out.Action)
	assert.Equal(t, "sb-high", out.Replacement)
	assert.NoError(t, out.Err)

	msg := f.nextMessage("sb-high")
	assert.Equal(t, transport.MessageFailoverAssignment, msg.Type)
	assert.Equal(t, "s1", msg.SessionID)
	var assignment transport.FailoverAssignmentPayload
	require.NoError(t, msg.Decode(&assignment))
	assert.Equal(t, "n1", assignment.FailedNodeID)
	require.NotNil(t, assignment.Checkpoint)
	assert.Equal(t, cp.ID, assignment.Checkpoint.CheckpointID)
	model, err := DecompressModelState(assignment.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, "weights-v3", string(model))
	var progress ParticipantState
	require.NoError(t, json.Unmarshal(assignment.ParticipantState, &progress))
	assert.True(t, cp.State.Participants["n1"].LastHeartbeat.Equal(progress.LastHeartbeat))

	standby, err := f.mgr.Node("sb-high")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, standby.Status)
	assert.Equal(t, "s1", standby.SessionID)

	failed, err := f.mgr.Node("n1")
	require.NoError(t, err)
	assert.Equal(t, "sb-high", failed.ReplacedBy)

	remaining := f.mgr.FailoverNodes()
	require.Len(t, remaining, 1)
	assert.Equal(t, "sb-low", remaining[0].NodeID)
}

func TestReplacementSkipsUnreachableStandby(t *testing.T) {
	f := newFixture(t, nil, "n1", "sb-a", "sb-b")
	ctx := context.Background()
	f.register("s1", "n1")
	require.NoError(t, f.mgr.RegisterFailoverNode(ctx, "sb-a", "", 8))
	require.NoError(t, f.mgr.RegisterFailoverNode(ctx, "sb-b", "", 2))
	f.hub.SetUnreachable("sb-a", true)

	out, err := f.mgr.ReplaceNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, ActionReplaced, out.Action)
	assert.Equal(t, "sb-b", out.Replacement)

	_, err = f.mgr.ReplaceNode(ctx, "ghost")
	assert.True(t, errors.IsNotFound(err))
}

func TestRedistributeWithoutStandby(t *testing.T) {
	bus := event.NewBus(2)
	redistributed := make(chan event.Event, 1)
	bus.Subscribe(event.WorkloadRedistributed, func(e event.Event) { redistributed <- e })

	f := newFixture(t, bus, "n1", "n2", "n3", "other")
	f.register("s1", "n1", "n2", "n3")
	f.register("s2", "other")
	f.hub.SetUnreachable("n1", true)

	out, err := f.mgr.ReportFailure(context.Background(), NodeFailure{NodeID: "n1", Type: FailureTimeout})
	require.NoError(t, err)
	assert.Equal(t, ActionRedistributed, out.Action)
	assert.Equal(t, []string{"n2", "n3"}, out.Notified)

	for _, id := range []string{"n2", "n3"} {
		msg := f.nextMessage(id)
		assert.Equal(t, transport.MessageRedistributeWorkload, msg.Type)
		var notice transport.RedistributePayload
		require.NoError(t, msg.Decode(&notice))
		assert.Equal(t, "n1", notice.FailedNodeID)
		assert.Equal(t, []string{"n2", "n3"}, notice.ActiveNodes)
	}

	select {
	case e := <-redistributed:
		assert.Equal(t, "n1", e.NodeID)
		assert.Equal(t, []string{"n2", "n3"}, e.Data[event.KeyRecipients])
	case <-time.After(time.Second):
		t.Fatal("no redistribution event")
	}
}

func TestDisconnectReconnects(t *testing.T) {
	f := newFixture(t, nil, "n1")
	f.register("s1", "n1")

	out, err := f.mgr.ReportFailure(context.Background(), NodeFailure{NodeID: "n1", Type: FailureDisconnect})
	require.NoError(t, err)
	assert.Equal(t, ActionReconnected, out.Action)

	select {
	case in := <-f.peers["n1"].Inbound():
		assert.Equal(t, transport.InboundConnected, in.Kind)
		assert.Equal(t, "coord", in.PeerID)
	case <-time.After(time.Second):
		t.Fatal("node was not reconnected")
	}
}

func TestDisconnectExhaustedFallsBackToReplacement(t *testing.T) {
	f := newFixture(t, nil, "n1", "sb")
	ctx := context.Background()
	f.register("s1", "n1")
	require.NoError(t, f.mgr.RegisterFailoverNode(ctx, "sb", "sb:7000", 1))
	f.hub.SetUnreachable("n1", true)

	out, err := f.mgr.ReportFailure(ctx, NodeFailure{NodeID: "n1", Type: FailureDisconnect})
	require.NoError(t, err)
	assert.Equal(t, ActionReplaced, out.Action)
	assert.Equal(t, "sb", out.Replacement)
}

func TestInvalidGradientResyncsFromLatestCheckpoint(t *testing.T) {
	f := newFixture(t, nil, "n1")
	ctx := context.Background()
	require.NoError(t, f.mgr.StartMonitoring("s1"))
	f.register("s1", "n1")

	out, err := f.mgr.ObserveGradient(ctx, "n1", false, 99)
	require.NoError(t, err)
	assert.Equal(t, ActionFailed, out.Action, "nothing to resync from yet")
	assert.True(t, errors.IsNotFound(out.Err))

	f.checkpoint("s1", 1, "old")
	latest := f.checkpoint("s1", 2, "new")

	out, err = f.mgr.ObserveGradient(ctx, "n1", false, 99)
	require.NoError(t, err)
	assert.Equal(t, ActionResynced, out.Action)
	assert.Equal(t, []string{"n1"}, out.Notified)

	msg := f.nextMessage("n1")
	assert.Equal(t, transport.MessageModelSync, msg.Type)
	var payload transport.ModelSyncPayload
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, latest.ID, payload.CheckpointID)
	assert.Equal(t, latest.StateHash, payload.StateHash)
	assert.Equal(t, EncodingZstd, payload.Encoding)
	model, err := DecompressModelState(&payload)
	require.NoError(t, err)
	assert.Equal(t, "new", string(model))
}

func TestLowQualitySendsTuning(t *testing.T) {
	f := newFixture(t, nil, "n1")
	ctx := context.Background()
	f.register("s1", "n1")

	out, err := f.mgr.ObserveGradient(ctx, "n1", true, 80)
	require.NoError(t, err)
	assert.Nil(t, out, "good gradient")

	out, err = f.mgr.ObserveGradient(ctx, "n1", true, 10)
	require.NoError(t, err)
	assert.Equal(t, ActionTuned, out.Action)

	msg := f.nextMessage("n1")
	assert.Equal(t, transport.MessageTuningSuggestion, msg.Type)
	var tuning transport.TuningSuggestionPayload
	require.NoError(t, msg.Decode(&tuning))
	assert.Equal(t, 0.5, tuning.LearningRateFactor)
	assert.Equal(t, 2.0, tuning.BatchSizeFactor)

	_, err = f.mgr.ObserveGradient(ctx, "ghost", true, 10)
	assert.True(t, errors.IsNotFound(err))
}

func TestSuggestTuning(t *testing.T) {
	tests := []struct {
		quality   float64
		lr, batch float64
	}{
		{0, 0.5, 2},
		{24.9, 0.5, 2},
		{25, 0.75, 1.5},
		{49, 0.75, 1.5},
	}
	for _, tc := range tests {
		s := suggestTuning(tc.quality, 50)
		assert.Equal(t, tc.lr, s.LearningRateFactor, "quality %v", tc.quality)
		assert.Equal(t, tc.batch, s.BatchSizeFactor, "quality %v", tc.quality)
		assert.NotEmpty(t, s.Reason)
	}
}

func TestCheckpointRetention(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.mgr.StartMonitoring("s1"))
	f.register("s1", "n2", "n1")

	var last *TrainingCheckpoint
	for epoch := int64(1); epoch <= 6; epoch++ {
		last = f.checkpoint("s1", epoch, "weights")
		f.advance(time.Minute)
	}

	cps, err := f.mgr.Checkpoints("s1")
	require.NoError(t, err)
	require.Len(t, cps, DefaultMaxCheckpointsPerSession)
	assert.Equal(t, int64(2), cps[0].State.Epoch, "oldest evicted")
	assert.Equal(t, int64(6), cps[4].State.Epoch)
	assert.Equal(t, []string{"n1", "n2"}, last.ActiveNodes)

	latest, err := f.mgr.LatestCheckpoint("s1")
	require.NoError(t, err)
	assert.Equal(t, last.ID, latest.ID)

	marker, err := f.mgr.RemoteCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, last.ID, marker.CheckpointID)
	assert.Equal(t, int64(6), marker.Epoch)
	assert.Equal(t, StateHash(CheckpointState{ModelState: []byte("weights")}), marker.StateHash)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(f.store.data[CheckpointKey("s1")], &raw))
	assert.NotContains(t, raw, "model_state", "only the summary is mirrored")

	require.NoError(t, f.mgr.Heartbeat("n1"))
	state := CheckpointState{
		Epoch:               7,
		ModelState:          []byte("weights"),
		GradientAggregation: []byte("grad-sum"),
		Participants: map[string]ParticipantState{
			"n1": {Step: 700, SamplesProcessed: 4096, ShardCursor: []byte("shard-3")},
		},
	}
	cp, err := f.mgr.CreateCheckpoint(ctx, "s1", state)
	require.NoError(t, err)
	state.GradientAggregation[0] = 'X'
	state.Participants["n1"].ShardCursor[0] = 'X'

	assert.Equal(t, []byte("grad-sum"), cp.State.GradientAggregation)
	require.Len(t, cp.State.Participants, 2)
	n1 := cp.State.Participants["n1"]
	assert.Equal(t, int64(700), n1.Step)
	assert.Equal(t, int64(4096), n1.SamplesProcessed)
	assert.Equal(t, []byte("shard-3"), n1.ShardCursor)
	assert.Equal(t, f.now, n1.LastHeartbeat)
	assert.Contains(t, cp.State.Participants, "n2", "every active node is recorded")
	assert.NotEqual(t, marker.StateHash, cp.StateHash, "aggregation is part of the hash")
}

func TestCheckpointValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.mgr.CreateCheckpoint(ctx, "nope", CheckpointState{ModelState: []byte("x")})
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, f.mgr.StartMonitoring("s1"))
	_, err = f.mgr.CreateCheckpoint(ctx, "s1", CheckpointState{})
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	_, err = f.mgr.LatestCheckpoint("s1")
	assert.True(t, errors.IsNotFound(err))
}

func TestStateHash(t *testing.T) {
	a := StateHash(CheckpointState{ModelState: []byte("ab"), OptimizerState: []byte("c")})
	b := StateHash(CheckpointState{ModelState: []byte("a"), OptimizerState: []byte("bc")})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, StateHash(CheckpointState{ModelState: []byte("ab"), OptimizerState: []byte("c")}))
}

func TestCheckpointAllCoversOngoingSessions(t *testing.T) {
	f := newFixture(t, nil)
	var mu sync.Mutex
	var asked []string
	f.mgr.state = stateFunc(func(_ context.Context, sessionID string) (CheckpointState, error) {
		mu.Lock()
		asked = append(asked, sessionID)
		mu.Unlock()
		if sessionID == "broken" {
			return CheckpointState{}, errors.New("trainer unavailable")
		}
		return CheckpointState{Epoch: 1, ModelState: []byte(sessionID)}, nil
	})
	for _, s := range []string{"s1", "s2", "broken"} {
		require.NoError(t, f.mgr.StartMonitoring(s))
	}
	require.NoError(t, f.mgr.StopMonitoring("s2"))

	assert.Equal(t, 1, f.mgr.CheckpointAll(context.Background()))
	assert.Equal(t, []string{"broken", "s1"}, asked)
	assert.Equal(t, []string{"broken", "s1"}, f.mgr.MonitoredSessions())
}

func TestEndedSessionsAreEvictedAfterRetention(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.mgr.StartMonitoring("s1"))
	f.checkpoint("s1", 1, "w")
	require.NoError(t, f.mgr.StopMonitoring("s1"))
	assert.False(t, f.mgr.IsMonitoring("s1"))

	f.advance(30 * time.Minute)
	assert.Equal(t, 0, f.mgr.EvictEndedSessions())
	cps, err := f.mgr.Checkpoints("s1")
	require.NoError(t, err)
	assert.Len(t, cps, 1, "kept for inspection")

	f.advance(31 * time.Minute)
	assert.Equal(t, 1, f.mgr.EvictEndedSessions())
	_, err = f.mgr.Checkpoints("s1")
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(f.mgr.StopMonitoring("s1")))
}

func TestCheckHealthReportsSilentNodes(t *testing.T) {
	f := newFixture(t, nil, "quiet", "idle", "chatty")
	ctx := context.Background()
	f.register("s1", "quiet", "idle", "chatty")
	f.hub.SetUnreachable("quiet", true)

	f.advance(DefaultSilenceThreshold + time.Second)
	require.NoError(t, f.mgr.Heartbeat("chatty"))

	report := f.mgr.CheckHealth(ctx)
	assert.Equal(t, []string{"quiet"}, report.TimedOut)
	assert.Equal(t, []string{"idle"}, report.Answered)
	assert.Empty(t, report.Released)

	log := f.mgr.FailureLog("quiet")
	require.Len(t, log, 1)
	assert.Equal(t, FailureTimeout, log[0].Type)
	assert.Empty(t, f.mgr.FailureLog("idle"))
	assert.Empty(t, f.mgr.FailureLog("chatty"))
}

func TestCheckHealthReleasesQuarantine(t *testing.T) {
	bus := event.NewBus(2)
	released := make(chan string, 1)
	bus.Subscribe(event.NodeReleased, func(e event.Event) { released <- e.NodeID })

	f := newFixture(t, bus, "n1")
	ctx := context.Background()
	f.register("s1", "n1")
	for i := 0; i < DefaultMaxFailuresPerNode; i++ {
		_, err := f.mgr.ReportFailure(ctx, NodeFailure{NodeID: "n1", Type: FailureLowQuality})
		require.NoError(t, err)
	}
	require.True(t, f.mgr.IsQuarantined("n1"))

	f.advance(DefaultQuarantineDuration - time.Second)
	assert.Empty(t, f.mgr.CheckHealth(ctx).Released)

	f.advance(time.Second)
	report := f.mgr.CheckHealth(ctx)
	assert.Equal(t, []string{"n1"}, report.Released)
	assert.Empty(t, report.TimedOut)
	assert.False(t, f.mgr.IsQuarantined("n1"))

	select {
	case id := <-released:
		assert.Equal(t, "n1", id)
	case <-time.After(time.Second):
		t.Fatal("no release event")
	}
}

func TestPruneFailures(t *testing.T) {
	f := newFixture(t, nil, "n1")
	ctx := context.Background()
	f.register("s1", "n1")

	_, err := f.mgr.ReportFailure(ctx, NodeFailure{NodeID: "n1", Type: FailureLowQuality, Timestamp: f.now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = f.mgr.ReportFailure(ctx, NodeFailure{NodeID: "n1", Type: FailureLowQuality})
	require.NoError(t, err)

	assert.Equal(t, 1, f.mgr.PruneFailures())
	assert.Len(t, f.mgr.FailureLog("n1"), 1)

	f.advance(DefaultFailureRetention + time.Second)
	assert.Equal(t, 1, f.mgr.PruneFailures())
	assert.Empty(t, f.mgr.FailureLog("n1"))
	assert.Equal(t, 0, f.mgr.PruneFailures())
}

func TestHandleInbound(t *testing.T) {
	f := newFixture(t, nil, "n1")
	ctx := context.Background()
	f.register("s1", "n1")

	message := func(typ transport.MessageType, payload interface{}) transport.Inbound {
		msg, err := transport.NewMessage(typ, "n1", "s1", payload)
		require.NoError(t, err)
		return transport.Inbound{Kind: transport.InboundMessage, PeerID: "n1", Message: msg}
	}

	f.advance(time.Minute)
	f.mgr.HandleInbound(ctx, message(transport.MessageHeartbeat, transport.HeartbeatPayload{Address: "n1:7001"}))
	n, err := f.mgr.Node("n1")
	require.NoError(t, err)
	assert.Equal(t, f.now, n.LastHeartbeat)
	assert.Equal(t, "n1:7001", n.Address)

	f.mgr.HandleInbound(ctx, message(transport.MessageGradientSubmission, transport.GradientPayload{Valid: false}))
	f.mgr.HandleInbound(ctx, message(transport.MessageTrainingMetrics, transport.TrainingMetricsPayload{GradientQuality: 20}))
	f.mgr.HandleInbound(ctx, transport.Inbound{Kind: transport.InboundDisconnected, PeerID: "n1"})

	// unknown peers are ignored
	f.mgr.HandleInbound(ctx, transport.Inbound{Kind: transport.InboundDisconnected, PeerID: "ghost"})
	_, err = f.mgr.Node("ghost")
	assert.True(t, errors.IsNotFound(err))

	var types []FailureType
	for _, failure := range f.mgr.FailureLog("n1") {
		types = append(types, failure.Type)
	}
	assert.Equal(t, []FailureType{FailureInvalidGradient, FailureLowQuality, FailureDisconnect}, types)
	assert.True(t, f.mgr.IsQuarantined("n1"))
}

func TestRegistration(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.True(t, errors.Is(f.mgr.RegisterNode(ctx, "", "", ""), errors.ErrInvalidArgument))
	assert.True(t, errors.Is(f.mgr.RegisterFailoverNode(ctx, "sb", "", 0), errors.ErrInvalidArgument))
	assert.True(t, errors.IsNotFound(f.mgr.Heartbeat("ghost")))

	f.register("s1", "n1")
	assert.True(t, errors.Is(f.mgr.RegisterFailoverNode(ctx, "n1", "", 1), errors.ErrInvalidArgument))

	require.NoError(t, f.mgr.RegisterFailoverNode(ctx, "sb", "sb:7000", 2.5))
	all := f.mgr.AllNodes()
	require.Len(t, all, 2)
	assert.Equal(t, StatusStandby, all[1].Status)
	assert.Len(t, f.mgr.ActiveNodes(), 1)

	// a standby that joins a session leaves the pool
	f.register("s1", "sb")
	assert.Empty(t, f.mgr.FailoverNodes())
	sb, err := f.mgr.Node("sb")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sb.Status)
	assert.Equal(t, 2.5, sb.Capacity)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{MaxFailuresPerNode: 5}.withDefaults()
	assert.Equal(t, 5, cfg.MaxFailuresPerNode)
	assert.Equal(t, DefaultFailureWindow, cfg.FailureWindow)
	assert.Equal(t, DefaultProbeTimeout, cfg.ProbeTimeout)
	assert.Equal(t, DefaultLowQualityThreshold, cfg.LowQualityThreshold)
	assert.Equal(t, DefaultMaxCheckpointsPerSession, cfg.MaxCheckpointsPerSession)
}
