package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumeraProtocol/trainpool/coordinator/config"
	"github.com/LumeraProtocol/trainpool/coordinator/services/faulttolerance"
	"github.com/LumeraProtocol/trainpool/p2p/kademlia"
	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.Node.ListenAddress = "127.0.0.1"
	cfg.Node.Port = 0
	return cfg
}

func newTestNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := NewNode(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.close() })
	return n
}

func inboundMessage(t *testing.T, typ transport.MessageType, from, session string, payload interface{}) transport.Inbound {
	t.Helper()
	msg, err := transport.NewMessage(typ, from, session, payload)
	require.NoError(t, err)
	return transport.Inbound{Kind: transport.InboundMessage, PeerID: from, Address: "10.0.0.9:4445", Message: msg}
}

func TestNewNodeUsesConfiguredID(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.ID = kademlia.HashKey("coordinator-1").String()

	n := newTestNode(t, cfg)
	assert.Equal(t, cfg.Node.ID, n.ID())
	assert.Equal(t, cfg.Node.ID, n.DHT().ID().String())
	assert.NotNil(t, n.Contributions())
	assert.NotNil(t, n.FaultTolerance())
	assert.NotNil(t, n.Rewards())
	assert.NotNil(t, n.Bus())
	assert.FileExists(t, cfg.LedgerPath())
}

func TestRouteTrainingMetrics(t *testing.T) {
	n := newTestNode(t, testConfig(t))
	ctx := context.Background()

	n.route(ctx, inboundMessage(t, transport.MessageTrainingMetrics, "peer-a", "s1", transport.TrainingMetricsPayload{
		ComputeTime:     100,
		GradientQuality: 80,
		DataTransmitted: 50,
		UptimeRatio:     1,
	}))

	scores, err := n.Contributions().SessionScores("s1")
	require.NoError(t, err)
	assert.Contains(t, scores, "peer-a")

	// out-of-range metrics are dropped
	n.route(ctx, inboundMessage(t, transport.MessageTrainingMetrics, "peer-b", "s1", transport.TrainingMetricsPayload{UptimeRatio: 2}))
	scores, err = n.Contributions().SessionScores("s1")
	require.NoError(t, err)
	assert.NotContains(t, scores, "peer-b")
}

func TestRouteHeartbeatEnrollsPeer(t *testing.T) {
	n := newTestNode(t, testConfig(t))
	ctx := context.Background()

	n.route(ctx, inboundMessage(t, transport.MessageHeartbeat, "peer-a", "", transport.HeartbeatPayload{}))
	_, err := n.FaultTolerance().Node("peer-a")
	assert.True(t, errors.IsNotFound(err), "heartbeat without session does not enroll")

	n.route(ctx, inboundMessage(t, transport.MessageHeartbeat, "peer-a", "s1", transport.HeartbeatPayload{Address: "10.0.0.9:4445"}))
	state, err := n.FaultTolerance().Node("peer-a")
	require.NoError(t, err)
	assert.Equal(t, "s1", state.SessionID)
	assert.Equal(t, faulttolerance.StatusActive, state.Status)
}

func TestRegisterStandbyUsesCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.Standby = true
	n := newTestNode(t, cfg)
	n.capacity = func(context.Context) (float64, error) { return 6.5, nil }

	n.registerStandby(context.Background())
	standbys := n.FaultTolerance().FailoverNodes()
	require.Len(t, standbys, 1)
	assert.Equal(t, n.ID(), standbys[0].NodeID)
	assert.Equal(t, 6.5, standbys[0].Capacity)

	cfg2 := testConfig(t)
	cfg2.Node.Capacity = 2
	m := newTestNode(t, cfg2)
	m.capacity = func(context.Context) (float64, error) { return 0, errors.New("not consulted") }
	m.registerStandby(context.Background())
	require.Len(t, m.FaultTolerance().FailoverNodes(), 1)
	assert.Equal(t, 2.0, m.FaultTolerance().FailoverNodes()[0].Capacity)
}

func TestRunStopsOnCancel(t *testing.T) {
	n, err := NewNode(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool {
		addr := n.DHT().Self().Address
		return addr != "" && addr != "127.0.0.1:0"
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}

func TestCapacityOf(t *testing.T) {
	tests := []struct {
		name      string
		cores     int
		available uint64
		total     uint64
		want      float64
	}{
		{name: "half memory free", cores: 8, available: 4, total: 8, want: 4},
		{name: "rounded", cores: 3, available: 1, total: 3, want: 1},
		{name: "floor", cores: 1, available: 0, total: 8, want: minCapacity},
		{name: "unknown memory", cores: 4, available: 0, total: 0, want: minCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, capacityOf(tt.cores, tt.available, tt.total), 1e-9)
		})
	}
}
