package reward

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/LumeraProtocol/trainpool/coordinator/services/reward/mocks"
	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/event"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
	"github.com/LumeraProtocol/trainpool/pkg/transport/memory"
)

type amountIs string

func (m amountIs) Matches(x any) bool {
	a, ok := x.(sdkmath.Int)
	return ok && a.String() == string(m)
}

func (m amountIs) String() string {
	return "amount " + string(m)
}

type harness struct {
	ctrl       *gomock.Controller
	scores     *mocks.MockScoreSource
	settlement *mocks.MockSettlement
	dist       *Distributor
	now        time.Time

	mu     sync.Mutex
	pauses []time.Duration
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		ctrl:       ctrl,
		scores:     mocks.NewMockScoreSource(ctrl),
		settlement: mocks.NewMockSettlement(ctrl),
		now:        time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	if cfg.SettlementRate == 0 {
		cfg.SettlementRate = 100000
	}
	d, err := NewDistributor(cfg, h.scores, h.settlement, opts...)
	require.NoError(t, err)
	d.now = func() time.Time { return h.now }
	d.pause = func(ctx context.Context, p time.Duration) error {
		h.mu.Lock()
		h.pauses = append(h.pauses, p)
		h.mu.Unlock()
		return ctx.Err()
	}
	h.dist = d
	return h
}

func (h *harness) expectScores(session string, scores map[string]int64) {
	h.scores.EXPECT().SessionScores(session).Return(scores, nil).AnyTimes()
	h.scores.EXPECT().NodeAverageQuality(gomock.Any(), session).Return(0.0, false).AnyTimes()
}

func TestDistributeSessionRewardsTiers(t *testing.T) {
	bus := event.NewBus(2)
	published := make(chan event.Event, 1)
	bus.Subscribe(event.RewardsDistributed, func(e event.Event) { published <- e })

	h := newHarness(t, Config{}, WithBus(bus))
	h.expectScores("s1", map[string]int64{"a": 100, "b": 80, "c": 60, "d": 40, "e": 20})
	for node, amount := range map[string]string{"a": "346", "b": "263", "c": "190", "d": "126", "e": "73"} {
		h.settlement.EXPECT().Submit(gomock.Any(), "s1", node, amountIs(amount)).Return(nil)
	}

	dist, err := h.dist.DistributeSessionRewards(context.Background(), "s1", sdkmath.NewInt(1000), true)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"a": "266", "b": "213", "c": "160", "d": "106", "e": "53"}, amounts(dist.BaseRewards))
	assert.Equal(t, map[string]string{"a": "80", "b": "50", "c": "30", "d": "20", "e": "20"}, amounts(dist.BonusRewards))
	assert.Equal(t, "998", dist.Total().String())
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, dist.Settled)
	assert.Empty(t, dist.Pending)
	assert.Empty(t, h.dist.Pending())
	assert.Empty(t, h.pauses, "a single batch needs no pause")

	select {
	case e := <-published:
		assert.Equal(t, "s1", e.SessionID)
		assert.Equal(t, "1000", e.Data[event.KeyTotalPool])
		assert.Equal(t, "998", e.Data[event.KeyDistributed])
		assert.Equal(t, 0, e.Data[event.KeyPending])
	case <-time.After(time.Second):
		t.Fatal("no distribution event")
	}
}

func TestDistributeSettlesInBatches(t *testing.T) {
	h := newHarness(t, Config{BatchPause: 250 * time.Millisecond})
	scores := make(map[string]int64)
	for i := 0; i < 23; i++ {
		scores[fmt.Sprintf("n%02d", i)] = 10
	}
	h.expectScores("s1", scores)
	h.settlement.EXPECT().Submit(gomock.Any(), "s1", gomock.Any(), gomock.Any()).Return(nil).Times(23)

	dist, err := h.dist.DistributeSessionRewards(context.Background(), "s1", sdkmath.NewInt(23000), false)
	require.NoError(t, err)
	assert.Len(t, dist.Settled, 23)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, h.pauses)
}

func TestDistributeRejectsBadInput(t *testing.T) {
	h := newHarness(t, Config{})
	h.scores.EXPECT().SessionScores("ghost").Return(nil, errors.NotFound("session", "ghost"))
	ctx := context.Background()

	_, err := h.dist.DistributeSessionRewards(ctx, "ghost", sdkmath.NewInt(10), true)
	assert.True(t, errors.IsNotFound(err))

	_, err = h.dist.DistributeSessionRewards(ctx, "s1", sdkmath.NewInt(-5), true)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))

	_, err = NewDistributor(Config{}, nil, h.settlement)
	assert.Error(t, err)
}

func TestDistributeOncePerSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.expectScores("s1", map[string]int64{"a": 1})
	h.settlement.EXPECT().Submit(gomock.Any(), "s1", "a", gomock.Any()).Return(nil).Times(1)
	ctx := context.Background()

	_, err := h.dist.DistributeSessionRewards(ctx, "s1", sdkmath.NewInt(100), false)
	require.NoError(t, err)
	_, err = h.dist.DistributeSessionRewards(ctx, "s1", sdkmath.NewInt(100), false)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestFailedSettlementIsRetried(t *testing.T) {
	h := newHarness(t, Config{})
	h.expectScores("s1", map[string]int64{"a": 3, "b": 1})
	ctx := context.Background()

	gomock.InOrder(
		h.settlement.EXPECT().Submit(gomock.Any(), "s1", "b", amountIs("20")).Return(fmt.Errorf("chain busy")),
		h.settlement.EXPECT().Submit(gomock.Any(), "s1", "b", amountIs("20")).Return(nil),
	)
	h.settlement.EXPECT().Submit(gomock.Any(), "s1", "a", amountIs("60")).Return(nil)

	dist, err := h.dist.DistributeSessionRewards(ctx, "s1", sdkmath.NewInt(100), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, dist.Settled)
	assert.Equal(t, []string{"b"}, dist.Pending)

	pending := h.dist.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].NodeID)
	assert.Equal(t, dist.ID, pending[0].DistributionID)
	assert.Equal(t, "chain busy", pending[0].LastError)

	h.now = h.now.Add(time.Hour)
	report := h.dist.RetryPending(ctx)
	assert.Equal(t, RetryReport{Attempted: 1, Succeeded: 1}, report)
	assert.Empty(t, h.dist.Pending())

	history, err := h.dist.History("s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []string{"a", "b"}, history[0].Settled)
	assert.Empty(t, history[0].Pending)

	assert.Equal(t, RetryReport{}, h.dist.RetryPending(ctx), "nothing left to retry")
}

func TestRetryUnboundedByDefault(t *testing.T) {
	h := newHarness(t, Config{})
	h.expectScores("s1", map[string]int64{"a": 1})
	h.settlement.EXPECT().Submit(gomock.Any(), "s1", "a", gomock.Any()).Return(fmt.Errorf("down")).Times(6)
	ctx := context.Background()

	_, err := h.dist.DistributeSessionRewards(ctx, "s1", sdkmath.NewInt(100), false)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		report := h.dist.RetryPending(ctx)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, 0, report.DeadLettered)
	}
	pending := h.dist.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 5, pending[0].Retries)
	assert.Empty(t, h.dist.DeadLetters())
}

func TestRetryDeadLettersAfterMaxAttempts(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	h := newHarness(t, Config{MaxRetryAttempts: 2}, WithDeadLetterSink(ledger))
	h.expectScores("s1", map[string]int64{"a": 1})
	h.settlement.EXPECT().Submit(gomock.Any(), "s1", "a", gomock.Any()).Return(fmt.Errorf("down")).Times(3)
	ctx := context.Background()

	_, err = h.dist.DistributeSessionRewards(ctx, "s1", sdkmath.NewInt(100), false)
	require.NoError(t, err)

	assert.Equal(t, RetryReport{Attempted: 1, Failed: 1}, h.dist.RetryPending(ctx))
	assert.Equal(t, RetryReport{Attempted: 1, Failed: 1, DeadLettered: 1}, h.dist.RetryPending(ctx))
	assert.Empty(t, h.dist.Pending())

	dead := h.dist.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Retries)

	stored, err := ledger.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, dead[0].ID, stored[0].ID)
	assert.Equal(t, "80", stored[0].Amount.String())
	assert.Equal(t, "down", stored[0].LastError)
}

func TestAddressResolution(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockAddressResolver(ctrl)
	resolver.EXPECT().ResolveAddress(gomock.Any(), "a").Return("lumera1aaa", nil)
	resolver.EXPECT().ResolveAddress(gomock.Any(), "b").Return("", errors.NotFound("address", "b"))

	h := newHarness(t, Config{}, WithAddressResolver(resolver))
	h.expectScores("s1", map[string]int64{"a": 1, "b": 1})
	h.settlement.EXPECT().Submit(gomock.Any(), "s1", "lumera1aaa", amountIs("40")).Return(nil)

	dist, err := h.dist.DistributeSessionRewards(context.Background(), "s1", sdkmath.NewInt(100), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, dist.Settled)
	assert.Equal(t, []string{"b"}, dist.Pending)
}

func TestCanceledPauseLeavesRemainderPending(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2})
	h.expectScores("s1", map[string]int64{"a": 1, "b": 1, "c": 1, "d": 1})
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	h.settlement.EXPECT().Submit(gomock.Any(), "s1", gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, string, sdkmath.Int) error {
			// both payouts of the first batch are in flight before the cancel
			if calls.Add(1) == 2 {
				cancel()
			}
			return nil
		}).Times(2)

	dist, err := h.dist.DistributeSessionRewards(ctx, "s1", sdkmath.NewInt(100), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, dist.Settled)
	assert.Equal(t, []string{"c", "d"}, dist.Pending)
	assert.Len(t, h.dist.Pending(), 2)
}

func TestRewardNotifications(t *testing.T) {
	hub := memory.NewHub()
	endpoint := func(id string) *memory.Endpoint {
		signer, err := transport.NewEd25519Signer(id)
		require.NoError(t, err)
		ep, err := hub.Attach(signer, id+":7000")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ep.Close() })
		return ep
	}
	coord := endpoint("coord")
	a := endpoint("a")
	b := endpoint("b")

	h := newHarness(t, Config{}, WithTransport(coord, "coord"))
	h.expectScores("s1", map[string]int64{"a": 3, "b": 1})
	h.settlement.EXPECT().Submit(gomock.Any(), "s1", "a", gomock.Any()).Return(nil)
	h.settlement.EXPECT().Submit(gomock.Any(), "s1", "b", gomock.Any()).Return(fmt.Errorf("rejected"))

	dist, err := h.dist.DistributeSessionRewards(context.Background(), "s1", sdkmath.NewInt(100), false)
	require.NoError(t, err)

	for ep, want := range map[*memory.Endpoint]transport.RewardNotificationPayload{
		a: {DistributionID: dist.ID, Amount: "60", Settled: true},
		b: {DistributionID: dist.ID, Amount: "20", Settled: false},
	} {
		select {
		case in := <-ep.Inbound():
			require.Equal(t, transport.MessageRewardNotification, in.Message.Type)
			var got transport.RewardNotificationPayload
			require.NoError(t, in.Message.Decode(&got))
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("no notification for %s", ep.ID())
		}
	}
}

func TestNodeMetricsAndHistory(t *testing.T) {
	h := newHarness(t, Config{})
	h.expectScores("s1", map[string]int64{"a": 1})
	h.expectScores("s2", map[string]int64{"a": 1, "b": 1})
	h.settlement.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	ctx := context.Background()

	_, err := h.dist.DistributeSessionRewards(ctx, "s1", sdkmath.NewInt(100), false)
	require.NoError(t, err)
	h.now = h.now.Add(time.Hour)
	_, err = h.dist.DistributeSessionRewards(ctx, "s2", sdkmath.NewInt(100), false)
	require.NoError(t, err)

	m, err := h.dist.NodeMetrics("a")
	require.NoError(t, err)
	assert.Equal(t, "120", m.TotalRewardsEarned.String())
	assert.Equal(t, 2, m.SessionsParticipated)
	assert.Equal(t, "60", m.AverageRewardPerSession.String())
	assert.Equal(t, h.now, m.LastRewardDate)

	_, err = h.dist.NodeMetrics("ghost")
	assert.True(t, errors.IsNotFound(err))
	_, err = h.dist.History("s3")
	assert.True(t, errors.IsNotFound(err))

	all := h.dist.AllHistory()
	require.Len(t, all, 2)
	assert.Equal(t, "s1", all[0].SessionID)
	assert.Equal(t, "s2", all[1].SessionID)
}

func TestCalculateProjectedRewards(t *testing.T) {
	h := newHarness(t, Config{})
	h.expectScores("s1", map[string]int64{"a": 100, "b": 80, "c": 60, "d": 40, "e": 20})

	p, err := h.dist.CalculateProjectedRewards("b", "s1", sdkmath.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "213", p.BaseReward.String())
	assert.Equal(t, "50", p.BonusReward.String())
	assert.Equal(t, "263", p.TotalProjected.String())
	assert.Equal(t, 2, p.Ranking)
	assert.Equal(t, 5, p.Participants)

	_, err = h.dist.CalculateProjectedRewards("ghost", "s1", sdkmath.NewInt(1000))
	assert.True(t, errors.IsNotFound(err))
	assert.Empty(t, h.dist.AllHistory(), "projection settles nothing")
}
