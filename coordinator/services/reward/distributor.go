// Package reward turns session contribution scores into token payouts,
// settles them in rate-limited batches and retries the ones that fail.
package reward

import (
	"context"
	"sort"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/event"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
)

const logPrefix = "reward"

// Distributor computes, settles and records session reward distributions
type Distributor struct {
	cfg        Config
	scores     ScoreSource
	settlement Settlement
	resolver   AddressResolver
	transport  transport.Transport
	self       string
	sink       DeadLetterSink
	bus        *event.Bus
	limiter    ratelimit.Limiter

	now   func() time.Time
	pause func(ctx context.Context, d time.Duration) error

	mtx         sync.RWMutex
	history     []*Distribution
	byID        map[string]*Distribution
	distributed map[string]bool
	metrics     map[string]*RewardMetrics
	pending     map[string]*PendingDistribution
	dead        []PendingDistribution

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Distributor
type Option func(*Distributor)

// WithTransport notifies participants of their payouts through tr, sending
// as self
func WithTransport(tr transport.Transport, self string) Option {
	return func(d *Distributor) {
		d.transport = tr
		d.self = self
	}
}

// WithAddressResolver sets how node ids map to payout addresses. By default
// a node is paid at its id.
func WithAddressResolver(r AddressResolver) Option {
	return func(d *Distributor) {
		if r != nil {
			d.resolver = r
		}
	}
}

// WithDeadLetterSink persists payouts that exhausted their retries
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(d *Distributor) {
		d.sink = s
	}
}

// WithBus publishes distribution events on bus
func WithBus(bus *event.Bus) Option {
	return func(d *Distributor) {
		d.bus = bus
	}
}

// NewDistributor returns a distributor paying through settlement
func NewDistributor(cfg Config, scores ScoreSource, settlement Settlement, opts ...Option) (*Distributor, error) {
	if scores == nil {
		return nil, errors.Invalid("reward distributor requires a score source")
	}
	if settlement == nil {
		return nil, errors.Invalid("reward distributor requires a settlement backend")
	}
	cfg = cfg.withDefaults()

	d := &Distributor{
		cfg:         cfg,
		scores:      scores,
		settlement:  settlement,
		resolver:    identityResolver,
		limiter:     ratelimit.New(cfg.SettlementRate),
		now:         func() time.Time { return time.Now().UTC() },
		pause:       sleep,
		byID:        make(map[string]*Distribution),
		distributed: make(map[string]bool),
		metrics:     make(map[string]*RewardMetrics),
		pending:     make(map[string]*PendingDistribution),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// DistributeSessionRewards pays out pool to the session's contributors.
// Payouts that fail to settle are queued as pending and retried by
// RetryPending. A session is distributed at most once.
func (d *Distributor) DistributeSessionRewards(ctx context.Context, sessionID string, pool sdkmath.Int, includeBonus bool) (*Distribution, error) {
	if pool.IsNil() || pool.IsNegative() {
		return nil, errors.Invalid("reward pool must be a non-negative amount")
	}
	scores, err := d.scores.SessionScores(sessionID)
	if err != nil {
		return nil, err
	}

	d.mtx.Lock()
	if d.distributed[sessionID] {
		d.mtx.Unlock()
		return nil, errors.Invalid("rewards for session %s were already distributed", sessionID)
	}
	d.distributed[sessionID] = true
	d.mtx.Unlock()

	alloc := allocate(scores, pool, d.cfg.BaseSharePercent, includeBonus, func(node string) (float64, bool) {
		return d.scores.NodeAverageQuality(node, sessionID)
	})
	dist := &Distribution{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		TotalPool:    pool,
		BasePool:     alloc.basePool,
		BonusPool:    alloc.bonusPool,
		IncludeBonus: includeBonus,
		Ranking:      alloc.ranking,
		BaseRewards:  alloc.base,
		BonusRewards: alloc.bonus,
		Rewards:      alloc.merged(),
		Timestamp:    d.now(),
	}

	payouts := make([]payout, 0, len(dist.Rewards))
	for node, amount := range dist.Rewards {
		payouts = append(payouts, payout{key: node, sessionID: sessionID, nodeID: node, amount: amount})
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].key < payouts[j].key })

	failed := d.settle(ctx, payouts)

	d.mtx.Lock()
	for _, p := range payouts {
		err, ok := failed[p.key]
		if !ok {
			dist.Settled = append(dist.Settled, p.nodeID)
			continue
		}
		dist.Pending = append(dist.Pending, p.nodeID)
		id := uuid.NewString()
		d.pending[id] = &PendingDistribution{
			ID:             id,
			DistributionID: dist.ID,
			SessionID:      sessionID,
			NodeID:         p.nodeID,
			Amount:         p.amount,
			LastError:      err.Error(),
			CreatedAt:      dist.Timestamp,
			LastAttempt:    dist.Timestamp,
		}
	}
	for _, p := range payouts {
		d.recordMetricsLocked(p.nodeID, p.amount, dist.Timestamp)
	}
	d.history = append(d.history, dist)
	d.byID[dist.ID] = dist
	out := dist.clone()
	d.mtx.Unlock()

	d.notify(ctx, &out, failed)

	fields := logtrace.Fields{
		logtrace.FieldModule:    logPrefix,
		logtrace.FieldSessionID: sessionID,
		logtrace.FieldAmount:    pool.String(),
		"distributed":           out.Total().String(),
		"settled":               len(out.Settled),
		"pending":               len(out.Pending),
	}
	if len(out.Pending) > 0 {
		logtrace.Warn(ctx, "rewards distributed with pending payouts", fields)
	} else {
		logtrace.Info(ctx, "rewards distributed", fields)
	}
	d.bus.Publish(event.NewEvent(event.RewardsDistributed, logPrefix, sessionID, "", map[string]interface{}{
		event.KeyTotalPool:   pool.String(),
		event.KeyDistributed: out.Total().String(),
		event.KeyRecipients:  len(out.Rewards),
		event.KeyPending:     len(out.Pending),
	}))
	return &out, nil
}

func (d *Distributor) recordMetricsLocked(nodeID string, amount sdkmath.Int, at time.Time) {
	m, ok := d.metrics[nodeID]
	if !ok {
		m = &RewardMetrics{NodeID: nodeID, TotalRewardsEarned: sdkmath.ZeroInt()}
		d.metrics[nodeID] = m
	}
	m.TotalRewardsEarned = m.TotalRewardsEarned.Add(amount)
	m.SessionsParticipated++
	m.AverageRewardPerSession = m.TotalRewardsEarned.QuoRaw(int64(m.SessionsParticipated))
	m.LastRewardDate = at
}

func (d *Distributor) notify(ctx context.Context, dist *Distribution, failed map[string]error) {
	if d.transport == nil {
		return
	}
	nodes := make([]string, 0, len(dist.Rewards))
	for node := range dist.Rewards {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		_, pending := failed[node]
		msg, err := transport.NewMessage(transport.MessageRewardNotification, d.self, dist.SessionID, transport.RewardNotificationPayload{
			DistributionID: dist.ID,
			Amount:         dist.Rewards[node].String(),
			Settled:        !pending,
		})
		if err == nil {
			msg.To = node
			err = d.transport.Send(ctx, node, msg)
		}
		if err != nil {
			logtrace.Warn(ctx, "reward notification not delivered", logtrace.Fields{
				logtrace.FieldModule:    logPrefix,
				logtrace.FieldNodeID:    node,
				logtrace.FieldSessionID: dist.SessionID,
				logtrace.FieldError:     err.Error(),
			})
		}
	}
}

// CalculateProjectedRewards estimates the node's reward if estimatedPool
// were distributed with bonus now. Nothing is settled.
func (d *Distributor) CalculateProjectedRewards(nodeID, sessionID string, estimatedPool sdkmath.Int) (*Projection, error) {
	if estimatedPool.IsNil() || estimatedPool.IsNegative() {
		return nil, errors.Invalid("estimated pool must be a non-negative amount")
	}
	scores, err := d.scores.SessionScores(sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := scores[nodeID]; !ok {
		return nil, errors.NotFound("node", nodeID)
	}

	alloc := allocate(scores, estimatedPool, d.cfg.BaseSharePercent, true, func(node string) (float64, bool) {
		return d.scores.NodeAverageQuality(node, sessionID)
	})
	p := &Projection{
		NodeID:       nodeID,
		SessionID:    sessionID,
		BaseReward:   amountOf(alloc.base, nodeID),
		BonusReward:  amountOf(alloc.bonus, nodeID),
		Participants: len(scores),
	}
	p.TotalProjected = p.BaseReward.Add(p.BonusReward)
	for i, node := range alloc.ranking {
		if node == nodeID {
			p.Ranking = i + 1
			break
		}
	}
	return p, nil
}

// History returns the distributions of a session, oldest first
func (d *Distributor) History(sessionID string) ([]Distribution, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	var out []Distribution
	for _, dist := range d.history {
		if dist.SessionID == sessionID {
			out = append(out, dist.clone())
		}
	}
	if len(out) == 0 {
		return nil, errors.NotFound("distribution history", sessionID)
	}
	return out, nil
}

// AllHistory returns every distribution, oldest first
func (d *Distributor) AllHistory() []Distribution {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	out := make([]Distribution, 0, len(d.history))
	for _, dist := range d.history {
		out = append(out, dist.clone())
	}
	return out
}

// NodeMetrics returns the node's running reward metrics
func (d *Distributor) NodeMetrics(nodeID string) (RewardMetrics, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	m, ok := d.metrics[nodeID]
	if !ok {
		return RewardMetrics{}, errors.NotFound("reward metrics", nodeID)
	}
	return *m, nil
}

// Pending returns the payouts awaiting retry, oldest first
func (d *Distributor) Pending() []PendingDistribution {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.pendingLocked()
}

// DeadLetters returns the payouts that exhausted their retries
func (d *Distributor) DeadLetters() []PendingDistribution {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return append([]PendingDistribution(nil), d.dead...)
}

func (d *Distributor) pendingLocked() []PendingDistribution {
	out := make([]PendingDistribution, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Start runs RetryPending on the retry interval until ctx is done or Stop
// is called
func (d *Distributor) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			case <-ticker.C:
				d.RetryPending(ctx)
			}
		}
	}()
}

// Stop ends the retry loop
func (d *Distributor) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

type payout struct {
	key       string
	sessionID string
	nodeID    string
	amount    sdkmath.Int
}

// settle submits payouts in batches of BatchSize, concurrently within a
// batch and pausing between batches. It returns the failures by key.
func (d *Distributor) settle(ctx context.Context, payouts []payout) map[string]error {
	failed := make(map[string]error)
	var mu sync.Mutex

	for start := 0; start < len(payouts); start += d.cfg.BatchSize {
		if start > 0 {
			if err := d.pause(ctx, d.cfg.BatchPause); err != nil {
				for _, p := range payouts[start:] {
					failed[p.key] = err
				}
				break
			}
		}
		end := min(start+d.cfg.BatchSize, len(payouts))

		var g errgroup.Group
		for _, p := range payouts[start:end] {
			p := p
			g.Go(func() error {
				d.limiter.Take()
				if err := d.submit(ctx, p); err != nil {
					mu.Lock()
					failed[p.key] = err
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return failed
}

func (d *Distributor) submit(ctx context.Context, p payout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	address, err := d.resolver.ResolveAddress(ctx, p.nodeID)
	if err != nil {
		return errors.Wrapf(err, "resolve payout address of %s", p.nodeID)
	}
	if err := d.settlement.Submit(ctx, p.sessionID, address, p.amount); err != nil {
		logtrace.Warn(ctx, "settlement failed", logtrace.Fields{
			logtrace.FieldModule:    logPrefix,
			logtrace.FieldNodeID:    p.nodeID,
			logtrace.FieldSessionID: p.sessionID,
			logtrace.FieldAmount:    p.amount.String(),
			logtrace.FieldError:     err.Error(),
		})
		return err
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func amountOf(m map[string]sdkmath.Int, node string) sdkmath.Int {
	if v, ok := m[node]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}
