// Package contribution scores the work pool nodes report and splits session
// reward pools in proportion to the scores.
package contribution

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/event"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
)

const logPrefix = "contribution"

// Tracker records contributions indexed by node and by session
type Tracker struct {
	bus *event.Bus
	now func() time.Time

	mtx       sync.RWMutex
	byNode    map[string][]Metrics
	bySession map[string][]Metrics
}

// NewTracker returns an empty tracker. bus may be nil.
func NewTracker(bus *event.Bus) *Tracker {
	return &Tracker{
		bus:       bus,
		now:       func() time.Time { return time.Now().UTC() },
		byNode:    make(map[string][]Metrics),
		bySession: make(map[string][]Metrics),
	}
}

// RecordContribution scores c and stores the result under both indices
func (t *Tracker) RecordContribution(ctx context.Context, c Contribution) (*Metrics, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	m := Metrics{
		NodeID:            c.NodeID,
		SessionID:         c.SessionID,
		ComputeTime:       c.ComputeTime,
		GradientQuality:   c.GradientQuality,
		DataTransmitted:   c.DataTransmitted,
		UptimeRatio:       c.UptimeRatio,
		ContributionScore: Score(c),
		Timestamp:         t.now(),
	}

	t.mtx.Lock()
	t.byNode[m.NodeID] = append(t.byNode[m.NodeID], m)
	t.bySession[m.SessionID] = append(t.bySession[m.SessionID], m)
	t.mtx.Unlock()

	logtrace.Debug(ctx, "contribution recorded", logtrace.Fields{
		logtrace.FieldModule:    logPrefix,
		logtrace.FieldNodeID:    m.NodeID,
		logtrace.FieldSessionID: m.SessionID,
		"score":                 m.ContributionScore,
	})
	t.bus.Publish(event.NewEvent(event.ContributionRecorded, logPrefix, m.SessionID, m.NodeID, map[string]interface{}{
		event.KeyScore: m.ContributionScore,
	}))

	out := m
	return &out, nil
}

// SessionScores returns the total score per node in the session
func (t *Tracker) SessionScores(sessionID string) (map[string]int64, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	records, ok := t.bySession[sessionID]
	if !ok {
		return nil, errors.NotFound("session", sessionID)
	}
	scores := make(map[string]int64)
	for _, m := range records {
		scores[m.NodeID] = addScore(scores[m.NodeID], m.ContributionScore)
	}
	return scores, nil
}

// CalculateSessionRewards splits pool across the session's nodes in
// proportion to their total score. Each share is floored, so the sum never
// exceeds pool. A session whose scores sum to zero yields an empty map.
func (t *Tracker) CalculateSessionRewards(sessionID string, pool sdkmath.Int) (map[string]sdkmath.Int, error) {
	if pool.IsNil() || pool.IsNegative() {
		return nil, errors.Invalid("reward pool must be a non-negative amount")
	}
	scores, err := t.SessionScores(sessionID)
	if err != nil {
		return nil, err
	}
	return ProportionalSplit(scores, pool), nil
}

// ProportionalSplit returns floor(pool*score/total) for every node with a
// positive score. The total is summed as an arbitrary precision integer, so
// the shares never add up to more than pool.
func ProportionalSplit(scores map[string]int64, pool sdkmath.Int) map[string]sdkmath.Int {
	rewards := make(map[string]sdkmath.Int)
	total := sdkmath.ZeroInt()
	for _, s := range scores {
		if s > 0 {
			total = total.Add(sdkmath.NewInt(s))
		}
	}
	if !total.IsPositive() {
		return rewards
	}
	for node, s := range scores {
		if s <= 0 {
			continue
		}
		rewards[node] = pool.Mul(sdkmath.NewInt(s)).Quo(total)
	}
	return rewards
}

// TopContributors ranks nodes by total score, highest first, ties broken by
// node id. An empty sessionID ranks across all sessions; limit <= 0 returns
// every node.
func (t *Tracker) TopContributors(sessionID string, limit int) []ContributorSummary {
	t.mtx.RLock()
	agg := make(map[string]*ContributorSummary)
	collect := func(records []Metrics) {
		for _, m := range records {
			s, ok := agg[m.NodeID]
			if !ok {
				s = &ContributorSummary{NodeID: m.NodeID}
				agg[m.NodeID] = s
			}
			s.TotalScore = addScore(s.TotalScore, m.ContributionScore)
			s.Contributions++
		}
	}
	if sessionID == "" {
		for _, records := range t.bySession {
			collect(records)
		}
	} else {
		collect(t.bySession[sessionID])
	}
	t.mtx.RUnlock()

	out := make([]ContributorSummary, 0, len(agg))
	for _, s := range agg {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalScore != out[j].TotalScore {
			return out[i].TotalScore > out[j].TotalScore
		}
		return out[i].NodeID < out[j].NodeID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// NodeReliabilityScore returns round(avg(uptime)*0.6 + avg(quality)*0.4)
// over the node's history, optionally scoped to a session. A node without
// history scores 0.
func (t *Tracker) NodeReliabilityScore(nodeID, sessionID string) int {
	history := t.history(nodeID, sessionID)
	if len(history) == 0 {
		return 0
	}
	var uptime, quality float64
	for _, m := range history {
		uptime += m.UptimeRatio
		quality += m.GradientQuality
	}
	n := float64(len(history))
	return int(math.Round((uptime/n)*0.6 + (quality/n)*0.4))
}

// NodeAverageQuality returns the node's average gradient quality in the
// session and whether it has any record there
func (t *Tracker) NodeAverageQuality(nodeID, sessionID string) (float64, bool) {
	history := t.history(nodeID, sessionID)
	if len(history) == 0 {
		return 0, false
	}
	var quality float64
	for _, m := range history {
		quality += m.GradientQuality
	}
	return quality / float64(len(history)), true
}

// AverageGradientQuality returns the mean gradient quality of a session
func (t *Tracker) AverageGradientQuality(sessionID string) (float64, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	records, ok := t.bySession[sessionID]
	if !ok || len(records) == 0 {
		return 0, errors.NotFound("session", sessionID)
	}
	var quality float64
	for _, m := range records {
		quality += m.GradientQuality
	}
	return quality / float64(len(records)), nil
}

// SessionContributions returns the session's records in recording order
func (t *Tracker) SessionContributions(sessionID string) ([]Metrics, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	records, ok := t.bySession[sessionID]
	if !ok {
		return nil, errors.NotFound("session", sessionID)
	}
	return append([]Metrics(nil), records...), nil
}

// NodeContributions returns the node's records in recording order
func (t *Tracker) NodeContributions(nodeID string) ([]Metrics, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	records, ok := t.byNode[nodeID]
	if !ok {
		return nil, errors.NotFound("node", nodeID)
	}
	return append([]Metrics(nil), records...), nil
}

// Nodes returns every node with at least one record, sorted
func (t *Tracker) Nodes() []string {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return sortedKeys(t.byNode)
}

// Sessions returns every session with at least one record, sorted
func (t *Tracker) Sessions() []string {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return sortedKeys(t.bySession)
}

func (t *Tracker) history(nodeID, sessionID string) []Metrics {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	var out []Metrics
	for _, m := range t.byNode[nodeID] {
		if sessionID == "" || m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

func sortedKeys(m map[string][]Metrics) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
