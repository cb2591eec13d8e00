package reward

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// Defaults
const (
	DefaultBatchSize        = 10
	DefaultBatchPause       = time.Second
	DefaultRetryInterval    = time.Hour
	DefaultSettlementRate   = 50 // payouts per second
	DefaultBaseSharePercent = 80
)

// Config tunes the distributor. Zero fields take the defaults.
type Config struct {
	BatchSize  int
	BatchPause time.Duration
	// RetryInterval is the cadence of RetryPending under Start
	RetryInterval time.Duration
	// MaxRetryAttempts moves a pending payout to the dead letters after that
	// many failed retries. Zero retries forever.
	MaxRetryAttempts int
	SettlementRate   int
	BaseSharePercent int64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchPause <= 0 {
		c.BatchPause = DefaultBatchPause
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = 0
	}
	if c.SettlementRate <= 0 {
		c.SettlementRate = DefaultSettlementRate
	}
	if c.BaseSharePercent <= 0 || c.BaseSharePercent > 100 {
		c.BaseSharePercent = DefaultBaseSharePercent
	}
	return c
}

// Distribution is the record of one session payout
type Distribution struct {
	ID           string                 `json:"id"`
	SessionID    string                 `json:"session_id"`
	TotalPool    sdkmath.Int            `json:"total_pool"`
	BasePool     sdkmath.Int            `json:"base_pool"`
	BonusPool    sdkmath.Int            `json:"bonus_pool"`
	IncludeBonus bool                   `json:"include_bonus"`
	Ranking      []string               `json:"ranking"`
	BaseRewards  map[string]sdkmath.Int `json:"base_rewards"`
	BonusRewards map[string]sdkmath.Int `json:"bonus_rewards"`
	Rewards      map[string]sdkmath.Int `json:"rewards"`
	Settled      []string               `json:"settled"`
	Pending      []string               `json:"pending"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Total returns the sum of all rewards
func (d Distribution) Total() sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, amount := range d.Rewards {
		total = total.Add(amount)
	}
	return total
}

func (d Distribution) clone() Distribution {
	out := d
	out.Ranking = append([]string(nil), d.Ranking...)
	out.Settled = append([]string(nil), d.Settled...)
	out.Pending = append([]string(nil), d.Pending...)
	out.BaseRewards = cloneAmounts(d.BaseRewards)
	out.BonusRewards = cloneAmounts(d.BonusRewards)
	out.Rewards = cloneAmounts(d.Rewards)
	return out
}

// PendingDistribution is a payout whose settlement failed and awaits retry
type PendingDistribution struct {
	ID             string      `json:"id"`
	DistributionID string      `json:"distribution_id"`
	SessionID      string      `json:"session_id"`
	NodeID         string      `json:"node_id"`
	Amount         sdkmath.Int `json:"amount"`
	Retries        int         `json:"retries"`
	LastError      string      `json:"last_error"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAttempt    time.Time   `json:"last_attempt"`
}

// RewardMetrics aggregates a node's rewards across sessions
type RewardMetrics struct {
	NodeID                  string      `json:"node_id"`
	TotalRewardsEarned      sdkmath.Int `json:"total_rewards_earned"`
	SessionsParticipated    int         `json:"sessions_participated"`
	AverageRewardPerSession sdkmath.Int `json:"average_reward_per_session"`
	LastRewardDate          time.Time   `json:"last_reward_date"`
}

// Projection is a hypothetical reward estimate
type Projection struct {
	NodeID         string      `json:"node_id"`
	SessionID      string      `json:"session_id"`
	BaseReward     sdkmath.Int `json:"base_reward"`
	BonusReward    sdkmath.Int `json:"bonus_reward"`
	TotalProjected sdkmath.Int `json:"total_projected"`
	// Ranking is the 1-based rank by score, 0 when the node has no score
	Ranking      int `json:"ranking"`
	Participants int `json:"participants"`
}

// RetryReport summarizes one RetryPending pass
type RetryReport struct {
	Attempted    int `json:"attempted"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

func cloneAmounts(m map[string]sdkmath.Int) map[string]sdkmath.Int {
	if m == nil {
		return nil
	}
	out := make(map[string]sdkmath.Int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
