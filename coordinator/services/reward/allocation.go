package reward

import (
	"sort"

	sdkmath "cosmossdk.io/math"

	"github.com/LumeraProtocol/trainpool/coordinator/services/contribution"
)

// bonusTiers are the shares of the bonus pool, in percent, for ranks 1-5
var bonusTiers = []int64{40, 25, 15, 10, 10}

const (
	qualityBonusPercent   = 10
	qualityBonusThreshold = 90.0
)

type allocation struct {
	basePool  sdkmath.Int
	bonusPool sdkmath.Int
	ranking   []string
	base      map[string]sdkmath.Int
	bonus     map[string]sdkmath.Int
}

// allocate splits pool into a base part shared in proportion to score and,
// with includeBonus, a bonus part paid by rank plus a quality sub-bonus
// shared evenly by nodes whose average gradient quality reaches the
// threshold. Without the bonus the remainder of the pool stays unallocated.
func allocate(scores map[string]int64, pool sdkmath.Int, baseShare int64, includeBonus bool, quality func(nodeID string) (float64, bool)) allocation {
	basePool := pool.MulRaw(baseShare).QuoRaw(100)
	a := allocation{
		basePool:  basePool,
		bonusPool: sdkmath.ZeroInt(),
		ranking:   rank(scores),
		base:      contribution.ProportionalSplit(scores, basePool),
		bonus:     make(map[string]sdkmath.Int),
	}
	if !includeBonus {
		return a
	}
	a.bonusPool = pool.Sub(basePool)

	for i, node := range a.ranking {
		if i >= len(bonusTiers) {
			break
		}
		a.bonus[node] = a.bonusPool.MulRaw(bonusTiers[i]).QuoRaw(100)
	}

	var eligible []string
	for node := range scores {
		if q, ok := quality(node); ok && q >= qualityBonusThreshold {
			eligible = append(eligible, node)
		}
	}
	if len(eligible) == 0 {
		return a
	}
	share := a.bonusPool.MulRaw(qualityBonusPercent).QuoRaw(100).QuoRaw(int64(len(eligible)))
	for _, node := range eligible {
		if prev, ok := a.bonus[node]; ok {
			a.bonus[node] = prev.Add(share)
		} else {
			a.bonus[node] = share
		}
	}
	return a
}

// merged returns base plus bonus per node, leaving out zero amounts
func (a allocation) merged() map[string]sdkmath.Int {
	out := make(map[string]sdkmath.Int)
	add := func(m map[string]sdkmath.Int) {
		for node, amount := range m {
			if !amount.IsPositive() {
				continue
			}
			if prev, ok := out[node]; ok {
				out[node] = prev.Add(amount)
			} else {
				out[node] = amount
			}
		}
	}
	add(a.base)
	add(a.bonus)
	return out
}

// rank orders nodes with a positive score by score, highest first, ties
// broken by node id
func rank(scores map[string]int64) []string {
	out := make([]string, 0, len(scores))
	for node, s := range scores {
		if s > 0 {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if scores[out[i]] != scores[out[j]] {
			return scores[out[i]] > scores[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
