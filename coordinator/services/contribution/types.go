package contribution

import (
	"math"
	"time"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
)

// Score weights
const (
	weightComputeTime     = 0.40
	weightGradientQuality = 0.35
	weightDataTransmitted = 0.15
	weightUptimeRatio     = 0.10
)

// MaxReportedValue bounds ComputeTime and DataTransmitted of a single
// contribution so that its score fits an int64 with room for summing
const MaxReportedValue = 1e15

// Contribution is the raw work report of a node for one training step or
// reporting period
type Contribution struct {
	NodeID          string  `json:"node_id"`
	SessionID       string  `json:"session_id"`
	ComputeTime     float64 `json:"compute_time"`     // seconds of compute
	GradientQuality float64 `json:"gradient_quality"` // 0-100
	DataTransmitted float64 `json:"data_transmitted"` // bytes
	UptimeRatio     float64 `json:"uptime_ratio"`     // 0-1
}

// Validate checks identifiers and ranges
func (c Contribution) Validate() error {
	switch {
	case c.NodeID == "":
		return errors.Invalid("node id is required")
	case c.SessionID == "":
		return errors.Invalid("session id is required")
	case !finite(c.ComputeTime, c.GradientQuality, c.DataTransmitted, c.UptimeRatio):
		return errors.Invalid("contribution values must be finite")
	case c.ComputeTime < 0:
		return errors.Invalid("compute time %v is negative", c.ComputeTime)
	case c.DataTransmitted < 0:
		return errors.Invalid("data transmitted %v is negative", c.DataTransmitted)
	case c.ComputeTime > MaxReportedValue:
		return errors.Invalid("compute time %v above %v", c.ComputeTime, MaxReportedValue)
	case c.DataTransmitted > MaxReportedValue:
		return errors.Invalid("data transmitted %v above %v", c.DataTransmitted, MaxReportedValue)
	case c.GradientQuality < 0 || c.GradientQuality > 100:
		return errors.Invalid("gradient quality %v outside 0-100", c.GradientQuality)
	case c.UptimeRatio < 0 || c.UptimeRatio > 1:
		return errors.Invalid("uptime ratio %v outside 0-1", c.UptimeRatio)
	}
	return nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Metrics is a recorded contribution together with its score. Records are
// never modified after creation.
type Metrics struct {
	NodeID            string    `json:"node_id"`
	SessionID         string    `json:"session_id"`
	ComputeTime       float64   `json:"compute_time"`
	GradientQuality   float64   `json:"gradient_quality"`
	DataTransmitted   float64   `json:"data_transmitted"`
	UptimeRatio       float64   `json:"uptime_ratio"`
	ContributionScore int64     `json:"contribution_score"`
	Timestamp         time.Time `json:"timestamp"`
}

// ContributorSummary aggregates a node's contributions
type ContributorSummary struct {
	NodeID        string `json:"node_id"`
	TotalScore    int64  `json:"total_score"`
	Contributions int    `json:"contributions"`
}

// Score computes the contribution score: the weighted sum of the inputs,
// rounded, floored at zero and saturated at math.MaxInt64
func Score(c Contribution) int64 {
	raw := math.Round(c.ComputeTime*weightComputeTime +
		c.GradientQuality*weightGradientQuality +
		c.DataTransmitted*weightDataTransmitted +
		c.UptimeRatio*weightUptimeRatio)
	switch {
	case math.IsNaN(raw) || raw <= 0:
		return 0
	case raw >= math.MaxInt64:
		return math.MaxInt64
	}
	return int64(raw)
}

// addScore sums two non-negative scores, saturating instead of wrapping
func addScore(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
