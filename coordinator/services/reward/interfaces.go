//go:generate mockgen -source=interfaces.go -destination=mocks/interfaces_mock.go -package=mocks

package reward

import (
	"context"

	sdkmath "cosmossdk.io/math"
)

// ScoreSource provides the per-session contribution scores rewards are
// computed from. *contribution.Tracker satisfies it.
type ScoreSource interface {
	SessionScores(sessionID string) (map[string]int64, error)
	NodeAverageQuality(nodeID, sessionID string) (float64, bool)
}

// Settlement executes a single payout
type Settlement interface {
	Submit(ctx context.Context, sessionID, participantAddress string, amount sdkmath.Int) error
}

// AddressResolver maps a node id to the address that receives its payout
type AddressResolver interface {
	ResolveAddress(ctx context.Context, nodeID string) (string, error)
}

// AddressResolverFunc adapts a function to AddressResolver
type AddressResolverFunc func(ctx context.Context, nodeID string) (string, error)

// ResolveAddress calls f
func (f AddressResolverFunc) ResolveAddress(ctx context.Context, nodeID string) (string, error) {
	return f(ctx, nodeID)
}

// identityResolver pays a node at its own id
var identityResolver = AddressResolverFunc(func(_ context.Context, nodeID string) (string, error) {
	return nodeID, nil
})
