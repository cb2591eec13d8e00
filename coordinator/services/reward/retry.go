package reward

import (
	"context"

	"github.com/LumeraProtocol/trainpool/pkg/event"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
)

// RetryPending resubmits every pending payout. Settled payouts leave the
// queue and are marked settled on their distribution. Failed ones stay
// queued, unless MaxRetryAttempts is set and reached, in which case they
// move to the dead letters.
func (d *Distributor) RetryPending(ctx context.Context) RetryReport {
	d.mtx.RLock()
	queued := d.pendingLocked()
	d.mtx.RUnlock()

	var report RetryReport
	if len(queued) == 0 {
		return report
	}
	report.Attempted = len(queued)

	payouts := make([]payout, 0, len(queued))
	for _, p := range queued {
		payouts = append(payouts, payout{key: p.ID, sessionID: p.SessionID, nodeID: p.NodeID, amount: p.Amount})
	}
	failed := d.settle(ctx, payouts)
	now := d.now()

	var deadLettered []PendingDistribution
	d.mtx.Lock()
	for _, q := range queued {
		p, ok := d.pending[q.ID]
		if !ok {
			continue
		}
		err, stillFailing := failed[q.ID]
		if !stillFailing {
			delete(d.pending, q.ID)
			d.markSettledLocked(p)
			report.Succeeded++
			continue
		}
		report.Failed++
		p.Retries++
		p.LastError = err.Error()
		p.LastAttempt = now
		if d.cfg.MaxRetryAttempts > 0 && p.Retries >= d.cfg.MaxRetryAttempts {
			delete(d.pending, q.ID)
			d.dead = append(d.dead, *p)
			deadLettered = append(deadLettered, *p)
		}
	}
	d.mtx.Unlock()
	report.DeadLettered = len(deadLettered)

	for _, p := range deadLettered {
		logtrace.Error(ctx, "payout moved to dead letters", logtrace.Fields{
			logtrace.FieldModule:    logPrefix,
			logtrace.FieldNodeID:    p.NodeID,
			logtrace.FieldSessionID: p.SessionID,
			logtrace.FieldAmount:    p.Amount.String(),
			"retries":               p.Retries,
			logtrace.FieldError:     p.LastError,
		})
		if d.sink == nil {
			continue
		}
		if err := d.sink.DeadLetter(ctx, p); err != nil {
			logtrace.Error(ctx, "dead letter not persisted", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				logtrace.FieldNodeID: p.NodeID,
				logtrace.FieldError:  err.Error(),
			})
		}
	}

	logtrace.Info(ctx, "pending payouts retried", logtrace.Fields{
		logtrace.FieldModule: logPrefix,
		"attempted":          report.Attempted,
		"succeeded":          report.Succeeded,
		"failed":             report.Failed,
		"dead_lettered":      report.DeadLettered,
	})
	d.bus.Publish(event.NewEvent(event.RewardsRetryComplete, logPrefix, "", "", map[string]interface{}{
		event.KeyCount:   report.Succeeded,
		event.KeyPending: report.Failed - report.DeadLettered,
	}))
	return report
}

func (d *Distributor) markSettledLocked(p *PendingDistribution) {
	dist, ok := d.byID[p.DistributionID]
	if !ok {
		return
	}
	for i, node := range dist.Pending {
		if node == p.NodeID {
			dist.Pending = append(dist.Pending[:i], dist.Pending[i+1:]...)
			dist.Settled = append(dist.Settled, node)
			return
		}
	}
}
