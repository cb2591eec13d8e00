package faulttolerance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/multierr"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/event"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
)

// QuarantineKey is the DHT key of a node's quarantine marker
func QuarantineKey(nodeID string) string {
	return "quarantine/" + nodeID
}

// ReportFailure logs the failure and handles it. A node reaching the
// failure limit inside the failure window is quarantined; otherwise the
// recovery strategy for the failure type runs. Failures of a node that is
// already quarantined are logged only. A TIMEOUT is counted only when the
// node also fails the liveness probe.
func (m *Manager) ReportFailure(ctx context.Context, f NodeFailure) (*RecoveryOutcome, error) {
	if f.NodeID == "" {
		return nil, errors.Invalid("node id is required")
	}
	if !f.Type.Valid() {
		return nil, errors.Invalid("unknown failure type %q", f.Type)
	}
	if f.Type == FailureTimeout {
		out, err := m.probeSilentNode(ctx, f)
		if err != nil || out != nil {
			return out, err
		}
	}
	now := m.now()
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}

	m.mtx.Lock()
	n, ok := m.nodes[f.NodeID]
	if !ok {
		m.mtx.Unlock()
		return nil, errors.NotFound("node", f.NodeID)
	}
	if f.SessionID == "" {
		f.SessionID = n.SessionID
	}
	m.failures[f.NodeID] = append(m.failures[f.NodeID], f)
	count := m.recentFailuresLocked(f.NodeID, now)

	alreadyQuarantined := n.Status == StatusQuarantined
	quarantine := !alreadyQuarantined && count >= m.cfg.MaxFailuresPerNode
	switch {
	case quarantine:
		n.Status = StatusQuarantined
		n.QuarantinedUntil = now.Add(m.cfg.QuarantineDuration)
	case !alreadyQuarantined:
		n.Status = StatusWarning
	}
	node := *n
	m.mtx.Unlock()

	fields := logtrace.Fields{
		logtrace.FieldModule:      logPrefix,
		logtrace.FieldNodeID:      f.NodeID,
		logtrace.FieldSessionID:   f.SessionID,
		logtrace.FieldFailureType: string(f.Type),
		"failures_in_window":      count,
	}
	logtrace.Warn(ctx, "node failure reported", logtrace.WithFields(fields, logtrace.Fields{logtrace.FieldError: f.Reason}))

	var out *RecoveryOutcome
	switch {
	case alreadyQuarantined:
		out = &RecoveryOutcome{NodeID: f.NodeID, Action: ActionQuarantined}
	case quarantine:
		out = m.quarantine(ctx, node, f, count)
	default:
		out = m.recover(ctx, node, f)
	}
	out.FailureType = f.Type
	out.FailureCount = count

	data := map[string]interface{}{
		event.KeyFailureType:  string(f.Type),
		event.KeyAction:       string(out.Action),
		event.KeyFailureCount: count,
	}
	if out.Replacement != "" {
		data[event.KeyReplacement] = out.Replacement
	}
	if out.Err != nil {
		data[event.KeyError] = out.Err.Error()
	}
	logtrace.Info(ctx, "node failure handled", logtrace.WithFields(fields, logtrace.Fields{"action": string(out.Action)}))
	m.bus.Publish(event.NewEvent(event.NodeFailureHandled, logPrefix, f.SessionID, f.NodeID, data))
	return out, nil
}

func (m *Manager) recentFailuresLocked(nodeID string, now time.Time) int {
	cutoff := now.Add(-m.cfg.FailureWindow)
	count := 0
	for _, f := range m.failures[nodeID] {
		if !f.Timestamp.Before(cutoff) {
			count++
		}
	}
	return count
}

func (m *Manager) quarantine(ctx context.Context, node NodeState, f NodeFailure, count int) *RecoveryOutcome {
	out := &RecoveryOutcome{NodeID: node.NodeID, Action: ActionQuarantined}

	if m.store != nil {
		marker, err := json.Marshal(QuarantineMarker{
			NodeID:       node.NodeID,
			Until:        node.QuarantinedUntil,
			FailureCount: count,
			LastFailure:  string(f.Type),
		})
		if err == nil {
			_, err = m.store.Store(ctx, QuarantineKey(node.NodeID), marker, m.cfg.QuarantineDuration)
		}
		if err != nil {
			out.Err = errors.Wrap(err, "store quarantine marker")
			logtrace.Warn(ctx, "quarantine marker not stored", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				logtrace.FieldNodeID: node.NodeID,
				logtrace.FieldError:  err.Error(),
			})
		}
	}

	logtrace.Warn(ctx, "node quarantined", logtrace.Fields{
		logtrace.FieldModule: logPrefix,
		logtrace.FieldNodeID: node.NodeID,
		"until":              node.QuarantinedUntil,
	})
	m.bus.Publish(event.NewEvent(event.NodeQuarantined, logPrefix, node.SessionID, node.NodeID, map[string]interface{}{
		event.KeyQuarantinedTil: node.QuarantinedUntil,
		event.KeyFailureCount:   count,
	}))
	return out
}

// RemoteQuarantine reads the quarantine marker of a node from the store
func (m *Manager) RemoteQuarantine(ctx context.Context, nodeID string) (*QuarantineMarker, error) {
	if m.store == nil {
		return nil, errors.NotFound("quarantine marker", nodeID)
	}
	raw, err := m.store.Retrieve(ctx, QuarantineKey(nodeID))
	if err != nil {
		return nil, err
	}
	var marker QuarantineMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return nil, errors.Wrap(err, "decode quarantine marker")
	}
	return &marker, nil
}

func (m *Manager) recover(ctx context.Context, node NodeState, f NodeFailure) *RecoveryOutcome {
	switch f.Type {
	case FailureTimeout:
		return m.replace(ctx, node)

	case FailureDisconnect:
		if err := m.reconnect(ctx, node); err != nil {
			logtrace.Warn(ctx, "reconnect exhausted", logtrace.Fields{
				logtrace.FieldModule:  logPrefix,
				logtrace.FieldNodeID:  node.NodeID,
				logtrace.FieldAddress: node.Address,
				logtrace.FieldError:   err.Error(),
			})
			return m.replace(ctx, node)
		}
		m.markAlive(node.NodeID)
		return &RecoveryOutcome{NodeID: node.NodeID, Action: ActionReconnected}

	case FailureInvalidGradient:
		return m.resync(ctx, node, f.SessionID)

	default:
		return m.tune(ctx, node, f)
	}
}

// probeSilentNode probes the node behind a TIMEOUT. When it answers, its
// heartbeat is refreshed and the outcome is returned without logging a
// failure. A nil outcome means the timeout stands.
func (m *Manager) probeSilentNode(ctx context.Context, f NodeFailure) (*RecoveryOutcome, error) {
	m.mtx.RLock()
	n, ok := m.nodes[f.NodeID]
	var status NodeStatus
	sessionID := f.SessionID
	if ok {
		status = n.Status
		if sessionID == "" {
			sessionID = n.SessionID
		}
	}
	count := m.recentFailuresLocked(f.NodeID, m.now())
	m.mtx.RUnlock()

	if !ok {
		return nil, errors.NotFound("node", f.NodeID)
	}
	if status == StatusQuarantined {
		return nil, nil
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.probe(pctx, f.NodeID)
	cancel()
	if err != nil {
		logtrace.Warn(ctx, "liveness probe failed", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldNodeID: f.NodeID,
			logtrace.FieldError:  err.Error(),
		})
		return nil, nil
	}

	m.markAlive(f.NodeID)
	logtrace.Info(ctx, "silent node answered liveness probe", logtrace.Fields{
		logtrace.FieldModule:    logPrefix,
		logtrace.FieldNodeID:    f.NodeID,
		logtrace.FieldSessionID: sessionID,
	})
	m.bus.Publish(event.NewEvent(event.NodeFailureHandled, logPrefix, sessionID, f.NodeID, map[string]interface{}{
		event.KeyFailureType:  string(FailureTimeout),
		event.KeyAction:       string(ActionProbeOK),
		event.KeyFailureCount: count,
	}))
	return &RecoveryOutcome{
		NodeID:       f.NodeID,
		Action:       ActionProbeOK,
		FailureType:  FailureTimeout,
		FailureCount: count,
	}, nil
}

// markAlive counts a successful probe or reconnect as a heartbeat
func (m *Manager) markAlive(nodeID string) {
	m.mtx.Lock()
	if n, ok := m.nodes[nodeID]; ok {
		n.LastHeartbeat = m.now()
	}
	m.mtx.Unlock()
}

func (m *Manager) probe(ctx context.Context, nodeID string) error {
	if m.transport == nil {
		return errors.New("no transport configured")
	}
	return m.transport.Probe(ctx, nodeID)
}

// reconnect retries Connect with exponential backoff: the first attempt is
// immediate and the following ones wait base, 2*base, ...
func (m *Manager) reconnect(ctx context.Context, node NodeState) error {
	if m.transport == nil {
		return errors.New("no transport configured")
	}
	if node.Address == "" {
		return errors.Invalid("no known address for node %s", node.NodeID)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.cfg.ReconnectBaseDelay << uint(m.cfg.ReconnectAttempts)
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.ReconnectAttempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := m.transport.Connect(ctx, node.NodeID, node.Address)
		if err != nil {
			logtrace.Debug(ctx, "reconnect attempt failed", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				logtrace.FieldNodeID: node.NodeID,
				"attempt":            attempt,
				logtrace.FieldError:  err.Error(),
			})
		}
		return err
	}, policy)
}

func (m *Manager) resync(ctx context.Context, node NodeState, sessionID string) *RecoveryOutcome {
	out := &RecoveryOutcome{NodeID: node.NodeID, Action: ActionResynced}

	cp, err := m.LatestCheckpoint(sessionID)
	if err != nil {
		out.Action = ActionFailed
		out.Err = errors.Wrap(err, "no checkpoint to resync from")
		return out
	}
	if err := m.send(ctx, node.NodeID, transport.MessageModelSync, sessionID, modelSync(cp)); err != nil {
		out.Action = ActionFailed
		out.Err = err
		return out
	}
	out.Notified = []string{node.NodeID}
	logtrace.Info(ctx, "node resynced from checkpoint", logtrace.Fields{
		logtrace.FieldModule:       logPrefix,
		logtrace.FieldNodeID:       node.NodeID,
		logtrace.FieldCheckpointID: cp.ID,
	})
	return out
}

func (m *Manager) tune(ctx context.Context, node NodeState, f NodeFailure) *RecoveryOutcome {
	out := &RecoveryOutcome{NodeID: node.NodeID, Action: ActionTuned}

	s := suggestTuning(f.Quality, m.cfg.LowQualityThreshold)
	payload := transport.TuningSuggestionPayload{
		LearningRateFactor: s.LearningRateFactor,
		BatchSizeFactor:    s.BatchSizeFactor,
		Reason:             s.Reason,
	}
	if err := m.send(ctx, node.NodeID, transport.MessageTuningSuggestion, f.SessionID, payload); err != nil {
		out.Action = ActionFailed
		out.Err = err
		return out
	}
	out.Notified = []string{node.NodeID}
	return out
}

// suggestTuning halves the learning rate and doubles the batch size for very
// poor gradients and makes a milder adjustment otherwise
func suggestTuning(quality, threshold float64) TuningSuggestion {
	s := TuningSuggestion{
		LearningRateFactor: 0.5,
		BatchSizeFactor:    2,
		Reason:             fmt.Sprintf("gradient quality %.1f below %.1f", quality, threshold),
	}
	if quality >= threshold/2 {
		s.LearningRateFactor = 0.75
		s.BatchSizeFactor = 1.5
	}
	return s
}

// ReplaceNode hands the node's work to the highest-capacity standby. With
// no standby able to take it, the other participating nodes of the session
// are asked to redistribute the workload.
func (m *Manager) ReplaceNode(ctx context.Context, failedNodeID string) (*RecoveryOutcome, error) {
	m.mtx.RLock()
	n, ok := m.nodes[failedNodeID]
	var node NodeState
	if ok {
		node = *n
	}
	m.mtx.RUnlock()
	if !ok {
		return nil, errors.NotFound("node", failedNodeID)
	}
	return m.replace(ctx, node), nil
}

func (m *Manager) replace(ctx context.Context, failed NodeState) *RecoveryOutcome {
	out := &RecoveryOutcome{NodeID: failed.NodeID}

	assignment := transport.FailoverAssignmentPayload{FailedNodeID: failed.NodeID}
	if cp, err := m.LatestCheckpoint(failed.SessionID); err == nil {
		assignment.Checkpoint = modelSync(cp)
		if ps, ok := cp.State.Participants[failed.NodeID]; ok {
			if raw, err := json.Marshal(ps); err == nil {
				assignment.ParticipantState = raw
			}
		}
	}

	m.mtx.RLock()
	candidates := m.standbysLocked(failed.NodeID)
	m.mtx.RUnlock()

	for _, standby := range candidates {
		if err := m.send(ctx, standby.NodeID, transport.MessageFailoverAssignment, failed.SessionID, assignment); err != nil {
			logtrace.Warn(ctx, "standby did not take assignment", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				logtrace.FieldNodeID: standby.NodeID,
				logtrace.FieldError:  err.Error(),
			})
			out.Err = multierr.Append(out.Err, err)
			continue
		}
		if !m.activateStandby(standby.NodeID, failed) {
			continue
		}
		out.Action = ActionReplaced
		out.Replacement = standby.NodeID
		out.Err = nil

		logtrace.Info(ctx, "standby activated", logtrace.Fields{
			logtrace.FieldModule:    logPrefix,
			logtrace.FieldNodeID:    standby.NodeID,
			logtrace.FieldSessionID: failed.SessionID,
			"failed_node":           failed.NodeID,
		})
		m.bus.Publish(event.NewEvent(event.NodeReplacementActivated, logPrefix, failed.SessionID, standby.NodeID, map[string]interface{}{
			event.KeyFailedNode: failed.NodeID,
			event.KeyCapacity:   standby.Capacity,
		}))
		return out
	}

	out.Action = ActionRedistributed
	remaining := m.participants(failed.SessionID, failed.NodeID)
	notice := transport.RedistributePayload{FailedNodeID: failed.NodeID, ActiveNodes: remaining}
	for _, id := range remaining {
		if err := m.send(ctx, id, transport.MessageRedistributeWorkload, failed.SessionID, notice); err != nil {
			out.Err = multierr.Append(out.Err, err)
			continue
		}
		out.Notified = append(out.Notified, id)
	}

	logtrace.Warn(ctx, "no standby available, workload redistributed", logtrace.Fields{
		logtrace.FieldModule:    logPrefix,
		logtrace.FieldNodeID:    failed.NodeID,
		logtrace.FieldSessionID: failed.SessionID,
		logtrace.FieldCount:     len(out.Notified),
	})
	m.bus.Publish(event.NewEvent(event.WorkloadRedistributed, logPrefix, failed.SessionID, failed.NodeID, map[string]interface{}{
		event.KeyFailedNode: failed.NodeID,
		event.KeyRecipients: append([]string(nil), out.Notified...),
	}))
	return out
}

// standbysLocked returns the standbys ordered by capacity, highest first,
// ties broken by id
func (m *Manager) standbysLocked(exclude string) []FailoverNode {
	out := make([]FailoverNode, 0, len(m.failover))
	for id, f := range m.failover {
		if id == exclude {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capacity != out[j].Capacity {
			return out[i].Capacity > out[j].Capacity
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

func (m *Manager) activateStandby(standbyID string, failed NodeState) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	f, ok := m.failover[standbyID]
	if !ok {
		return false
	}
	delete(m.failover, standbyID)
	now := m.now()
	m.nodes[standbyID] = &NodeState{
		NodeID:        standbyID,
		Address:       f.Address,
		SessionID:     failed.SessionID,
		Status:        StatusActive,
		Capacity:      f.Capacity,
		LastHeartbeat: now,
		RegisteredAt:  f.RegisteredAt,
	}
	if n, ok := m.nodes[failed.NodeID]; ok {
		n.ReplacedBy = standbyID
	}
	return true
}

// participants returns the participating nodes of a session other than
// exclude. An empty session selects participants of every session.
func (m *Manager) participants(sessionID, exclude string) []string {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var out []string
	for id, n := range m.nodes {
		if id == exclude || !participating(n) || n.ReplacedBy != "" {
			continue
		}
		if sessionID != "" && n.SessionID != sessionID {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) send(ctx context.Context, to string, typ transport.MessageType, sessionID string, payload interface{}) error {
	if m.transport == nil {
		return errors.New("no transport configured")
	}
	msg, err := transport.NewMessage(typ, m.self, sessionID, payload)
	if err != nil {
		return err
	}
	msg.To = to
	if err := m.transport.Send(ctx, to, msg); err != nil {
		return errors.Wrapf(err, "send %s to %s", typ, to)
	}
	return nil
}
