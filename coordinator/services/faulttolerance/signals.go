package faulttolerance

import (
	"context"
	"fmt"

	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
)

// ObserveGradient classifies a gradient submission. Invalid gradients
// report INVALID_GRADIENT and gradients below the quality threshold report
// LOW_QUALITY. Either way the submission counts as a sign of life.
func (m *Manager) ObserveGradient(ctx context.Context, nodeID string, valid bool, quality float64) (*RecoveryOutcome, error) {
	if err := m.Heartbeat(nodeID); err != nil {
		return nil, err
	}
	switch {
	case !valid:
		return m.ReportFailure(ctx, NodeFailure{
			NodeID: nodeID,
			Type:   FailureInvalidGradient,
			Reason: "gradient rejected by validation",
		})
	case quality < m.cfg.LowQualityThreshold:
		return m.ReportFailure(ctx, NodeFailure{
			NodeID:  nodeID,
			Type:    FailureLowQuality,
			Quality: quality,
			Reason:  fmt.Sprintf("gradient quality %.1f", quality),
		})
	}
	return nil, nil
}

// HandleInbound feeds a transport notification into health tracking.
// Notifications about unknown peers are ignored.
func (m *Manager) HandleInbound(ctx context.Context, in transport.Inbound) {
	var err error
	switch in.Kind {
	case transport.InboundConnected:
		if m.known(in.PeerID) {
			err = m.RegisterNode(ctx, in.PeerID, in.Address, "")
		}

	case transport.InboundDisconnected:
		if m.known(in.PeerID) && !m.IsQuarantined(in.PeerID) {
			_, err = m.ReportFailure(ctx, NodeFailure{
				NodeID: in.PeerID,
				Type:   FailureDisconnect,
				Reason: "transport reported disconnect",
			})
		}

	case transport.InboundMessage:
		if in.Message == nil || !m.known(in.PeerID) {
			return
		}
		err = m.handleMessage(ctx, in.PeerID, in.Message)
	}

	if err != nil {
		logtrace.Warn(ctx, "inbound signal not handled", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldPeer:   in.PeerID,
			"kind":               in.Kind.String(),
			logtrace.FieldError:  err.Error(),
		})
	}
}

func (m *Manager) handleMessage(ctx context.Context, peerID string, msg *transport.Message) error {
	switch msg.Type {
	case transport.MessageHeartbeat:
		var hb transport.HeartbeatPayload
		if len(msg.Payload) > 0 {
			if err := msg.Decode(&hb); err != nil {
				return err
			}
		}
		if hb.Address != "" || msg.SessionID != "" {
			return m.RegisterNode(ctx, peerID, hb.Address, msg.SessionID)
		}
		return m.Heartbeat(peerID)

	case transport.MessageGradientSubmission:
		var g transport.GradientPayload
		if err := msg.Decode(&g); err != nil {
			return err
		}
		_, err := m.ObserveGradient(ctx, peerID, g.Valid, g.Quality)
		return err

	case transport.MessageTrainingMetrics:
		var tm transport.TrainingMetricsPayload
		if err := msg.Decode(&tm); err != nil {
			return err
		}
		_, err := m.ObserveGradient(ctx, peerID, true, tm.GradientQuality)
		return err
	}
	return m.Heartbeat(peerID)
}

func (m *Manager) known(nodeID string) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	_, ok := m.nodes[nodeID]
	return ok
}
