package faulttolerance

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/event"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
)

// EncodingZstd marks zstd compressed model state
const EncodingZstd = "zstd"

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// CheckpointKey is the DHT key of a session's latest checkpoint marker
func CheckpointKey(sessionID string) string {
	return "checkpoint/" + sessionID + "/latest"
}

// StateHash returns the base58 blake3-256 digest of the model, optimizer
// and gradient aggregation state
func StateHash(s CheckpointState) string {
	h := blake3.New(32, nil)
	var size [8]byte
	for _, part := range [][]byte{s.ModelState, s.OptimizerState, s.GradientAggregation} {
		binary.BigEndian.PutUint64(size[:], uint64(len(part)))
		h.Write(size[:])
		h.Write(part)
	}
	return base58.Encode(h.Sum(nil))
}

// DecompressModelState returns the raw model state carried by p
func DecompressModelState(p *transport.ModelSyncPayload) ([]byte, error) {
	if p == nil {
		return nil, errors.Invalid("nil model sync payload")
	}
	switch p.Encoding {
	case "":
		return p.ModelState, nil
	case EncodingZstd:
		out, err := decoder.DecodeAll(p.ModelState, nil)
		if err != nil {
			return nil, errors.Wrap(err, "decompress model state")
		}
		return out, nil
	default:
		return nil, errors.Invalid("unsupported model state encoding %q", p.Encoding)
	}
}

func modelSync(cp *TrainingCheckpoint) *transport.ModelSyncPayload {
	return &transport.ModelSyncPayload{
		CheckpointID: cp.ID,
		Epoch:        cp.State.Epoch,
		Step:         cp.State.Step,
		StateHash:    cp.StateHash,
		ModelState:   encoder.EncodeAll(cp.State.ModelState, nil),
		Encoding:     EncodingZstd,

		GradientAggregation: cp.State.GradientAggregation,
	}
}

// StartMonitoring marks the session ongoing. Restarting an ended session
// keeps its checkpoints.
func (m *Manager) StartMonitoring(sessionID string) error {
	if sessionID == "" {
		return errors.Invalid("session id is required")
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{startedAt: m.now()}
		m.sessions[sessionID] = s
	}
	s.ongoing = true
	s.endedAt = time.Time{}
	return nil
}

// StopMonitoring ends the session. Its checkpoints stay available until
// the ended-session retention passes.
func (m *Manager) StopMonitoring(sessionID string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return errors.NotFound("session", sessionID)
	}
	if s.ongoing {
		s.ongoing = false
		s.endedAt = m.now()
	}
	return nil
}

// IsMonitoring reports whether the session is ongoing
func (m *Manager) IsMonitoring(sessionID string) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	s, ok := m.sessions[sessionID]
	return ok && s.ongoing
}

// MonitoredSessions returns the ongoing sessions, sorted
func (m *Manager) MonitoredSessions() []string {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var out []string
	for id, s := range m.sessions {
		if s.ongoing {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// EvictEndedSessions forgets sessions that ended more than the retention
// ago, with their checkpoints
func (m *Manager) EvictEndedSessions() int {
	cutoff := m.now().Add(-m.cfg.EndedSessionRetention)

	m.mtx.Lock()
	defer m.mtx.Unlock()

	evicted := 0
	for id, s := range m.sessions {
		if !s.ongoing && s.endedAt.Before(cutoff) {
			delete(m.sessions, id)
			evicted++
		}
	}
	return evicted
}

// CreateCheckpoint stores a checkpoint of the session, keeping only the
// newest MaxCheckpointsPerSession, and mirrors its hash into the store
func (m *Manager) CreateCheckpoint(ctx context.Context, sessionID string, state CheckpointState) (*TrainingCheckpoint, error) {
	if len(state.ModelState) == 0 {
		return nil, errors.Invalid("checkpoint of session %s has no model state", sessionID)
	}

	cp := &TrainingCheckpoint{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		State:     cloneState(state),
		StateHash: StateHash(state),
		CreatedAt: m.now(),
	}

	m.mtx.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mtx.Unlock()
		return nil, errors.NotFound("session", sessionID)
	}
	for id, n := range m.nodes {
		if n.SessionID == sessionID && participating(n) && n.ReplacedBy == "" {
			cp.ActiveNodes = append(cp.ActiveNodes, id)
			if cp.State.Participants == nil {
				cp.State.Participants = make(map[string]ParticipantState)
			}
			ps := cp.State.Participants[id]
			ps.LastHeartbeat = n.LastHeartbeat
			cp.State.Participants[id] = ps
		}
	}
	sort.Strings(cp.ActiveNodes)
	s.checkpoints = append(s.checkpoints, cp)
	if over := len(s.checkpoints) - m.cfg.MaxCheckpointsPerSession; over > 0 {
		s.checkpoints = append([]*TrainingCheckpoint(nil), s.checkpoints[over:]...)
	}
	m.mtx.Unlock()

	fields := logtrace.Fields{
		logtrace.FieldModule:       logPrefix,
		logtrace.FieldSessionID:    sessionID,
		logtrace.FieldCheckpointID: cp.ID,
		"epoch":                    state.Epoch,
		"step":                     state.Step,
	}
	if err := m.storeCheckpointMarker(ctx, cp); err != nil {
		logtrace.Warn(ctx, "checkpoint marker not stored", logtrace.WithFields(fields, logtrace.Fields{
			logtrace.FieldError: err.Error(),
		}))
	}
	logtrace.Info(ctx, "checkpoint created", fields)
	m.bus.Publish(event.NewEvent(event.CheckpointCreated, logPrefix, sessionID, "", map[string]interface{}{
		event.KeyCheckpointID: cp.ID,
		event.KeyStateHash:    cp.StateHash,
	}))

	out := *cp
	return &out, nil
}

func (m *Manager) storeCheckpointMarker(ctx context.Context, cp *TrainingCheckpoint) error {
	if m.store == nil {
		return nil
	}
	raw, err := json.Marshal(CheckpointMarker{
		CheckpointID: cp.ID,
		SessionID:    cp.SessionID,
		Epoch:        cp.State.Epoch,
		Step:         cp.State.Step,
		StateHash:    cp.StateHash,
		ActiveNodes:  cp.ActiveNodes,
		CreatedAt:    cp.CreatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "encode checkpoint marker")
	}
	_, err = m.store.Store(ctx, CheckpointKey(cp.SessionID), raw, m.cfg.CheckpointMarkerTTL)
	return err
}

// RemoteCheckpoint reads the latest checkpoint marker of a session from
// the store
func (m *Manager) RemoteCheckpoint(ctx context.Context, sessionID string) (*CheckpointMarker, error) {
	if m.store == nil {
		return nil, errors.NotFound("checkpoint marker", sessionID)
	}
	raw, err := m.store.Retrieve(ctx, CheckpointKey(sessionID))
	if err != nil {
		return nil, err
	}
	var marker CheckpointMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint marker")
	}
	return &marker, nil
}

// LatestCheckpoint returns the newest checkpoint of the session
func (m *Manager) LatestCheckpoint(sessionID string) (*TrainingCheckpoint, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok || len(s.checkpoints) == 0 {
		return nil, errors.NotFound("checkpoint", sessionID)
	}
	cp := *s.checkpoints[len(s.checkpoints)-1]
	return &cp, nil
}

// Checkpoints returns the retained checkpoints of the session, oldest first
func (m *Manager) Checkpoints(sessionID string) ([]TrainingCheckpoint, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.NotFound("session", sessionID)
	}
	out := make([]TrainingCheckpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, *cp)
	}
	return out, nil
}

// CheckpointAll snapshots every ongoing session through the state source
// and returns how many checkpoints were created
func (m *Manager) CheckpointAll(ctx context.Context) int {
	if m.state == nil {
		return 0
	}
	created := 0
	for _, id := range m.MonitoredSessions() {
		state, err := m.state.Snapshot(ctx, id)
		if err == nil {
			_, err = m.CreateCheckpoint(ctx, id, state)
		}
		if err != nil {
			logtrace.Warn(ctx, "scheduled checkpoint skipped", logtrace.Fields{
				logtrace.FieldModule:    logPrefix,
				logtrace.FieldSessionID: id,
				logtrace.FieldError:     err.Error(),
			})
			continue
		}
		created++
	}
	return created
}

func cloneState(s CheckpointState) CheckpointState {
	out := s
	out.ModelState = append([]byte(nil), s.ModelState...)
	if s.OptimizerState != nil {
		out.OptimizerState = append([]byte(nil), s.OptimizerState...)
	}
	if s.GradientAggregation != nil {
		out.GradientAggregation = append([]byte(nil), s.GradientAggregation...)
	}
	if s.Participants != nil {
		out.Participants = make(map[string]ParticipantState, len(s.Participants))
		for id, ps := range s.Participants {
			if ps.ShardCursor != nil {
				ps.ShardCursor = append([]byte(nil), ps.ShardCursor...)
			}
			out.Participants[id] = ps
		}
	}
	if s.Metrics != nil {
		out.Metrics = make(map[string]float64, len(s.Metrics))
		for k, v := range s.Metrics {
			out.Metrics[k] = v
		}
	}
	return out
}
