// Package overlay implements transport.Transport on top of the DHT: peer ids
// are hex DHT node ids, messages ride the Deliver RPC and probes use Ping.
package overlay

import (
	"context"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/multierr"

	"github.com/LumeraProtocol/trainpool/p2p/kademlia"
	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
)

const defaultInboxSize = 1024

// Router is the part of the DHT the overlay needs
type Router interface {
	Self() *kademlia.PeerInfo
	Ping(ctx context.Context, address string) (*kademlia.PeerInfo, error)
	Deliver(ctx context.Context, to *kademlia.PeerInfo, payload []byte) error
	Resolve(ctx context.Context, id kademlia.NodeID) (*kademlia.PeerInfo, error)
	Peers() []*kademlia.PeerInfo
	SetDeliverySink(sink kademlia.DeliverySink)
}

// Transport sends signed JSON messages to DHT peers
type Transport struct {
	router Router
	signer transport.Signer

	mtx       sync.RWMutex
	connected map[string]string
	inbox     chan transport.Inbound
	closed    bool
}

var _ transport.Transport = (*Transport)(nil)

// New returns an overlay transport and installs it as the router's delivery sink
func New(router Router, signer transport.Signer) *Transport {
	t := &Transport{
		router:    router,
		signer:    signer,
		connected: make(map[string]string),
		inbox:     make(chan transport.Inbound, defaultInboxSize),
	}
	router.SetDeliverySink(t.deliver)
	return t
}

func (t *Transport) resolve(ctx context.Context, peerID string) (*kademlia.PeerInfo, error) {
	id, err := kademlia.ParseID(peerID)
	if err != nil {
		return nil, errors.Invalid("peer id %q: %v", peerID, err)
	}
	return t.router.Resolve(ctx, id)
}

// Send signs msg and delivers it to peerID
func (t *Transport) Send(ctx context.Context, peerID string, msg *transport.Message) error {
	if msg == nil {
		return errors.Invalid("nil message")
	}
	peer, err := t.resolve(ctx, peerID)
	if err != nil {
		return err
	}

	out := msg.Clone()
	out.To = peerID
	if err := t.signer.Sign(out); err != nil {
		return errors.Wrap(err, "sign message")
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}

	if err := t.router.Deliver(ctx, peer, payload); err != nil {
		t.markDisconnected(peerID, peer.Address)
		return errors.Wrapf(errors.ErrUnreachable, "deliver to %s: %v", peerID, err)
	}
	t.markConnected(peerID, peer.Address)
	return nil
}

// Broadcast sends msg to every routing-table peer
func (t *Transport) Broadcast(ctx context.Context, msg *transport.Message) error {
	var err error
	for _, p := range t.router.Peers() {
		err = multierr.Append(err, t.Send(ctx, p.ID.String(), msg))
	}
	return err
}

// Probe pings the peer and checks its identity
func (t *Transport) Probe(ctx context.Context, peerID string) error {
	peer, err := t.resolve(ctx, peerID)
	if err != nil {
		return err
	}
	got, err := t.router.Ping(ctx, peer.Address)
	if err != nil {
		return errors.Wrapf(errors.ErrUnreachable, "probe %s: %v", peerID, err)
	}
	if got.ID != peer.ID {
		return errors.Wrapf(errors.ErrUnreachable, "probe %s: address now served by %s", peerID, got.ID.Short())
	}
	return nil
}

// Connect pings address and records peerID as connected when it answers
func (t *Transport) Connect(ctx context.Context, peerID, address string) error {
	if address == "" {
		peer, err := t.resolve(ctx, peerID)
		if err != nil {
			return err
		}
		address = peer.Address
	}
	got, err := t.router.Ping(ctx, address)
	if err != nil {
		return errors.Wrapf(errors.ErrUnreachable, "connect %s: %v", peerID, err)
	}
	if got.ID.String() != peerID {
		return errors.Invalid("address %s belongs to %s, not %s", address, got.ID.String(), peerID)
	}
	t.markConnected(peerID, address)
	return nil
}

// Inbound returns the stream of inbound notifications
func (t *Transport) Inbound() <-chan transport.Inbound {
	return t.inbox
}

// Close stops delivery and closes the inbox
func (t *Transport) Close() error {
	t.router.SetDeliverySink(nil)
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if !t.closed {
		t.closed = true
		close(t.inbox)
	}
	return nil
}

// deliver is the DHT delivery sink
func (t *Transport) deliver(from *kademlia.PeerInfo, payload []byte) {
	ctx := context.Background()
	if from == nil {
		logtrace.Warn(ctx, "dropping overlay payload without sender", logtrace.Fields{
			logtrace.FieldModule: "transport",
		})
		return
	}
	var msg transport.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		logtrace.Warn(ctx, "dropping undecodable overlay payload", logtrace.Fields{
			logtrace.FieldModule: "transport",
			logtrace.FieldPeer:   from.String(),
			logtrace.FieldError:  err.Error(),
		})
		return
	}
	if msg.From != from.ID.String() {
		logtrace.Warn(ctx, "dropping message with mismatched sender", logtrace.Fields{
			logtrace.FieldModule: "transport",
			logtrace.FieldPeer:   from.String(),
			"claimed_sender":     msg.From,
		})
		return
	}
	if err := t.signer.Verify(&msg); err != nil {
		logtrace.Warn(ctx, "dropping message with bad signature", logtrace.Fields{
			logtrace.FieldModule: "transport",
			logtrace.FieldPeer:   from.String(),
			logtrace.FieldError:  err.Error(),
		})
		return
	}

	t.markConnected(msg.From, from.Address)
	t.push(transport.Inbound{
		Kind:    transport.InboundMessage,
		PeerID:  msg.From,
		Address: from.Address,
		Message: &msg,
	})
}

func (t *Transport) markConnected(peerID, address string) {
	t.mtx.Lock()
	_, known := t.connected[peerID]
	t.connected[peerID] = address
	t.mtx.Unlock()
	if !known {
		t.push(transport.Inbound{Kind: transport.InboundConnected, PeerID: peerID, Address: address})
	}
}

func (t *Transport) markDisconnected(peerID, address string) {
	t.mtx.Lock()
	_, known := t.connected[peerID]
	delete(t.connected, peerID)
	t.mtx.Unlock()
	if known {
		t.push(transport.Inbound{Kind: transport.InboundDisconnected, PeerID: peerID, Address: address})
	}
}

func (t *Transport) push(in transport.Inbound) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.inbox <- in:
	default:
		logtrace.Warn(context.Background(), "overlay inbox full, dropping notification", logtrace.Fields{
			logtrace.FieldModule:    "transport",
			logtrace.FieldPeer:      in.PeerID,
			logtrace.FieldEventType: in.Kind.String(),
		})
	}
}
