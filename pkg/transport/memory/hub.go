// Package memory is an in-process transport. Endpoints attached to the same
// Hub exchange signed messages through buffered inboxes; peers can be marked
// unreachable to simulate failures.
package memory

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
)

const defaultInboxSize = 256

// Hub routes messages between endpoints
type Hub struct {
	mtx         sync.RWMutex
	endpoints   map[string]*Endpoint
	unreachable map[string]bool
	inboxSize   int
}

// NewHub returns an empty hub
func NewHub() *Hub {
	return &Hub{
		endpoints:   make(map[string]*Endpoint),
		unreachable: make(map[string]bool),
		inboxSize:   defaultInboxSize,
	}
}

// Attach creates the endpoint for signer.NodeID() at address
func (h *Hub) Attach(signer transport.Signer, address string) (*Endpoint, error) {
	id := signer.NodeID()
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if _, ok := h.endpoints[id]; ok {
		return nil, errors.Invalid("endpoint %s already attached", id)
	}
	ep := &Endpoint{
		hub:       h,
		id:        id,
		address:   address,
		signer:    signer,
		inbox:     make(chan transport.Inbound, h.inboxSize),
		connected: make(map[string]string),
	}
	h.endpoints[id] = ep
	return ep, nil
}

// SetUnreachable makes every call addressed to peerID fail
func (h *Hub) SetUnreachable(peerID string, unreachable bool) {
	h.mtx.Lock()
	if unreachable {
		h.unreachable[peerID] = true
	} else {
		delete(h.unreachable, peerID)
	}
	h.mtx.Unlock()
}

// Disconnect drops the link between a and b and notifies both sides
func (h *Hub) Disconnect(a, b string) {
	epA, okA := h.endpoint(a)
	epB, okB := h.endpoint(b)
	if okA && okB {
		epA.dropLink(b, epB.address)
		epB.dropLink(a, epA.address)
	}
}

func (h *Hub) endpoint(id string) (*Endpoint, bool) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	ep, ok := h.endpoints[id]
	return ep, ok
}

func (h *Hub) reachable(id string) (*Endpoint, error) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	ep, ok := h.endpoints[id]
	if !ok {
		return nil, errors.NotFound("peer", id)
	}
	if h.unreachable[id] || ep.isClosed() {
		return nil, errors.Wrapf(errors.ErrUnreachable, "peer %s", id)
	}
	return ep, nil
}

func (h *Hub) detach(id string) {
	h.mtx.Lock()
	delete(h.endpoints, id)
	h.mtx.Unlock()
}

// Endpoint is one node's view of the hub. It implements transport.Transport.
type Endpoint struct {
	hub     *Hub
	id      string
	address string
	signer  transport.Signer

	mtx       sync.RWMutex
	connected map[string]string // peer id -> address
	inbox     chan transport.Inbound
	closed    bool
}

var _ transport.Transport = (*Endpoint)(nil)

// ID returns the endpoint's node id
func (e *Endpoint) ID() string {
	return e.id
}

// Send signs msg and delivers it to peerID
func (e *Endpoint) Send(ctx context.Context, peerID string, msg *transport.Message) error {
	if msg == nil {
		return errors.Invalid("nil message")
	}
	target, err := e.hub.reachable(peerID)
	if err != nil {
		return err
	}
	out := msg.Clone()
	out.To = peerID
	if err := e.signer.Sign(out); err != nil {
		return errors.Wrap(err, "sign message")
	}
	return target.receive(ctx, e, out)
}

// Broadcast sends msg to every connected peer. Failures of individual peers
// are combined into the returned error.
func (e *Endpoint) Broadcast(ctx context.Context, msg *transport.Message) error {
	var err error
	for _, peerID := range e.Peers() {
		err = multierr.Append(err, e.Send(ctx, peerID, msg))
	}
	return err
}

// Probe checks that the peer answers
func (e *Endpoint) Probe(ctx context.Context, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := e.hub.reachable(peerID)
	return err
}

// Connect links the endpoint with peerID and notifies both sides
func (e *Endpoint) Connect(ctx context.Context, peerID, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := e.hub.reachable(peerID)
	if err != nil {
		return err
	}
	if address == "" {
		address = target.address
	}
	e.addLink(peerID, address)
	target.addLink(e.id, e.address)
	return nil
}

// Peers returns the connected peer ids, sorted
func (e *Endpoint) Peers() []string {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	out := make([]string, 0, len(e.connected))
	for id := range e.connected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Inbound returns the stream of inbound notifications
func (e *Endpoint) Inbound() <-chan transport.Inbound {
	return e.inbox
}

// Close detaches the endpoint and closes its inbox
func (e *Endpoint) Close() error {
	e.mtx.Lock()
	if e.closed {
		e.mtx.Unlock()
		return nil
	}
	e.closed = true
	close(e.inbox)
	e.mtx.Unlock()
	e.hub.detach(e.id)
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.closed
}

func (e *Endpoint) addLink(peerID, address string) {
	e.mtx.Lock()
	_, known := e.connected[peerID]
	e.connected[peerID] = address
	e.mtx.Unlock()
	if !known {
		e.notify(transport.Inbound{Kind: transport.InboundConnected, PeerID: peerID, Address: address})
	}
}

func (e *Endpoint) dropLink(peerID, address string) {
	e.mtx.Lock()
	_, known := e.connected[peerID]
	delete(e.connected, peerID)
	e.mtx.Unlock()
	if known {
		e.notify(transport.Inbound{Kind: transport.InboundDisconnected, PeerID: peerID, Address: address})
	}
}

// receive verifies msg and queues it. The sender is linked implicitly.
func (e *Endpoint) receive(ctx context.Context, from *Endpoint, msg *transport.Message) error {
	if err := e.signer.Verify(msg); err != nil {
		logtrace.Warn(ctx, "dropping message with bad signature", logtrace.Fields{
			logtrace.FieldModule: "transport",
			logtrace.FieldPeer:   msg.From,
			logtrace.FieldError:  err.Error(),
		})
		return err
	}
	e.mtx.Lock()
	if _, ok := e.connected[from.id]; !ok {
		e.connected[from.id] = from.address
	}
	e.mtx.Unlock()

	in := transport.Inbound{Kind: transport.InboundMessage, PeerID: msg.From, Address: from.address, Message: msg}
	if !e.notify(in) {
		return errors.Errorf("inbox of %s is full", e.id)
	}
	return nil
}

// notify queues in without blocking and reports whether it was queued
func (e *Endpoint) notify(in transport.Inbound) bool {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.inbox <- in:
		return true
	default:
		return false
	}
}
