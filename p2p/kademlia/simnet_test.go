package kademlia

import (
	"context"
	"fmt"
	"sync"
)

// simHub connects simulated networks in memory
type simHub struct {
	mu    sync.RWMutex
	nodes map[string]*simNetwork
}

func newSimHub() *simHub {
	return &simHub{nodes: make(map[string]*simNetwork)}
}

func (h *simHub) newNetwork(address string) *simNetwork {
	n := &simNetwork{hub: h, address: address}
	h.mu.Lock()
	h.nodes[address] = n
	h.mu.Unlock()
	return n
}

func (h *simHub) lookup(address string) (*simNetwork, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[address]
	return n, ok
}

type simNetwork struct {
	hub     *simHub
	address string

	mu      sync.RWMutex
	handler Handler
	down    bool
	calls   int
}

func (n *simNetwork) Bind(h Handler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

func (n *simNetwork) Start(context.Context) error { return nil }

func (n *simNetwork) Stop() {}

func (n *simNetwork) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *simNetwork) self() *PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.handler.Self()
}

func (n *simNetwork) target(address string) (Handler, error) {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()

	peer, ok := n.hub.lookup(address)
	if !ok {
		return nil, fmt.Errorf("dial %s: no such host", address)
	}
	peer.mu.RLock()
	defer peer.mu.RUnlock()
	if peer.down || peer.handler == nil {
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}
	return peer.handler, nil
}

func (n *simNetwork) Ping(ctx context.Context, address string) (*PeerInfo, error) {
	h, err := n.target(address)
	if err != nil {
		return nil, err
	}
	h.HandlePing(ctx, n.self())
	return h.Self(), nil
}

func (n *simNetwork) StoreAt(ctx context.Context, to *PeerInfo, entry *Entry) error {
	h, err := n.target(to.Address)
	if err != nil {
		return err
	}
	return h.HandleStore(ctx, n.self(), entry)
}

func (n *simNetwork) FindNode(ctx context.Context, to *PeerInfo, target NodeID) ([]*PeerInfo, error) {
	h, err := n.target(to.Address)
	if err != nil {
		return nil, err
	}
	return h.HandleFindNode(ctx, n.self(), target), nil
}

func (n *simNetwork) FindValue(ctx context.Context, to *PeerInfo, key NodeID) (*Entry, []*PeerInfo, error) {
	h, err := n.target(to.Address)
	if err != nil {
		return nil, nil, err
	}
	e, closest := h.HandleFindValue(ctx, n.self(), key)
	return e, closest, nil
}

func (n *simNetwork) Deliver(ctx context.Context, to *PeerInfo, payload []byte) error {
	h, err := n.target(to.Address)
	if err != nil {
		return err
	}
	return h.HandleDeliver(ctx, n.self(), payload)
}
