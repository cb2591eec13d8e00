// Package transport defines the peer messaging capability used by the
// coordination services, along with message signing.
package transport

import (
	"context"
)

// InboundKind classifies what the transport observed
type InboundKind int

const (
	// InboundMessage carries an application message from a peer
	InboundMessage InboundKind = iota
	// InboundConnected reports a peer connection
	InboundConnected
	// InboundDisconnected reports a lost peer connection
	InboundDisconnected
)

func (k InboundKind) String() string {
	switch k {
	case InboundMessage:
		return "message"
	case InboundConnected:
		return "connected"
	case InboundDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Inbound is one notification delivered by a Transport
type Inbound struct {
	Kind    InboundKind
	PeerID  string
	Address string
	Message *Message
}

// Transport delivers signed messages between pool nodes. Every call is
// independently fallible and a failure concerns only the addressed peer.
type Transport interface {
	// Send delivers msg to a single peer
	Send(ctx context.Context, peerID string, msg *Message) error
	// Broadcast delivers msg to every connected peer
	Broadcast(ctx context.Context, msg *Message) error
	// Probe checks that the peer answers
	Probe(ctx context.Context, peerID string) error
	// Connect (re)establishes a connection to the peer at address
	Connect(ctx context.Context, peerID, address string) error
	// Inbound returns the stream of inbound notifications
	Inbound() <-chan Inbound
	Close() error
}
