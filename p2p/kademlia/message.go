package kademlia

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
)

const (
	// Ping checks that the target is alive
	Ping = iota
	// StoreData stores an entry at the target
	StoreData
	// FindNode asks the target for its closest peers to a key
	FindNode
	// FindValue asks the target for a value, or its closest peers
	FindValue
	// Deliver hands an opaque application payload to the target
	Deliver
)

// maxMessageSize bounds a single framed message
const maxMessageSize = 64 * 1024 * 1024

func init() {
	gob.Register(&ResponseStatus{})
	gob.Register(&PingResponse{})
	gob.Register(&FindNodeRequest{})
	gob.Register(&FindNodeResponse{})
	gob.Register(&FindValueRequest{})
	gob.Register(&FindValueResponse{})
	gob.Register(&StoreDataRequest{})
	gob.Register(&StoreDataResponse{})
	gob.Register(&DeliverRequest{})
	gob.Register(&DeliverResponse{})
}

// Message is the envelope exchanged between DHT peers
type Message struct {
	Sender      *PeerInfo   // the sender node
	Receiver    *PeerInfo   // the receiver node
	MessageType int         // the message type
	Data        interface{} // the real data for the request
}

func (m *Message) String() string {
	return fmt.Sprintf("type: %v, sender: %v, receiver: %v, data type: %T", m.MessageType, m.Sender, m.Receiver, m.Data)
}

// ResultType reports whether a request succeeded
type ResultType int

const (
	// ResultOk marks a handled request
	ResultOk ResultType = 0
	// ResultFailed marks a rejected or failed request
	ResultFailed ResultType = 1
)

// ResponseStatus carries the outcome of a request
type ResponseStatus struct {
	Result ResultType
	ErrMsg string
}

// PingResponse carries nothing beyond the status; the sender field identifies the peer
type PingResponse struct {
	Status ResponseStatus
}

// FindNodeRequest asks a peer for its closest peers to Target
type FindNodeRequest struct {
	Target NodeID
}

// FindNodeResponse lists the closest peers the responder knows
type FindNodeResponse struct {
	Status  ResponseStatus
	Closest []*PeerInfo
}

// FindValueRequest asks a peer for the entry stored under Key
type FindValueRequest struct {
	Key NodeID
}

// FindValueResponse holds the entry, or closer peers when it is absent
type FindValueResponse struct {
	Status  ResponseStatus
	Entry   *Entry
	Closest []*PeerInfo
}

// StoreDataRequest replicates an entry onto a peer
type StoreDataRequest struct {
	Entry *Entry
}

// StoreDataResponse acknowledges a replicated entry
type StoreDataResponse struct {
	Status ResponseStatus
}

// DeliverRequest carries an application payload for the overlay transport
type DeliverRequest struct {
	Payload []byte
}

// DeliverResponse acknowledges a delivered payload
type DeliverResponse struct {
	Status ResponseStatus
}

// encode builds the on-wire message: an 8-byte header holding the uvarint
// payload length, followed by the gob payload.
func encode(message *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(message); err != nil {
		return nil, err
	}
	if buf.Len() > maxMessageSize {
		return nil, errors.Errorf("message size %d exceeds maximum", buf.Len())
	}

	var header [8]byte
	binary.PutUvarint(header[:], uint64(buf.Len()))
	out := make([]byte, 0, len(header)+buf.Len())
	out = append(out, header[:]...)
	out = append(out, buf.Bytes()...)
	return out, nil
}

// decode reads one framed message
func decode(conn io.Reader) (*Message, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}

	length, err := binary.ReadUvarint(bytes.NewBuffer(header))
	if err != nil {
		return nil, errors.Wrap(err, "parse header length")
	}
	if length > maxMessageSize {
		return nil, errors.Errorf("message size %d exceeds maximum", length)
	}

	lr := &io.LimitedReader{R: conn, N: int64(length)}
	msg := &Message{}
	if err := gob.NewDecoder(lr).Decode(msg); err != nil {
		return nil, err
	}
	// keep the stream aligned if gob did not consume the whole frame
	if lr.N > 0 {
		_, _ = io.CopyN(io.Discard, lr, lr.N)
	}
	return msg, nil
}
