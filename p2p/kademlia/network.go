package kademlia

import (
	"context"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
)

const defaultRequestTimeout = 5 * time.Second

// Handler serves inbound RPCs. The DHT implements it.
type Handler interface {
	Self() *PeerInfo
	HandlePing(ctx context.Context, sender *PeerInfo)
	HandleStore(ctx context.Context, sender *PeerInfo, entry *Entry) error
	HandleFindNode(ctx context.Context, sender *PeerInfo, target NodeID) []*PeerInfo
	HandleFindValue(ctx context.Context, sender *PeerInfo, key NodeID) (*Entry, []*PeerInfo)
	HandleDeliver(ctx context.Context, sender *PeerInfo, payload []byte) error
}

// Network carries peer-directed RPCs. Every call is independently fallible.
type Network interface {
	// Bind attaches the inbound handler. Must be called before Start.
	Bind(h Handler)
	Start(ctx context.Context) error
	Stop()

	// Ping contacts the peer at address and returns its identity
	Ping(ctx context.Context, address string) (*PeerInfo, error)
	StoreAt(ctx context.Context, to *PeerInfo, entry *Entry) error
	FindNode(ctx context.Context, to *PeerInfo, target NodeID) ([]*PeerInfo, error)
	// FindValue returns the entry when the peer holds it, otherwise its closest peers
	FindValue(ctx context.Context, to *PeerInfo, key NodeID) (*Entry, []*PeerInfo, error)
	Deliver(ctx context.Context, to *PeerInfo, payload []byte) error
}

// TCPNetwork implements Network with one gob-framed request/response per TCP
// connection.
type TCPNetwork struct {
	listenAddr string
	timeout    time.Duration

	mtx      sync.RWMutex
	handler  Handler
	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewTCPNetwork returns a network listening on listenAddr once started
func NewTCPNetwork(listenAddr string, timeout time.Duration) *TCPNetwork {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &TCPNetwork{
		listenAddr: listenAddr,
		timeout:    timeout,
		done:       make(chan struct{}),
	}
}

// Bind attaches the inbound handler
func (s *TCPNetwork) Bind(h Handler) {
	s.mtx.Lock()
	s.handler = h
	s.mtx.Unlock()
}

// Addr returns the bound listen address, useful when listening on port 0
func (s *TCPNetwork) Addr() string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.listener == nil {
		return s.listenAddr
	}
	return s.listener.Addr().String()
}

// Start opens the listener and serves inbound connections until Stop
func (s *TCPNetwork) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.listenAddr)
	}
	s.mtx.Lock()
	s.listener = ln
	s.mtx.Unlock()

	logtrace.Info(ctx, "DHT network listening", logtrace.Fields{
		logtrace.FieldModule:  "p2p",
		logtrace.FieldAddress: ln.Addr().String(),
	})

	s.wg.Add(1)
	go s.serve(ctx, ln)
	return nil
}

// Stop closes the listener and waits for in-flight handlers
func (s *TCPNetwork) Stop() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.mtx.RLock()
	ln := s.listener
	s.mtx.RUnlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
}

func (s *TCPNetwork) serve(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logtrace.Warn(ctx, "accept failed", logtrace.Fields{
				logtrace.FieldModule: "p2p",
				logtrace.FieldError:  err.Error(),
			})
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *TCPNetwork) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logtrace.Error(ctx, "inbound request handler panicked", logtrace.Fields{
				logtrace.FieldModule:     "p2p",
				logtrace.FieldPeer:       conn.RemoteAddr().String(),
				logtrace.FieldError:      r,
				logtrace.FieldStackTrace: string(debug.Stack()),
			})
		}
	}()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	request, err := decode(conn)
	if err != nil {
		logtrace.Debug(ctx, "decode request failed", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldPeer:   conn.RemoteAddr().String(),
			logtrace.FieldError:  err.Error(),
		})
		return
	}

	s.mtx.RLock()
	h := s.handler
	s.mtx.RUnlock()
	if h == nil {
		return
	}

	response := s.dispatch(ctx, h, request)
	data, err := encode(response)
	if err != nil {
		logtrace.Error(ctx, "encode response failed", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldError:  err.Error(),
		})
		return
	}
	if _, err := conn.Write(data); err != nil {
		logtrace.Debug(ctx, "write response failed", logtrace.Fields{
			logtrace.FieldModule: "p2p",
			logtrace.FieldError:  err.Error(),
		})
	}
}

func (s *TCPNetwork) dispatch(ctx context.Context, h Handler, request *Message) *Message {
	response := &Message{
		Sender:      h.Self(),
		Receiver:    request.Sender,
		MessageType: request.MessageType,
	}
	failed := func(err error) ResponseStatus {
		return ResponseStatus{Result: ResultFailed, ErrMsg: err.Error()}
	}
	if request.Sender == nil || request.Sender.ID.IsZero() {
		response.Data = &ResponseStatus{Result: ResultFailed, ErrMsg: "request without sender identity"}
		return response
	}

	switch request.MessageType {
	case Ping:
		h.HandlePing(ctx, request.Sender)
		response.Data = &PingResponse{Status: ResponseStatus{Result: ResultOk}}
	case StoreData:
		req, ok := request.Data.(*StoreDataRequest)
		if !ok || req.Entry == nil {
			response.Data = &StoreDataResponse{Status: failed(errors.New("invalid store request"))}
			break
		}
		status := ResponseStatus{Result: ResultOk}
		if err := h.HandleStore(ctx, request.Sender, req.Entry); err != nil {
			status = failed(err)
		}
		response.Data = &StoreDataResponse{Status: status}
	case FindNode:
		req, ok := request.Data.(*FindNodeRequest)
		if !ok {
			response.Data = &FindNodeResponse{Status: failed(errors.New("invalid find node request"))}
			break
		}
		response.Data = &FindNodeResponse{
			Status:  ResponseStatus{Result: ResultOk},
			Closest: h.HandleFindNode(ctx, request.Sender, req.Target),
		}
	case FindValue:
		req, ok := request.Data.(*FindValueRequest)
		if !ok {
			response.Data = &FindValueResponse{Status: failed(errors.New("invalid find value request"))}
			break
		}
		entry, closest := h.HandleFindValue(ctx, request.Sender, req.Key)
		response.Data = &FindValueResponse{
			Status:  ResponseStatus{Result: ResultOk},
			Entry:   entry,
			Closest: closest,
		}
	case Deliver:
		req, ok := request.Data.(*DeliverRequest)
		if !ok {
			response.Data = &DeliverResponse{Status: failed(errors.New("invalid deliver request"))}
			break
		}
		status := ResponseStatus{Result: ResultOk}
		if err := h.HandleDeliver(ctx, request.Sender, req.Payload); err != nil {
			status = failed(err)
		}
		response.Data = &DeliverResponse{Status: status}
	default:
		response.Data = &ResponseStatus{Result: ResultFailed, ErrMsg: errors.Errorf("unknown message type %d", request.MessageType).Error()}
	}
	return response
}

// call sends one request and waits for the response
func (s *TCPNetwork) call(ctx context.Context, address string, messageType int, data interface{}) (*Message, error) {
	s.mtx.RLock()
	h := s.handler
	s.mtx.RUnlock()
	if h == nil {
		return nil, errors.New("network has no handler bound")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload, err := encode(&Message{
		Sender:      h.Self(),
		MessageType: messageType,
		Data:        data,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, errors.Wrapf(err, "write request to %s", address)
	}

	response, err := decode(conn)
	if err != nil {
		return nil, errors.Wrapf(err, "read response from %s", address)
	}
	if response.Sender != nil {
		response.Sender.LastSeen = time.Now().UTC()
	}
	return response, nil
}

func statusErr(status ResponseStatus) error {
	if status.Result != ResultOk {
		return errors.Errorf("peer returned failure: %s", status.ErrMsg)
	}
	return nil
}

// Ping contacts the peer at address and returns its identity
func (s *TCPNetwork) Ping(ctx context.Context, address string) (*PeerInfo, error) {
	response, err := s.call(ctx, address, Ping, nil)
	if err != nil {
		return nil, err
	}
	v, ok := response.Data.(*PingResponse)
	if !ok {
		return nil, errors.Errorf("unexpected ping response %T", response.Data)
	}
	if err := statusErr(v.Status); err != nil {
		return nil, err
	}
	if response.Sender == nil {
		return nil, errors.New("ping response without sender")
	}
	return response.Sender, nil
}

// StoreAt asks the peer to store the entry
func (s *TCPNetwork) StoreAt(ctx context.Context, to *PeerInfo, entry *Entry) error {
	response, err := s.call(ctx, to.Address, StoreData, &StoreDataRequest{Entry: entry})
	if err != nil {
		return err
	}
	v, ok := response.Data.(*StoreDataResponse)
	if !ok {
		return errors.Errorf("unexpected store response %T", response.Data)
	}
	return statusErr(v.Status)
}

// FindNode asks the peer for its closest peers to target
func (s *TCPNetwork) FindNode(ctx context.Context, to *PeerInfo, target NodeID) ([]*PeerInfo, error) {
	response, err := s.call(ctx, to.Address, FindNode, &FindNodeRequest{Target: target})
	if err != nil {
		return nil, err
	}
	v, ok := response.Data.(*FindNodeResponse)
	if !ok {
		return nil, errors.Errorf("unexpected find node response %T", response.Data)
	}
	if err := statusErr(v.Status); err != nil {
		return nil, err
	}
	return v.Closest, nil
}

// FindValue asks the peer for the entry under key
func (s *TCPNetwork) FindValue(ctx context.Context, to *PeerInfo, key NodeID) (*Entry, []*PeerInfo, error) {
	response, err := s.call(ctx, to.Address, FindValue, &FindValueRequest{Key: key})
	if err != nil {
		return nil, nil, err
	}
	v, ok := response.Data.(*FindValueResponse)
	if !ok {
		return nil, nil, errors.Errorf("unexpected find value response %T", response.Data)
	}
	if err := statusErr(v.Status); err != nil {
		return nil, nil, err
	}
	return v.Entry, v.Closest, nil
}

// Deliver hands an application payload to the peer
func (s *TCPNetwork) Deliver(ctx context.Context, to *PeerInfo, payload []byte) error {
	response, err := s.call(ctx, to.Address, Deliver, &DeliverRequest{Payload: payload})
	if err != nil {
		return err
	}
	v, ok := response.Data.(*DeliverResponse)
	if !ok {
		return errors.Errorf("unexpected deliver response %T", response.Data)
	}
	return statusErr(v.Status)
}
