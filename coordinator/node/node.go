// Package node assembles the pool services into a running node.
package node

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/LumeraProtocol/trainpool/coordinator/config"
	"github.com/LumeraProtocol/trainpool/coordinator/services/contribution"
	"github.com/LumeraProtocol/trainpool/coordinator/services/faulttolerance"
	"github.com/LumeraProtocol/trainpool/coordinator/services/reward"
	"github.com/LumeraProtocol/trainpool/p2p/kademlia"
	"github.com/LumeraProtocol/trainpool/pkg/errors"
	"github.com/LumeraProtocol/trainpool/pkg/event"
	"github.com/LumeraProtocol/trainpool/pkg/logtrace"
	"github.com/LumeraProtocol/trainpool/pkg/transport"
	"github.com/LumeraProtocol/trainpool/pkg/transport/overlay"
)

const (
	logPrefix           = "coordinator"
	statusLogInterval   = time.Minute
	defaultEventWorkers = 50
)

// Node is a pool coordinator: the DHT, the overlay transport and the
// contribution, fault tolerance and reward services wired together.
type Node struct {
	cfg  *config.Config
	self string

	network   *kademlia.TCPNetwork
	dht       *kademlia.DHT
	transport *overlay.Transport
	bus       *event.Bus

	tracker *contribution.Tracker
	ft      *faulttolerance.Manager
	ledger  *reward.Ledger
	rewards *reward.Distributor

	state      faulttolerance.StateSource
	settlement reward.Settlement
	resolver   reward.AddressResolver
	capacity   func(context.Context) (float64, error)
}

// NodeOption customizes a Node
type NodeOption func(*Node)

// WithStateSource sets where scheduled checkpoints take the training state from
func WithStateSource(s faulttolerance.StateSource) NodeOption {
	return func(n *Node) { n.state = s }
}

// WithSettlement pays rewards through s instead of the local ledger
func WithSettlement(s reward.Settlement) NodeOption {
	return func(n *Node) { n.settlement = s }
}

// WithAddressResolver maps node ids to payout addresses
func WithAddressResolver(r reward.AddressResolver) NodeOption {
	return func(n *Node) { n.resolver = r }
}

// NewNode builds every service from cfg. Nothing is started.
func NewNode(cfg *config.Config, opts ...NodeOption) (*Node, error) {
	if cfg == nil {
		return nil, errors.Invalid("nil config")
	}
	n := &Node{cfg: cfg, capacity: ProbeCapacity}
	for _, opt := range opts {
		opt(n)
	}

	id := kademlia.NewRandomID()
	if cfg.Node.ID != "" {
		parsed, err := kademlia.ParseID(cfg.Node.ID)
		if err != nil {
			return nil, errors.Wrap(err, "parse node id")
		}
		id = parsed
	}
	n.self = id.String()

	n.network = kademlia.NewTCPNetwork(cfg.ListenAddr(), cfg.RequestTimeout())
	dht, err := kademlia.NewDHT(cfg.DHTOptions(id, ""), n.network)
	if err != nil {
		return nil, errors.Wrap(err, "create dht")
	}
	n.dht = dht

	signer, err := newSigner(n.self, cfg.Node.KeySeed)
	if err != nil {
		return nil, err
	}
	n.transport = overlay.New(dht, signer)
	n.bus = event.NewBus(defaultEventWorkers)

	n.tracker = contribution.NewTracker(n.bus)
	n.ft = faulttolerance.NewManager(cfg.FaultToleranceOptions(), n.self, n.transport, dht, n.state, n.bus)

	if n.settlement == nil {
		if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath()), 0700); err != nil {
			return nil, errors.Wrap(err, "create ledger directory")
		}
		ledger, err := reward.OpenLedger(cfg.LedgerPath())
		if err != nil {
			return nil, err
		}
		n.ledger = ledger
		n.settlement = ledger
	}
	rewardOpts := []reward.Option{
		reward.WithTransport(n.transport, n.self),
		reward.WithAddressResolver(n.resolver),
		reward.WithBus(n.bus),
	}
	if n.ledger != nil {
		rewardOpts = append(rewardOpts, reward.WithDeadLetterSink(n.ledger))
	}
	n.rewards, err = reward.NewDistributor(cfg.RewardOptions(), n.tracker, n.settlement, rewardOpts...)
	if err != nil {
		_ = n.ledger.Close()
		return nil, err
	}
	return n, nil
}

func newSigner(nodeID, seed string) (*transport.Ed25519Signer, error) {
	if seed == "" {
		return transport.NewEd25519Signer(nodeID)
	}
	return transport.DeriveEd25519Signer(nodeID, []byte(seed))
}

// ID returns the hex node id used as the transport peer id
func (n *Node) ID() string { return n.self }

// DHT returns the routing layer
func (n *Node) DHT() *kademlia.DHT { return n.dht }

// Contributions returns the contribution tracker
func (n *Node) Contributions() *contribution.Tracker { return n.tracker }

// FaultTolerance returns the fault tolerance manager
func (n *Node) FaultTolerance() *faulttolerance.Manager { return n.ft }

// Rewards returns the reward distributor
func (n *Node) Rewards() *reward.Distributor { return n.rewards }

// Bus returns the event bus
func (n *Node) Bus() *event.Bus { return n.bus }

// Run starts the node and blocks until ctx is done or a component fails.
// All services are stopped before it returns.
func (n *Node) Run(ctx context.Context) error {
	ctx = logtrace.CtxWithCorrelationID(ctx, "node-"+n.self[:8])

	if err := n.dht.Start(ctx); err != nil {
		_ = n.close()
		return errors.Wrap(err, "start dht")
	}
	reached := n.dht.Bootstrap(ctx, n.cfg.Node.BootstrapPeers)
	logtrace.Info(ctx, "node started", logtrace.Fields{
		logtrace.FieldModule:  logPrefix,
		logtrace.FieldNodeID:  n.self,
		logtrace.FieldAddress: n.dht.Self().Address,
		"bootstrap_reached":   reached,
		"bootstrap_total":     len(n.cfg.Node.BootstrapPeers),
	})

	if n.cfg.Node.Standby {
		n.registerStandby(ctx)
	}
	n.ft.Start(ctx)
	n.rewards.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.dispatch(gctx) })
	g.Go(func() error { return n.reportStatus(gctx) })
	err := g.Wait()

	if cerr := n.close(); cerr != nil {
		logtrace.Warn(context.Background(), "node shutdown incomplete", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldError:  cerr.Error(),
		})
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) registerStandby(ctx context.Context) {
	capacity := n.cfg.Node.Capacity
	if capacity <= 0 {
		probed, err := n.capacity(ctx)
		if err != nil {
			logtrace.Warn(ctx, "capacity probe failed, not registering as standby", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				logtrace.FieldError:  err.Error(),
			})
			return
		}
		capacity = probed
	}
	if err := n.ft.RegisterFailoverNode(ctx, n.self, n.dht.Self().Address, capacity); err != nil {
		logtrace.Warn(ctx, "standby registration failed", logtrace.Fields{
			logtrace.FieldModule: logPrefix,
			logtrace.FieldError:  err.Error(),
		})
	}
}

// dispatch routes inbound transport notifications until ctx is done or the
// transport closes
func (n *Node) dispatch(ctx context.Context) error {
	inbound := n.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-inbound:
			if !ok {
				return nil
			}
			n.route(ctx, in)
		}
	}
}

// route hands one notification to the services. Metrics feed the tracker,
// a heartbeat carrying a session id enrolls an unknown peer, and everything
// reaches the fault tolerance manager.
func (n *Node) route(ctx context.Context, in transport.Inbound) {
	if msg := in.Message; in.Kind == transport.InboundMessage && msg != nil {
		switch msg.Type {
		case transport.MessageTrainingMetrics:
			n.recordMetrics(ctx, in.PeerID, msg)
		case transport.MessageHeartbeat:
			if _, err := n.ft.Node(in.PeerID); errors.IsNotFound(err) && msg.SessionID != "" {
				if err := n.ft.RegisterNode(ctx, in.PeerID, in.Address, msg.SessionID); err != nil {
					logtrace.Warn(ctx, "peer enrollment failed", logtrace.Fields{
						logtrace.FieldModule: logPrefix,
						logtrace.FieldPeer:   in.PeerID,
						logtrace.FieldError:  err.Error(),
					})
				}
			}
		}
	}
	n.ft.HandleInbound(ctx, in)
}

func (n *Node) recordMetrics(ctx context.Context, peerID string, msg *transport.Message) {
	var m transport.TrainingMetricsPayload
	err := msg.Decode(&m)
	if err == nil {
		_, err = n.tracker.RecordContribution(ctx, contribution.Contribution{
			NodeID:          peerID,
			SessionID:       msg.SessionID,
			ComputeTime:     m.ComputeTime,
			GradientQuality: m.GradientQuality,
			DataTransmitted: m.DataTransmitted,
			UptimeRatio:     m.UptimeRatio,
		})
	}
	if err != nil {
		logtrace.Warn(ctx, "training metrics rejected", logtrace.Fields{
			logtrace.FieldModule:    logPrefix,
			logtrace.FieldPeer:      peerID,
			logtrace.FieldSessionID: msg.SessionID,
			logtrace.FieldError:     err.Error(),
		})
	}
}

func (n *Node) reportStatus(ctx context.Context) error {
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats := n.dht.Stats(ctx)
			logtrace.Info(ctx, "node status", logtrace.Fields{
				logtrace.FieldModule: logPrefix,
				"peers":              stats.Peers,
				"dht_entries":        stats.Entries,
				"active_nodes":       len(n.ft.ActiveNodes()),
				"standby_nodes":      len(n.ft.FailoverNodes()),
				"sessions":           len(n.ft.MonitoredSessions()),
				"pending_payouts":    len(n.rewards.Pending()),
			})
		}
	}
}

func (n *Node) close() error {
	n.ft.Stop()
	n.rewards.Stop()
	err := n.transport.Close()
	n.dht.Stop()
	if n.ledger != nil {
		err = multierr.Append(err, n.ledger.Close())
	}
	n.bus.Close()
	return err
}
