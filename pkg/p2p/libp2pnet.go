package p2p

import (
	"context"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/condorder/pkg/vrf"
)

const (
	topicRequest     = "vrf-request"
	topicFulfillment = "vrf-fulfill"
	protocolFulfill  = protocol.ID("/condorder/fulfill/1.0.0")

	maxFulfillmentSize = 64 << 10
)

// Handlers receive inbound oracle traffic. Either may be nil.
type Handlers struct {
	// OnRequest runs on oracle nodes; from is the publishing peer
	OnRequest     func(ctx context.Context, from peer.ID, req vrf.Request)
	OnFulfillment func(ctx context.Context, f vrf.Fulfillment)
}

// Libp2pNet carries randomness requests from engine nodes to oracles and
// fulfillments back. Requests are gossiped; fulfillments go straight to the
// requesting peer over a stream, with gossip as the fallback.
type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	tRequest, tFulfill     *pubsub.Topic
	subRequest, subFulfill *pubsub.Subscription

	cancel context.CancelFunc

	muH      sync.RWMutex
	handlers Handlers
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	net := &Libp2pNet{h: h, ps: ps, log: cfg.Logger, cancel: cancel}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := net.joinTopics(); err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolFulfill, net.handleFulfillStream)

	go net.handleRequests(ctx)
	go net.handleFulfillments(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tRequest, err = n.ps.Join(topicRequest); err != nil {
		return err
	}
	if n.tFulfill, err = n.ps.Join(topicFulfillment); err != nil {
		return err
	}

	if n.subRequest, err = n.tRequest.Subscribe(); err != nil {
		return err
	}
	if n.subFulfill, err = n.tFulfill.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) SetHandlers(h Handlers) { n.muH.Lock(); n.handlers = h; n.muH.Unlock() }

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addrs returns dialable multiaddrs including the peer id
func (n *Libp2pNet) Addrs() []string {
	out := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		out = append(out, a.String()+"/p2p/"+n.h.ID().String())
	}
	return out
}

// Connect dials a peer by full multiaddr
func (n *Libp2pNet) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, n.h, addr)
}

// PublishRequest gossips a randomness request to oracle nodes
func (n *Libp2pNet) PublishRequest(ctx context.Context, req vrf.Request) error {
	data, err := encodeRequest(req)
	if err != nil {
		return err
	}
	return n.tRequest.Publish(ctx, data)
}

// PublishFulfillment gossips a fulfillment to every engine node
func (n *Libp2pNet) PublishFulfillment(ctx context.Context, f vrf.Fulfillment) error {
	data, err := encodeFulfillment(f)
	if err != nil {
		return err
	}
	return n.tFulfill.Publish(ctx, data)
}

// SendFulfillment delivers f to one peer over a stream. If the stream
// cannot be opened the fulfillment is gossiped instead.
func (n *Libp2pNet) SendFulfillment(ctx context.Context, to peer.ID, f vrf.Fulfillment) error {
	data, err := encodeFulfillment(f)
	if err != nil {
		return err
	}
	if to == "" || to == n.h.ID() {
		return n.tFulfill.Publish(ctx, data)
	}

	stream, err := n.h.NewStream(ctx, to, protocolFulfill)
	if err != nil {
		n.log.Debugw("fulfill_stream_failed", "peer", to.String(), "err", err)
		return n.tFulfill.Publish(ctx, data)
	}
	defer stream.Close()

	if _, err := stream.Write(data); err != nil {
		stream.Reset()
		return n.tFulfill.Publish(ctx, data)
	}
	return nil
}

func (n *Libp2pNet) Close() error {
	n.cancel()
	n.subRequest.Cancel()
	n.subFulfill.Cancel()
	return n.h.Close()
}

// inbound

func (n *Libp2pNet) handleRequests(ctx context.Context) {
	for {
		msg, err := n.subRequest.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == n.h.ID() {
			continue
		}
		req, err := decodeRequest(msg.Data)
		if err != nil {
			n.log.Debugw("request_decode_failed", "from", msg.GetFrom().String(), "err", err)
			continue
		}

		n.muH.RLock()
		h := n.handlers
		n.muH.RUnlock()
		if h.OnRequest != nil {
			h.OnRequest(ctx, msg.GetFrom(), req)
		}
	}
}

func (n *Libp2pNet) handleFulfillments(ctx context.Context) {
	for {
		msg, err := n.subFulfill.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == n.h.ID() {
			continue
		}
		f, err := decodeFulfillment(msg.Data)
		if err != nil {
			n.log.Debugw("fulfillment_decode_failed", "from", msg.GetFrom().String(), "err", err)
			continue
		}
		n.dispatchFulfillment(ctx, f)
	}
}

// handleFulfillStream receives a fulfillment sent directly by an oracle
func (n *Libp2pNet) handleFulfillStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(io.LimitReader(s, maxFulfillmentSize))
	if err != nil {
		return
	}
	f, err := decodeFulfillment(data)
	if err != nil {
		n.log.Debugw("fulfillment_decode_failed", "from", s.Conn().RemotePeer().String(), "err", err)
		return
	}
	n.dispatchFulfillment(context.Background(), f)
}

func (n *Libp2pNet) dispatchFulfillment(ctx context.Context, f vrf.Fulfillment) {
	n.muH.RLock()
	h := n.handlers
	n.muH.RUnlock()
	if h.OnFulfillment != nil {
		h.OnFulfillment(ctx, f)
	}
}
