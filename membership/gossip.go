package membership

import (
	"bytes"
	"context"
	"encoding/gob"
	"math"
	"sync"

	"github.com/containerd/log"
	"github.com/hashicorp/memberlist"
)

// Gossip is the external contract the core consumes for incremental
// membership dissemination (§6). Dissemination mechanics (peer selection,
// fan-out, retry) are the gossip layer's concern, not the core's; the core
// only spreads and listens.
type Gossip interface {
	SetClusterEndpoints(endpoints []Endpoint)
	Spread(ctx context.Context, msg Message) error
	Listen(ctx context.Context) (<-chan Message, error)
}

// gossipBroadcast adapts a Message to memberlist.Broadcast so a
// TransmitLimitedQueue can bound its retransmission count. Invalidates
// never supersedes a pending broadcast: each MembershipPayload delta set is
// independent, unlike memberlist's own coalescing use of the same queue.
type gossipBroadcast struct {
	encoded []byte
	done    func()
}

func (b *gossipBroadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b *gossipBroadcast) Message() []byte                       { return b.encoded }
func (b *gossipBroadcast) Finished() {
	if b.done != nil {
		b.done()
	}
}

// LoopbackGossip is a reference Gossip implementation for tests and small
// deployments that don't need a real network fabric: peers registered on
// the same GossipNetwork exchange messages in-process, with retransmission
// bounded by a memberlist.TransmitLimitedQueue exactly the way the teacher
// bounds table/network event rebroadcast in networkdb. This gives §8
// property 4 (bounded gossip amplification) a concrete, testable mechanism.
type LoopbackGossip struct {
	id  string
	net *GossipNetwork

	mu       sync.Mutex
	queue    memberlist.TransmitLimitedQueue
	numPeers int

	inbox chan Message
}

// GossipNetwork is a shared in-memory rendezvous point for LoopbackGossip
// instances, standing in for a real gossip fabric in tests.
type GossipNetwork struct {
	mu    sync.Mutex
	peers map[string]*LoopbackGossip
}

// NewGossipNetwork returns an empty loopback network.
func NewGossipNetwork() *GossipNetwork {
	return &GossipNetwork{peers: make(map[string]*LoopbackGossip)}
}

// Join registers id on the network and returns its Gossip handle.
func (n *GossipNetwork) Join(id string) *LoopbackGossip {
	g := &LoopbackGossip{id: id, net: n, inbox: make(chan Message, 256)}
	g.queue.RetransmitMult = 3
	g.queue.NumNodes = func() int {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.numPeers < 1 {
			return 1
		}
		return g.numPeers
	}
	n.mu.Lock()
	n.peers[id] = g
	n.mu.Unlock()
	n.broadcastPeerCount()
	return g
}

// Leave removes id from the network.
func (n *GossipNetwork) Leave(id string) {
	n.mu.Lock()
	delete(n.peers, id)
	n.mu.Unlock()
	n.broadcastPeerCount()
}

func (n *GossipNetwork) broadcastPeerCount() {
	n.mu.Lock()
	count := len(n.peers)
	peers := make([]*LoopbackGossip, 0, count)
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()
	for _, p := range peers {
		p.mu.Lock()
		p.numPeers = count
		p.mu.Unlock()
	}
}

func (n *GossipNetwork) snapshot(exclude string) []*LoopbackGossip {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*LoopbackGossip, 0, len(n.peers))
	for id, p := range n.peers {
		if id == exclude {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SetClusterEndpoints is a no-op for LoopbackGossip: fan-out target is
// simply "every other peer on the network", tracked by Join/Leave.
func (g *LoopbackGossip) SetClusterEndpoints(endpoints []Endpoint) {}

// Spread queues msg for retransmit-limited dissemination to every peer on
// the network and immediately delivers the first copy.
func (g *LoopbackGossip) Spread(ctx context.Context, msg Message) error {
	enc, err := encodeGossipMessage(msg)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.queue.QueueBroadcast(&gossipBroadcast{encoded: enc})
	g.mu.Unlock()
	g.drain(ctx)
	return nil
}

// drain pushes every currently-queued broadcast (each still under its
// retransmit budget) to every other peer's inbox. A production gossip
// layer would do this on a periodic tick and pick a random fan-out subset;
// LoopbackGossip does it eagerly and to everyone since it only needs to
// exercise the bounding behavior, not model network topology.
func (g *LoopbackGossip) drain(ctx context.Context) {
	g.mu.Lock()
	limit := int(math.Max(1, float64(g.queue.NumQueued())))
	msgs := g.queue.GetBroadcasts(0, limit*1024)
	g.mu.Unlock()

	peers := g.net.snapshot(g.id)
	for _, raw := range msgs {
		msg, err := decodeGossipMessage(raw)
		if err != nil {
			log.G(ctx).WithError(err).Warn("membership: dropping malformed gossip broadcast")
			continue
		}
		for _, p := range peers {
			select {
			case p.inbox <- msg:
			case <-ctx.Done():
				return
			default:
				log.G(ctx).Warn("membership: gossip peer inbox full, dropping broadcast")
			}
		}
	}
}

// Listen returns the channel of messages received from other peers.
func (g *LoopbackGossip) Listen(ctx context.Context) (<-chan Message, error) {
	return g.inbox, nil
}

func encodeGossipMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGossipMessage(raw []byte) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func init() {
	gob.Register(MembershipPayload{})
}
