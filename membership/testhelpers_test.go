package membership

import (
	"context"
	"fmt"
	"sync"
)

// fakeFailureDetector is an in-memory FailureDetector test double, in the
// style of the teacher's dummy delegate test doubles (networkdb_test.go's
// mockDelegate): every call is recorded for assertions, and verdicts are
// injected by the test via inject.
type fakeFailureDetector struct {
	mu        sync.Mutex
	endpoints []Endpoint
	suspected []Endpoint
	trusted   []Endpoint

	events chan FDEvent
}

func newFakeFailureDetector() *fakeFailureDetector {
	return &fakeFailureDetector{events: make(chan FDEvent, 64)}
}

func (f *fakeFailureDetector) SetClusterEndpoints(endpoints []Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = append([]Endpoint(nil), endpoints...)
}

func (f *fakeFailureDetector) Suspect(endpoint Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspected = append(f.suspected, endpoint)
}

func (f *fakeFailureDetector) Trust(endpoint Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trusted = append(f.trusted, endpoint)
}

func (f *fakeFailureDetector) ListenStatus(ctx context.Context) (<-chan FDEvent, error) {
	return f.events, nil
}

func (f *fakeFailureDetector) inject(ev FDEvent) {
	f.events <- ev
}

func (f *fakeFailureDetector) clusterEndpoints() []Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Endpoint(nil), f.endpoints...)
}

// testTransportNetwork is an in-memory Transport fabric wiring named peers
// directly to each other's inbox, the same shape as the teacher's loopback
// dummyTransport helpers in networkdb_test.go.
type testTransportNetwork struct {
	mu    sync.Mutex
	peers map[string]*testTransport
}

func newTestTransportNetwork() *testTransportNetwork {
	return &testTransportNetwork{peers: make(map[string]*testTransport)}
}

func (n *testTransportNetwork) join(id string) *testTransport {
	tr := &testTransport{id: id, net: n, inbox: make(chan IncomingMessage, 64)}
	n.mu.Lock()
	n.peers[id] = tr
	n.mu.Unlock()
	return tr
}

func (n *testTransportNetwork) deliver(to string, im IncomingMessage) error {
	n.mu.Lock()
	peer, ok := n.peers[to]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("testTransportNetwork: no peer %q", to)
	}
	select {
	case peer.inbox <- im:
		return nil
	default:
		return fmt.Errorf("testTransportNetwork: peer %q inbox full", to)
	}
}

type testTransport struct {
	id    string
	net   *testTransportNetwork
	inbox chan IncomingMessage
}

func (t *testTransport) Listen(ctx context.Context) (<-chan IncomingMessage, error) {
	return t.inbox, nil
}

func (t *testTransport) Connect(ctx context.Context, endpoint Endpoint) (SessionHandle, error) {
	return &testSessionHandle{net: t.net, self: t.id, to: endpoint.ID}, nil
}

func (t *testTransport) Send(ctx context.Context, endpoint Endpoint, msg Message) error {
	return t.net.deliver(endpoint.ID, IncomingMessage{
		Endpoint: Endpoint{ID: t.id},
		Message:  msg,
	})
}

type testSessionHandle struct {
	net  *testTransportNetwork
	self string
	to   string
}

func (s *testSessionHandle) Send(ctx context.Context, msg Message) error {
	return s.net.deliver(s.to, IncomingMessage{Endpoint: Endpoint{ID: s.self}, Message: msg})
}

// fakeGossip is an in-memory Gossip test double that just records every
// spread payload for assertions, rather than actually disseminating.
type fakeGossip struct {
	mu        sync.Mutex
	endpoints []Endpoint
	spread    []MembershipPayload
	in        chan Message
}

func newFakeGossip() *fakeGossip {
	return &fakeGossip{in: make(chan Message, 64)}
}

func (g *fakeGossip) SetClusterEndpoints(endpoints []Endpoint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.endpoints = append([]Endpoint(nil), endpoints...)
}

func (g *fakeGossip) Spread(ctx context.Context, msg Message) error {
	p, ok := asMembershipPayload(msg.Data)
	if !ok {
		return fmt.Errorf("fakeGossip: unexpected payload type %T", msg.Data)
	}
	g.mu.Lock()
	g.spread = append(g.spread, p)
	g.mu.Unlock()
	return nil
}

func (g *fakeGossip) Listen(ctx context.Context) (<-chan Message, error) {
	return g.in, nil
}

func (g *fakeGossip) spreadCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.spread)
}
