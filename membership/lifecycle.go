package membership

import (
	"context"
	"fmt"
	"sync"
)

// Service is the top-level membership service (§4.5): a MembershipTable
// wired to its Event Dispatcher and Sync Engine, driving the two external
// collaborators (FailureDetector, Gossip) over a Transport. New wires every
// component; start joins the cluster.
type Service struct {
	cfg       *Config
	transport Transport
	fd        FailureDetector
	gossip    Gossip

	table      *MembershipTable
	timers     *timerWheel
	hub        *observerHub
	dispatcher *dispatcher
	sync       *syncEngine

	mu      sync.Mutex
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and constructs a Service seeded with
// {cfg.Local, TRUSTED, cfg.LocalMetadata}. The service does not join the
// cluster until start is called.
func New(cfg *Config, transport Transport, fd FailureDetector, gossip Gossip) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	local := Member{Endpoint: cfg.Local, Status: TRUSTED, Metadata: cfg.LocalMetadata}
	table := newMembershipTable(local)
	timers := newTimerWheel()
	hub := newObserverHub()
	d := newDispatcher(table, timers, hub, fd, gossip, cfg)
	se := newSyncEngine(transport, table, d, cfg)

	return &Service{
		cfg:        cfg,
		transport:  transport,
		fd:         fd,
		gossip:     gossip,
		table:      table,
		timers:     timers,
		hub:        hub,
		dispatcher: d,
		sync:       se,
	}, nil
}

// Start wires the three input subscriptions (FD verdicts, incoming gossip,
// SYNC/SYNC-ACK over Transport) and triggers the Sync Engine (§4.5).
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errStopped
	}
	s.mu.Unlock()

	endpoints := s.table.trustedOrSuspectedEndpoints()
	s.fd.SetClusterEndpoints(endpoints)
	s.gossip.SetClusterEndpoints(endpoints)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	fdEvents, err := s.fd.ListenStatus(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("membership: failed to start failure detector listener: %w", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consumeFDEvents(runCtx, fdEvents)
	}()

	gossipIn, err := s.gossip.Listen(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("membership: failed to start gossip listener: %w", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consumeGossip(runCtx, gossipIn)
	}()

	s.sync.start(runCtx)
	return nil
}

func (s *Service) consumeFDEvents(ctx context.Context, in <-chan FDEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			s.dispatcher.handleFDEvent(ev)
		}
	}
}

func (s *Service) consumeGossip(ctx context.Context, in <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			s.dispatcher.handleGossip(ctx, msg)
		}
	}
}

// Leave broadcasts a single gossip payload declaring the local member
// SHUTDOWN and returns without waiting for the decay timer; peers are
// responsible for eventual removal (§4.5). Callers are expected to tear
// down the transport shortly after.
func (s *Service) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errStopped
	}
	s.mu.Unlock()

	s.dispatcher.submitWait(func() {
		delta := s.table.setLocalStatus(SHUTDOWN)
		s.dispatcher.applyDeltas(sourceSync, []tableDelta{delta})
	})
	return nil
}

// IsLocalMember reports whether m is the local node, by endpoint equality
// (ID only, see Endpoint) against the current local record (§4.5).
func (s *Service) IsLocalMember(m Member) bool {
	local, ok := s.table.get(s.cfg.Local.ID)
	return ok && local.Endpoint.ID == m.Endpoint.ID
}

// Members returns a snapshot of every currently known member, excluding
// REMOVED entries.
func (s *Service) Members() []Member {
	return s.table.asList()
}

// Get returns the member with the given id, or an error satisfying
// cerrdefs.IsNotFound if no such member is currently known.
func (s *Service) Get(id string) (Member, error) {
	m, ok := s.table.get(id)
	if !ok || m.Status == REMOVED {
		return Member{}, errMemberNotFound(id)
	}
	return m, nil
}

// Subscribe attaches a new Observer Hub subscription (§4.4).
func (s *Service) Subscribe(buffer int) *Subscription {
	return s.hub.subscribe(buffer)
}

// Stop tears the service down: stops the Sync Engine, drains the input
// subscriptions, and stops the Event Dispatcher (which itself drains
// in-flight merges before closing the Observer Hub and timer wheel). Safe
// to call more than once; only the first call has effect.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.sync.stop()
	s.wg.Wait()
	s.dispatcher.stop()
}
