package membership

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"
)

// syncEngine drives the SYNC/SYNC-ACK anti-entropy exchange (§4.2): an
// initial parallel fan-out to every seed, followed by a periodic running
// phase that samples one seed uniformly at random each tick. Every SYNC it
// sends carries a fresh correlation id; SYNC-ACKs are matched back to their
// waiter by that id alone, so stragglers from an earlier tick can never
// corrupt a later one.
type syncEngine struct {
	transport  Transport
	table      *MembershipTable
	dispatcher *dispatcher
	cfg        *Config
	corr       correlationCounter
	rng        *rand.Rand

	mu      sync.Mutex
	pending map[string]chan MembershipPayload

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newSyncEngine(transport Transport, table *MembershipTable, dispatcher *dispatcher, cfg *Config) *syncEngine {
	return &syncEngine{
		transport:  transport,
		table:      table,
		dispatcher: dispatcher,
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:    make(map[string]chan MembershipPayload),
	}
}

// start launches the listen loop, runs the initial phase inline, and then
// launches the running-phase ticker before returning (§4.2: the initial
// phase either merges a SYNC-ACK or silently times out before the service
// is considered up).
func (e *syncEngine) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	incoming, err := e.transport.Listen(runCtx)
	if err != nil {
		log.G(ctx).WithError(err).Error("membership: transport listen failed")
	} else {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.listen(runCtx, incoming)
		}()
	}

	e.initialSync(runCtx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runPeriodic(runCtx)
	}()
}

func (e *syncEngine) stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
	})
	e.wg.Wait()
}

func (e *syncEngine) register(id string) chan MembershipPayload {
	ch := make(chan MembershipPayload, 1)
	e.mu.Lock()
	e.pending[id] = ch
	e.mu.Unlock()
	return ch
}

func (e *syncEngine) unregister(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *syncEngine) sendSync(ctx context.Context, endpoint Endpoint, correlationID string) error {
	msg := encodeSyncMessage(QualifierSync, correlationID, e.table.snapshotPayload(e.cfg.SyncGroup))
	return e.transport.Send(ctx, endpoint, msg)
}

// initialSync fans a single fresh-correlation SYNC out to every configured
// seed in parallel and waits for the first matching SYNC-ACK, or for
// syncTimeout to elapse. Connection failures to individual seeds are logged
// but never fail the phase (§4.2).
func (e *syncEngine) initialSync(ctx context.Context) {
	if len(e.cfg.SeedMembers) == 0 {
		return
	}
	id := e.corr.next()
	ch := e.register(id)
	defer e.unregister(id)

	timeoutCtx, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(timeoutCtx)
	for _, seed := range e.cfg.SeedMembers {
		seed := seed
		g.Go(func() error {
			if err := e.sendSync(gctx, seed, id); err != nil {
				log.G(ctx).WithError(err).Debugf("membership: initial SYNC to %s failed", seed)
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case p := <-ch:
		e.dispatcher.handleSync(p)
	case <-timeoutCtx.Done():
		// Silently proceed on timeout (§4.2).
	}
}

func (e *syncEngine) runPeriodic(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick picks one seed uniformly at random and sends it a fresh-correlation
// SYNC. Waiting for the SYNC-ACK happens on its own goroutine so a slow or
// lost reply never delays the next tick; only one outstanding SYNC per tick
// is required, and correlation ids keep overlapping waits from colliding
// (§4.2).
func (e *syncEngine) tick(ctx context.Context) {
	seeds := e.cfg.SeedMembers
	if len(seeds) == 0 {
		return
	}
	target := pickSeed(seeds, e.rng)
	id := e.corr.next()
	ch := e.register(id)

	go func() {
		defer e.unregister(id)
		timeoutCtx, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
		defer cancel()
		select {
		case p := <-ch:
			e.dispatcher.handleSync(p)
		case <-timeoutCtx.Done():
			log.G(ctx).Info("membership: SYNC-ACK timed out, next tick will retry")
		}
	}()

	if err := e.sendSync(ctx, target, id); err != nil {
		log.G(ctx).WithError(err).Debugf("membership: SYNC to %s failed", target)
	}
}

// pickSeed chooses uniformly at random among seeds — the Go-native shape of
// §4.2's running-phase selection rule. Factored out so it can be driven
// with a seeded *rand.Rand under test (see TestPickSeedDistribution).
func pickSeed(seeds []Endpoint, r *rand.Rand) Endpoint {
	return seeds[r.Intn(len(seeds))]
}

// listen demultiplexes every inbound message by qualifier: SYNC is merged
// and answered with a SYNC-ACK; SYNC-ACK is routed to whichever tick or
// initial-phase call is still waiting on its correlation id, if any.
func (e *syncEngine) listen(ctx context.Context, incoming <-chan IncomingMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case im, ok := <-incoming:
			if !ok {
				return
			}
			e.route(ctx, im)
		}
	}
}

func (e *syncEngine) route(ctx context.Context, im IncomingMessage) {
	switch im.Message.qualifier() {
	case QualifierSync:
		e.handleSyncRequest(ctx, im)
	case QualifierSyncAck:
		e.handleSyncAck(ctx, im)
	}
}

// handleSyncRequest implements the SYNC handler (§4.2): merge, then always
// reply with the merged local snapshot under the same correlation id and
// syncGroup — except when syncGroup itself doesn't match, in which case the
// message is filtered out before merge and no reply is sent at all (S6).
func (e *syncEngine) handleSyncRequest(ctx context.Context, im IncomingMessage) {
	p, ok := asMembershipPayload(im.Message.Data)
	if !ok {
		log.G(ctx).Warnf("membership: dropping SYNC with unexpected payload type %T", im.Message.Data)
		return
	}
	if p.SyncGroup != e.cfg.SyncGroup {
		return
	}
	e.dispatcher.handleSync(p)

	reply := encodeSyncMessage(QualifierSyncAck, im.Message.correlationID(), e.table.snapshotPayload(e.cfg.SyncGroup))
	if err := e.transport.Send(ctx, im.Endpoint, reply); err != nil {
		log.G(ctx).WithError(err).Debugf("membership: failed to send SYNC-ACK to %s", im.Endpoint)
	}
}

func (e *syncEngine) handleSyncAck(ctx context.Context, im IncomingMessage) {
	p, ok := asMembershipPayload(im.Message.Data)
	if !ok {
		log.G(ctx).Warnf("membership: dropping SYNC-ACK with unexpected payload type %T", im.Message.Data)
		return
	}
	id := im.Message.correlationID()
	e.mu.Lock()
	ch, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}
