package membership

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
)

// mergeSource identifies which of the three asynchronous input streams
// (§4.3) produced a merge, so the dispatcher can apply the gossip
// suppression rule and the timer-fired re-entry rule correctly.
type mergeSource int

const (
	sourceSync mergeSource = iota
	sourceFD
	sourceGossip
	// sourceTimer is used only when a decay timer re-enters the
	// dispatcher to remove an expired SUSPECTED member. Per §4.3 such
	// removals carry spreadGossip=false; per scenario S3 they also never
	// reach the Observer Hub.
	sourceTimer
)

const gossipSpreadTimeout = 5 * time.Second

// dispatcher is the Event Dispatcher: a single logical lane that serializes
// every Membership Table mutation, described in §4.3/§5. All three input
// adapters (SYNC, FD, gossip) and every timer firing funnel their merge
// through submit/submitWait so the merge rule is applied one call at a
// time — the Go-native form of "reactive stream fan-in ... becomes a
// single-consumer event queue with three producer-side adapters" (§9).
type dispatcher struct {
	table     *MembershipTable
	timers    *timerWheel
	hub       *observerHub
	fd        FailureDetector
	gossip    Gossip
	syncGroup string

	maxSuspectTime  time.Duration
	maxShutdownTime time.Duration

	lane     chan func()
	loopDone chan struct{}
	spreads  sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func newDispatcher(table *MembershipTable, timers *timerWheel, hub *observerHub, fd FailureDetector, gossip Gossip, cfg *Config) *dispatcher {
	d := &dispatcher{
		table:           table,
		timers:          timers,
		hub:             hub,
		fd:              fd,
		gossip:          gossip,
		syncGroup:       cfg.SyncGroup,
		maxSuspectTime:  cfg.MaxSuspectTime,
		maxShutdownTime: cfg.MaxShutdownTime,
		lane:            make(chan func(), 256),
		loopDone:        make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.loopDone)
	for fn := range d.lane {
		fn()
	}
}

// submit enqueues fn onto the dispatch lane, reporting whether it was
// accepted. Rejected after stop() — callers that need their merge to have
// definitely run before proceeding should use submitWait while the service
// is still up.
func (d *dispatcher) submit(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.lane <- fn
	return true
}

// submitWait enqueues fn and blocks until it has run (or the dispatcher
// has already stopped, in which case fn never runs and submitWait returns
// immediately).
func (d *dispatcher) submitWait(fn func()) {
	done := make(chan struct{})
	if !d.submit(func() { fn(); close(done) }) {
		return
	}
	<-done
}

// handleSync merges an incoming SYNC or SYNC-ACK payload and applies the
// standard pipeline. It blocks until the merge has been applied so the
// SYNC handler can build its reply from up-to-date table state.
func (d *dispatcher) handleSync(p MembershipPayload) {
	d.submitWait(func() {
		deltas := d.table.mergePayload(d.syncGroup, p)
		d.applyDeltas(sourceSync, deltas)
	})
}

// handleGossip merges an incoming gossip message, after checking its
// payload is the right class (§7: wrong class is logged at warn and
// dropped; wrong sync group is dropped silently by mergePayload itself).
func (d *dispatcher) handleGossip(ctx context.Context, msg Message) {
	p, ok := asMembershipPayload(msg.Data)
	if !ok {
		log.G(ctx).Warnf("membership: dropping gossip message with unexpected payload type %T", msg.Data)
		return
	}
	d.submit(func() {
		deltas := d.table.mergePayload(d.syncGroup, p)
		d.applyDeltas(sourceGossip, deltas)
	})
}

// handleFDEvent merges a failure-detector verdict. ALIVE becomes a TRUSTED
// hint, SUSPECT a SUSPECTED hint; metadata is left exactly as currently
// known for that endpoint, per §6.
func (d *dispatcher) handleFDEvent(ev FDEvent) {
	d.submit(func() {
		status := TRUSTED
		if ev.Kind == FDSuspect {
			status = SUSPECTED
		}
		metadata := map[string]string{}
		if cur, ok := d.table.get(ev.Endpoint.ID); ok {
			metadata = cur.Metadata
		}
		m := Member{Endpoint: ev.Endpoint, Status: status, Metadata: metadata, LTime: d.table.nextLTime()}
		delta, changed := d.table.mergeOne(m)
		var deltas []tableDelta
		if changed {
			deltas = []tableDelta{delta}
		}
		d.applyDeltas(sourceFD, deltas)
	})
}

// applyDeltas is the common tail of every merge path: recompute and push
// peer sets, republish via gossip (subject to the suppression rule),
// publish to the Observer Hub, and drive decay timers. Must only be called
// from within the dispatch lane.
func (d *dispatcher) applyDeltas(source mergeSource, deltas []tableDelta) {
	if len(deltas) == 0 {
		return
	}

	endpoints := d.table.trustedOrSuspectedEndpoints()
	d.fd.SetClusterEndpoints(endpoints)
	d.gossip.SetClusterEndpoints(endpoints)

	if source != sourceTimer {
		var toSpread []Member
		for _, td := range deltas {
			// Gossip suppression (§4.3): deltas sourced from gossip are
			// not re-broadcast, EXCEPT a self-refutation (§4.1 rule 2,
			// scenario S5), which must always go back out so the cluster
			// learns the suspicion was wrong.
			if td.Refutation || source != sourceGossip {
				toSpread = append(toSpread, td.Member)
			}
		}
		if len(toSpread) > 0 {
			d.spreadAsync(MembershipPayload{Members: toSpread, SyncGroup: d.syncGroup})
		}
	}

	for _, td := range deltas {
		if source != sourceTimer {
			d.hub.publish(td.Member)
		}
		d.driveTimers(td.Member)
	}
}

// driveTimers implements §4.3's three timer rules. It only inspects the
// new status: because the merge rule never emits a same-status delta
// (SUSPECTED<-SUSPECTED and SHUTDOWN<-SHUTDOWN are always "ignore"), every
// delta landing on SUSPECTED or SHUTDOWN is a genuine transition into that
// state.
func (d *dispatcher) driveTimers(m Member) {
	id := m.Endpoint.ID
	switch m.Status {
	case SUSPECTED:
		d.fd.Suspect(m.Endpoint)
		d.timers.schedule(id, d.maxSuspectTime, func() {
			d.submit(func() {
				removed, ok := d.table.remove(id)
				if !ok {
					return // already removed: firing on a gone member is a no-op (§7).
				}
				d.applyDeltas(sourceTimer, []tableDelta{{Member: removed}})
			})
		})
	case TRUSTED:
		// Only a recovery from SUSPECTED has a keyed timer to cancel; a
		// fresh insert or a plain metadata update never armed one.
		if d.timers.hasKey(id) {
			d.fd.Trust(m.Endpoint)
			d.timers.cancel(id)
		}
	case SHUTDOWN:
		d.timers.scheduleUnkeyed(d.maxShutdownTime, func() {
			d.submit(func() {
				// Removes without emitting further deltas (§4.3): the
				// member is simply dropped from the table. No-op if
				// already gone.
				d.table.remove(id)
			})
		})
	}
}

// spreadAsync dispatches a gossip broadcast off the dispatch lane per §5:
// outbound sends must not block the single-writer loop, and their result
// is discarded except for logging.
func (d *dispatcher) spreadAsync(p MembershipPayload) {
	d.spreads.Add(1)
	go func() {
		defer d.spreads.Done()
		ctx, cancel := context.WithTimeout(context.Background(), gossipSpreadTimeout)
		defer cancel()
		msg := Message{Data: p, Headers: map[string]string{headerQualifier: "membership/gossip"}}
		if err := d.gossip.Spread(ctx, msg); err != nil {
			log.G(ctx).WithError(err).Debug("membership: gossip spread failed")
		}
	}()
}

// stop drains in-flight and already-queued merges, then tears everything
// down. No new merges are accepted once stop begins (§5).
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.lane)
	d.mu.Unlock()

	<-d.loopDone
	d.spreads.Wait()
	d.hub.shutdown()
	d.timers.stop()
}
