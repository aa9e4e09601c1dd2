package membership

import (
	"sync"

	"github.com/docker/go-events"
)

// UpdateEvent is published to the Observer Hub for every delta the Event
// Dispatcher produces — one Member per status/metadata change, in the
// order the dispatcher produced it (§4.4).
type UpdateEvent struct {
	Member Member
}

// Subscription is a live handle to the Observer Hub's update stream.
type Subscription struct {
	C      <-chan events.Event
	cancel func()
}

// Cancel detaches the subscription. Events already queued for delivery may
// still be read off C after Cancel returns; callers that don't care should
// simply stop reading.
func (s *Subscription) Cancel() { s.cancel() }

// observerHub is a multi-producer, single-subscribable stream of Member
// deltas built on docker/go-events — the same library and Broadcaster/
// Channel shape the teacher uses for NetworkDB.Watch. Delivery is
// at-most-once per subscriber per delta, in production order; subscribers
// attached after a delta is published never see it.
type observerHub struct {
	mu          sync.Mutex
	broadcaster *events.Broadcaster
	closed      bool
}

func newObserverHub() *observerHub {
	return &observerHub{broadcaster: events.NewBroadcaster()}
}

// subscribe attaches a new subscriber. If the hub has already been shut
// down, the returned subscription is pre-closed: the caller observes only
// completion, never sees a stale backlog.
func (h *observerHub) subscribe(buffer int) *Subscription {
	ch := events.NewChannel(buffer)
	h.mu.Lock()
	closed := h.closed
	if !closed {
		h.broadcaster.Add(ch)
	}
	h.mu.Unlock()

	// events.Channel never closes C itself; close it once the sink is done
	// (cancelled, or closed by the broadcaster on shutdown) so readers see
	// completion. No further writes reach ch after that point.
	go func() {
		<-ch.Done()
		close(ch.C)
	}()

	if closed {
		ch.Close()
	}

	return &Subscription{
		C: ch.C,
		cancel: func() {
			h.broadcaster.Remove(ch)
			ch.Close()
		},
	}
}

// publish fans delta out to every current subscriber. Publish after
// shutdown is a no-op: the dispatcher never calls it post-stop because
// stop() drains in-flight merges first (§5).
func (h *observerHub) publish(delta Member) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	// A panicking subscriber callback must not affect the dispatcher
	// (§7); Broadcaster.Write only returns an error once the broadcaster
	// is closed, and a subscriber whose buffer is full blocks delivery
	// rather than erroring, so there's nothing to recover from here beyond
	// documenting the contract subscribers must uphold: consume C promptly.
	_ = h.broadcaster.Write(UpdateEvent{Member: delta})
}

// shutdown completes the stream: every current and future subscriber sees
// only completion from here on.
func (h *observerHub) shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.broadcaster.Close()
}
