package membership

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

func newTestDispatcher(t *testing.T, localID string) (*dispatcher, *MembershipTable, *fakeFailureDetector, *fakeGossip) {
	t.Helper()
	table := newTestTable(localID)
	timers := newTimerWheel()
	hub := newObserverHub()
	fd := newFakeFailureDetector()
	gossip := newFakeGossip()
	cfg := DefaultConfig()
	cfg.Local = Endpoint{ID: localID}
	cfg.MaxSuspectTime = 20 * time.Millisecond
	cfg.MaxShutdownTime = 20 * time.Millisecond

	d := newDispatcher(table, timers, hub, fd, gossip, cfg)
	t.Cleanup(d.stop)
	return d, table, fd, gossip
}

func TestDispatcherHandleSyncSpreadsAndPublishes(t *testing.T) {
	d, table, fd, gossip := newTestDispatcher(t, "local")
	sub := d.hub.subscribe(8)
	defer sub.Cancel()

	d.handleSync(MembershipPayload{Members: []Member{remoteMember("b", TRUSTED)}, SyncGroup: "default"})

	recvEvent(t, sub.C)
	assert.Check(t, gossip.spreadCount() == 1, "a SYNC-sourced delta must be re-gossiped")

	_, ok := table.get("b")
	assert.Check(t, ok)
	assert.Check(t, len(fd.clusterEndpoints()) == 2, "FD peer set must include local and b")
}

func TestDispatcherSuppressesGossipSourcedRebroadcast(t *testing.T) {
	d, _, _, gossip := newTestDispatcher(t, "local")

	d.handleGossip(context.Background(), Message{Data: MembershipPayload{
		Members:   []Member{remoteMember("b", TRUSTED)},
		SyncGroup: "default",
	}})

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if _, ok := d.table.get("b"); !ok {
			return poll.Continue("waiting for gossip merge")
		}
		return poll.Success()
	}, poll.WithTimeout(time.Second))

	assert.Check(t, gossip.spreadCount() == 0, "a gossip-sourced delta must not be re-gossiped")
}

func TestDispatcherAlwaysRebroadcastsSelfRefutation(t *testing.T) {
	d, _, _, gossip := newTestDispatcher(t, "local")

	badNews := Member{Endpoint: Endpoint{ID: "local"}, Status: SUSPECTED, Metadata: map[string]string{}}
	d.handleGossip(context.Background(), Message{Data: MembershipPayload{
		Members:   []Member{badNews},
		SyncGroup: "default",
	}})

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if gossip.spreadCount() == 0 {
			return poll.Continue("waiting for self-refutation to be re-gossiped")
		}
		return poll.Success()
	}, poll.WithTimeout(time.Second))

	assert.Check(t, gossip.spread[0].Members[0].Status == TRUSTED)
}

func TestDispatcherSuspectDecaysToRemovedWithoutObserverEvent(t *testing.T) {
	d, table, fd, _ := newTestDispatcher(t, "local")
	sub := d.hub.subscribe(8)
	defer sub.Cancel()

	d.handleFDEvent(FDEvent{Endpoint: Endpoint{ID: "b"}, Kind: FDAlive})
	recvEvent(t, sub.C) // insert as TRUSTED

	d.handleFDEvent(FDEvent{Endpoint: Endpoint{ID: "b"}, Kind: FDSuspect})
	ue := recvEvent(t, sub.C)
	assert.Check(t, ue.Member.Status == SUSPECTED)
	assert.Check(t, len(fd.suspected) == 1)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if _, ok := table.get("b"); ok {
			return poll.Continue("waiting for suspect decay to remove b")
		}
		return poll.Success()
	}, poll.WithTimeout(time.Second))

	select {
	case ev := <-sub.C:
		t.Fatalf("no observer event expected for timer-driven removal, got %v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestDispatcherShutdownDecaysToRemovedSilently(t *testing.T) {
	d, table, _, gossip := newTestDispatcher(t, "local")
	sub := d.hub.subscribe(8)
	defer sub.Cancel()

	d.handleSync(MembershipPayload{Members: []Member{remoteMember("b", TRUSTED)}, SyncGroup: "default"})
	recvEvent(t, sub.C)

	d.handleSync(MembershipPayload{Members: []Member{remoteMember("b", SHUTDOWN)}, SyncGroup: "default"})
	ue := recvEvent(t, sub.C)
	assert.Check(t, ue.Member.Status == SHUTDOWN)

	spreadBefore := gossip.spreadCount()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if _, ok := table.get("b"); ok {
			return poll.Continue("waiting for shutdown decay to remove b")
		}
		return poll.Success()
	}, poll.WithTimeout(time.Second))

	select {
	case ev := <-sub.C:
		t.Fatalf("no observer event expected for shutdown decay, got %v", ev)
	case <-time.After(30 * time.Millisecond):
	}
	assert.Check(t, gossip.spreadCount() == spreadBefore, "shutdown decay must not trigger a gossip spread")
}

func TestDispatcherTrustCancelsSuspectTimer(t *testing.T) {
	d, _, fd, _ := newTestDispatcher(t, "local")
	sub := d.hub.subscribe(8)
	defer sub.Cancel()

	d.handleFDEvent(FDEvent{Endpoint: Endpoint{ID: "b"}, Kind: FDAlive})
	recvEvent(t, sub.C)
	d.handleFDEvent(FDEvent{Endpoint: Endpoint{ID: "b"}, Kind: FDSuspect})
	recvEvent(t, sub.C)
	assert.Check(t, d.timers.hasKey("b"))

	d.handleFDEvent(FDEvent{Endpoint: Endpoint{ID: "b"}, Kind: FDAlive})
	recvEvent(t, sub.C)

	assert.Check(t, !d.timers.hasKey("b"))
	assert.Check(t, len(fd.trusted) == 1)
}

func TestDispatcherStopDrainsInFlight(t *testing.T) {
	d, table, _, _ := newTestDispatcher(t, "local")
	d.handleSync(MembershipPayload{Members: []Member{remoteMember("b", TRUSTED)}, SyncGroup: "default"})
	d.stop()

	_, ok := table.get("b")
	assert.Check(t, ok, "a merge submitted before stop must still land")
	assert.Check(t, !d.submit(func() {}), "no submission should be accepted once stopped")
}
