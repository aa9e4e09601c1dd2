package membership

import (
	"sync"

	"github.com/hashicorp/serf/serf"
)

// MembershipTable holds the per-member records for one node. It is mutated
// exclusively by the Event Dispatcher (single-writer); every other
// component only ever sees read-only snapshots, per §3's ownership rule.
type MembershipTable struct {
	mu      sync.RWMutex
	members map[string]*Member
	localID string
	clock   serf.LamportClock
}

func newMembershipTable(local Member) *MembershipTable {
	t := &MembershipTable{
		members: make(map[string]*Member),
		localID: local.Endpoint.ID,
	}
	local.LTime = t.clock.Increment()
	t.members[local.Endpoint.ID] = &local
	return t
}

// asList returns a stable, unordered snapshot of current members, excluding
// any REMOVED entries (per §4.1's asList contract).
func (t *MembershipTable) asList() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		if m.Status == REMOVED {
			continue
		}
		out = append(out, m.clone())
	}
	return out
}

// get returns the member for id, if present (including REMOVED entries —
// callers that must exclude them should filter against asList semantics
// themselves; get is a raw lookup).
func (t *MembershipTable) get(id string) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	if !ok {
		return Member{}, false
	}
	return m.clone(), true
}

// trustedOrSuspectedEndpoints returns the endpoints of every member whose
// status is TRUSTED or SUSPECTED, for driving the Failure Detector and
// Gossip peer sets per §3's invariant.
func (t *MembershipTable) trustedOrSuspectedEndpoints() []Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Endpoint, 0, len(t.members))
	for _, m := range t.members {
		if m.Status == TRUSTED || m.Status == SUSPECTED {
			out = append(out, m.Endpoint)
		}
	}
	return out
}

// nextLTime advances and returns the table's Lamport clock, for callers
// synthesizing a Member record locally (outside any incoming payload) that
// still needs a causally-meaningful LTime — e.g. the FD event adapter.
func (t *MembershipTable) nextLTime() serf.LamportTime {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.Increment()
}

// tableDelta is one outcome of a merge: the resulting Member record, and
// whether it is a self-refutation. Refutations must be re-gossiped even
// when the merge that produced them was itself triggered by a gossip
// receipt (§4.1 rule 2, scenario S5) — the one exception to the general
// gossip-suppression rule in §4.3.
type tableDelta struct {
	Member     Member
	Refutation bool
}

// mergeOne applies the merge rule (§4.1) for a single incoming record B
// against the table's current state, returning the resulting delta and
// whether a delta was actually produced.
//
// This is the sole merge path into the table (setLocalStatus and remove are
// the only other mutations); mergePayload and the FD event adapter both
// funnel through it so the rule is defined in exactly one place.
func (t *MembershipTable) mergeOne(b Member) (tableDelta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.members[b.Endpoint.ID]

	// Rule 1: absent locally -> insert. A REMOVED record that was never
	// known is stored (so REMOVED stays absorbing for it) but produces no
	// delta (nothing to gossip about an entry nobody tracks).
	if !ok {
		t.clock.Witness(b.LTime)
		nm := b.clone()
		t.members[b.Endpoint.ID] = &nm
		if b.Status == REMOVED {
			return tableDelta{}, false
		}
		return tableDelta{Member: nm.clone()}, true
	}

	// Rule 2: local member is special-cased. Bad news about ourselves is
	// refuted, never accepted — but only while we are still authoritatively
	// TRUSTED. Once leave() has set us SHUTDOWN, that is itself our
	// authoritative status and a remote echo of it must not flip us back.
	if b.Endpoint.ID == t.localID {
		if (b.Status == SUSPECTED || b.Status == SHUTDOWN) && cur.Status == TRUSTED {
			refuted := cur.clone()
			refuted.Status = TRUSTED
			refuted.LTime = t.clock.Increment()
			t.members[t.localID] = &refuted
			return tableDelta{Member: refuted.clone(), Refutation: true}, true
		}
		if b.Status == SUSPECTED || b.Status == SHUTDOWN {
			return tableDelta{}, false
		}
		// Address or metadata update about ourselves: accept address,
		// never accept remote metadata for the authoritative local record.
		if cur.Endpoint != b.Endpoint {
			updated := cur.clone()
			updated.Endpoint = b.Endpoint
			updated.LTime = t.clock.Increment()
			t.members[t.localID] = &updated
			return tableDelta{Member: updated.clone()}, true
		}
		return tableDelta{}, false
	}

	// Rule 3: status transition table.
	accept := false
	switch cur.Status {
	case TRUSTED:
		switch b.Status {
		case TRUSTED:
			changed := !metadataEqual(cur.Metadata, b.Metadata) || cur.Endpoint != b.Endpoint
			accept = changed && causallyAfter(b.LTime, cur.LTime)
		case SUSPECTED, SHUTDOWN, REMOVED:
			accept = true
		}
	case SUSPECTED:
		switch b.Status {
		case TRUSTED, SHUTDOWN, REMOVED:
			accept = true
		case SUSPECTED:
			accept = false
		}
	case SHUTDOWN:
		accept = b.Status == REMOVED
	case REMOVED:
		accept = false
	}

	if !accept {
		return tableDelta{}, false
	}

	t.clock.Witness(b.LTime)
	nm := b.clone()
	// The accepted record is stored as received, address included, so
	// address updates win by last-write per §3.
	t.members[b.Endpoint.ID] = &nm
	return tableDelta{Member: nm.clone()}, true
}

// setLocalStatus authoritatively transitions the local member to status.
// It bypasses mergeOne's Rule 2 refutation logic entirely: that rule exists
// to reject bad news ABOUT the local node arriving from elsewhere, not to
// second-guess a status the local node is itself declaring (§4.5's start/
// leave transitions).
func (t *MembershipTable) setLocalStatus(status MemberStatus) tableDelta {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.members[t.localID]
	updated := cur.clone()
	updated.Status = status
	updated.LTime = t.clock.Increment()
	t.members[t.localID] = &updated
	return tableDelta{Member: updated.clone()}
}

// causallyAfter reports whether b happened no earlier than a. Equal
// timestamps are treated as "after" so a same-time metadata update (e.g.
// one synthesized locally without a remote ltime) is still applied.
func causallyAfter(b, a serf.LamportTime) bool {
	return b >= a
}

// mergePayload applies the merge rule to every member in a payload,
// filtering by SyncGroup first (§3: messages from a different group are
// silently dropped), and returns the deltas in the order the members were
// discovered within the payload.
func (t *MembershipTable) mergePayload(expectGroup string, p MembershipPayload) []tableDelta {
	if p.SyncGroup != expectGroup {
		return nil
	}
	var deltas []tableDelta
	for _, m := range p.Members {
		if d, ok := t.mergeOne(m); ok {
			deltas = append(deltas, d)
		}
	}
	return deltas
}

// remove deletes endpoint from the table unconditionally (used by decay
// timers) and returns the delta, if the member still existed.
func (t *MembershipTable) remove(id string) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	if !ok {
		return Member{}, false
	}
	removed := m.clone()
	removed.Status = REMOVED
	delete(t.members, id)
	return removed, true
}

// snapshotPayload builds a MembershipPayload out of the current table
// state, for use as a SYNC/SYNC-ACK/gossip body.
func (t *MembershipTable) snapshotPayload(group string) MembershipPayload {
	return MembershipPayload{Members: t.asList(), SyncGroup: group}
}
