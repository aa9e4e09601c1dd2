package membership

import (
	"fmt"

	"github.com/hashicorp/serf/serf"
)

// Endpoint is a stable identifier for a cluster peer. Equality is by ID
// alone: two Endpoints sharing an ID but differing in address are the same
// member, with the newer address winning on merge.
type Endpoint struct {
	ID   string
	Host string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s(%s:%d)", e.ID, e.Host, e.Port)
}

// MemberStatus is the lifecycle state of a Member as seen by a given node.
// It is not a total order: see the merge rule in table.go for the full
// transition table.
type MemberStatus int

const (
	// TRUSTED means the node is believed alive.
	TRUSTED MemberStatus = iota
	// SUSPECTED means the failure detector (or a remote gossip/SYNC
	// payload) believes the node may be gone, pending confirmation or
	// rehabilitation.
	SUSPECTED
	// SHUTDOWN means the node announced a graceful departure.
	SHUTDOWN
	// REMOVED is absorbing: once reached on a node, a member never
	// transitions out of it on that node.
	REMOVED
)

func (s MemberStatus) String() string {
	switch s {
	case TRUSTED:
		return "TRUSTED"
	case SUSPECTED:
		return "SUSPECTED"
	case SHUTDOWN:
		return "SHUTDOWN"
	case REMOVED:
		return "REMOVED"
	default:
		return fmt.Sprintf("MemberStatus(%d)", int(s))
	}
}

// Member is a peer record as held in a MembershipTable. It is opaque to the
// core beyond its status and Endpoint: Metadata is carried but never
// interpreted here.
type Member struct {
	Endpoint Endpoint
	Status   MemberStatus
	Metadata map[string]string

	// LTime is the Lamport timestamp of the last local transition or
	// remote observation applied to this record. It is wire-visible (part
	// of the MembershipPayload a Member travels in) so it breaks ties
	// between two same-status metadata updates that arrive out of order
	// anywhere in the cluster, the way the teacher's networkdb uses
	// serf.LamportClock for its table and network events.
	LTime serf.LamportTime
}

func (m Member) clone() Member {
	md := make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		md[k] = v
	}
	m.Metadata = md
	return m
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// MembershipPayload is the wire-visible snapshot exchanged in SYNC,
// SYNC-ACK, and gossip messages.
type MembershipPayload struct {
	Members   []Member
	SyncGroup string
}
