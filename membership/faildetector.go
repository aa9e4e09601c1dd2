package membership

import "context"

// FDEventKind is the verdict kind emitted by a FailureDetector.
type FDEventKind int

const (
	// FDAlive is treated as a TRUSTED hint for the named endpoint.
	FDAlive FDEventKind = iota
	// FDSuspect is treated as a SUSPECTED hint for the named endpoint.
	FDSuspect
)

func (k FDEventKind) String() string {
	if k == FDAlive {
		return "ALIVE"
	}
	return "SUSPECT"
}

// FDEvent is a single verdict from the external failure detector.
type FDEvent struct {
	Endpoint Endpoint
	Kind     FDEventKind
}

// FailureDetector is the contract the core consumes from its external
// collaborator (§6). The core never implements liveness detection itself;
// it only drives the detector's peer set and reacts to its verdicts.
type FailureDetector interface {
	// SetClusterEndpoints replaces the set of peers the detector probes.
	SetClusterEndpoints(endpoints []Endpoint)
	// Suspect tells the detector the core itself now considers endpoint
	// suspect (e.g. on SUSPECTED transition driven by gossip/SYNC rather
	// than the detector's own probing).
	Suspect(endpoint Endpoint)
	// Trust tells the detector the core has rehabilitated endpoint.
	Trust(endpoint Endpoint)
	// ListenStatus streams verdicts until ctx is done.
	ListenStatus(ctx context.Context) (<-chan FDEvent, error)
}
