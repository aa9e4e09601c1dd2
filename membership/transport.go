package membership

import (
	"context"
	"strconv"
	"sync/atomic"
)

// Qualifiers identify the two message kinds the core exchanges over
// Transport, per §6.
const (
	QualifierSync    = "io.servicefabric.cluster/membership/sync"
	QualifierSyncAck = "io.servicefabric.cluster/membership/syncAck"

	headerQualifier     = "qualifier"
	headerCorrelationID = "correlationId"
)

// Message is the envelope the core sends and receives. Data carries the
// MembershipPayload itself — wire (de)serialization is an external codec's
// concern (§1 Non-goals), so the core passes Data through Transport
// opaquely rather than marshaling it. Headers always carries at least
// qualifier and correlationId for SYNC/SYNC-ACK traffic.
type Message struct {
	Data    any
	Headers map[string]string
}

func (m Message) qualifier() string     { return m.Headers[headerQualifier] }
func (m Message) correlationID() string { return m.Headers[headerCorrelationID] }

// IncomingMessage pairs a received Message with the endpoint it arrived
// from.
type IncomingMessage struct {
	Endpoint Endpoint
	Message  Message
}

// SessionHandle is an established, ordered-per-connection send path to a
// peer, as produced by Transport.Connect.
type SessionHandle interface {
	Send(ctx context.Context, msg Message) error
}

// Transport is the external, best-effort, ordered-per-connection message
// transport the core is built on (§6). It is consumed, never implemented,
// by this package; production wiring supplies a concrete adapter.
type Transport interface {
	Listen(ctx context.Context) (<-chan IncomingMessage, error)
	Connect(ctx context.Context, endpoint Endpoint) (SessionHandle, error)
	Send(ctx context.Context, endpoint Endpoint, msg Message) error
}

// correlationCounter is a monotonic per-process counter. §4.2/§9: "a fresh
// correlation id (monotonic per-process counter rendered as a string)" —
// represented internally as a 64-bit integer and rendered to string only at
// the wire boundary.
type correlationCounter struct {
	n atomic.Int64
}

func (c *correlationCounter) next() string {
	return strconv.FormatInt(c.n.Add(1), 10)
}

func encodeSyncMessage(qualifier, correlationID string, p MembershipPayload) Message {
	return Message{
		Data: p,
		Headers: map[string]string{
			headerQualifier:     qualifier,
			headerCorrelationID: correlationID,
		},
	}
}

// asMembershipPayload extracts a MembershipPayload from a message's Data,
// reporting whether it was one (§7: "Malformed incoming payload (wrong
// class)" is logged at warn and dropped — that check lives at the call
// site using this helper).
func asMembershipPayload(data any) (MembershipPayload, bool) {
	p, ok := data.(MembershipPayload)
	return p, ok
}
