// Package packet holds the outbound packet wrapper shared by the probing,
// retransmission and pacing stages, and the contracts between them.
package packet

import (
	"github.com/pion/rtp"
)

// Outbound is an RTP packet on its way out. The holder owns Header and
// Payload; nothing else references their backing storage.
type Outbound struct {
	Header  rtp.Header
	Payload []byte

	// Retransmission marks a copy of a previously sent packet.
	Retransmission bool
	// Probing marks traffic generated for bandwidth probing.
	Probing bool
}

// Len is the on-the-wire size of the packet.
func (o *Outbound) Len() int {
	return o.Header.MarshalSize() + len(o.Payload)
}

// Sink accepts a batch of outbound packets and takes ownership of them.
// Implementations are expected to enqueue and return without blocking.
type Sink interface {
	Send(batch []*Outbound)
}

type SinkFunc func(batch []*Outbound)

func (f SinkFunc) Send(batch []*Outbound) {
	f(batch)
}

// CachedPacket is a record held by an outgoing packet cache. Data returns
// nil once the cache has evicted or recycled the packet, which may happen at
// any time relative to the reader.
type CachedPacket interface {
	Data() []byte
}
