// Package rtx rewrites retransmissions into RFC 4588 RTX packets before
// they reach the pacer.
package rtx

import (
	"encoding/binary"
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/randutil"
	"go.uber.org/atomic"

	"github.com/livekit/media-transform/pkg/events"
	"github.com/livekit/media-transform/pkg/packet"
)

const originalSequenceNumberSize = 2

type RandomSource interface {
	Uint32() uint32
}

type SenderParams struct {
	Next   packet.Sink
	Rand   RandomSource
	Logger logger.Logger
}

// Sender is a packet.Sink that wraps packets marked as retransmissions into
// the RTX stream associated with their media stream. Packets without a known
// RTX payload type or RTX SSRC are forwarded unchanged.
type Sender struct {
	params SenderParams

	lock sync.Mutex
	// associated payload type -> rtx payload type
	payloadTypes map[uint8]uint8
	// primary ssrc -> rtx ssrc
	ssrcs map[uint32]uint32
	// rtx ssrc -> next sequence number
	sequenceNumbers map[uint32]uint16

	packetsWrapped     atomic.Uint64
	packetsPassThrough atomic.Uint64
}

func NewSender(params SenderParams) *Sender {
	if params.Rand == nil {
		params.Rand = randutil.NewMathRandomGenerator()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Sender{
		params:          params,
		payloadTypes:    make(map[uint8]uint8),
		ssrcs:           make(map[uint32]uint32),
		sequenceNumbers: make(map[uint32]uint16),
	}
}

func (s *Sender) Send(batch []*packet.Outbound) {
	if len(batch) == 0 {
		return
	}

	s.lock.Lock()
	for _, p := range batch {
		if p == nil || !p.Retransmission {
			continue
		}
		if s.wrapLocked(p) {
			s.packetsWrapped.Inc()
		} else {
			s.packetsPassThrough.Inc()
		}
	}
	s.lock.Unlock()

	if s.params.Next != nil {
		s.params.Next.Send(batch)
	}
}

func (s *Sender) wrapLocked(p *packet.Outbound) bool {
	rtxPayloadType, ok := s.payloadTypes[p.Header.PayloadType]
	if !ok {
		return false
	}
	rtxSSRC, ok := s.ssrcs[p.Header.SSRC]
	if !ok {
		return false
	}

	payload := p.Payload
	if p.Header.Padding && len(payload) > 0 {
		paddingSize := int(payload[len(payload)-1])
		if paddingSize <= len(payload) {
			payload = payload[:len(payload)-paddingSize]
		}
	}

	wrapped := make([]byte, originalSequenceNumberSize+len(payload))
	binary.BigEndian.PutUint16(wrapped, p.Header.SequenceNumber)
	copy(wrapped[originalSequenceNumberSize:], payload)

	sn, ok := s.sequenceNumbers[rtxSSRC]
	if !ok {
		sn = uint16(s.params.Rand.Uint32())
	}
	s.sequenceNumbers[rtxSSRC] = sn + 1

	p.Header.Padding = false
	p.Header.PayloadType = rtxPayloadType
	p.Header.SSRC = rtxSSRC
	p.Header.SequenceNumber = sn
	p.Payload = wrapped
	return true
}

func (s *Sender) HandleEvent(ev events.Event) {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch ev := ev.(type) {
	case events.PayloadTypeAdded:
		if !ev.PayloadType.IsRtx() {
			return
		}
		apt, ok := ev.PayloadType.AssociatedPayloadType()
		if !ok {
			s.params.Logger.Warnw("rtx payload type without associated payload type", nil, "payloadType", ev.PayloadType)
			return
		}
		s.payloadTypes[apt] = ev.PayloadType.Number()

	case events.PayloadTypesCleared:
		s.payloadTypes = make(map[uint8]uint8)

	case events.SsrcAssociation:
		if ev.Type == events.AssociationTypeRtx {
			s.ssrcs[ev.Primary] = ev.Secondary
		}
	}
}

// Unwrap restores the original sequence number and payload of an RTX packet
// payload. ok is false when the payload is too short to carry one.
func Unwrap(payload []byte) (originalSequenceNumber uint16, original []byte, ok bool) {
	if len(payload) < originalSequenceNumberSize {
		return 0, nil, false
	}
	return binary.BigEndian.Uint16(payload), payload[originalSequenceNumberSize:], true
}

type Stats struct {
	PacketsWrapped     uint64
	PacketsPassThrough uint64
}

func (s *Sender) Stats() Stats {
	return Stats{
		PacketsWrapped:     s.packetsWrapped.Load(),
		PacketsPassThrough: s.packetsPassThrough.Load(),
	}
}
