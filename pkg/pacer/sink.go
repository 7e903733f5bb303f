package pacer

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/media-transform/pkg/packet"
)

type SinkParams struct {
	Pacer            Pacer
	WriteStream      webrtc.TrackLocalWriter
	AbsSendTimeExtID uint8
	// OnPacketSent, when set, is told about every packet that made it out.
	OnPacketSent func(size int, probing bool)
}

type sink struct {
	params SinkParams
}

// NewSink adapts a pacer to packet.Sink. Every packet of a batch is enqueued
// in order.
func NewSink(params SinkParams) packet.Sink {
	return &sink{params: params}
}

func (s *sink) Send(batch []*packet.Outbound) {
	for _, o := range batch {
		if o == nil {
			continue
		}

		p := Packet{
			Header:           &o.Header,
			Payload:          o.Payload,
			AbsSendTimeExtID: s.params.AbsSendTimeExtID,
			WriteStream:      s.params.WriteStream,
			Probing:          o.Probing,
		}
		if onPacketSent := s.params.OnPacketSent; onPacketSent != nil {
			probing := o.Probing
			p.OnSent = func(header *rtp.Header, payloadSize int, _ time.Time, err error) {
				if err == nil {
					onPacketSent(header.MarshalSize()+payloadSize, probing)
				}
			}
		}
		s.params.Pacer.Enqueue(p)
	}
}
