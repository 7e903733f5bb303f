// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package probing

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/livekit/protocol/logger"
	"github.com/pion/randutil"
	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/livekit/media-transform/pkg/events"
	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/payloadtype"
	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
)

const (
	RTPHeaderSize         = 12
	RTPPaddingPayloadSize = 255
	PaddingPacketSize     = RTPHeaderSize + RTPPaddingPayloadSize
	PaddingTimestampStep  = 3000
	retransmissionPasses  = 2
	statsBlockName        = "Probing data sender"
)

// PacketCache is the read side of an outgoing packet cache.
type PacketCache interface {
	// GetMany returns recently sent packets of a stream adding up to about
	// numBytes, or nil when nothing is known about the stream.
	GetMany(ssrc uint32, numBytes int) []packet.CachedPacket
}

type RandomSource interface {
	Uint32() uint32
}

type EngineParams struct {
	Cache PacketCache
	// RtxSink receives retransmission-tagged copies of cached packets, one batch per request.
	RtxSink packet.Sink
	// PaddingSink receives padding only packets, one per Send call.
	PaddingSink packet.Sink
	// Rand seeds the padding sequence number and timestamp.
	Rand   RandomSource
	Logger logger.Logger
}

// Engine fulfils probing requests: it first replays cached media as
// retransmissions and then tops up with padding only packets.
//
// State changes arrive through HandleEvent. The engine serializes its own
// state, but callers are expected to deliver events and requests from one
// execution context so that an event is applied before the next request.
type Engine struct {
	params EngineParams

	lock              sync.Mutex
	rtxSupported      bool
	videoPayloadTypes *orderedmap.OrderedMap[uint8, payloadtype.PayloadType]
	localVideoSsrc    uint32
	localVideoSsrcSet bool

	paddingSequenceNumber uint16
	paddingTimestamp      uint32

	bytesSentRtx     atomic.Uint64
	bytesSentPadding atomic.Uint64
}

func NewEngine(params EngineParams) *Engine {
	if params.Rand == nil {
		params.Rand = randutil.NewMathRandomGenerator()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Engine{
		params:                params,
		videoPayloadTypes:     orderedmap.NewOrderedMap[uint8, payloadtype.PayloadType](),
		paddingSequenceNumber: uint16(params.Rand.Uint32()),
		paddingTimestamp:      params.Rand.Uint32(),
	}
}

// RequestProbing sends about numBytes on behalf of the stream identified by
// mediaSSRC and returns the number of bytes handed to the sinks. The result
// may exceed numBytes as padding is sent in whole packets with one extra
// packet beyond the exact quotient.
func (e *Engine) RequestProbing(mediaSSRC uint32, numBytes int) int {
	prometheus.IncrementProbingRequests()
	if numBytes <= 0 {
		return 0
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	totalBytesSent := 0
	if e.rtxSupported {
		bytesSent := e.sendRedundantDataOverRtx(mediaSSRC, numBytes)
		e.bytesSentRtx.Add(uint64(bytesSent))
		prometheus.AddProbingBytes(prometheus.ProbingPathRtx, uint64(bytesSent))
		totalBytesSent += bytesSent
	}

	if totalBytesSent < numBytes {
		bytesSent := e.sendPadding(numBytes - totalBytesSent)
		e.bytesSentPadding.Add(uint64(bytesSent))
		prometheus.AddProbingBytes(prometheus.ProbingPathPadding, uint64(bytesSent))
		totalBytesSent += bytesSent
	}

	return totalBytesSent
}

func (e *Engine) sendRedundantDataOverRtx(mediaSSRC uint32, numBytes int) int {
	if e.params.Cache == nil || e.params.RtxSink == nil {
		return 0
	}

	records := e.params.Cache.GetMany(mediaSSRC, numBytes)
	if len(records) == 0 {
		return 0
	}

	var batch []*packet.Outbound
	bytesSent := 0
	// Walk the window twice: when the most recent packets do not fill the
	// budget, the same packets are sent again rather than giving up.
passes:
	for pass := 0; pass < retransmissionPasses; pass++ {
		for _, r := range records {
			if r == nil {
				continue
			}
			// the cache may have recycled the packet since GetMany returned
			data := r.Data()
			if len(data) == 0 {
				continue
			}
			if bytesSent+len(data) > numBytes {
				break passes
			}

			out, err := copyForRetransmission(data)
			if err != nil {
				e.params.Logger.Debugw("skipping unparseable cached packet", "error", err, "ssrc", mediaSSRC)
				continue
			}
			bytesSent += len(data)
			batch = append(batch, out)
		}
	}

	if len(batch) == 0 {
		return 0
	}
	e.params.RtxSink.Send(batch)
	return bytesSent
}

func copyForRetransmission(data []byte) (*packet.Outbound, error) {
	buf := make([]byte, len(data))
	copy(buf, data)

	out := &packet.Outbound{
		Retransmission: true,
		Probing:        true,
	}
	n, err := out.Header.Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	out.Payload = buf[n:]
	return out, nil
}

func (e *Engine) sendPadding(numBytes int) int {
	if e.params.PaddingSink == nil {
		return 0
	}

	pt, ok := e.firstVideoPayloadType()
	if !ok || !e.localVideoSsrcSet {
		return 0
	}

	numPackets := numBytes/PaddingPacketSize + 1
	for i := 0; i < numPackets; i++ {
		payload := make([]byte, RTPPaddingPayloadSize)
		// last byte of padding has padding size including that byte
		payload[RTPPaddingPayloadSize-1] = byte(RTPPaddingPayloadSize)

		e.params.PaddingSink.Send([]*packet.Outbound{
			{
				Header: rtp.Header{
					Version:        2,
					Padding:        true,
					PayloadType:    pt.Number(),
					SequenceNumber: e.paddingSequenceNumber,
					Timestamp:      e.paddingTimestamp,
					SSRC:           e.localVideoSsrc,
				},
				Payload: payload,
				Probing: true,
			},
		})
		e.paddingSequenceNumber++
	}
	e.paddingTimestamp += PaddingTimestampStep

	return numPackets * PaddingPacketSize
}

func (e *Engine) firstVideoPayloadType() (payloadtype.PayloadType, bool) {
	front := e.videoPayloadTypes.Front()
	if front == nil {
		return payloadtype.PayloadType{}, false
	}
	return front.Value, true
}

func (e *Engine) HandleEvent(ev events.Event) {
	e.lock.Lock()
	defer e.lock.Unlock()

	switch ev := ev.(type) {
	case events.PayloadTypeAdded:
		switch {
		case ev.PayloadType.IsRtx():
			e.rtxSupported = true
		case ev.PayloadType.IsVideo():
			if _, ok := e.videoPayloadTypes.Get(ev.PayloadType.Number()); !ok {
				e.videoPayloadTypes.Set(ev.PayloadType.Number(), ev.PayloadType)
			}
		}

	case events.PayloadTypesCleared:
		e.rtxSupported = false
		e.videoPayloadTypes = orderedmap.NewOrderedMap[uint8, payloadtype.PayloadType]()

	case events.LocalSsrcSet:
		if ev.Kind == payloadtype.MediaKindVideo {
			e.localVideoSsrc = ev.SSRC
			e.localVideoSsrcSet = true
		}

	case events.SsrcAssociation:
		// not needed for probing
	}
}

func (e *Engine) IsRtxSupported() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.rtxSupported
}

func (e *Engine) Stats() Stats {
	return Stats{
		BytesSentRtx:     e.bytesSentRtx.Load(),
		BytesSentPadding: e.bytesSentPadding.Load(),
	}
}
