package pacer

import (
	"errors"
	"io"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
)

var errNoWriteStream = errors.New("packet has no write stream")

type Base struct {
	logger logger.Logger

	baseTime time.Time

	// for throttling error logs
	writeIOErrors atomic.Uint32
}

func NewBase(logger logger.Logger) *Base {
	return &Base{
		logger:   logger,
		baseTime: time.Now(),
	}
}

// SendPacket writes the packet and returns the number of bytes put on the wire.
func (b *Base) SendPacket(p *Packet) (int, error) {
	var sendingAt time.Time
	var err error
	defer func() {
		if p.OnSent != nil {
			p.OnSent(p.Header, len(p.Payload), sendingAt, err)
		}
	}()

	if p.WriteStream == nil {
		err = errNoWriteStream
		prometheus.IncrementPacerPackets(prometheus.PacketResultDropped, 0)
		return 0, err
	}

	sendingAt, err = b.writeRTPHeaderExtensions(p)
	if err != nil {
		b.logger.Errorw("writing rtp header extensions err", err)
		prometheus.IncrementPacerPackets(prometheus.PacketResultFailed, 0)
		return 0, err
	}

	var written int
	written, err = p.WriteStream.WriteRTP(p.Header, p.Payload)
	if err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			writeIOErrors := b.writeIOErrors.Inc()
			if (writeIOErrors % 100) == 1 {
				b.logger.Errorw("write rtp packet failed", err, "count", writeIOErrors)
			}
		} else {
			b.logger.Errorw("write rtp packet failed", err)
		}
		prometheus.IncrementPacerPackets(prometheus.PacketResultFailed, 0)
		return 0, err
	}

	prometheus.IncrementPacerPackets(prometheus.PacketResultSent, written)
	return written, nil
}

func (b *Base) now() time.Time {
	// construct current time based on monotonic clock
	return b.baseTime.Add(time.Since(b.baseTime))
}

func (b *Base) writeRTPHeaderExtensions(p *Packet) (time.Time, error) {
	sendingAt := b.now()
	if p.AbsSendTimeExtID == 0 {
		return sendingAt, nil
	}

	sendTime := rtp.NewAbsSendTimeExtension(sendingAt)
	payload, err := sendTime.Marshal()
	if err != nil {
		return time.Time{}, err
	}

	if err = p.Header.SetExtension(p.AbsSendTimeExtID, payload); err != nil {
		return time.Time{}, err
	}
	return sendingAt, nil
}
