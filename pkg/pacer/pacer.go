package pacer

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type Packet struct {
	Header           *rtp.Header
	Payload          []byte
	AbsSendTimeExtID uint8
	WriteStream      webrtc.TrackLocalWriter
	Probing          bool
	OnSent           func(sentHeader *rtp.Header, payloadSize int, sentTime time.Time, sendError error)
}

type Pacer interface {
	Enqueue(p Packet)
	Stop()
}

// ------------------------------------------------

type Kind string

const (
	KindPassThrough Kind = "pass_through"
	KindNoQueue     Kind = "no_queue"
	KindLeakyBucket Kind = "leaky_bucket"
)

type Params struct {
	Kind Kind
	// leaky bucket only
	Interval time.Duration
	Bitrate  int
	Logger   logger.Logger
}

func New(params Params) (Pacer, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	switch params.Kind {
	case KindPassThrough, "":
		return NewPassThrough(params.Logger), nil
	case KindNoQueue:
		return NewNoQueue(params.Logger), nil
	case KindLeakyBucket:
		if params.Interval <= 0 || params.Bitrate <= 0 {
			return nil, fmt.Errorf("leaky bucket pacer needs a positive interval and bitrate, got %s and %d", params.Interval, params.Bitrate)
		}
		return NewLeakyBucket(params.Logger, params.Interval, params.Bitrate), nil
	default:
		return nil, fmt.Errorf("unknown pacer kind %q", params.Kind)
	}
}
