package pacer

import (
	"github.com/livekit/protocol/logger"
)

// PassThrough writes packets on the caller's goroutine.
type PassThrough struct {
	*Base
}

func NewPassThrough(logger logger.Logger) *PassThrough {
	return &PassThrough{
		Base: NewBase(logger),
	}
}

func (p *PassThrough) Stop() {
}

func (p *PassThrough) Enqueue(pkt Packet) {
	_, _ = p.Base.SendPacket(&pkt)
}
