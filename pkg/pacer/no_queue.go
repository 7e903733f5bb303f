package pacer

import (
	"errors"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
)

var errPacerStopped = errors.New("pacer stopped")

// NoQueue moves the write off the caller's goroutine without rate limiting.
// A single worker drains everything queued so far on each wake up.
type NoQueue struct {
	*Base

	lock    sync.Mutex
	pending *deque.Deque[Packet]
	wake    chan struct{}
	stop    core.Fuse
}

func NewNoQueue(logger logger.Logger) *NoQueue {
	n := &NoQueue{
		Base:    NewBase(logger),
		pending: &deque.Deque[Packet]{},
		wake:    make(chan struct{}, 1),
	}

	go n.sendWorker()
	return n
}

func (n *NoQueue) Stop() {
	n.stop.Break()
}

func (n *NoQueue) Enqueue(p Packet) {
	n.lock.Lock()
	if n.stop.IsBroken() {
		n.lock.Unlock()
		n.discard(&p)
		return
	}
	n.pending.PushBack(p)
	n.lock.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// swap hands the pending packets to the caller and leaves an empty queue behind.
func (n *NoQueue) swap() *deque.Deque[Packet] {
	n.lock.Lock()
	defer n.lock.Unlock()

	batch := n.pending
	n.pending = &deque.Deque[Packet]{}
	return batch
}

func (n *NoQueue) discard(p *Packet) {
	prometheus.IncrementPacerPackets(prometheus.PacketResultDropped, 0)
	if p.OnSent != nil {
		p.OnSent(p.Header, len(p.Payload), time.Time{}, errPacerStopped)
	}
}

func (n *NoQueue) sendWorker() {
	for {
		select {
		case <-n.wake:
			batch := n.swap()
			for batch.Len() != 0 {
				p := batch.PopFront()
				_, _ = n.Base.SendPacket(&p)
			}

		case <-n.stop.Watch():
			batch := n.swap()
			if batch.Len() != 0 {
				n.logger.Debugw("discarding queued packets on stop", "count", batch.Len())
			}
			for batch.Len() != 0 {
				p := batch.PopFront()
				n.discard(&p)
			}
			return
		}
	}
}
