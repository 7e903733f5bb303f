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

const (
	// budget saved up while idle is capped at this many intervals
	maxBurstIntervals = 2

	// probe packets older than this no longer say anything about the path
	maxProbeQueueDelay = 200 * time.Millisecond
)

var errProbeExpired = errors.New("probe packet expired in pacer queue")

type queuedPacket struct {
	packet   Packet
	queuedAt time.Time
}

// LeakyBucket drains queued packets at a configured bitrate, checking the
// budget once per interval. Media packets always leave before probe packets.
type LeakyBucket struct {
	*Base

	logger logger.Logger

	lock     sync.Mutex
	media    deque.Deque[queuedPacket]
	probes   deque.Deque[queuedPacket]
	interval time.Duration
	bitrate  int

	stop core.Fuse
}

func NewLeakyBucket(logger logger.Logger, interval time.Duration, bitrate int) *LeakyBucket {
	l := &LeakyBucket{
		Base:     NewBase(logger),
		logger:   logger,
		interval: interval,
		bitrate:  bitrate,
	}

	go l.sendWorker()
	return l
}

func (l *LeakyBucket) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	l.interval = interval
}

func (l *LeakyBucket) SetBitrate(bitrate int) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.bitrate = bitrate
}

func (l *LeakyBucket) Stop() {
	l.stop.Break()
}

func (l *LeakyBucket) Enqueue(p Packet) {
	if l.stop.IsBroken() {
		prometheus.IncrementPacerPackets(prometheus.PacketResultDropped, 0)
		return
	}

	q := queuedPacket{packet: p, queuedAt: l.now()}

	l.lock.Lock()
	if p.Probing {
		l.probes.PushBack(q)
	} else {
		l.media.PushBack(q)
	}
	l.lock.Unlock()
}

func (l *LeakyBucket) QueueLength() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.media.Len() + l.probes.Len()
}

func (l *LeakyBucket) settings() (time.Duration, int) {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.interval, l.bitrate
}

// next pops the packet to send, discarding probes that waited too long.
func (l *LeakyBucket) next(now time.Time) (*Packet, bool) {
	var expired []Packet

	l.lock.Lock()
	var p *Packet
	if l.media.Len() != 0 {
		q := l.media.PopFront()
		p = &q.packet
	} else {
		for l.probes.Len() != 0 {
			q := l.probes.PopFront()
			if now.Sub(q.queuedAt) > maxProbeQueueDelay {
				expired = append(expired, q.packet)
				continue
			}
			p = &q.packet
			break
		}
	}
	l.lock.Unlock()

	for i := range expired {
		l.drop(&expired[i])
	}
	return p, p != nil
}

func (l *LeakyBucket) drop(p *Packet) {
	prometheus.IncrementPacerPackets(prometheus.PacketResultDropped, 0)
	if p.OnSent != nil {
		p.OnSent(p.Header, len(p.Payload), time.Time{}, errProbeExpired)
	}
}

func (l *LeakyBucket) sendWorker() {
	interval, _ := l.settings()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	budget := 0
	for {
		select {
		case <-ticker.C:
		case <-l.stop.Watch():
			return
		}

		currentInterval, bitrate := l.settings()
		if currentInterval != interval {
			interval = currentInterval
			ticker.Reset(interval)
		}

		intervalBytes := int(interval.Seconds() * float64(bitrate) / 8.0)
		budget += intervalBytes
		if maxBudget := intervalBytes * maxBurstIntervals; budget > maxBudget {
			budget = maxBudget
		}

		// a packet may take the budget negative, the debt is paid next interval
		for budget > 0 {
			if l.stop.IsBroken() {
				return
			}

			p, ok := l.next(l.now())
			if !ok {
				// nothing queued, do not save up more than one interval
				if budget > intervalBytes {
					budget = intervalBytes
				}
				break
			}

			written, err := l.Base.SendPacket(p)
			if err != nil {
				written = p.Header.MarshalSize() + len(p.Payload)
			}
			budget -= written
		}
	}
}
