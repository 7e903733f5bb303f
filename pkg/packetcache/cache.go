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

// Package packetcache keeps recently sent RTP packets per stream so they can
// be replayed for retransmission or probing.
package packetcache

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/livekit/protocol/logger"
	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/livekit/media-transform/pkg/packet"
)

const (
	DefaultPacketsPerStream = 512
)

var (
	ErrInvalidPacket = errors.New("invalid rtp packet")
)

type Params struct {
	PacketsPerStream int
	Logger           logger.Logger
}

type Cache struct {
	params Params

	lock    sync.RWMutex
	streams map[uint32]*lru.Cache[uint16, *record]
}

func New(params Params) *Cache {
	if params.PacketsPerStream <= 0 {
		params.PacketsPerStream = DefaultPacketsPerStream
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Cache{
		params:  params,
		streams: make(map[uint32]*lru.Cache[uint16, *record]),
	}
}

// Insert stores a private copy of a marshalled RTP packet under its SSRC and
// sequence number. A packet with the same sequence number replaces the older one.
func (c *Cache) Insert(buf []byte) error {
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(buf); err != nil {
		return errors.Join(ErrInvalidPacket, err)
	}

	stream, err := c.getOrCreateStream(hdr.SSRC)
	if err != nil {
		return err
	}

	data := append([]byte(nil), buf...)
	r := &record{}
	r.data.Store(&data)
	if old, ok := stream.Peek(hdr.SequenceNumber); ok {
		old.release()
	}
	stream.Add(hdr.SequenceNumber, r)
	return nil
}

// GetMany returns the most recent packets of a stream whose sizes add up to at
// most numBytes, oldest first. Unknown streams return nil.
func (c *Cache) GetMany(ssrc uint32, numBytes int) []packet.CachedPacket {
	c.lock.RLock()
	stream, ok := c.streams[ssrc]
	c.lock.RUnlock()
	if !ok || numBytes <= 0 {
		return nil
	}

	keys := stream.Keys()
	selected := make([]packet.CachedPacket, 0, len(keys))
	remaining := numBytes
	for i := len(keys) - 1; i >= 0; i-- {
		r, ok := stream.Peek(keys[i])
		if !ok {
			continue
		}
		size := len(r.Data())
		if size == 0 {
			continue
		}
		if size > remaining {
			break
		}
		remaining -= size
		selected = append(selected, r)
	}

	// reverse to chronological order
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected
}

func (c *Cache) Get(ssrc uint32, sn uint16) (packet.CachedPacket, bool) {
	c.lock.RLock()
	stream, ok := c.streams[ssrc]
	c.lock.RUnlock()
	if !ok {
		return nil, false
	}

	r, ok := stream.Peek(sn)
	if !ok {
		return nil, false
	}
	return r, true
}

func (c *Cache) RemoveStream(ssrc uint32) {
	c.lock.Lock()
	stream, ok := c.streams[ssrc]
	delete(c.streams, ssrc)
	c.lock.Unlock()

	if ok {
		stream.Purge()
	}
}

func (c *Cache) Len(ssrc uint32) int {
	c.lock.RLock()
	stream, ok := c.streams[ssrc]
	c.lock.RUnlock()
	if !ok {
		return 0
	}
	return stream.Len()
}

func (c *Cache) getOrCreateStream(ssrc uint32) (*lru.Cache[uint16, *record], error) {
	c.lock.RLock()
	stream, ok := c.streams[ssrc]
	c.lock.RUnlock()
	if ok {
		return stream, nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if stream, ok = c.streams[ssrc]; ok {
		return stream, nil
	}

	stream, err := lru.NewWithEvict[uint16, *record](c.params.PacketsPerStream, func(_ uint16, r *record) {
		r.release()
	})
	if err != nil {
		return nil, err
	}
	c.streams[ssrc] = stream
	c.params.Logger.Debugw("packet cache: stream added", "ssrc", ssrc, "capacity", c.params.PacketsPerStream)
	return stream, nil
}

// ------------------------------------------------

type record struct {
	data atomic.Pointer[[]byte]
}

func (r *record) Data() []byte {
	p := r.data.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (r *record) release() {
	r.data.Store(nil)
}
