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

package events

import (
	"errors"
	"fmt"
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-transform/pkg/payloadtype"
)

var ErrDuplicatePayloadType = errors.New("payload type number already registered")

type FeedParams struct {
	Logger logger.Logger
}

// Feed is the registry of negotiated payload types and local stream
// configuration. Every change is delivered synchronously, in call order, to
// all observers; a change returns only after every observer has handled it.
type Feed struct {
	params FeedParams

	// held across a change and its delivery, so observers see changes in
	// the order the registry applied them
	dispatchLock sync.Mutex

	lock         sync.RWMutex
	observers    []observer
	payloadTypes map[uint8]payloadtype.PayloadType
	localSsrcs   map[payloadtype.MediaKind]uint32
}

type observer struct {
	key     string
	handler Handler
}

func NewFeed(params FeedParams) *Feed {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Feed{
		params:       params,
		payloadTypes: make(map[uint8]payloadtype.PayloadType),
		localSsrcs:   make(map[payloadtype.MediaKind]uint32),
	}
}

// AddObserver registers (or replaces) the handler stored under key.
func (f *Feed) AddObserver(key string, h Handler) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for i := range f.observers {
		if f.observers[i].key == key {
			f.observers[i].handler = h
			return
		}
	}
	f.observers = append(f.observers, observer{key: key, handler: h})
}

func (f *Feed) RemoveObserver(key string) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for i := range f.observers {
		if f.observers[i].key == key {
			f.observers = append(f.observers[:i], f.observers[i+1:]...)
			return
		}
	}
}

func (f *Feed) AddPayloadType(pt payloadtype.PayloadType) error {
	f.dispatchLock.Lock()
	defer f.dispatchLock.Unlock()

	f.lock.Lock()
	if existing, ok := f.payloadTypes[pt.Number()]; ok {
		f.lock.Unlock()
		if existing.Equal(pt) {
			return nil
		}
		return fmt.Errorf("%w: %d", ErrDuplicatePayloadType, pt.Number())
	}
	f.payloadTypes[pt.Number()] = pt
	f.lock.Unlock()

	f.dispatch(PayloadTypeAdded{PayloadType: pt})
	return nil
}

func (f *Feed) ClearPayloadTypes() {
	f.dispatchLock.Lock()
	defer f.dispatchLock.Unlock()

	f.lock.Lock()
	f.payloadTypes = make(map[uint8]payloadtype.PayloadType)
	f.lock.Unlock()

	f.dispatch(PayloadTypesCleared{})
}

func (f *Feed) SetLocalSsrc(kind payloadtype.MediaKind, ssrc uint32) {
	f.dispatchLock.Lock()
	defer f.dispatchLock.Unlock()

	f.lock.Lock()
	f.localSsrcs[kind] = ssrc
	f.lock.Unlock()

	f.dispatch(LocalSsrcSet{Kind: kind, SSRC: ssrc})
}

func (f *Feed) AssociateSsrcs(primary uint32, secondary uint32, associationType AssociationType) {
	f.dispatchLock.Lock()
	defer f.dispatchLock.Unlock()

	f.dispatch(SsrcAssociation{Primary: primary, Secondary: secondary, Type: associationType})
}

func (f *Feed) PayloadType(number uint8) (payloadtype.PayloadType, bool) {
	f.lock.RLock()
	defer f.lock.RUnlock()

	pt, ok := f.payloadTypes[number]
	return pt, ok
}

func (f *Feed) LocalSsrc(kind payloadtype.MediaKind) (uint32, bool) {
	f.lock.RLock()
	defer f.lock.RUnlock()

	ssrc, ok := f.localSsrcs[kind]
	return ssrc, ok
}

// dispatch delivers e to every observer, dispatchLock must be held.
func (f *Feed) dispatch(e Event) {
	f.lock.RLock()
	handlers := make([]Handler, 0, len(f.observers))
	for _, o := range f.observers {
		handlers = append(handlers, o.handler)
	}
	f.lock.RUnlock()

	f.params.Logger.Debugw("publishing event", "event", e, "observers", len(handlers))
	for _, h := range handlers {
		h.HandleEvent(e)
	}
}
