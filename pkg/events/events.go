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

// Package events carries transport configuration changes (payload types,
// local SSRCs, SSRC associations) to the components that react to them.
package events

import (
	"fmt"

	"github.com/livekit/media-transform/pkg/payloadtype"
)

// Event is one of PayloadTypeAdded, PayloadTypesCleared, LocalSsrcSet or SsrcAssociation.
type Event interface {
	isEvent()
}

type PayloadTypeAdded struct {
	PayloadType payloadtype.PayloadType
}

type PayloadTypesCleared struct{}

type LocalSsrcSet struct {
	Kind payloadtype.MediaKind
	SSRC uint32
}

type AssociationType int

const (
	AssociationTypeRtx AssociationType = iota
	AssociationTypeFec
)

func (a AssociationType) String() string {
	switch a {
	case AssociationTypeRtx:
		return "rtx"
	case AssociationTypeFec:
		return "fec"
	}
	return fmt.Sprintf("%d", int(a))
}

// SsrcAssociation ties a secondary stream (e.g. RTX) to its primary media stream.
type SsrcAssociation struct {
	Primary   uint32
	Secondary uint32
	Type      AssociationType
}

func (PayloadTypeAdded) isEvent()    {}
func (PayloadTypesCleared) isEvent() {}
func (LocalSsrcSet) isEvent()        {}
func (SsrcAssociation) isEvent()     {}

func (e PayloadTypeAdded) String() string {
	return fmt.Sprintf("PayloadTypeAdded{%s}", e.PayloadType)
}

func (e PayloadTypesCleared) String() string {
	return "PayloadTypesCleared{}"
}

func (e LocalSsrcSet) String() string {
	return fmt.Sprintf("LocalSsrcSet{kind: %s, ssrc: %d}", e.Kind, e.SSRC)
}

func (e SsrcAssociation) String() string {
	return fmt.Sprintf("SsrcAssociation{primary: %d, secondary: %d, type: %s}", e.Primary, e.Secondary, e.Type)
}

type Handler interface {
	HandleEvent(e Event)
}

type HandlerFunc func(e Event)

func (f HandlerFunc) HandleEvent(e Event) {
	f(e)
}
