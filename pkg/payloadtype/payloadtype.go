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

// Package payloadtype models negotiated RTP payload types as immutable values.
package payloadtype

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v3"
	"golang.org/x/exp/maps"
)

const (
	MaxPayloadTypeNumber = 127

	DefaultVideoClockRate = 90000
	DummyAudioClockRate   = 48000

	// ParameterAssociatedPayloadType carries the payload type an RTX payload type retransmits.
	ParameterAssociatedPayloadType = "apt"
)

var (
	ErrInvalidPayloadTypeNumber = errors.New("payload type number out of range")
	ErrInvalidClockRate         = errors.New("clock rate must be positive")
	ErrUnknownMediaKind         = errors.New("unknown media kind")
)

// PayloadType describes one negotiated RTP payload type. Values are never
// mutated after construction; the parameters map is private and copied on
// the way in and out.
type PayloadType struct {
	number     uint8
	encoding   Encoding
	kind       MediaKind
	clockRate  uint32
	parameters map[string]string
}

func New(number int, encoding Encoding, kind MediaKind, clockRate uint32, parameters map[string]string) (PayloadType, error) {
	if number < 0 || number > MaxPayloadTypeNumber {
		return PayloadType{}, fmt.Errorf("%w: %d", ErrInvalidPayloadTypeNumber, number)
	}
	if clockRate == 0 {
		return PayloadType{}, ErrInvalidClockRate
	}
	if kind != MediaKindAudio && kind != MediaKindVideo {
		return PayloadType{}, ErrUnknownMediaKind
	}

	var params map[string]string
	if len(parameters) != 0 {
		params = maps.Clone(parameters)
	}
	return PayloadType{
		number:     uint8(number),
		encoding:   encoding,
		kind:       kind,
		clockRate:  clockRate,
		parameters: params,
	}, nil
}

func NewVideo(number int, encoding Encoding, parameters map[string]string) (PayloadType, error) {
	return New(number, encoding, MediaKindVideo, DefaultVideoClockRate, parameters)
}

func NewVp8(number int, parameters map[string]string) (PayloadType, error) {
	return NewVideo(number, EncodingVP8, parameters)
}

// NewRtx creates an RTX payload type retransmitting associatedPayloadType.
func NewRtx(number int, associatedPayloadType uint8, parameters map[string]string) (PayloadType, error) {
	params := maps.Clone(parameters)
	if params == nil {
		params = make(map[string]string, 1)
	}
	params[ParameterAssociatedPayloadType] = strconv.Itoa(int(associatedPayloadType))
	return NewVideo(number, EncodingRTX, params)
}

// NewDummyAudio creates the synthetic audio payload type used for padding only audio streams.
func NewDummyAudio(number int) (PayloadType, error) {
	return New(number, EncodingDummyAudio, MediaKindAudio, DummyAudioClockRate, nil)
}

// FromCodecParameters converts a payload type negotiated by pion/webrtc.
func FromCodecParameters(p webrtc.RTPCodecParameters) (PayloadType, error) {
	kind, encoding := SplitMimeType(p.MimeType)
	if kind == MediaKindUnknown {
		return PayloadType{}, fmt.Errorf("%w: %s", ErrUnknownMediaKind, p.MimeType)
	}

	clockRate := p.ClockRate
	if clockRate == 0 && kind == MediaKindVideo {
		clockRate = DefaultVideoClockRate
	}
	return New(int(p.PayloadType), encoding, kind, clockRate, ParseFmtpLine(p.SDPFmtpLine))
}

// ParseFmtpLine parses "key1=value1;key2=value2". Entries without a value map to "".
func ParseFmtpLine(line string) map[string]string {
	params := make(map[string]string)
	for _, entry := range strings.Split(line, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, _ := strings.Cut(entry, "=")
		params[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return params
}

func (p PayloadType) Number() uint8 {
	return p.number
}

func (p PayloadType) Encoding() Encoding {
	return p.encoding
}

func (p PayloadType) Kind() MediaKind {
	return p.kind
}

func (p PayloadType) ClockRate() uint32 {
	return p.clockRate
}

func (p PayloadType) Parameters() map[string]string {
	return maps.Clone(p.parameters)
}

func (p PayloadType) Parameter(key string) (string, bool) {
	v, ok := p.parameters[key]
	return v, ok
}

func (p PayloadType) IsVideo() bool {
	return p.kind == MediaKindVideo
}

func (p PayloadType) IsAudio() bool {
	return p.kind == MediaKindAudio
}

func (p PayloadType) IsRtx() bool {
	return p.encoding == EncodingRTX
}

// AssociatedPayloadType returns the "apt" parameter of an RTX payload type.
func (p PayloadType) AssociatedPayloadType() (uint8, bool) {
	v, ok := p.parameters[ParameterAssociatedPayloadType]
	if !ok {
		return 0, false
	}
	apt, err := strconv.Atoi(v)
	if err != nil || apt < 0 || apt > MaxPayloadTypeNumber {
		return 0, false
	}
	return uint8(apt), true
}

func (p PayloadType) Equal(other PayloadType) bool {
	return p.number == other.number &&
		p.encoding == other.encoding &&
		p.kind == other.kind &&
		p.clockRate == other.clockRate &&
		maps.Equal(p.parameters, other.parameters)
}

func (p PayloadType) String() string {
	return fmt.Sprintf("PayloadType{number: %d, encoding: %s, kind: %s, clockRate: %d, parameters: %v}",
		p.number, p.encoding, p.kind, p.clockRate, p.parameters)
}
