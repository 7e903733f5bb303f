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

package payloadtype

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

const (
	MimeTypePrefixAudio = "audio/"
	MimeTypePrefixVideo = "video/"
)

type Encoding string

const (
	EncodingUnknown    Encoding = "unknown"
	EncodingVP8        Encoding = "vp8"
	EncodingVP9        Encoding = "vp9"
	EncodingH264       Encoding = "h264"
	EncodingAV1        Encoding = "av1"
	EncodingRTX        Encoding = "rtx"
	EncodingRED        Encoding = "red"
	EncodingOpus       Encoding = "opus"
	EncodingG722       Encoding = "g722"
	EncodingPCMU       Encoding = "pcmu"
	EncodingPCMA       Encoding = "pcma"
	EncodingDummyAudio Encoding = "dummy-audio"
)

func (e Encoding) String() string {
	return string(e)
}

// NormalizeEncoding maps an encoding name (as found in SDP rtpmap or a mime
// type subtype) to its canonical lower case form.
func NormalizeEncoding(name string) Encoding {
	switch {
	case strings.EqualFold(name, "vp8"):
		return EncodingVP8
	case strings.EqualFold(name, "vp9"):
		return EncodingVP9
	case strings.EqualFold(name, "h264"):
		return EncodingH264
	case strings.EqualFold(name, "av1"):
		return EncodingAV1
	case strings.EqualFold(name, "rtx"):
		return EncodingRTX
	case strings.EqualFold(name, "red"):
		return EncodingRED
	case strings.EqualFold(name, "opus"):
		return EncodingOpus
	case strings.EqualFold(name, "g722"):
		return EncodingG722
	case strings.EqualFold(name, "pcmu"):
		return EncodingPCMU
	case strings.EqualFold(name, "pcma"):
		return EncodingPCMA
	case strings.EqualFold(name, string(EncodingDummyAudio)):
		return EncodingDummyAudio
	}

	return Encoding(strings.ToLower(name))
}

// SplitMimeType splits "video/VP8" into its media kind and encoding.
func SplitMimeType(mimeType string) (MediaKind, Encoding) {
	switch {
	case len(mimeType) > len(MimeTypePrefixVideo) && strings.EqualFold(mimeType[:len(MimeTypePrefixVideo)], MimeTypePrefixVideo):
		return MediaKindVideo, NormalizeEncoding(mimeType[len(MimeTypePrefixVideo):])
	case len(mimeType) > len(MimeTypePrefixAudio) && strings.EqualFold(mimeType[:len(MimeTypePrefixAudio)], MimeTypePrefixAudio):
		return MediaKindAudio, NormalizeEncoding(mimeType[len(MimeTypePrefixAudio):])
	}

	return MediaKindUnknown, EncodingUnknown
}

// ------------------------------------------------

type MediaKind int

const (
	MediaKindUnknown MediaKind = iota
	MediaKindAudio
	MediaKindVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaKindAudio:
		return "audio"
	case MediaKindVideo:
		return "video"
	}

	return "unknown"
}

func MediaKindFromCodecType(t webrtc.RTPCodecType) MediaKind {
	switch t {
	case webrtc.RTPCodecTypeAudio:
		return MediaKindAudio
	case webrtc.RTPCodecTypeVideo:
		return MediaKindVideo
	}

	return MediaKindUnknown
}

func (k MediaKind) CodecType() webrtc.RTPCodecType {
	switch k {
	case MediaKindAudio:
		return webrtc.RTPCodecTypeAudio
	case MediaKindVideo:
		return webrtc.RTPCodecTypeVideo
	}

	return webrtc.RTPCodecType(0)
}
