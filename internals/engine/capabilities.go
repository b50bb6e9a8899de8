package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is what the engine routes. Application-level "screen" sharing is
// plain video at this layer; the distinction lives in AppData.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// AppData is the application tag attached to producers and consumers.
// UserID correlates a producer back to the publishing peer for
// speaker attribution.
type AppData struct {
	Type   string `json:"type,omitempty"` // camera | microphone | screen
	UserID string `json:"userId,omitempty"`
}

// RTPCodecCapability describes one codec a router can route.
type RTPCodecCapability struct {
	Kind       Kind           `json:"kind"`
	MimeType   string         `json:"mimeType"`
	ClockRate  uint32         `json:"clockRate"`
	Channels   uint16         `json:"channels,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// RTPHeaderExtension describes a negotiated RTP header extension.
type RTPHeaderExtension struct {
	Kind        Kind   `json:"kind"`
	URI         string `json:"uri"`
	PreferredID uint8  `json:"preferredId"`
}

// RTPCapabilities is the router capability descriptor handed to clients
// and matched against on consume.
type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

// AudioLevelExtensionURI carries per-packet loudness in -dBov
// (RFC 6464); the observer feeds on it.
const AudioLevelExtensionURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// DefaultRTPCapabilities returns the codec set every router supports:
// Opus for audio, VP8 for video.
func DefaultRTPCapabilities() RTPCapabilities {
	return RTPCapabilities{
		Codecs: []RTPCodecCapability{
			{Kind: KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
			{Kind: KindVideo, MimeType: "video/VP8", ClockRate: 90000},
		},
		HeaderExtensions: []RTPHeaderExtension{
			{Kind: KindAudio, URI: AudioLevelExtensionURI, PreferredID: 1},
		},
	}
}

// ParseRTPCapabilities decodes a client-supplied capability descriptor.
func ParseRTPCapabilities(raw json.RawMessage) (RTPCapabilities, error) {
	var caps RTPCapabilities
	if len(raw) == 0 {
		return caps, fmt.Errorf("empty rtp capabilities")
	}
	if err := json.Unmarshal(raw, &caps); err != nil {
		return caps, fmt.Errorf("invalid rtp capabilities: %w", err)
	}
	return caps, nil
}

// SupportsKind reports whether the capability set carries at least one
// codec of the given kind that the router also routes.
func (c RTPCapabilities) SupportsKind(router RTPCapabilities, kind Kind) bool {
	for _, mine := range c.Codecs {
		if mine.Kind != kind {
			continue
		}
		for _, theirs := range router.Codecs {
			if theirs.Kind == kind && strings.EqualFold(mine.MimeType, theirs.MimeType) {
				return true
			}
		}
	}
	return false
}

// AudioLevelExtensionID returns the negotiated extension id for the
// audio-level header extension, or 0 if absent.
func (c RTPCapabilities) AudioLevelExtensionID() uint8 {
	for _, ext := range c.HeaderExtensions {
		if ext.URI == AudioLevelExtensionURI {
			return ext.PreferredID
		}
	}
	return 0
}
