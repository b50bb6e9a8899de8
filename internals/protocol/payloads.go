package protocol

import "encoding/json"

// MediaKind is the media kind carried in produce/consume payloads.
// "screen" is an application-level kind: the engine treats it as video.
type MediaKind string

const (
	MediaKindAudio  MediaKind = "audio"
	MediaKindVideo  MediaKind = "video"
	MediaKindScreen MediaKind = "screen"
)

// AppData is the application metadata tag attached to producers and
// consumers: it distinguishes camera/microphone/screen and carries the
// owner-peer correlation id used for speaker attribution.
type AppData struct {
	Type   string `json:"type,omitempty"` // camera | microphone | screen
	UserID string `json:"userId,omitempty"`
}

// --- Client → server payloads. Every payload carries RoomID except the
// initial JOIN_ROOM, which establishes it.

type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

type RouterRtpCapabilitiesRequest struct {
	RoomID string `json:"roomId"`
}

type CreateTransportRequest struct {
	RoomID    string `json:"roomId"`
	Direction string `json:"direction"` // send | recv
}

type ConnectTransportRequest struct {
	RoomID         string          `json:"roomId"`
	TransportID    string          `json:"transportId"`
	Direction      string          `json:"direction"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

type ProduceRequest struct {
	RoomID        string          `json:"roomId"`
	Kind          MediaKind       `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
	AppData       AppData         `json:"appData"`
}

type ConsumeRequest struct {
	RoomID          string          `json:"roomId"`
	ProducerID      string          `json:"producerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	Kind            MediaKind       `json:"kind"`
	AppData         AppData         `json:"appData"`
	PeerID          string          `json:"peerId"` // peer that owns the producer
}

type ResumeConsumerRequest struct {
	RoomID     string `json:"roomId"`
	ConsumerID string `json:"consumerId"`
}

type ProducerClosedRequest struct {
	RoomID     string    `json:"roomId"`
	ProducerID string    `json:"producerId"`
	Kind       MediaKind `json:"kind"`
}

type MediaToggle struct {
	RoomID  string    `json:"roomId"`
	PeerID  string    `json:"peerId"`
	Kind    MediaKind `json:"type"`
	Enabled bool      `json:"enable"`
}

type ChatMessage struct {
	RoomID    string `json:"roomId"`
	PeerID    string `json:"peerId"`
	PeerName  string `json:"peerName"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type TypingNotification struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

// --- Server → client payloads.

type Welcome struct {
	PeerID string `json:"peerId"`
	RoomID string `json:"roomId"`
}

type RouterRtpCapabilitiesReply struct {
	RtpCapabilities any `json:"rtpCapabilities"`
}

type TransportCreated struct {
	Direction      string `json:"direction"`
	TransportID    string `json:"transportId"`
	IceParameters  any    `json:"iceParameters"`
	IceCandidates  any    `json:"iceCandidates"`
	DtlsParameters any    `json:"dtlsParameters"`
	UserID         string `json:"userId"`
}

type Produced struct {
	ID            string          `json:"id"`
	Kind          MediaKind       `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

type Consumed struct {
	ConsumerID     string          `json:"consumerId"`
	ProducerID     string          `json:"producerId"`
	Kind           MediaKind       `json:"kind"`
	RtpParameters  json.RawMessage `json:"rtpParameters"`
	AppData        AppData         `json:"appData"`
	ProducerPeerID string          `json:"producerPeerId"`
}

type NewProducer struct {
	ProducerID string    `json:"producerId"`
	Kind       MediaKind `json:"kind"`
	PeerID     string    `json:"peerId"`
	AppData    AppData   `json:"appData"`
}

// ProducerGone tells a consuming peer that the source producer closed.
type ProducerGone struct {
	ProducerID string `json:"producerId"`
}

type ProducerClosedNotification struct {
	ProducerID string    `json:"producerId"`
	PeerID     string    `json:"peerId"`
	Kind       MediaKind `json:"kind"`
	AppData    AppData   `json:"appData"`
}

type ConsumerResumed struct {
	ConsumerID string `json:"consumerId"`
}

type PeerDisconnected struct {
	PeerID string `json:"peerId"`
}

type SpeakingUsers struct {
	SpeakingUsers []string `json:"speakingUsers"`
}

type ErrorMessage struct {
	Msg string `json:"msg"`
}
