package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates signaling envelopes. The set is closed: the
// dispatcher refuses anything not listed here.
type EventType string

const (
	// Client → server.
	EventJoinRoom                 EventType = "JOIN_ROOM"
	EventGetRouterRtpCapabilities EventType = "GET_ROUTER_RTP_CAPABILITIES"
	EventCreateWebRTCTransport    EventType = "CREATE_WEBRTC_TRANSPORT"
	EventConnectProducerTransport EventType = "CONNECT_PRODUCER_TRANSPORT"
	EventConnectConsumerTransport EventType = "CONNECT_CONSUMER_TRANSPORT"
	EventProduce                  EventType = "PRODUCE"
	EventConsume                  EventType = "CONSUME"
	EventResumeConsumer           EventType = "RESUME_CONSUMER"
	EventProducerClosed           EventType = "PRODUCER_CLOSED"
	EventLocalUserMediaToggled    EventType = "LOCAL_USER_MEDIA_TOGGLED"
	EventSendChatMessage          EventType = "SEND_CHAT_MESSAGE"
	EventTyping                   EventType = "TYPING"

	// Server → client.
	EventWelcome                    EventType = "WELCOME"
	EventRouterRtpCapabilities      EventType = "ROUTER_RTP_CAPABILITIES"
	EventWebRTCTransportCreated     EventType = "WEBRTC_TRANSPORT_CREATED"
	EventProduced                   EventType = "PRODUCED"
	EventConsumed                   EventType = "CONSUMED"
	EventNewProducer                EventType = "NEW_PRODUCER"
	EventProducerClosedNotification EventType = "PRODUCER_CLOSED_NOTIFICATION"
	EventResumePausedConsumer       EventType = "RESUME_PAUSED_CONSUMER"
	EventPeerDisconnected           EventType = "PEER_DISCONNECTED"
	EventSpeakingUsers              EventType = "SPEAKING_USERS"
	EventRemoteUserMediaToggled     EventType = "REMOTE_USER_MEDIA_TOGGLED"
	EventReceiveChatMessage         EventType = "RECEIVE_CHAT_MESSAGE"
	EventError                      EventType = "ERROR"
)

// Envelope is the wire frame: a type tag plus a type-specific payload.
// Envelopes travel as binary websocket frames carrying UTF-8 JSON.
type Envelope struct {
	Type    EventType       `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Message: data}, nil
}

// MustEnvelope is NewEnvelope for payload types that cannot fail to marshal.
func MustEnvelope(t EventType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode parses a raw binary frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope has no type tag")
	}
	return env, nil
}

// Encode serializes an envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// DecodePayload unmarshals the envelope's message into out.
func DecodePayload[T any](env Envelope, out *T) error {
	if len(env.Message) == 0 {
		return fmt.Errorf("%s envelope has no message", env.Type)
	}
	if err := json.Unmarshal(env.Message, out); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return nil
}
