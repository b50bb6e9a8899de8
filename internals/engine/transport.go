package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// Direction of a transport relative to the client.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// ParseDirection validates a wire direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionSend, DirectionRecv:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("invalid transport direction: %q", s)
	}
}

type transportState int

const (
	transportNew transportState = iota
	transportConnected
	transportClosed
)

// Transport is one negotiated network path for a peer. The engine hands
// the client everything it needs (ICE parameters/candidates, DTLS
// fingerprints); the actual ICE/DTLS/SRTP machinery lives behind the
// engine boundary.
type Transport struct {
	ID             string
	Direction      Direction
	ICEParameters  webrtc.ICEParameters
	ICECandidates  []webrtc.ICECandidate
	DTLSParameters webrtc.DTLSParameters

	mu      sync.Mutex
	state   transportState
	onClose []func()
}

func newTransport(direction Direction, material transportMaterial) *Transport {
	return &Transport{
		ID:             uuid.NewString(),
		Direction:      direction,
		ICEParameters:  material.ice,
		ICECandidates:  material.candidates,
		DTLSParameters: material.dtls,
	}
}

// remoteDTLSParameters mirrors webrtc.DTLSParameters with the role as
// the wire string ("client"/"server"/"auto"), which is how browsers
// serialize it.
type remoteDTLSParameters struct {
	Role         string                   `json:"role"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

// Connect completes the negotiation handshake with the client's DTLS
// parameters. A duplicate connect is a no-op.
func (t *Transport) Connect(remote json.RawMessage) error {
	var params remoteDTLSParameters
	if err := json.Unmarshal(remote, &params); err != nil {
		return fmt.Errorf("invalid dtls parameters: %w", err)
	}
	if len(params.Fingerprints) == 0 {
		return fmt.Errorf("dtls parameters carry no fingerprints")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case transportClosed:
		return fmt.Errorf("transport %s is closed", t.ID)
	case transportConnected:
		return nil
	}
	t.state = transportConnected
	return nil
}

// OnClose registers a hook run exactly once when the transport closes.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	if t.state == transportClosed {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

// Close releases the transport and fires close hooks. Idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.state == transportClosed {
		t.mu.Unlock()
		return
	}
	t.state = transportClosed
	hooks := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transportClosed
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transportConnected
}
