package engine

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

// Producer is an outbound media source a peer publishes. The engine
// keeps it for capability matching and loudness observation; actual RTP
// routing stays behind the engine boundary.
type Producer struct {
	ID            string
	Kind          Kind
	RTPParameters json.RawMessage
	AppData       AppData

	mu        sync.Mutex
	closed    bool
	onClose   []func()
	levelSink func(producerID string, dBov int)
}

// NewProducer builds a producer record with a fresh id. Exposed so
// tests and engine fakes can mint producers without a worker pool.
func NewProducer(kind Kind, rtpParameters json.RawMessage, appData AppData) *Producer {
	return &Producer{
		ID:            uuid.NewString(),
		Kind:          kind,
		RTPParameters: rtpParameters,
		AppData:       appData,
	}
}

// OnClose registers a hook run exactly once when the producer closes.
func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// Close releases the producer and fires close hooks. Idempotent.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	hooks := p.onClose
	p.onClose = nil
	p.levelSink = nil
	p.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) setLevelSink(fn func(string, int)) {
	p.mu.Lock()
	p.levelSink = fn
	p.mu.Unlock()
}

// IngestRTP feeds one RTP packet from the data plane into loudness
// observation. The audio-level header extension (RFC 6464) carries the
// level as -dBov in the low 7 bits of its first byte.
func (p *Producer) IngestRTP(pkt *rtp.Packet, audioLevelExtID uint8) {
	if p.Kind != KindAudio || audioLevelExtID == 0 {
		return
	}
	ext := pkt.GetExtension(audioLevelExtID)
	if len(ext) == 0 {
		return
	}
	dBov := -int(ext[0] & 0x7F)

	p.mu.Lock()
	sink := p.levelSink
	p.mu.Unlock()
	if sink != nil {
		sink(p.ID, dBov)
	}
}
