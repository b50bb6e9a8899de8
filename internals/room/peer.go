package room

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/conclave-rtc/conclave/internals/engine"
	"github.com/conclave-rtc/conclave/internals/metrics"
	"github.com/conclave-rtc/conclave/internals/protocol"
)

// Conn is the outbound half of a peer's connection. The signaling
// server's websocket client satisfies it; tests use recorders.
type Conn interface {
	SendEnvelope(protocol.Envelope) error
}

// Peer is one client's connection-scoped resource bundle: at most one
// transport per direction, plus its producers and consumers. A peer id
// is minted fresh per connection and never persisted.
type Peer struct {
	ID   string
	conn Conn

	mu            sync.RWMutex
	sendTransport *engine.Transport
	recvTransport *engine.Transport
	producers     map[string]*engine.Producer
	consumers     map[string]*engine.Consumer
	closeNotices  map[string]struct{}

	// gone flips on disconnect: late sends and in-flight operation
	// results become no-ops instead of resurrecting resources.
	gone atomic.Bool
}

func newPeer(id string, conn Conn) *Peer {
	return &Peer{
		ID:           id,
		conn:         conn,
		producers:    make(map[string]*engine.Producer),
		consumers:    make(map[string]*engine.Consumer),
		closeNotices: make(map[string]struct{}),
	}
}

// Gone reports whether the peer has been torn down.
func (p *Peer) Gone() bool {
	return p.gone.Load()
}

func (p *Peer) markGone() {
	p.gone.Store(true)
}

func (p *Peer) send(env protocol.Envelope) error {
	if p.gone.Load() {
		return nil
	}
	if err := p.conn.SendEnvelope(env); err != nil {
		return fmt.Errorf("send %s to peer %s: %w", env.Type, p.ID, err)
	}
	metrics.MessagesSent.Inc()
	return nil
}

// setTransport stores a transport for its direction and returns the one
// it replaces, if any. The caller closes the prior transport: silently
// leaking the old negotiation state is not an option.
func (p *Peer) setTransport(t *engine.Transport) (prior *engine.Transport, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone.Load() {
		return nil, fmt.Errorf("peer %s is gone", p.ID)
	}
	switch t.Direction {
	case engine.DirectionSend:
		prior = p.sendTransport
		p.sendTransport = t
	case engine.DirectionRecv:
		prior = p.recvTransport
		p.recvTransport = t
	}
	return prior, nil
}

func (p *Peer) transport(direction engine.Direction) *engine.Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if direction == engine.DirectionSend {
		return p.sendTransport
	}
	return p.recvTransport
}

func (p *Peer) addProducer(prod *engine.Producer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone.Load() {
		return fmt.Errorf("peer %s is gone", p.ID)
	}
	p.producers[prod.ID] = prod
	return nil
}

func (p *Peer) removeProducer(id string) {
	p.mu.Lock()
	delete(p.producers, id)
	p.mu.Unlock()
}

func (p *Peer) producer(id string) (*engine.Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prod, ok := p.producers[id]
	return prod, ok
}

func (p *Peer) snapshotProducers() []*engine.Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*engine.Producer, 0, len(p.producers))
	for _, prod := range p.producers {
		out = append(out, prod)
	}
	return out
}

func (p *Peer) addConsumer(c *engine.Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone.Load() {
		return fmt.Errorf("peer %s is gone", p.ID)
	}
	p.consumers[c.ID] = c
	return nil
}

func (p *Peer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// noteProducerClose records that this peer holds a close-notification
// hook for the producer. Re-consuming the same producer, e.g. after a
// recv-transport replacement closed the first consumer, must not stack
// a duplicate hook.
func (p *Peer) noteProducerClose(producerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.closeNotices[producerID]; ok {
		return false
	}
	p.closeNotices[producerID] = struct{}{}
	return true
}

func (p *Peer) consumer(id string) (*engine.Consumer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.consumers[id]
	return c, ok
}

// closeResources cascades teardown: consumers, then producers, then
// transports. Close hooks handle engine-side release and cross-peer
// notifications; nothing here may abort the sequence.
func (p *Peer) closeResources() {
	p.mu.Lock()
	consumers := make([]*engine.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*engine.Producer, 0, len(p.producers))
	for _, prod := range p.producers {
		producers = append(producers, prod)
	}
	transports := []*engine.Transport{p.sendTransport, p.recvTransport}
	p.consumers = make(map[string]*engine.Consumer)
	p.producers = make(map[string]*engine.Producer)
	p.sendTransport = nil
	p.recvTransport = nil
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, prod := range producers {
		prod.Close()
	}
	for _, t := range transports {
		if t != nil {
			t.Close()
		}
	}
}
