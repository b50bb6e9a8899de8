package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Router is the room-scoped capability context: it answers what the room
// can route, mints transports on its worker, and tracks live producers
// for consume-capability checks. A room owns its router for life.
type Router struct {
	ID string

	worker      *Worker
	announcedIP string
	caps        RTPCapabilities
	logger      *zap.Logger

	mu        sync.RWMutex
	producers map[string]*Producer
	closed    bool
}

func newRouter(w *Worker, announcedIP string, logger *zap.Logger) *Router {
	return &Router{
		ID:          uuid.NewString(),
		worker:      w,
		announcedIP: announcedIP,
		caps:        DefaultRTPCapabilities(),
		logger:      logger,
		producers:   make(map[string]*Producer),
	}
}

// RTPCapabilities returns the router's capability descriptor. Safe to
// call any number of times; no side effects.
func (r *Router) RTPCapabilities() RTPCapabilities {
	return r.caps
}

// CreateTransport asks the worker for fresh negotiation material and
// wraps it in a transport of the requested direction.
func (r *Router) CreateTransport(direction Direction) (*Transport, error) {
	if r.isClosed() {
		return nil, fmt.Errorf("router %s is closed", r.ID)
	}
	material, err := r.worker.mintTransportMaterial(r.announcedIP)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", direction, err)
	}
	return newTransport(direction, material), nil
}

// Produce creates a producer on a send transport and registers it with
// the router so consumers can find it.
func (r *Router) Produce(t *Transport, kind Kind, rtpParameters json.RawMessage, appData AppData) (*Producer, error) {
	if t == nil {
		return nil, fmt.Errorf("produce requires a send transport")
	}
	if t.Direction != DirectionSend {
		return nil, fmt.Errorf("cannot produce on a %s transport", t.Direction)
	}
	if t.Closed() {
		return nil, fmt.Errorf("transport %s is closed", t.ID)
	}
	if kind != KindAudio && kind != KindVideo {
		return nil, fmt.Errorf("invalid producer kind: %q", kind)
	}

	p := NewProducer(kind, rtpParameters, appData)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("router %s is closed", r.ID)
	}
	r.producers[p.ID] = p
	r.mu.Unlock()

	p.OnClose(func() {
		r.mu.Lock()
		delete(r.producers, p.ID)
		r.mu.Unlock()
	})
	t.OnClose(p.Close)

	return p, nil
}

// CanConsume reports whether a capability set can consume a producer:
// the producer must be live and the capabilities must share a codec of
// the producer's kind with the router.
func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok || p.Closed() {
		return false
	}
	caps, err := ParseRTPCapabilities(rtpCapabilities)
	if err != nil {
		r.logger.Debug("Rejecting consume with unparseable capabilities",
			zap.String("producerID", producerID),
			zap.Error(err),
		)
		return false
	}
	return caps.SupportsKind(r.caps, p.Kind)
}

// Consume creates a paused consumer on a recv transport, bound to the
// producer's media. The consumer dies with either its transport or its
// source producer.
func (r *Router) Consume(t *Transport, producerID string, appData AppData) (*Consumer, error) {
	if t == nil {
		return nil, fmt.Errorf("consume requires a recv transport")
	}
	if t.Direction != DirectionRecv {
		return nil, fmt.Errorf("cannot consume on a %s transport", t.Direction)
	}
	if t.Closed() {
		return nil, fmt.Errorf("transport %s is closed", t.ID)
	}

	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("producer %s does not exist", producerID)
	}
	if p.Closed() {
		return nil, fmt.Errorf("producer %s is closed", producerID)
	}

	c := NewConsumer(p.ID, p.Kind, p.RTPParameters, appData)
	t.OnClose(c.Close)
	p.OnClose(c.Close)
	return c, nil
}

// NewAudioLevelObserver creates the router's active-speaker observer.
func (r *Router) NewAudioLevelObserver(opts AudioLevelObserverOptions) *AudioLevelObserver {
	return newAudioLevelObserver(opts, r.logger)
}

func (r *Router) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close releases the router context and every producer still registered
// on it. Close failures on individual producers cannot happen; hooks
// run to completion.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	producers := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.producers = make(map[string]*Producer)
	r.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
}
