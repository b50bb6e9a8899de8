package engine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Consumer is an inbound subscription to another peer's producer. It is
// always created paused; the consuming client resumes it once the
// stream is attached on its side.
type Consumer struct {
	ID            string
	ProducerID    string
	Kind          Kind
	RTPParameters json.RawMessage
	AppData       AppData

	mu      sync.Mutex
	paused  bool
	closed  bool
	onClose []func()
}

// NewConsumer builds a paused consumer record with a fresh id.
func NewConsumer(producerID string, kind Kind, rtpParameters json.RawMessage, appData AppData) *Consumer {
	return &Consumer{
		ID:            uuid.NewString(),
		ProducerID:    producerID,
		Kind:          kind,
		RTPParameters: rtpParameters,
		AppData:       appData,
		paused:        true,
	}
}

// Resume unpauses the consumer. Resuming an already-running consumer is
// a no-op, so duplicate delivery is harmless.
func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s is closed", c.ID)
	}
	c.paused = false
	return nil
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// OnClose registers a hook run exactly once when the consumer closes.
func (c *Consumer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close releases the consumer. Idempotent.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
