package signaling

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conclave-rtc/conclave/internals/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 524288 // 512KB, rtpParameters payloads can be large
	sendQueueSize  = 256
)

// Client is one websocket connection. Frames are binary and carry one
// JSON envelope each. The peer id is minted server-side on upgrade and
// returned to the client in WELCOME.
type Client struct {
	PeerID string

	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	limiter *rate.Limiter

	closeOnce sync.Once
	closed    atomic.Bool

	// OnMessage runs on the read pump goroutine for each decoded
	// envelope. OnDisconnect fires once when the read pump exits.
	OnMessage    func(*Client, protocol.Envelope)
	OnDisconnect func(*Client)
}

func NewClient(peerID string, conn *websocket.Conn, limiter *rate.Limiter, logger *zap.Logger) *Client {
	return &Client{
		PeerID:  peerID,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		limiter: limiter,
		logger:  logger,
	}
}

// SendEnvelope queues an envelope for delivery. A full queue drops the
// frame rather than blocking the caller; the peer is likely on a dead
// or stalled connection and the read deadline will reap it.
func (c *Client) SendEnvelope(env protocol.Envelope) error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("Client send queue full, dropping message",
			zap.String("peerID", c.PeerID),
			zap.String("type", string(env.Type)),
		)
		return nil
	}
}

// SendError reports a failed operation without tearing the connection
// down.
func (c *Client) SendError(msg string) {
	env, err := protocol.NewEnvelope(protocol.EventError, protocol.ErrorMessage{Msg: msg})
	if err != nil {
		c.logger.Error("Failed to marshal error message", zap.Error(err))
		return
	}
	if err := c.SendEnvelope(env); err != nil {
		c.logger.Debug("Failed to send error to client", zap.Error(err))
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// Close tears the connection down from the server side.
func (c *Client) Close() {
	c.closeSend()
	c.conn.Close()
}

// ReadPump consumes frames until the connection dies, then fires
// OnDisconnect exactly once.
func (c *Client) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error",
					zap.String("peerID", c.PeerID),
					zap.Error(err),
				)
			}
			break
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn("Rate limit exceeded, dropping message",
				zap.String("peerID", c.PeerID),
			)
			c.SendError("rate limit exceeded")
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Malformed envelope",
				zap.String("peerID", c.PeerID),
				zap.Error(err),
			)
			c.SendError("malformed message")
			continue
		}

		if c.OnMessage != nil {
			c.OnMessage(c, env)
		}
	}
}

// WritePump serializes all writes to the connection and keeps the
// websocket-level ping/pong heartbeat going.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.logger.Error("Failed to write message",
					zap.String("peerID", c.PeerID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
