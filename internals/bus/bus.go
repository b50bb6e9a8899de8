package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/conclave-rtc/conclave/internals/metrics"
	"github.com/conclave-rtc/conclave/internals/protocol"
	"github.com/conclave-rtc/conclave/internals/room"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel prefix for Redis pub/sub fan-out
const (
	RoomChannelPrefix  = "room:"
	RoomChannelPattern = RoomChannelPrefix + "*"
)

// RoomLookup is how the adapter reaches local rooms. The registry
// satisfies it; the adapter never creates rooms for remote traffic.
type RoomLookup interface {
	Get(roomID string) (*room.Room, bool)
}

// wireMessage is the envelope frame published to Redis. InstanceID lets
// subscribers drop their own publications; Origin preserves
// exclude-sender semantics on remote instances.
type wireMessage struct {
	InstanceID string            `json:"instance_id"`
	Origin     string            `json:"origin,omitempty"`
	Envelope   protocol.Envelope `json:"envelope"`
}

// Adapter bridges side-channel room events (chat, typing, media
// toggles) across instances over Redis pub/sub. One pattern
// subscription covers every room; per-room subscribe bookkeeping is
// not needed. Forwarded messages are broadcast locally and never
// re-published, so an event crosses the bus at most once.
type Adapter struct {
	redis      *redis.Client
	rooms      RoomLookup
	instanceID string
	logger     *zap.Logger

	sub    *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New connects the adapter and verifies Redis is reachable before
// anything depends on it.
func New(redisClient *redis.Client, rooms RoomLookup, logger *zap.Logger) (*Adapter, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	defer pingCancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	a := &Adapter{
		redis:      redisClient,
		rooms:      rooms,
		instanceID: instanceID(),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	logger.Info("Bus adapter initialized",
		zap.String("instance_id", a.instanceID),
	)
	return a, nil
}

// instanceID identifies this process on the bus. Hostname is unique
// enough under the usual one-container-per-instance deployment;
// INSTANCE_ID overrides it when it is not.
func instanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// RoomChannel returns the Redis channel name for a room.
func RoomChannel(roomID string) string {
	return RoomChannelPrefix + roomID
}

// Publish pushes an envelope onto a room's channel. Implements
// room.Publisher.
func (a *Adapter) Publish(roomID string, env protocol.Envelope, originPeerID string) error {
	data, err := json.Marshal(wireMessage{
		InstanceID: a.instanceID,
		Origin:     originPeerID,
		Envelope:   env,
	})
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}

	if err := a.redis.Publish(a.ctx, RoomChannel(roomID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", RoomChannel(roomID), err)
	}
	metrics.BusPublished.Inc()
	return nil
}

// Start opens the pattern subscription and consumes it until the
// adapter is closed.
func (a *Adapter) Start() {
	a.sub = a.redis.PSubscribe(a.ctx, RoomChannelPattern)
	go a.listen()
}

func (a *Adapter) listen() {
	defer close(a.done)
	ch := a.sub.Channel()

	for {
		select {
		case <-a.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a.handleMessage(msg.Channel, msg.Payload)
		}
	}
}

// handleMessage delivers one bus frame to the local room, if any.
// Frames this instance published are skipped; frames for rooms with no
// local members are dropped quietly.
func (a *Adapter) handleMessage(channel, payload string) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		a.logger.Warn("Failed to unmarshal bus message",
			zap.String("channel", channel),
			zap.Error(err),
		)
		metrics.BusDropped.Inc()
		return
	}

	if wire.InstanceID == a.instanceID {
		return
	}

	roomID := channel[len(RoomChannelPrefix):]
	r, ok := a.rooms.Get(roomID)
	if !ok {
		metrics.BusDropped.Inc()
		return
	}

	a.logger.Debug("Forwarding cross-instance message",
		zap.String("room_id", roomID),
		zap.String("from_instance", wire.InstanceID),
		zap.String("type", string(wire.Envelope.Type)),
	)

	// Forward only: broadcasting locally must not publish again or the
	// frame would bounce between instances.
	r.Broadcast(wire.Envelope, wire.Origin)
	metrics.BusForwarded.Inc()
}

// InstanceID returns this process's bus identity.
func (a *Adapter) InstanceID() string {
	return a.instanceID
}

// Close stops the subscription and waits for the listener to drain.
func (a *Adapter) Close() error {
	a.cancel()
	if a.sub != nil {
		if err := a.sub.Close(); err != nil {
			a.logger.Warn("Error closing bus subscription", zap.Error(err))
		}
		<-a.done
	}
	a.logger.Info("Bus adapter closed")
	return nil
}
