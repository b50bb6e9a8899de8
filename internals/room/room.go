package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conclave-rtc/conclave/internals/engine"
	"github.com/conclave-rtc/conclave/internals/metrics"
	"github.com/conclave-rtc/conclave/internals/protocol"
	"go.uber.org/zap"
)

// MediaRouter is the slice of the engine a room needs. *engine.Router
// implements it; tests substitute fakes.
type MediaRouter interface {
	RTPCapabilities() engine.RTPCapabilities
	CreateTransport(direction engine.Direction) (*engine.Transport, error)
	Produce(t *engine.Transport, kind engine.Kind, rtpParameters json.RawMessage, appData engine.AppData) (*engine.Producer, error)
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	Consume(t *engine.Transport, producerID string, appData engine.AppData) (*engine.Consumer, error)
	NewAudioLevelObserver(opts engine.AudioLevelObserverOptions) *engine.AudioLevelObserver
	Close()
}

// Publisher pushes side-channel events (typing, chat, media-toggle)
// onto the fan-out bus so peers on other instances observe them.
type Publisher interface {
	Publish(roomID string, env protocol.Envelope, originPeerID string) error
}

// Options tunes per-room behavior.
type Options struct {
	// SettleDelay is how long after a recv-transport is created the
	// room waits before pushing existing producers to the late joiner.
	SettleDelay time.Duration
	Speaker     engine.AudioLevelObserverOptions
}

func (o *Options) withDefaults() {
	if o.SettleDelay <= 0 {
		o.SettleDelay = 100 * time.Millisecond
	}
}

// Room groups the peers sharing one router capability context. All
// session-establishment operations and broadcast run through it. A room
// exists iff its membership is non-empty; the registry enforces that.
//
// Media never crosses instances: each process's Room for a given id
// owns an independent router, so only side-channel events span the
// fleet. Rooms are single-process as far as media is concerned.
type Room struct {
	ID string

	router    MediaRouter
	observer  *engine.AudioLevelObserver
	publisher Publisher
	logger    *zap.Logger
	opts      Options

	mu     sync.RWMutex
	peers  map[string]*Peer
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// ErrClosed is returned by AddPeer once the room has been closed. A
// join racing the last leave can reach a room the registry already
// dropped; the caller retries against a fresh room instead of
// stranding the peer here.
var ErrClosed = errors.New("room is closed")

// New builds a room around a freshly acquired router context and starts
// its active-speaker observer.
func New(id string, router MediaRouter, publisher Publisher, opts Options, logger *zap.Logger) *Room {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Room{
		ID:        id,
		router:    router,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		peers:     make(map[string]*Peer),
		ctx:       ctx,
		cancel:    cancel,
	}

	r.observer = router.NewAudioLevelObserver(opts.Speaker)
	r.observer.OnVolumes(func(volumes []engine.Volume) {
		speaking := make([]string, 0, len(volumes))
		for _, v := range volumes {
			speaking = append(speaking, v.UserID)
		}
		r.broadcastSpeakingUsers(speaking)
	})
	r.observer.OnSilence(func() {
		r.broadcastSpeakingUsers([]string{})
	})
	r.observer.Start(ctx)

	return r
}

// AddPeer registers a peer in the room and hands back its handle.
// Duplicate ids are rejected; fresh-id generation makes that unlikely
// but the guard stays.
func (r *Room) AddPeer(peerID string, conn Conn) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("room %s: %w", r.ID, ErrClosed)
	}
	if _, exists := r.peers[peerID]; exists {
		return nil, fmt.Errorf("peer %s already exists in room %s", peerID, r.ID)
	}
	p := newPeer(peerID, conn)
	r.peers[peerID] = p
	metrics.ActivePeers.Inc()

	r.logger.Info("Peer joined room",
		zap.String("roomID", r.ID),
		zap.String("peerID", peerID),
		zap.Int("peerCount", len(r.peers)),
	)
	return p, nil
}

// Peer returns a member by id.
func (r *Room) Peer(peerID string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// HasPeer reports membership without side effects.
func (r *Room) HasPeer(peerID string) bool {
	_, ok := r.Peer(peerID)
	return ok
}

// PeerCount returns the number of members.
func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// RTPCapabilities returns the router capability descriptor. Pure read,
// callable any number of times.
func (r *Room) RTPCapabilities() engine.RTPCapabilities {
	return r.router.RTPCapabilities()
}

// CreateTransport negotiates a new transport for the peer and replies
// with the material the client needs. Creating a second transport of
// the same direction closes the prior one before the replacement is
// stored. For recv transports the room additionally pushes existing
// producers to the (late-joining) peer after a short settle delay; that
// push never blocks this reply.
func (r *Room) CreateTransport(peerID, direction string) error {
	dir, err := engine.ParseDirection(direction)
	if err != nil {
		return err
	}
	p, ok := r.Peer(peerID)
	if !ok {
		return fmt.Errorf("peer %s does not exist in room %s", peerID, r.ID)
	}

	// Engine negotiation happens outside any room lock: a slow worker
	// must not stall other peers' operations.
	t, err := r.router.CreateTransport(dir)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	prior, err := p.setTransport(t)
	if err != nil {
		t.Close()
		return err
	}
	if prior != nil {
		r.logger.Warn("Replacing existing transport, closing prior",
			zap.String("roomID", r.ID),
			zap.String("peerID", peerID),
			zap.String("direction", direction),
			zap.String("priorTransportID", prior.ID),
		)
		prior.Close()
	}
	metrics.TransportsCreated.WithLabelValues(direction).Inc()

	reply := protocol.MustEnvelope(protocol.EventWebRTCTransportCreated, protocol.TransportCreated{
		Direction:      direction,
		TransportID:    t.ID,
		IceParameters:  t.ICEParameters,
		IceCandidates:  t.ICECandidates,
		DtlsParameters: t.DTLSParameters,
		UserID:         peerID,
	})
	if err := p.send(reply); err != nil {
		r.logger.Warn("Failed to send transport-created reply", zap.Error(err))
	}

	if dir == engine.DirectionRecv {
		time.AfterFunc(r.opts.SettleDelay, func() {
			r.notifyExistingProducers(peerID)
		})
	}
	return nil
}

// ConnectTransport completes the DTLS handshake for the peer's
// transport of the given direction.
func (r *Room) ConnectTransport(peerID, transportID, direction string, dtlsParameters json.RawMessage) error {
	dir, err := engine.ParseDirection(direction)
	if err != nil {
		return err
	}
	p, ok := r.Peer(peerID)
	if !ok {
		return fmt.Errorf("peer %s does not exist in room %s", peerID, r.ID)
	}
	t := p.transport(dir)
	if t == nil || t.ID != transportID {
		return fmt.Errorf("transport %s does not exist for peer %s", transportID, peerID)
	}
	if err := t.Connect(dtlsParameters); err != nil {
		return fmt.Errorf("connect transport %s: %w", transportID, err)
	}
	return nil
}

// Produce creates a producer on the peer's send transport, wires it
// into speaker detection when audio, replies with the producer id, and
// announces the new producer to the rest of the room.
func (r *Room) Produce(peerID string, kind protocol.MediaKind, rtpParameters json.RawMessage, appData protocol.AppData) error {
	p, ok := r.Peer(peerID)
	if !ok {
		return fmt.Errorf("peer %s does not exist in room %s", peerID, r.ID)
	}
	sendT := p.transport(engine.DirectionSend)
	if sendT == nil {
		return fmt.Errorf("send transport for peer %s does not exist", peerID)
	}

	producer, err := r.router.Produce(sendT, engineKind(kind), rtpParameters, engine.AppData(appData))
	if err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	if err := p.addProducer(producer); err != nil {
		producer.Close()
		return err
	}
	metrics.ActiveProducers.WithLabelValues(string(producer.Kind)).Inc()

	if producer.Kind == engine.KindAudio {
		if err := r.observer.AddProducer(producer); err != nil {
			r.logger.Warn("Failed to register producer with audio level observer",
				zap.String("producerID", producer.ID),
				zap.Error(err),
			)
		}
	}

	// Runs on explicit close, transport close, and disconnect cascade
	// alike. Observer removal is idempotent, so the teardown paths can
	// all go through here without double-removal errors.
	kindLabel := string(producer.Kind)
	producer.OnClose(func() {
		r.observer.RemoveProducer(producer.ID)
		p.removeProducer(producer.ID)
		metrics.ActiveProducers.WithLabelValues(kindLabel).Dec()
	})

	reply := protocol.MustEnvelope(protocol.EventProduced, protocol.Produced{
		ID:            producer.ID,
		Kind:          protocol.MediaKind(producer.Kind),
		RtpParameters: producer.RTPParameters,
	})
	if err := p.send(reply); err != nil {
		r.logger.Warn("Failed to send produced reply", zap.Error(err))
	}

	r.Broadcast(protocol.MustEnvelope(protocol.EventNewProducer, protocol.NewProducer{
		ProducerID: producer.ID,
		Kind:       protocol.MediaKind(producer.Kind),
		PeerID:     peerID,
		AppData:    protocol.AppData(producer.AppData),
	}), peerID)

	return nil
}

// Consume locates the target producer anywhere in the room, verifies
// the requester's capabilities against it, and creates a paused
// consumer on the requester's recv transport. The reply attributes the
// stream to the producer's owning peer.
func (r *Room) Consume(peerID string, req protocol.ConsumeRequest) error {
	p, ok := r.Peer(peerID)
	if !ok {
		return fmt.Errorf("peer %s does not exist in room %s", peerID, r.ID)
	}

	producer, ownerID, found := r.findProducer(req.ProducerID)
	if !found {
		return fmt.Errorf("producer %s does not exist", req.ProducerID)
	}
	if !r.router.CanConsume(req.ProducerID, req.RtpCapabilities) {
		return fmt.Errorf("cannot consume producer %s with given rtp capabilities", req.ProducerID)
	}
	recvT := p.transport(engine.DirectionRecv)
	if recvT == nil {
		return fmt.Errorf("receive transport for peer %s does not exist", peerID)
	}

	consumer, err := r.router.Consume(recvT, req.ProducerID, engine.AppData(req.AppData))
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	if err := p.addConsumer(consumer); err != nil {
		consumer.Close()
		return err
	}
	metrics.ActiveConsumers.Inc()
	consumer.OnClose(func() {
		p.removeConsumer(consumer.ID)
		metrics.ActiveConsumers.Dec()
	})

	// When the source producer goes away the engine closes the
	// consumer; the requester still needs to hear about it to drop the
	// stream on its side. One hook per (peer, producer): re-consuming
	// the same producer must not produce duplicate notifications.
	if p.noteProducerClose(producer.ID) {
		producer.OnClose(func() {
			if err := p.send(protocol.MustEnvelope(protocol.EventProducerClosed, protocol.ProducerGone{
				ProducerID: producer.ID,
			})); err != nil {
				r.logger.Debug("Failed to notify consumer owner of producer close", zap.Error(err))
			}
		})
	}

	reply := protocol.MustEnvelope(protocol.EventConsumed, protocol.Consumed{
		ConsumerID:     consumer.ID,
		ProducerID:     producer.ID,
		Kind:           protocol.MediaKind(consumer.Kind),
		RtpParameters:  consumer.RTPParameters,
		AppData:        protocol.AppData(consumer.AppData),
		ProducerPeerID: ownerID,
	})
	if err := p.send(reply); err != nil {
		r.logger.Warn("Failed to send consumed reply", zap.Error(err))
	}
	return nil
}

// ResumeConsumer unpauses a consumer previously created for this peer.
func (r *Room) ResumeConsumer(peerID, consumerID string) error {
	p, ok := r.Peer(peerID)
	if !ok {
		return fmt.Errorf("peer %s does not exist in room %s", peerID, r.ID)
	}
	c, ok := p.consumer(consumerID)
	if !ok {
		return fmt.Errorf("consumer %s does not exist for peer %s", consumerID, peerID)
	}
	if err := c.Resume(); err != nil {
		return fmt.Errorf("resume consumer %s: %w", consumerID, err)
	}
	return p.send(protocol.MustEnvelope(protocol.EventResumePausedConsumer, protocol.ConsumerResumed{
		ConsumerID: consumerID,
	}))
}

// ProducerClosed handles an explicit client-initiated close, e.g.
// ending a screen share. The rest of the room is told, with the app
// tag so clients can drop the right tile.
func (r *Room) ProducerClosed(peerID, producerID string, kind protocol.MediaKind) error {
	p, ok := r.Peer(peerID)
	if !ok {
		return fmt.Errorf("peer %s does not exist in room %s", peerID, r.ID)
	}
	producer, ok := p.producer(producerID)
	if !ok {
		return fmt.Errorf("producer %s does not exist for peer %s", producerID, peerID)
	}

	appData := producer.AppData
	producer.Close()

	r.Broadcast(protocol.MustEnvelope(protocol.EventProducerClosedNotification, protocol.ProducerClosedNotification{
		ProducerID: producerID,
		PeerID:     peerID,
		Kind:       kind,
		AppData:    protocol.AppData(appData),
	}), peerID)
	return nil
}

// MediaToggled rebroadcasts a mute/camera-off notification verbatim to
// the rest of the room and onto the bus. No engine-level effect.
func (r *Room) MediaToggled(peerID string, toggle protocol.MediaToggle) {
	env := protocol.MustEnvelope(protocol.EventRemoteUserMediaToggled, toggle)
	r.Broadcast(env, peerID)
	r.publish(env, peerID)
}

// Chat rebroadcasts a chat message to the rest of the room and onto
// the bus, preserving the original sender attribution.
func (r *Room) Chat(peerID string, msg protocol.ChatMessage) {
	env := protocol.MustEnvelope(protocol.EventReceiveChatMessage, msg)
	r.Broadcast(env, peerID)
	r.publish(env, peerID)
}

// Typing rebroadcasts a typing indicator to the rest of the room and
// onto the bus.
func (r *Room) Typing(peerID string, note protocol.TypingNotification) {
	env := protocol.MustEnvelope(protocol.EventTyping, note)
	r.Broadcast(env, peerID)
	r.publish(env, peerID)
}

func (r *Room) publish(env protocol.Envelope, originPeerID string) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(r.ID, env, originPeerID); err != nil {
		r.logger.Warn("Failed to publish to fan-out bus",
			zap.String("roomID", r.ID),
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
	}
}

// Broadcast sends an envelope to every peer except excludePeerID. A
// peer whose connection is already unusable is logged and skipped; the
// rest of the room still gets the message.
func (r *Room) Broadcast(env protocol.Envelope, excludePeerID string) {
	r.mu.RLock()
	targets := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != excludePeerID {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	for _, p := range targets {
		if err := p.send(env); err != nil {
			r.logger.Debug("Failed to send broadcast to peer",
				zap.String("roomID", r.ID),
				zap.String("peerID", p.ID),
				zap.String("type", string(env.Type)),
				zap.Error(err),
			)
		}
	}
}

func (r *Room) broadcastSpeakingUsers(speaking []string) {
	metrics.SpeakerTicks.Inc()
	// The speaking set goes to everyone, sender included: clients
	// highlight their own tile too.
	r.Broadcast(protocol.MustEnvelope(protocol.EventSpeakingUsers, protocol.SpeakingUsers{
		SpeakingUsers: speaking,
	}), "")
}

// notifyExistingProducers pushes a NEW_PRODUCER notification to one
// peer for every producer the rest of the room already holds, so a
// late joiner discovers existing publishers without anyone
// re-publishing.
func (r *Room) notifyExistingProducers(newPeerID string) {
	newPeer, ok := r.Peer(newPeerID)
	if !ok {
		return
	}

	r.mu.RLock()
	type ownedProducer struct {
		owner    string
		producer *engine.Producer
	}
	existing := make([]ownedProducer, 0)
	for id, p := range r.peers {
		if id == newPeerID {
			continue
		}
		for _, prod := range p.snapshotProducers() {
			existing = append(existing, ownedProducer{owner: id, producer: prod})
		}
	}
	r.mu.RUnlock()

	for _, op := range existing {
		if op.producer.Closed() {
			continue
		}
		env := protocol.MustEnvelope(protocol.EventNewProducer, protocol.NewProducer{
			ProducerID: op.producer.ID,
			Kind:       protocol.MediaKind(op.producer.Kind),
			PeerID:     op.owner,
			AppData:    protocol.AppData(op.producer.AppData),
		})
		if err := newPeer.send(env); err != nil {
			r.logger.Debug("Failed to notify late joiner of existing producer", zap.Error(err))
		}
	}
}

// findProducer searches every peer for a producer id and returns its
// owning peer id alongside it.
func (r *Room) findProducer(producerID string) (*engine.Producer, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, p := range r.peers {
		if prod, ok := p.producer(producerID); ok {
			return prod, id, true
		}
	}
	return nil, "", false
}

// RemovePeer tears a peer down: it is marked gone first so in-flight
// replies become no-ops, then its consumers, producers, and transports
// are released in order. Individual release failures never abort the
// cascade.
func (r *Room) RemovePeer(peerID string) error {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("peer %s does not exist in room %s", peerID, r.ID)
	}
	delete(r.peers, peerID)
	remaining := len(r.peers)
	r.mu.Unlock()

	p.markGone()
	p.closeResources()
	metrics.ActivePeers.Dec()

	r.logger.Info("Peer left room",
		zap.String("roomID", r.ID),
		zap.String("peerID", peerID),
		zap.Int("peerCount", remaining),
	)
	return nil
}

// CloseIfEmpty closes the room only when it has no members. The check
// and the closed flag flip share the membership lock, so a racing join
// either lands before the close or observes ErrClosed; there is no
// window where a peer joins a room that is about to die.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	if r.closed || len(r.peers) > 0 {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	r.mu.Unlock()

	r.teardown()
	return true
}

// Close releases the room: observer, router context, and any peers
// still attached. Shutdown path; the empty-room path goes through
// CloseIfEmpty.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.teardown()
}

func (r *Room) teardown() {
	r.cancel()
	r.observer.Close()

	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[string]*Peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.markGone()
		p.closeResources()
		metrics.ActivePeers.Dec()
	}

	r.router.Close()
	r.logger.Info("Room closed", zap.String("roomID", r.ID))
}

func engineKind(kind protocol.MediaKind) engine.Kind {
	// Screen share is video at the engine layer; the app tag keeps the
	// distinction.
	if kind == protocol.MediaKindScreen {
		return engine.KindVideo
	}
	return engine.Kind(kind)
}
