package room

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/conclave-rtc/conclave/internals/engine"
	"github.com/conclave-rtc/conclave/internals/protocol"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// connRecorder captures everything sent to a peer.
type connRecorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	fail bool
}

func (c *connRecorder) SendEnvelope(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection is dead")
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *connRecorder) byType(t protocol.EventType) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (c *connRecorder) count(t protocol.EventType) int {
	return len(c.byType(t))
}

// publishRecorder captures bus publications.
type publishRecorder struct {
	mu    sync.Mutex
	calls []publishCall
}

type publishCall struct {
	roomID string
	env    protocol.Envelope
	origin string
}

func (p *publishRecorder) Publish(roomID string, env protocol.Envelope, originPeerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{roomID: roomID, env: env, origin: originPeerID})
	return nil
}

func (p *publishRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestRoom(t *testing.T, pub Publisher, opts Options) *Room {
	t.Helper()
	b := engine.NewBinding(engine.Config{
		Workers:    1,
		RTCMinPort: 41000,
		RTCMaxPort: 41099,
	}, zap.NewNop())
	t.Cleanup(b.Close)

	router, err := b.Router()
	require.NoError(t, err)

	if opts.SettleDelay == 0 {
		opts.SettleDelay = 10 * time.Millisecond
	}
	if opts.Speaker.Interval == 0 {
		// Keep the observer quiet unless a test drives it.
		opts.Speaker.Interval = time.Hour
	}
	r := New("room-1", router, pub, opts, zap.NewNop())
	t.Cleanup(r.Close)
	return r
}

func defaultCapsJSON(t *testing.T) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(engine.DefaultRTPCapabilities())
	require.NoError(t, err)
	return data
}

// joinWithMedia joins a peer and gives it connected send and recv
// transports.
func joinWithMedia(t *testing.T, r *Room, peerID string) *connRecorder {
	t.Helper()
	conn := &connRecorder{}
	_, err := r.AddPeer(peerID, conn)
	require.NoError(t, err)
	require.NoError(t, r.CreateTransport(peerID, "send"))
	require.NoError(t, r.CreateTransport(peerID, "recv"))
	return conn
}

func produce(t *testing.T, r *Room, peerID string, kind protocol.MediaKind) *engine.Producer {
	t.Helper()
	require.NoError(t, r.Produce(peerID, kind, json.RawMessage(`{}`), protocol.AppData{
		Type:   "camera",
		UserID: peerID,
	}))
	p, ok := r.Peer(peerID)
	require.True(t, ok)
	producers := p.snapshotProducers()
	require.NotEmpty(t, producers)
	return producers[len(producers)-1]
}

func TestAddPeerRejectsDuplicates(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	_, err := r.AddPeer("p1", &connRecorder{})
	require.NoError(t, err)
	_, err = r.AddPeer("p1", &connRecorder{})
	assert.Error(t, err)
	assert.Equal(t, 1, r.PeerCount())
}

func TestCreateTransportRepliesAndReplacesPrior(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	conn := &connRecorder{}
	p, err := r.AddPeer("p1", conn)
	require.NoError(t, err)

	require.NoError(t, r.CreateTransport("p1", "send"))
	first := p.transport(engine.DirectionSend)
	require.NotNil(t, first)

	replies := conn.byType(protocol.EventWebRTCTransportCreated)
	require.Len(t, replies, 1)
	var created protocol.TransportCreated
	require.NoError(t, protocol.DecodePayload(replies[0], &created))
	assert.Equal(t, "send", created.Direction)
	assert.Equal(t, first.ID, created.TransportID)
	assert.Equal(t, "p1", created.UserID)

	// Replacing the same direction closes the prior transport instead
	// of leaking its negotiation state.
	require.NoError(t, r.CreateTransport("p1", "send"))
	second := p.transport(engine.DirectionSend)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, first.Closed())
	assert.False(t, second.Closed())

	assert.Error(t, r.CreateTransport("p1", "sideways"))
	assert.Error(t, r.CreateTransport("ghost", "send"))
}

func TestConnectTransportValidatesIdentity(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	conn := &connRecorder{}
	p, err := r.AddPeer("p1", conn)
	require.NoError(t, err)
	require.NoError(t, r.CreateTransport("p1", "send"))

	dtls := json.RawMessage(`{"role":"client","fingerprints":[{"algorithm":"sha-256","value":"ab:cd"}]}`)
	tr := p.transport(engine.DirectionSend)

	assert.Error(t, r.ConnectTransport("p1", "wrong-id", "send", dtls))
	assert.Error(t, r.ConnectTransport("p1", tr.ID, "recv", dtls), "direction mismatch")
	require.NoError(t, r.ConnectTransport("p1", tr.ID, "send", dtls))
	assert.True(t, tr.Connected())
}

func TestProduceBroadcastsToOthersOnly(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	connA := joinWithMedia(t, r, "a")
	connB := joinWithMedia(t, r, "b")

	producer := produce(t, r, "a", protocol.MediaKindVideo)

	require.Len(t, connA.byType(protocol.EventProduced), 1)
	assert.Zero(t, connA.count(protocol.EventNewProducer), "sender must not hear its own producer")

	notices := connB.byType(protocol.EventNewProducer)
	require.Len(t, notices, 1)
	var np protocol.NewProducer
	require.NoError(t, protocol.DecodePayload(notices[0], &np))
	assert.Equal(t, producer.ID, np.ProducerID)
	assert.Equal(t, "a", np.PeerID)
	assert.Equal(t, protocol.MediaKindVideo, np.Kind)
}

func TestScreenShareIsVideoAtTheEngine(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	joinWithMedia(t, r, "a")

	producer := produce(t, r, "a", protocol.MediaKindScreen)
	assert.Equal(t, engine.KindVideo, producer.Kind)
}

func TestLateJoinerLearnsExistingProducers(t *testing.T) {
	r := newTestRoom(t, nil, Options{SettleDelay: 5 * time.Millisecond})
	joinWithMedia(t, r, "a")
	existing := produce(t, r, "a", protocol.MediaKindAudio)

	// B joins after A already produced. Creating the recv transport
	// must eventually push the existing producer, without blocking the
	// transport-created reply.
	connB := &connRecorder{}
	_, err := r.AddPeer("b", connB)
	require.NoError(t, err)
	require.NoError(t, r.CreateTransport("b", "recv"))
	require.Len(t, connB.byType(protocol.EventWebRTCTransportCreated), 1)

	assert.Eventually(t, func() bool {
		for _, env := range connB.byType(protocol.EventNewProducer) {
			var np protocol.NewProducer
			if protocol.DecodePayload(env, &np) == nil && np.ProducerID == existing.ID {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestConsumeLifecycle(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	joinWithMedia(t, r, "a")
	connB := joinWithMedia(t, r, "b")
	producer := produce(t, r, "a", protocol.MediaKindAudio)

	require.NoError(t, r.Consume("b", protocol.ConsumeRequest{
		RoomID:          "room-1",
		ProducerID:      producer.ID,
		RtpCapabilities: defaultCapsJSON(t),
	}))

	replies := connB.byType(protocol.EventConsumed)
	require.Len(t, replies, 1)
	var consumed protocol.Consumed
	require.NoError(t, protocol.DecodePayload(replies[0], &consumed))
	assert.Equal(t, producer.ID, consumed.ProducerID)
	assert.Equal(t, "a", consumed.ProducerPeerID, "stream attributed to the producing peer")

	peerB, _ := r.Peer("b")
	consumer, ok := peerB.consumer(consumed.ConsumerID)
	require.True(t, ok)
	assert.True(t, consumer.Paused(), "consumers are created paused")

	// Resume: unknown id errors with no side effect, valid id is
	// idempotent.
	assert.Error(t, r.ResumeConsumer("b", "no-such-consumer"))
	assert.True(t, consumer.Paused())
	require.NoError(t, r.ResumeConsumer("b", consumer.ID))
	require.NoError(t, r.ResumeConsumer("b", consumer.ID))
	assert.False(t, consumer.Paused())
	assert.Len(t, connB.byType(protocol.EventResumePausedConsumer), 2)
}

func TestConsumeRequiresCapabilitiesAndTransport(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	joinWithMedia(t, r, "a")
	producer := produce(t, r, "a", protocol.MediaKindVideo)

	// c has no recv transport at all.
	connC := &connRecorder{}
	_, err := r.AddPeer("c", connC)
	require.NoError(t, err)
	assert.Error(t, r.Consume("c", protocol.ConsumeRequest{
		ProducerID:      producer.ID,
		RtpCapabilities: defaultCapsJSON(t),
	}))

	connB := joinWithMedia(t, r, "b")
	assert.Error(t, r.Consume("b", protocol.ConsumeRequest{
		ProducerID:      "no-such-producer",
		RtpCapabilities: defaultCapsJSON(t),
	}))
	assert.Error(t, r.Consume("b", protocol.ConsumeRequest{
		ProducerID:      producer.ID,
		RtpCapabilities: json.RawMessage(`{"codecs":[]}`),
	}), "incompatible capabilities")
	assert.Zero(t, connB.count(protocol.EventConsumed))
}

func TestProducerClosedNotifiesRoomAndConsumers(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	joinWithMedia(t, r, "a")
	connB := joinWithMedia(t, r, "b")
	producer := produce(t, r, "a", protocol.MediaKindScreen)

	require.NoError(t, r.Consume("b", protocol.ConsumeRequest{
		ProducerID:      producer.ID,
		RtpCapabilities: defaultCapsJSON(t),
	}))

	require.NoError(t, r.ProducerClosed("a", producer.ID, protocol.MediaKindScreen))
	assert.True(t, producer.Closed())

	notices := connB.byType(protocol.EventProducerClosedNotification)
	require.Len(t, notices, 1)
	var note protocol.ProducerClosedNotification
	require.NoError(t, protocol.DecodePayload(notices[0], &note))
	assert.Equal(t, "a", note.PeerID)
	assert.Equal(t, protocol.MediaKindScreen, note.Kind)

	assert.NotZero(t, connB.count(protocol.EventProducerClosed),
		"consuming peer hears that its source went away")

	assert.Error(t, r.ProducerClosed("a", producer.ID, protocol.MediaKindScreen),
		"already removed from the peer")
}

func TestClosedRoomRejectsJoins(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	_, err := r.AddPeer("p1", &connRecorder{})
	require.NoError(t, err)

	r.Close()
	_, err = r.AddPeer("p2", &connRecorder{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, r.PeerCount())
}

func TestReconsumeDoesNotDuplicateProducerCloseNotice(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	joinWithMedia(t, r, "a")
	connB := joinWithMedia(t, r, "b")
	producer := produce(t, r, "a", protocol.MediaKindAudio)

	consume := func() {
		require.NoError(t, r.Consume("b", protocol.ConsumeRequest{
			RoomID:          "room-1",
			ProducerID:      producer.ID,
			RtpCapabilities: defaultCapsJSON(t),
		}))
	}
	consume()

	// Replacing B's recv transport closes the first consumer; B then
	// consumes the same producer again.
	require.NoError(t, r.CreateTransport("b", "recv"))
	consume()
	require.Len(t, connB.byType(protocol.EventConsumed), 2)

	require.NoError(t, r.ProducerClosed("a", producer.ID, protocol.MediaKindAudio))
	assert.Equal(t, 1, connB.count(protocol.EventProducerClosed),
		"one close notice per producer, however many times it was consumed")
}

func TestRemovePeerCascades(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	connA := joinWithMedia(t, r, "a")
	connB := joinWithMedia(t, r, "b")
	producer := produce(t, r, "a", protocol.MediaKindAudio)

	require.NoError(t, r.Consume("b", protocol.ConsumeRequest{
		ProducerID:      producer.ID,
		RtpCapabilities: defaultCapsJSON(t),
	}))
	peerB, _ := r.Peer("b")
	require.Len(t, peerB.snapshotProducers(), 0)

	peerA, _ := r.Peer("a")
	sendT := peerA.transport(engine.DirectionSend)

	require.NoError(t, r.RemovePeer("a"))
	assert.Equal(t, 1, r.PeerCount())
	assert.True(t, producer.Closed(), "producer released by cascade")
	assert.True(t, sendT.Closed(), "transport released by cascade")
	assert.True(t, peerA.Gone())

	// B's consumer died with the producer and B was told.
	assert.NotZero(t, connB.count(protocol.EventProducerClosed))

	// Late sends to the removed peer are swallowed.
	before := len(connA.byType(protocol.EventNewProducer))
	produce(t, r, "b", protocol.MediaKindVideo)
	assert.Equal(t, before, len(connA.byType(protocol.EventNewProducer)))

	assert.Error(t, r.RemovePeer("a"), "double remove reports unknown peer")
}

func TestBroadcastSurvivesDeadConnections(t *testing.T) {
	r := newTestRoom(t, nil, Options{})
	dead := &connRecorder{fail: true}
	_, err := r.AddPeer("dead", dead)
	require.NoError(t, err)
	healthy := joinWithMedia(t, r, "healthy")

	r.Broadcast(protocol.MustEnvelope(protocol.EventTyping, protocol.TypingNotification{
		RoomID: "room-1", PeerID: "x",
	}), "")

	assert.Equal(t, 1, healthy.count(protocol.EventTyping),
		"healthy peers still receive after a dead peer errors")
}

func TestSideChannelEventsBroadcastAndPublish(t *testing.T) {
	pub := &publishRecorder{}
	r := newTestRoom(t, pub, Options{})
	connA := joinWithMedia(t, r, "a")
	connB := joinWithMedia(t, r, "b")

	r.Chat("a", protocol.ChatMessage{RoomID: "room-1", PeerID: "a", Message: "hi"})
	r.Typing("a", protocol.TypingNotification{RoomID: "room-1", PeerID: "a"})
	r.MediaToggled("a", protocol.MediaToggle{RoomID: "room-1", PeerID: "a", Kind: protocol.MediaKindVideo})

	assert.Equal(t, 1, connB.count(protocol.EventReceiveChatMessage))
	assert.Equal(t, 1, connB.count(protocol.EventTyping))
	assert.Equal(t, 1, connB.count(protocol.EventRemoteUserMediaToggled))

	assert.Zero(t, connA.count(protocol.EventReceiveChatMessage), "sender excluded locally")
	assert.Zero(t, connA.count(protocol.EventRemoteUserMediaToggled))

	require.Equal(t, 3, pub.count(), "each side-channel event goes to the bus exactly once")
	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, call := range pub.calls {
		assert.Equal(t, "room-1", call.roomID)
		assert.Equal(t, "a", call.origin)
	}
}

func TestSpeakingUsersBroadcast(t *testing.T) {
	r := newTestRoom(t, nil, Options{
		Speaker: engine.AudioLevelObserverOptions{
			Interval:   20 * time.Millisecond,
			Threshold:  -60,
			MaxEntries: 2,
		},
	})
	connA := joinWithMedia(t, r, "a")
	producer := produce(t, r, "a", protocol.MediaKindAudio)

	pkt := &rtp.Packet{Header: rtp.Header{
		Extension:        true,
		ExtensionProfile: 0xBEDE,
	}}
	require.NoError(t, pkt.SetExtension(1, []byte{0x80 | 20}))

	// Keep the producer loud across several observer ticks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				producer.IngestRTP(pkt, 1)
			}
		}
	}()

	// The speaking set goes to everyone, the speaker included.
	assert.Eventually(t, func() bool {
		for _, env := range connA.byType(protocol.EventSpeakingUsers) {
			var su protocol.SpeakingUsers
			if protocol.DecodePayload(env, &su) == nil {
				for _, id := range su.SpeakingUsers {
					if id == "a" {
						return true
					}
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
