package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/conclave-rtc/conclave/internals/engine"
	"github.com/conclave-rtc/conclave/internals/protocol"
	"github.com/conclave-rtc/conclave/internals/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nullConn struct{}

func (nullConn) SendEnvelope(protocol.Envelope) error { return nil }

type recordingConn struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (c *recordingConn) SendEnvelope(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *recordingConn) types() []protocol.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.EventType, 0, len(c.envs))
	for _, env := range c.envs {
		out = append(out, env.Type)
	}
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	b := engine.NewBinding(engine.Config{
		Workers:    1,
		RTCMinPort: 42000,
		RTCMaxPort: 42099,
	}, zap.NewNop())
	t.Cleanup(b.Close)

	factory := func(roomID string) (*room.Room, error) {
		router, err := b.Router()
		if err != nil {
			return nil, err
		}
		return room.New(roomID, router, nil, room.Options{
			SettleDelay: time.Millisecond,
			Speaker:     engine.AudioLevelObserverOptions{Interval: time.Hour},
		}, zap.NewNop()), nil
	}
	reg := New(factory, zap.NewNop())
	t.Cleanup(reg.Close)
	return reg
}

func TestRoomExistsWhileMembershipNonEmpty(t *testing.T) {
	reg := newTestRegistry(t)

	_, ok := reg.Get("r1")
	assert.False(t, ok, "no room before the first join")

	_, _, err := reg.AddMember("r1", "p1", nullConn{})
	require.NoError(t, err)
	_, ok = reg.Get("r1")
	assert.True(t, ok)

	_, _, err = reg.AddMember("r1", "p2", nullConn{})
	require.NoError(t, err)

	reg.RemoveMember("r1", "p1")
	_, ok = reg.Get("r1")
	assert.True(t, ok, "room survives while a member remains")

	reg.RemoveMember("r1", "p2")
	_, ok = reg.Get("r1")
	assert.False(t, ok, "last leave deletes the room")
	assert.Equal(t, 0, reg.Count())

	// Round trip: a fresh join resurrects the id with a fresh room.
	r, _, err := reg.AddMember("r1", "p3", nullConn{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.PeerCount())
}

func TestRemoveMemberBroadcastsDisconnect(t *testing.T) {
	reg := newTestRegistry(t)

	leaverConn := &recordingConn{}
	stayerConn := &recordingConn{}
	_, _, err := reg.AddMember("r1", "leaver", leaverConn)
	require.NoError(t, err)
	_, _, err = reg.AddMember("r1", "stayer", stayerConn)
	require.NoError(t, err)

	reg.RemoveMember("r1", "leaver")

	assert.Contains(t, stayerConn.types(), protocol.EventPeerDisconnected)
	assert.NotContains(t, leaverConn.types(), protocol.EventPeerDisconnected,
		"the leaver itself is not notified")
}

func TestRemoveMemberToleratesUnknowns(t *testing.T) {
	reg := newTestRegistry(t)
	reg.RemoveMember("no-such-room", "p1")

	_, _, err := reg.AddMember("r1", "p1", nullConn{})
	require.NoError(t, err)
	reg.RemoveMember("r1", "no-such-peer")
	_, ok := reg.Get("r1")
	assert.True(t, ok, "removing an unknown peer must not delete the room")
}

func TestConcurrentJoinsShareOneRoom(t *testing.T) {
	reg := newTestRegistry(t)

	const peers = 16
	var wg sync.WaitGroup
	for i := 0; i < peers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := reg.AddMember("r1", fmt.Sprintf("p%d", i), nullConn{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, reg.Count())
	r, ok := reg.Get("r1")
	require.True(t, ok)
	assert.Equal(t, peers, r.PeerCount())
}

func TestJoinRacingLastLeaveLandsInTrackedRoom(t *testing.T) {
	reg := newTestRegistry(t)

	_, _, err := reg.AddMember("r1", "p0", nullConn{})
	require.NoError(t, err)

	// Replay the interleaving: the joiner resolves the room first, the
	// last leave closes and drops it, then the join's membership write
	// arrives at the now-dead room.
	stale, err := reg.GetOrCreate("r1")
	require.NoError(t, err)
	reg.RemoveMember("r1", "p0")

	_, err = stale.AddPeer("p1", nullConn{})
	require.ErrorIs(t, err, room.ErrClosed, "a closed room must reject the late join")
	assert.Equal(t, 0, stale.PeerCount())

	// The full join path retries and lands in a fresh tracked room.
	r, _, err := reg.AddMember("r1", "p1", nullConn{})
	require.NoError(t, err)
	assert.True(t, r.HasPeer("p1"))
	got, ok := reg.Get("r1")
	require.True(t, ok)
	assert.Same(t, r, got, "the join must land in the room the registry tracks")
	assert.ElementsMatch(t, []string{"r1"}, reg.RoomsWithMember("p1"))
}

func TestJoinLeaveChurnNeverStrandsAJoiner(t *testing.T) {
	reg := newTestRegistry(t)

	const rounds = 40
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		roomID := fmt.Sprintf("r%d", i)
		_, _, err := reg.AddMember(roomID, "leaver", nullConn{})
		require.NoError(t, err)

		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.RemoveMember(roomID, "leaver")
		}()
		go func() {
			defer wg.Done()
			_, _, err := reg.AddMember(roomID, "joiner", nullConn{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every joiner outlives its racing leaver, so every room must still
	// be tracked and hold its joiner.
	assert.Equal(t, rounds, reg.Count())
	for i := 0; i < rounds; i++ {
		roomID := fmt.Sprintf("r%d", i)
		r, ok := reg.Get(roomID)
		require.True(t, ok, "room %s lost its joiner", roomID)
		assert.True(t, r.HasPeer("joiner"))
	}
}

func TestRoomsWithMember(t *testing.T) {
	reg := newTestRegistry(t)
	_, _, err := reg.AddMember("r1", "p1", nullConn{})
	require.NoError(t, err)
	_, _, err = reg.AddMember("r2", "p1", nullConn{})
	require.NoError(t, err)
	_, _, err = reg.AddMember("r2", "p2", nullConn{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"r1", "r2"}, reg.RoomsWithMember("p1"))
	assert.ElementsMatch(t, []string{"r2"}, reg.RoomsWithMember("p2"))
	assert.Empty(t, reg.RoomsWithMember("ghost"))
}
