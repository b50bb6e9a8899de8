package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/conclave-rtc/conclave/internals/metrics"
	"github.com/conclave-rtc/conclave/internals/protocol"
	"github.com/conclave-rtc/conclave/internals/room"
	"go.uber.org/zap"
)

// RoomFactory builds a room for an id. The registry owns room lifetime
// but not room construction; callers inject whatever engine and bus
// wiring their rooms need.
type RoomFactory func(roomID string) (*room.Room, error)

// Registry is the process-wide room table. A room exists exactly while
// it has at least one member: GetOrCreate materializes it on first
// join, RemoveMember closes and drops it when the last member leaves.
type Registry struct {
	factory RoomFactory
	logger  *zap.Logger

	mu    sync.Mutex
	rooms map[string]*room.Room
}

func New(factory RoomFactory, logger *zap.Logger) *Registry {
	return &Registry{
		factory: factory,
		logger:  logger,
		rooms:   make(map[string]*room.Room),
	}
}

// Get returns an existing room without creating one.
func (reg *Registry) Get(roomID string) (*room.Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// GetOrCreate returns the room for an id, building it on first use.
// Concurrent callers racing on the same fresh id all get the one room
// the winner created.
func (reg *Registry) GetOrCreate(roomID string) (*room.Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[roomID]; ok {
		return r, nil
	}
	r, err := reg.factory(roomID)
	if err != nil {
		return nil, fmt.Errorf("create room %s: %w", roomID, err)
	}
	reg.rooms[roomID] = r
	metrics.ActiveRooms.Inc()
	reg.logger.Info("Room created", zap.String("roomID", roomID))
	return r, nil
}

// AddMember joins a peer to a room, creating the room if needed. A
// join can race the last leave on the same id: GetOrCreate may hand
// out a room that RemoveMember closes before AddPeer lands. The closed
// room rejects the peer; the stale entry is dropped and the join
// retries against a fresh room, so a successful join always lands in a
// registry-tracked room.
func (reg *Registry) AddMember(roomID, peerID string, conn room.Conn) (*room.Room, *room.Peer, error) {
	for {
		r, err := reg.GetOrCreate(roomID)
		if err != nil {
			return nil, nil, err
		}
		p, err := r.AddPeer(peerID, conn)
		if errors.Is(err, room.ErrClosed) {
			reg.dropIfSame(roomID, r)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return r, p, nil
	}
}

// dropIfSame removes a room from the table only if the id still maps
// to that exact room. Both the leave path and a rejected join's retry
// call it; whichever arrives first removes the entry and settles the
// gauge, the other is a no-op.
func (reg *Registry) dropIfSame(roomID string, r *room.Room) {
	reg.mu.Lock()
	if cur, ok := reg.rooms[roomID]; ok && cur == r {
		delete(reg.rooms, roomID)
		metrics.ActiveRooms.Dec()
	}
	reg.mu.Unlock()
}

// RemoveMember removes a peer from a room and closes the room when it
// empties. Unknown room or peer is a no-op; disconnect sweeps call this
// for every room the peer might be in.
func (reg *Registry) RemoveMember(roomID, peerID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return
	}

	if err := r.RemovePeer(peerID); err != nil {
		return
	}

	r.Broadcast(mustPeerDisconnected(peerID), peerID)

	// Emptiness check and close are atomic on the room itself, so a
	// join racing this leave either lands before the close or is
	// rejected and retried by AddMember.
	if r.CloseIfEmpty() {
		reg.dropIfSame(roomID, r)
	}
}

// RoomsWithMember lists the ids of rooms a peer belongs to. The
// disconnect path uses it to sweep a dropped connection out of
// everything it joined.
func (reg *Registry) RoomsWithMember(peerID string) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var ids []string
	for id, r := range reg.rooms {
		if r.HasPeer(peerID) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of live rooms.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

func mustPeerDisconnected(peerID string) protocol.Envelope {
	return protocol.MustEnvelope(protocol.EventPeerDisconnected, protocol.PeerDisconnected{
		PeerID: peerID,
	})
}

// Close tears down every room. Shutdown only.
func (reg *Registry) Close() {
	reg.mu.Lock()
	rooms := reg.rooms
	reg.rooms = make(map[string]*room.Room)
	reg.mu.Unlock()

	for _, r := range rooms {
		r.Close()
		metrics.ActiveRooms.Dec()
	}
}
