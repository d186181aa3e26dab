package room

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowpbx/lightvoice/internal/reactor"
	"github.com/flowpbx/lightvoice/internal/voice"
)

// firstRoomID is the first id the registry hands out; ids never repeat
// within a process lifetime, even after a room is destroyed.
const firstRoomID = 1001

// Registry is the process-wide room lookup table, guarded by a single
// mutex. The mix loop and codec factory are injected so every room it
// creates gets its own mixer pinned to that loop.
type Registry struct {
	logger  *slog.Logger
	mixLoop *reactor.EventLoop
	newCodec func() (voice.Codec, error)

	mu     sync.Mutex
	rooms  map[int]*Room
	nextID int
}

// NewRegistry creates an empty registry. newCodec mints a fresh Codec
// for every room (so each room's mixer gets its own pinned
// encoder/decoder pair, never shared across rooms or threads).
func NewRegistry(mixLoop *reactor.EventLoop, newCodec func() (voice.Codec, error), logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		mixLoop:  mixLoop,
		newCodec: newCodec,
		rooms:    make(map[int]*Room),
		nextID:   firstRoomID,
	}
}

// Create allocates a new room id, constructs and starts its mix tick,
// and registers it.
func (reg *Registry) Create(name, ownerID string) (*Room, error) {
	codec, err := reg.newCodec()
	if err != nil {
		return nil, fmt.Errorf("room: creating mixer codec: %w", err)
	}
	mixer := voice.NewMixer(codec)

	reg.mu.Lock()
	id := reg.nextID
	reg.nextID++
	r := New(id, name, ownerID, reg.mixLoop, mixer, reg.logger)
	reg.rooms[id] = r
	reg.mu.Unlock()

	r.Start()
	if reg.logger != nil {
		reg.logger.Info("room created", "room_id", id, "name", name, "owner", ownerID)
	}
	return r, nil
}

// Find looks up a room by id.
func (reg *Registry) Find(id int) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Destroy stops and removes a room. Rooms already holding members are
// still destroyed; callers are expected to have removed every user
// first if a graceful notification is desired.
func (reg *Registry) Destroy(id int) {
	reg.mu.Lock()
	r, ok := reg.rooms[id]
	delete(reg.rooms, id)
	reg.mu.Unlock()

	if !ok {
		return
	}
	r.Stop()
	if reg.logger != nil {
		reg.logger.Info("room destroyed", "room_id", id)
	}
}

// List returns a snapshot of every currently registered room.
func (reg *Registry) List() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}
