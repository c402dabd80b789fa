package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/collab-docs/ysync/internal/logger"
	"github.com/collab-docs/ysync/internal/store"
)

var managerLog = logger.Tag("manager")

// StoreFactory opens (or returns nil for no persistence) the UpdateStore
// for a given room path.
type StoreFactory func(ctx context.Context, path string) (store.UpdateStore, error)

// Manager looks up or lazily creates the Room for a path and owns every
// room's lifetime for the life of the process: rooms are created on a
// client's first connection and are not garbage-collected by default,
// so late-rejoining clients always find the room's full state.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	// running counts live room goroutines, so CloseAll can wait for
	// every room to finish tearing down before shared resources (the
	// Postgres pool, the Redis client) are released.
	running sync.WaitGroup

	ctx context.Context

	nextClientID  uint64
	storeFactory  StoreFactory
	relay         Relay
	queueCapacity int

	// RoomTTL of 0 (the default) means rooms are never
	// garbage-collected when empty; a positive value closes a room
	// RoomTTL after its last client leaves, unless a new client joins
	// first.
	RoomTTL time.Duration

	// AwarenessTTL is the presence-entry expiry every new room's
	// Awareness registry is constructed with. Zero means "use
	// Awareness's own 30s default".
	AwarenessTTL time.Duration
}

// NewManager creates a Manager. storeFactory and relay may both be nil.
func NewManager(ctx context.Context, storeFactory StoreFactory, relay Relay, queueCapacity int) *Manager {
	return &Manager{
		rooms:         make(map[string]*Room),
		ctx:           ctx,
		storeFactory:  storeFactory,
		relay:         relay,
		queueCapacity: queueCapacity,
	}
}

// GetOrCreateRoom returns the room for path, creating and starting it on
// first use. If storeFactory is configured, the new room's store is
// opened and replay begins before the room accepts client traffic.
func (m *Manager) GetOrCreateRoom(ctx context.Context, path string) (*Room, error) {
	m.mu.RLock()
	if room, ok := m.rooms[path]; ok {
		m.mu.RUnlock()
		return room, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[path]; ok {
		return room, nil
	}

	var st store.UpdateStore
	if m.storeFactory != nil {
		var err error
		st, err = m.storeFactory(ctx, path)
		if err != nil {
			return nil, err
		}
	}

	room := NewRoom(m.ctx, path, m.newClientID(), st, m.relay, m.queueCapacity, m.RoomTTL, m.AwarenessTTL)
	m.rooms[path] = room
	m.running.Add(1)
	go m.runRoom(room)
	return room, nil
}

func (m *Manager) runRoom(room *Room) {
	defer m.running.Done()
	room.Run()

	m.mu.Lock()
	delete(m.rooms, room.Path)
	m.mu.Unlock()
}

// newClientID assigns the next server-side wire client id,
// monotonically increasing per process.
func (m *Manager) newClientID() uint64 {
	return atomic.AddUint64(&m.nextClientID, 1)
}

// NextClientID is the exported form used by Server to stamp a new
// connection's ClientEntry.
func (m *Manager) NextClientID() uint64 {
	return m.newClientID()
}

// GetRoom returns the room for path if it already exists, nil otherwise.
func (m *Manager) GetRoom(path string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[path]
}

// RoomCount returns the number of active rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// RoomPaths lists every active room's path, for the REST control plane.
func (m *Manager) RoomPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.rooms))
	for p := range m.rooms {
		paths = append(paths, p)
	}
	return paths
}

// drainTimeout bounds how long CloseAll waits for rooms to finish
// flushing clients and closing stores.
const drainTimeout = 10 * time.Second

// CloseAll stops every room and waits, up to drainTimeout, for each
// room's goroutine to finish tearing down its clients and closing its
// store, so the caller can safely release shared resources (like a pgx
// pool) once it returns.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	for _, room := range rooms {
		room.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		managerLog.Warn("shutdown: rooms still draining after %v, releasing resources anyway", drainTimeout)
	}
}
