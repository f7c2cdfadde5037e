package room

import (
	"context"
	"sync"

	"github.com/meetbridge/kurento-gateway/internal/kurento"
)

// Manager lazily creates rooms and hands out the same instance to every
// caller contending for the same name (spec.md §4.5 "RoomManager"). It
// holds the single transport every room's pipeline and endpoints are
// created through — the injected-dependency pattern in place of a
// module-level singleton KMS client (spec.md §9).
type Manager struct {
	t *kurento.Transport

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewManager builds a Manager bound to t.
func NewManager(t *kurento.Transport) *Manager {
	return &Manager{t: t, rooms: make(map[string]*Room)}
}

// GetRoom returns the room for name, creating its pipeline and wrapping
// it on first use. A single Manager-wide mutex held for the duration of
// creation ensures concurrent callers requesting the same contended name
// observe exactly one Room instance (spec.md §4.5 "Creation of a room
// under a contended name must produce exactly one room").
func (m *Manager) GetRoom(ctx context.Context, name string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[name]; ok {
		return r, nil
	}

	pipeline, err := kurento.NewPipeline(ctx, m.t)
	if err != nil {
		return nil, err
	}
	r := newRoom(name, m.t, pipeline, m.Remove)
	m.rooms[name] = r
	return r, nil
}

// Remove drops the room from the manager's table. Called once a room has
// torn itself down (empty-room teardown, spec.md §9 Open Question).
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	delete(m.rooms, name)
	m.mu.Unlock()
}

// Transport returns the KMS transport this manager was built with, for
// callers (e.g. loopback mode) that need to create media objects outside
// any room's pipeline.
func (m *Manager) Transport() *kurento.Transport {
	return m.t
}
