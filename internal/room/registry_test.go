package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	s := &Session{Name: "alice", RoomName: "r1"}

	reg.Register("conn-1", s)

	byName, ok := reg.GetByName("alice")
	assert.True(t, ok)
	assert.Equal(t, s, byName)

	bySession, ok := reg.GetBySession("conn-1")
	assert.True(t, ok)
	assert.Equal(t, s, bySession)

	_, ok = reg.GetByName("nobody")
	assert.False(t, ok)
}

func TestRegistryRemoveBySession(t *testing.T) {
	reg := NewRegistry()
	s := &Session{Name: "alice", RoomName: "r1"}
	reg.Register("conn-1", s)

	reg.RemoveBySession("conn-1")

	_, ok := reg.GetBySession("conn-1")
	assert.False(t, ok)
	_, ok = reg.GetByName("alice")
	assert.False(t, ok)
}
