package room

import (
	"context"
	"log"
	"sync"

	"github.com/meetbridge/kurento-gateway/internal/kurento"
)

// Room owns one pipeline and the membership of participants sharing it
// (spec.md §4.4).
type Room struct {
	Name string
	t    *kurento.Transport

	// onEmpty is called once, after this room closes itself, so its
	// owning Manager can drop it from the room table.
	onEmpty func(name string)

	mu       sync.Mutex
	pipeline *kurento.Handle
	members  map[string]*Session
}

func newRoom(name string, t *kurento.Transport, pipeline *kurento.Handle, onEmpty func(name string)) *Room {
	return &Room{
		Name:     name,
		t:        t,
		onEmpty:  onEmpty,
		pipeline: pipeline,
		members:  make(map[string]*Session),
	}
}

// Join creates a participant, runs its endpoint setup, announces it to
// existing members, and only then adds it to the membership map — so the
// newcomer's own arrival is never echoed back to it, and the existing
// participants snapshot it receives excludes itself (spec.md §4.4
// "Ordering policy").
func (r *Room) Join(ctx context.Context, name string, socket Socket) (*Session, error) {
	r.mu.Lock()
	pipeline := r.pipeline
	r.mu.Unlock()

	s := newSession(name, r.Name, socket, r.t, pipeline)
	if err := s.create(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	existing := make([]string, 0, len(r.members))
	for otherName, other := range r.members {
		existing = append(existing, otherName)
		other.Send(map[string]any{"id": "newParticipantArrived", "name": name})
	}
	r.members[name] = s
	r.mu.Unlock()

	s.Send(map[string]any{"id": "existingParticipants", "data": existing})
	return s, nil
}

// Leave removes user from membership, tells the remaining participants
// both that user left and to forget any endpoint receiving user's video,
// then closes user. Per-sibling errors are logged and skipped, never
// aborting the broadcast (spec.md §4.4 "leave", §7).
func (r *Room) Leave(ctx context.Context, user *Session) {
	r.mu.Lock()
	delete(r.members, user.Name)
	remaining := make([]*Session, 0, len(r.members))
	for _, s := range r.members {
		remaining = append(remaining, s)
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	for _, s := range remaining {
		s.Send(map[string]any{"id": "participantLeft", "name": user.Name})
		if err := s.CancelVideoFrom(ctx, user.Name); err != nil {
			log.Printf("room: %s cancelVideoFrom(%s) in room %s: %v", s.Name, user.Name, r.Name, err)
		}
	}

	user.Close(ctx)

	if empty {
		r.Close(ctx)
	}
}

// Close closes every remaining participant, clears membership, and
// releases the pipeline. Implements the Open Question decision to tear
// down empty rooms (spec.md §9, DESIGN.md).
func (r *Room) Close(ctx context.Context) {
	r.mu.Lock()
	members := r.members
	r.members = make(map[string]*Session)
	pipeline := r.pipeline
	r.pipeline = nil
	r.mu.Unlock()

	for _, s := range members {
		s.Close(ctx)
	}
	if pipeline != nil {
		if err := pipeline.Release(ctx); err != nil {
			log.Printf("room: release pipeline for %s: %v", r.Name, err)
		}
	}
	if r.onEmpty != nil {
		r.onEmpty(r.Name)
	}
}

// MemberCount reports the current membership size (test/diagnostic use).
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
