// Package room implements the participant, room, and registry layer that
// sits on top of the KMS media object model: it maintains the N×N
// WebRtcEndpoint mesh for each room as participants join, negotiate, and
// leave.
package room

import (
	"context"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meetbridge/kurento-gateway/internal/kurento"
)

// Socket is the minimal outbound surface a Session needs from a client's
// WebSocket connection: a way to push one JSON-shaped message out without
// the room package needing to know about the signaling transport.
type Socket interface {
	Send(v any)
}

// Session represents one browser participant: a name, a reference to the
// room's shared pipeline, an outgoing WebRtcEndpoint, and a table of
// incoming endpoints keyed by remote participant name (spec.md §4.3).
type Session struct {
	Name     string
	RoomName string
	socket   Socket
	t        *kurento.Transport
	pipeline *kurento.Handle

	mu       sync.Mutex
	outgoing *kurento.Handle
	incoming map[string]*kurento.Handle
	closed   bool
}

func newSession(name, roomName string, socket Socket, t *kurento.Transport, pipeline *kurento.Handle) *Session {
	return &Session{
		Name:     name,
		RoomName: roomName,
		socket:   socket,
		t:        t,
		pipeline: pipeline,
		incoming: make(map[string]*kurento.Handle),
	}
}

// Equals reports participant identity: same name, same room (spec.md §4.3
// "Equality").
func (s *Session) Equals(other *Session) bool {
	if other == nil {
		return false
	}
	return s.Name == other.Name && s.RoomName == other.RoomName
}

// create allocates the outgoing endpoint and subscribes to its ICE
// candidates, tagged with this participant's own name (spec.md §4.3
// "create").
func (s *Session) create(ctx context.Context) error {
	ep, err := kurento.NewWebRtcEndpoint(ctx, s.t, s.pipeline)
	if err != nil {
		return err
	}
	if _, err := ep.OnIceCandidateFound(ctx, func(c webrtc.ICECandidateInit) {
		s.emitIceCandidate(s.Name, c)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.outgoing = ep
	s.mu.Unlock()
	return nil
}

func (s *Session) emitIceCandidate(tag string, candidate webrtc.ICECandidateInit) {
	s.socket.Send(map[string]any{
		"id":        "iceCandidate",
		"name":      tag,
		"candidate": candidate,
	})
}

// ReceiveVideoFrom processes sender's SDP offer on the endpoint dedicated
// to receiving sender's video, replies with the answer, then starts ICE
// gathering on that endpoint (spec.md §4.3 "receiveVideoFrom").
func (s *Session) ReceiveVideoFrom(ctx context.Context, sender *Session, offer webrtc.SessionDescription) error {
	ep, err := s.endpointFor(ctx, sender)
	if err != nil {
		return err
	}

	answer, err := ep.ProcessOffer(ctx, offer)
	if err != nil {
		return err
	}

	s.socket.Send(map[string]any{
		"id":        "receiveVideoAnswer",
		"name":      sender.Name,
		"sdpAnswer": answer.SDP,
	})

	return ep.GatherCandidates(ctx)
}

// endpointFor returns the endpoint this session uses to receive sender's
// media: itself (loopback) if sender == self, or the per-sender incoming
// endpoint, created and wired on first use (spec.md §4.3 "endpointFor").
func (s *Session) endpointFor(ctx context.Context, sender *Session) (*kurento.Handle, error) {
	if sender.Equals(s) {
		s.mu.Lock()
		ep := s.outgoing
		s.mu.Unlock()
		return ep, nil
	}

	s.mu.Lock()
	if ep, ok := s.incoming[sender.Name]; ok {
		s.mu.Unlock()
		return ep, nil
	}
	s.mu.Unlock()

	ep, err := kurento.NewWebRtcEndpoint(ctx, s.t, s.pipeline)
	if err != nil {
		return nil, err
	}
	if _, err := ep.OnIceCandidateFound(ctx, func(c webrtc.ICECandidateInit) {
		s.emitIceCandidate(sender.Name, c)
	}); err != nil {
		return nil, err
	}

	sender.mu.Lock()
	senderOutgoing := sender.outgoing
	sender.mu.Unlock()
	if senderOutgoing == nil {
		return nil, &kurento.NotFound{What: "sender outgoing endpoint for " + sender.Name}
	}
	if err := senderOutgoing.Connect(ctx, ep); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.incoming[sender.Name] = ep
	s.mu.Unlock()

	return ep, nil
}

// AddCandidate routes one ICE candidate to the endpoint identified by
// name: the outgoing endpoint if name == self, otherwise the incoming
// endpoint for name. Candidates for an endpoint that does not yet exist
// are dropped silently (spec.md §4.3 "addCandidate", §9 Open Question).
func (s *Session) AddCandidate(ctx context.Context, candidate webrtc.ICECandidateInit, name string) error {
	s.mu.Lock()
	var ep *kurento.Handle
	if name == s.Name {
		ep = s.outgoing
	} else {
		ep = s.incoming[name]
	}
	s.mu.Unlock()

	if ep == nil {
		log.Printf("room: dropping ICE candidate for %s/%s: no endpoint yet", s.RoomName, name)
		return nil
	}
	return ep.AddIceCandidate(ctx, candidate)
}

// CancelVideoFrom removes and releases the incoming endpoint for name, if
// one exists (spec.md §4.3 "cancelVideoFrom"). It awaits the release RPC
// before returning (Open Question decision, see DESIGN.md).
func (s *Session) CancelVideoFrom(ctx context.Context, name string) error {
	s.mu.Lock()
	ep, ok := s.incoming[name]
	if ok {
		delete(s.incoming, name)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return ep.Release(ctx)
}

// Close releases every incoming endpoint and then the outgoing endpoint.
// Idempotent; each release failure is logged but does not stop the rest
// (spec.md §4.3 "close", §7 "best-effort close").
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	incoming := s.incoming
	s.incoming = make(map[string]*kurento.Handle)
	outgoing := s.outgoing
	s.outgoing = nil
	s.mu.Unlock()

	for name, ep := range incoming {
		if err := ep.Release(ctx); err != nil {
			log.Printf("room: release incoming endpoint for %s (from %s): %v", s.Name, name, err)
		}
	}
	if outgoing != nil {
		if err := outgoing.Release(ctx); err != nil {
			log.Printf("room: release outgoing endpoint for %s: %v", s.Name, err)
		}
	}
}

// Send delivers one server-originated message to this participant's
// browser socket.
func (s *Session) Send(v any) {
	s.socket.Send(v)
}
