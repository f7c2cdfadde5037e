package signaling

import (
	"context"
	"encoding/json"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/meetbridge/kurento-gateway/internal/room"
)

// Dispatcher parses each inbound frame and routes it into the room
// package, generalized from the teacher's flat CommandRegistry (keyed by
// a top-level `type` field) into a table keyed by the protocol's `id`
// field (spec.md §4.6).
type Dispatcher struct {
	manager  *room.Manager
	registry *room.Registry
}

// NewDispatcher builds a Dispatcher bound to manager and registry.
func NewDispatcher(manager *room.Manager, registry *room.Registry) *Dispatcher {
	return &Dispatcher{manager: manager, registry: registry}
}

// Handle parses one inbound frame and routes it per spec.md §4.6's
// routing table. Malformed JSON or an unrecognized id both reply with
// {id:"error", ...} and never terminate the connection by themselves
// (spec.md §7 "ClientProtocolError").
func (d *Dispatcher) Handle(c *Client, raw []byte) {
	ctx := context.Background()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("signaling: malformed frame from %s: %v", c.ID, err)
		d.sendError(c, "Invalid message")
		return
	}

	switch env.ID {
	case "joinRoom":
		d.handleJoinRoom(ctx, c, env)
	case "receiveVideoFrom":
		d.handleReceiveVideoFrom(ctx, c, env)
	case "onIceCandidate":
		d.handleOnIceCandidate(ctx, c, env)
	case "leaveRoom":
		d.leaveRoom(ctx, c)
	case "start":
		d.handleLoopbackStart(ctx, c, env)
	case "stop":
		d.handleLoopbackStop(ctx, c)
	default:
		log.Printf("signaling: unrecognized message id %q from %s", env.ID, c.ID)
		d.sendError(c, "Invalid message")
	}
}

func (d *Dispatcher) sendError(c *Client, message string) {
	(&ClientSocket{c: c}).Send(map[string]any{"id": "error", "message": message})
}

func (d *Dispatcher) handleJoinRoom(ctx context.Context, c *Client, env envelope) {
	r, err := d.manager.GetRoom(ctx, env.Room)
	if err != nil {
		log.Printf("signaling: getRoom(%s): %v", env.Room, err)
		d.sendError(c, "Invalid message")
		return
	}

	user, err := r.Join(ctx, env.Name, &ClientSocket{c: c})
	if err != nil {
		log.Printf("signaling: join(%s, %s): %v", env.Room, env.Name, err)
		d.sendError(c, "Invalid message")
		return
	}

	c.room = r
	c.user = user
	d.registry.Register(c.ID, user)
}

func (d *Dispatcher) handleReceiveVideoFrom(ctx context.Context, c *Client, env envelope) {
	if c.user == nil {
		d.sendError(c, "Invalid message")
		return
	}
	sender, ok := d.registry.GetByName(env.Sender)
	if !ok {
		// NotFound: sender may have just left. Log and ignore (spec.md §7).
		log.Printf("signaling: receiveVideoFrom: unknown sender %q", env.Sender)
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SdpOffer}
	if err := c.user.ReceiveVideoFrom(ctx, sender, offer); err != nil {
		log.Printf("signaling: receiveVideoFrom(%s <- %s): %v", c.user.Name, env.Sender, err)
	}
}

func (d *Dispatcher) handleOnIceCandidate(ctx context.Context, c *Client, env envelope) {
	if env.Candidate == nil || env.Candidate.Candidate == "" {
		return
	}
	if c.user == nil {
		return
	}

	candidate := webrtc.ICECandidateInit{
		Candidate:     env.Candidate.Candidate,
		SDPMid:        env.Candidate.SdpMid,
		SDPMLineIndex: env.Candidate.SdpMLineIndex,
	}
	if err := c.user.AddCandidate(ctx, candidate, env.Name); err != nil {
		log.Printf("signaling: addCandidate(%s, %s): %v", c.user.Name, env.Name, err)
	}
}

// leaveRoom implements both the explicit {id:"leaveRoom"} message and
// on_close (spec.md §9 Open Question — a disconnect MUST run the same
// path, fixing the source's omission; see DESIGN.md).
func (d *Dispatcher) leaveRoom(ctx context.Context, c *Client) {
	if c.room == nil || c.user == nil {
		return
	}
	c.room.Leave(ctx, c.user)
	d.registry.RemoveBySession(c.ID)
	c.room = nil
	c.user = nil
}

// onDisconnect is called once readLoop returns for any reason (remote
// close, read error). It always performs a full leaveRoom and, if this
// client was in loopback mode, releases its loopback endpoint too.
func (d *Dispatcher) onDisconnect(c *Client) {
	ctx := context.Background()
	d.leaveRoom(ctx, c)
	d.stopLoopback(ctx, c)
}
