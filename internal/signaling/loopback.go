package signaling

import (
	"context"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meetbridge/kurento-gateway/internal/kurento"
)

// loopbackSession is the private pipeline + single WebRtcEndpoint backing
// one client's loopback mode (spec.md §4.6 "A loopback mode exists").
type loopbackSession struct {
	pipeline *kurento.Handle
	endpoint *kurento.Handle
}

// loopbackRegistry maps a client connection to its loopback session. It
// is a map guarded by a mutex rather than a field on Client, since
// loopback and room participation are independent modes that can, in
// principle, coexist on distinct endpoints the same socket.
type loopbackRegistry struct {
	mu       sync.Mutex
	sessions map[*Client]*loopbackSession
}

var loopbacks = &loopbackRegistry{sessions: make(map[*Client]*loopbackSession)}

// handleLoopbackStart implements {id:"start", sdpOffer}: allocate a
// private pipeline and endpoint, connect it to itself, process the
// offer, and answer with {id:"startResponse", sdpAnswer} (spec.md §4.6).
func (d *Dispatcher) handleLoopbackStart(ctx context.Context, c *Client, env envelope) {
	t := d.manager.Transport()

	pipeline, err := kurento.NewPipeline(ctx, t)
	if err != nil {
		log.Printf("signaling: loopback pipeline for %s: %v", c.ID, err)
		d.sendError(c, "Invalid message")
		return
	}

	ep, err := kurento.NewWebRtcEndpoint(ctx, t, pipeline)
	if err != nil {
		log.Printf("signaling: loopback endpoint for %s: %v", c.ID, err)
		pipeline.Release(ctx)
		d.sendError(c, "Invalid message")
		return
	}

	if err := ep.Connect(ctx, ep); err != nil {
		log.Printf("signaling: loopback self-connect for %s: %v", c.ID, err)
		ep.Release(ctx)
		pipeline.Release(ctx)
		d.sendError(c, "Invalid message")
		return
	}

	if _, err := ep.OnIceCandidateFound(ctx, func(candidate webrtc.ICECandidateInit) {
		(&ClientSocket{c: c}).Send(map[string]any{"id": "iceCandidate", "candidate": candidate})
	}); err != nil {
		log.Printf("signaling: loopback subscribe for %s: %v", c.ID, err)
	}

	answer, err := ep.ProcessOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SdpOffer})
	if err != nil {
		log.Printf("signaling: loopback processOffer for %s: %v", c.ID, err)
		ep.Release(ctx)
		pipeline.Release(ctx)
		d.sendError(c, "Invalid message")
		return
	}

	loopbacks.mu.Lock()
	loopbacks.sessions[c] = &loopbackSession{pipeline: pipeline, endpoint: ep}
	loopbacks.mu.Unlock()

	(&ClientSocket{c: c}).Send(map[string]any{"id": "startResponse", "sdpAnswer": answer.SDP})

	if err := ep.GatherCandidates(ctx); err != nil {
		log.Printf("signaling: loopback gatherCandidates for %s: %v", c.ID, err)
	}
}

// handleLoopbackStop implements {id:"stop"}: release the endpoint and
// its private pipeline (spec.md §4.6).
func (d *Dispatcher) handleLoopbackStop(ctx context.Context, c *Client) {
	d.stopLoopback(ctx, c)
}

func (d *Dispatcher) stopLoopback(ctx context.Context, c *Client) {
	loopbacks.mu.Lock()
	sess, ok := loopbacks.sessions[c]
	if ok {
		delete(loopbacks.sessions, c)
	}
	loopbacks.mu.Unlock()
	if !ok {
		return
	}

	if err := sess.endpoint.Release(ctx); err != nil {
		log.Printf("signaling: release loopback endpoint for %s: %v", c.ID, err)
	}
	if err := sess.pipeline.Release(ctx); err != nil {
		log.Printf("signaling: release loopback pipeline for %s: %v", c.ID, err)
	}
}
