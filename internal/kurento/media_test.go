package kurento

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pushEventData sends an onEvent notification whose params.value carries
// data.type (the required dispatch discriminator, spec.md §4.1) alongside
// whatever extra top-level fields the handler under test decodes, so
// tests can exercise subscription handlers that need more than just
// source/type (unlike fakeKMS.pushEvent in transport_test.go).
func pushEventData(conn *websocket.Conn, eventType string, extra map[string]any) {
	value := map[string]any{"data": map[string]any{"type": eventType}}
	for k, v := range extra {
		value[k] = v
	}
	frame := map[string]any{
		"jsonrpc": "2.0",
		"method":  "onEvent",
		"params": map[string]any{
			"sessionId": "sess-1",
			"value":     value,
		},
	}
	out, _ := json.Marshal(frame)
	conn.WriteMessage(websocket.TextMessage, out)
}

func TestMediaObjectConstructionAndConnect(t *testing.T) {
	f := newFakeKMS(t)
	defer f.close()

	tr := New(Config{URL: f.url()})
	defer tr.Close()
	ctx := context.Background()

	pipeline, err := NewPipeline(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, KindPipeline, pipeline.Kind)
	assert.Equal(t, pipeline.ID, pipeline.Pipeline)

	outgoing, err := NewWebRtcEndpoint(ctx, tr, pipeline)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ID, outgoing.Pipeline)

	incoming, err := NewWebRtcEndpoint(ctx, tr, pipeline)
	require.NoError(t, err)
	assert.NotEqual(t, outgoing.ID, incoming.ID)

	require.NoError(t, outgoing.Connect(ctx, incoming))
}

func TestSdpEndpointOperations(t *testing.T) {
	f := newFakeKMS(t)
	defer f.close()

	tr := New(Config{URL: f.url()})
	defer tr.Close()
	ctx := context.Background()

	pipeline, err := NewPipeline(ctx, tr)
	require.NoError(t, err)
	ep, err := NewWebRtcEndpoint(ctx, tr, pipeline)
	require.NoError(t, err)

	offer, err := ep.GenerateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	answer, err := ep.ProcessOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"})
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	mid := "0"
	var idx uint16
	require.NoError(t, ep.AddIceCandidate(ctx, webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 UDP 1 1.2.3.4 9 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}))
	require.NoError(t, ep.GatherCandidates(ctx))
}

func TestFaceOverlayFilterSetOverlayedImage(t *testing.T) {
	f := newFakeKMS(t)
	defer f.close()

	var capturedParams map[string]any
	f.onRequest = func(method string, id uint64, params map[string]any, conn *websocket.Conn) {
		if method == "invoke" && params["operation"] == "setOverlayedImage" {
			if op, ok := params["operationParams"].(map[string]any); ok {
				capturedParams = op
			}
		}
		f.defaultReply(id, method, params, conn)
	}

	tr := New(Config{URL: f.url()})
	defer tr.Close()
	ctx := context.Background()

	pipeline, err := NewPipeline(ctx, tr)
	require.NoError(t, err)
	filter, err := NewFaceOverlayFilter(ctx, tr, pipeline)
	require.NoError(t, err)

	require.NoError(t, filter.SetOverlayedImage(ctx, "http://example.com/hat.png", 0, -50, 100, 100))
	require.NotNil(t, capturedParams)
	assert.Equal(t, "http://example.com/hat.png", capturedParams["uri"])
	assert.Equal(t, float64(-50), capturedParams["offsetYPercent"])
}

// TestSdpEndpointEventSubscriptions exercises the full C2 subscription
// surface spec.md §4.2 names for SdpEndpoint/WebRtcEndpoint: every event
// type must reach its typed handler with the expected decoded fields.
func TestSdpEndpointEventSubscriptions(t *testing.T) {
	f := newFakeKMS(t)
	defer f.close()

	tr := New(Config{URL: f.url()})
	defer tr.Close()
	ctx := context.Background()

	pipeline, err := NewPipeline(ctx, tr)
	require.NoError(t, err)
	ep, err := NewWebRtcEndpoint(ctx, tr, pipeline)
	require.NoError(t, err)

	_, err = ep.Subscribe(ctx, "GenericEvent", func(json.RawMessage) {})
	require.NoError(t, err)

	states := make(chan IceComponentState, 1)
	_, err = ep.OnIceComponentStateChange(ctx, func(s IceComponentState) { states <- s })
	require.NoError(t, err)

	done := make(chan struct{}, 1)
	_, err = ep.OnIceGatheringDone(ctx, func() { done <- struct{}{} })
	require.NoError(t, err)

	pairs := make(chan CandidatePair, 1)
	_, err = ep.OnNewCandidatePairSelected(ctx, func(p CandidatePair) { pairs <- p })
	require.NoError(t, err)

	opened := make(chan string, 1)
	_, err = ep.OnDataChannelOpen(ctx, func(id string) { opened <- id })
	require.NoError(t, err)

	closed := make(chan string, 1)
	_, err = ep.OnDataChannelClose(ctx, func(id string) { closed <- id })
	require.NoError(t, err)

	type stateChange struct{ old, new string }
	conns := make(chan stateChange, 1)
	_, err = ep.OnConnectionStateChanged(ctx, func(old, new string) { conns <- stateChange{old, new} })
	require.NoError(t, err)

	media := make(chan stateChange, 1)
	_, err = ep.OnMediaStateChanged(ctx, func(old, new string) { media <- stateChange{old, new} })
	require.NoError(t, err)

	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	pushEventData(conn, "IceComponentStateChange", map[string]any{"state": "CONNECTED", "streamId": "1", "componentId": "1"})
	pushEventData(conn, "IceGatheringDone", nil)
	pushEventData(conn, "NewCandidatePairSelected", map[string]any{
		"candidatePair": map[string]any{
			"streamID": "1", "componentID": "1",
			"localCandidate": "local-cand", "remoteCandidate": "remote-cand",
		},
	})
	pushEventData(conn, "DataChannelOpen", map[string]any{"channelId": "chan-1"})
	pushEventData(conn, "DataChannelClose", map[string]any{"channelId": "chan-1"})
	pushEventData(conn, "ConnectionStateChanged", map[string]any{"oldState": "DISCONNECTED", "newState": "CONNECTED"})
	pushEventData(conn, "MediaStateChanged", map[string]any{"oldState": "DISCONNECTED", "newState": "CONNECTED"})

	timeout := time.Second

	select {
	case s := <-states:
		assert.Equal(t, "CONNECTED", s.State)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for IceComponentStateChange")
	}
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for IceGatheringDone")
	}
	select {
	case p := <-pairs:
		assert.Equal(t, "local-cand", p.LocalCandidate)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for NewCandidatePairSelected")
	}
	select {
	case id := <-opened:
		assert.Equal(t, "chan-1", id)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for DataChannelOpen")
	}
	select {
	case id := <-closed:
		assert.Equal(t, "chan-1", id)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for DataChannelClose")
	}
	select {
	case sc := <-conns:
		assert.Equal(t, stateChange{"DISCONNECTED", "CONNECTED"}, sc)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for ConnectionStateChanged")
	}
	select {
	case sc := <-media:
		assert.Equal(t, stateChange{"DISCONNECTED", "CONNECTED"}, sc)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for MediaStateChanged")
	}
}
