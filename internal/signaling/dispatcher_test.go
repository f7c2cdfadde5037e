package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetbridge/kurento-gateway/internal/kurento"
	"github.com/meetbridge/kurento-gateway/internal/room"
)

// fakeKMS is a minimal JSON-RPC 2.0 peer sufficient to drive the
// dispatcher's room-joining and loopback paths over a real socket.
type fakeKMS struct {
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	mu        sync.Mutex
	nextObjID int
}

func newFakeKMS(t *testing.T) *fakeKMS {
	f := &fakeKMS{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.handle(data, conn)
		}
	}))
	return f
}

func (f *fakeKMS) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }
func (f *fakeKMS) close()      { f.srv.Close() }

func (f *fakeKMS) handle(data []byte, conn *websocket.Conn) {
	var req struct {
		ID     uint64         `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	var value any
	switch req.Method {
	case "create":
		f.mu.Lock()
		f.nextObjID++
		value = fmt.Sprintf("obj-%d", f.nextObjID)
		f.mu.Unlock()
	case "subscribe":
		value = "sub"
	case "invoke":
		switch req.Params["operation"] {
		case "processOffer":
			value = "v=0 answer-sdp"
		default:
			value = "ok"
		}
	case "unsubscribe", "release":
		value = nil
	}
	frame := map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  map[string]any{"sessionId": "sess-1", "value": value},
	}
	out, _ := json.Marshal(frame)
	conn.WriteMessage(websocket.TextMessage, out)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, func()) {
	kms := newFakeKMS(t)
	tr := kurento.New(kurento.Config{URL: kms.url()})
	mgr := room.NewManager(tr)
	reg := room.NewRegistry()
	d := NewDispatcher(mgr, reg)
	return d, func() {
		tr.Close()
		kms.close()
	}
}

func newTestClient(id string) *Client {
	return &Client{ID: id, Send: make(chan []byte, 16)}
}

func recvMessage(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.Send:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func TestDispatcherJoinRoomAndIceLoop(t *testing.T) {
	d, cleanup := newTestDispatcher(t)
	defer cleanup()

	alice := newTestClient("conn-alice")
	d.Handle(alice, []byte(`{"id":"joinRoom","room":"r1","name":"alice"}`))
	recvMessage(t, alice) // existingParticipants (empty)

	bob := newTestClient("conn-bob")
	d.Handle(bob, []byte(`{"id":"joinRoom","room":"r1","name":"bob"}`))

	msg := recvMessage(t, bob)
	assert.Equal(t, "existingParticipants", msg["id"])

	msg = recvMessage(t, alice)
	assert.Equal(t, "newParticipantArrived", msg["id"])
	assert.Equal(t, "bob", msg["name"])

	// scenario S3: bob requests alice's video, gets an answer, then
	// forwards an ICE candidate for it.
	d.Handle(bob, []byte(`{"id":"receiveVideoFrom","sender":"alice","sdpOffer":"v=0 offer"}`))
	msg = recvMessage(t, bob)
	assert.Equal(t, "receiveVideoAnswer", msg["id"])
	assert.Equal(t, "alice", msg["name"])

	d.Handle(bob, []byte(`{"id":"onIceCandidate","name":"alice","candidate":{"candidate":"candidate:1 1 UDP 1 1.2.3.4 9 typ host"}}`))
	// No reply expected for onIceCandidate itself; absence of a panic or
	// error is the assertion here given the fake KMS always ACKs invoke.

	d.Handle(bob, []byte(`{"id":"leaveRoom"}`))
	msg = recvMessage(t, alice)
	assert.Equal(t, "participantLeft", msg["id"])
	assert.Equal(t, "bob", msg["name"])
}

func TestDispatcherOnDisconnectRunsLeaveRoom(t *testing.T) {
	d, cleanup := newTestDispatcher(t)
	defer cleanup()

	alice := newTestClient("conn-alice")
	d.Handle(alice, []byte(`{"id":"joinRoom","room":"r1","name":"alice"}`))
	bob := newTestClient("conn-bob")
	d.Handle(bob, []byte(`{"id":"joinRoom","room":"r1","name":"bob"}`))
	recvMessage(t, alice) // existingParticipants (empty)
	recvMessage(t, bob)  // existingParticipants
	recvMessage(t, alice) // newParticipantArrived

	// Disconnect without an explicit leaveRoom message.
	d.onDisconnect(bob)

	msg := recvMessage(t, alice)
	assert.Equal(t, "participantLeft", msg["id"])
	assert.Equal(t, "bob", msg["name"])
}

func TestDispatcherMalformedMessageRepliesError(t *testing.T) {
	d, cleanup := newTestDispatcher(t)
	defer cleanup()

	c := newTestClient("conn-x")
	d.Handle(c, []byte(`not json`))
	msg := recvMessage(t, c)
	assert.Equal(t, "error", msg["id"])

	d.Handle(c, []byte(`{"id":"somethingUnknown"}`))
	msg = recvMessage(t, c)
	assert.Equal(t, "error", msg["id"])
}

func TestLoopbackStartStop(t *testing.T) {
	d, cleanup := newTestDispatcher(t)
	defer cleanup()

	c := newTestClient("conn-loop")
	d.Handle(c, []byte(`{"id":"start","sdpOffer":"v=0 offer"}`))
	msg := recvMessage(t, c)
	assert.Equal(t, "startResponse", msg["id"])
	assert.NotEmpty(t, msg["sdpAnswer"])

	loopbacks.mu.Lock()
	_, ok := loopbacks.sessions[c]
	loopbacks.mu.Unlock()
	assert.True(t, ok)

	d.Handle(c, []byte(`{"id":"stop"}`))

	loopbacks.mu.Lock()
	_, ok = loopbacks.sessions[c]
	loopbacks.mu.Unlock()
	assert.False(t, ok)
}
