// Package kurento implements the JSON-RPC 2.0 transport to a Kurento Media
// Server (KMS) over a single multiplexed WebSocket, and a thin typed layer
// of media objects (pipelines, endpoints, filters) built on top of it.
package kurento

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// EventHandler is invoked for every onEvent notification matching the
// event type it was subscribed under. It receives the raw "value" payload
// from the KMS envelope (spec.md §4.1).
type EventHandler func(value json.RawMessage)

// Config configures a Transport. Zero-value fields take the documented
// defaults.
type Config struct {
	URL            string
	ConnectTimeout time.Duration // default 5s, per spec.md §5
	RPCTimeout     time.Duration // default 10s; values <= 0 also select 10s, so every call has a deadline
	EventQueueSize int           // default 64, per spec.md §5
	Dialer         *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = 64
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

type rpcResponse struct {
	sessionID string
	value     json.RawMessage
	err       error
}

type subscription struct {
	id        string
	eventType string
	handler   EventHandler
}

// Transport owns exactly one WebSocket connection to KMS and multiplexes
// concurrent RPCs and asynchronous events over it (spec.md §4.1).
type Transport struct {
	cfg Config

	stateMu      sync.Mutex
	conn         *websocket.Conn
	sendCh       chan []byte
	stopped      bool
	nextID       uint64
	sessionToken string
	pending      map[uint64]chan *rpcResponse
	subs         map[string]*subscription
	subsByType   map[string][]string

	events   chan json.RawMessage
	closedCh chan struct{}
	closeOne sync.Once
}

// New creates a Transport. It does not dial KMS until the first RPC call
// (spec.md §4.1 "Connection policy").
func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:        cfg,
		pending:    make(map[uint64]chan *rpcResponse),
		subs:       make(map[string]*subscription),
		subsByType: make(map[string][]string),
		events:     make(chan json.RawMessage, cfg.EventQueueSize),
		closedCh:   make(chan struct{}),
	}
	go t.dispatchLoop()
	return t
}

// SessionID returns the most recently learned KMS session token, or "" if
// none has been established yet (spec.md §3 "KMS session token").
func (t *Transport) SessionID() string {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.sessionToken
}

// Close stops the transport: in-flight RPCs fail with TransportClosed, the
// receiver and dispatcher loops stop at their next wakeup (spec.md §5
// "Graceful shutdown").
func (t *Transport) Close() error {
	t.stateMu.Lock()
	if t.stopped {
		t.stateMu.Unlock()
		return nil
	}
	t.stopped = true
	conn := t.conn
	t.conn = nil
	sendCh := t.sendCh
	t.sendCh = nil
	pending := t.pending
	t.pending = make(map[uint64]chan *rpcResponse)
	t.stateMu.Unlock()

	t.closeOne.Do(func() { close(t.closedCh) })

	for _, ch := range pending {
		select {
		case ch <- &rpcResponse{err: &TransportClosed{}}:
		default:
		}
	}
	if sendCh != nil {
		close(sendCh)
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

func (t *Transport) withRPCTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.RPCTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.cfg.RPCTimeout)
}

// ensureConnected dials KMS if the socket is not currently open. Concurrent
// callers race to dial; the loser discards its connection and reuses the
// winner's (spec.md §4.1 "On first use or when the socket is not open").
func (t *Transport) ensureConnected(ctx context.Context) error {
	t.stateMu.Lock()
	if t.stopped {
		t.stateMu.Unlock()
		return &TransportClosed{}
	}
	if t.conn != nil {
		t.stateMu.Unlock()
		return nil
	}
	t.stateMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := t.cfg.Dialer.DialContext(dialCtx, t.cfg.URL, nil)
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			return &TransportTimeout{Op: "connect"}
		}
		return fmt.Errorf("kurento: dial %s: %w", t.cfg.URL, err)
	}

	t.stateMu.Lock()
	if t.stopped {
		t.stateMu.Unlock()
		conn.Close()
		return &TransportClosed{}
	}
	if t.conn != nil {
		// Lost the race to another caller's dial; keep theirs.
		t.stateMu.Unlock()
		conn.Close()
		return nil
	}
	sendCh := make(chan []byte, 64)
	t.conn = conn
	t.sendCh = sendCh
	t.stateMu.Unlock()

	go t.recvLoop(conn)
	go t.writeLoop(conn, sendCh)
	return nil
}

// teardown retires conn if it is still the transport's current connection,
// failing every pending RPC with cause. A no-op if conn was already
// superseded (e.g. by a fresh reconnect winning the race first).
func (t *Transport) teardown(conn *websocket.Conn, cause error) {
	t.stateMu.Lock()
	if t.conn != conn {
		t.stateMu.Unlock()
		return
	}
	t.conn = nil
	t.sendCh = nil
	pending := t.pending
	t.pending = make(map[uint64]chan *rpcResponse)
	t.stateMu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- &rpcResponse{err: cause}:
		default:
		}
	}
	conn.Close()
}

func (t *Transport) writeLoop(conn *websocket.Conn, sendCh chan []byte) {
	for frame := range sendCh {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.teardown(conn, &TransportClosed{})
			return
		}
	}
}

// recvLoop is the single reader for this connection. Per spec.md §5 it
// re-checks the stopped flag every second rather than blocking forever on
// Read, so Close() is observed promptly even with no traffic.
func (t *Transport) recvLoop(conn *websocket.Conn) {
	defer t.teardown(conn, &TransportClosed{})
	for {
		t.stateMu.Lock()
		stopped := t.stopped
		current := t.conn == conn
		t.stateMu.Unlock()
		if stopped || !current {
			return
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		t.handleFrame(data)
	}
}

// handleFrame classifies one inbound frame as a correlated response or a
// notification, per spec.md §4.1. Per-frame exceptions are logged, never
// fatal to the loop.
func (t *Transport) handleFrame(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("kurento: recovered panic handling frame: %v", r)
		}
	}()

	parsed := gjson.ParseBytes(data)
	idField := parsed.Get("id")
	sessionIDField := parsed.Get("result.sessionId")
	errField := parsed.Get("error")

	if idField.Exists() && (sessionIDField.Exists() || errField.Exists()) {
		t.completeResponse(uint64(idField.Uint()), parsed, sessionIDField, errField, data)
		return
	}

	if parsed.Get("method").String() == "onEvent" {
		raw := append(json.RawMessage(nil), data...)
		select {
		case t.events <- raw:
		case <-t.closedCh:
		}
		return
	}

	log.Printf("kurento: ignoring unrecognized frame: %s", data)
}

func (t *Transport) completeResponse(id uint64, parsed, sessionIDField, errField gjson.Result, data []byte) {
	var resp rpcResponse
	switch {
	case errField.Exists():
		resp.err = &RpcError{
			Message:  parsed.Get("error.message").String(),
			Envelope: append(json.RawMessage(nil), data...),
		}
	case !sessionIDField.Exists():
		resp.err = &ProtocolError{Reason: "response missing result.sessionId"}
	default:
		resp.sessionID = sessionIDField.String()
		if v := parsed.Get("result.value"); v.Exists() {
			resp.value = json.RawMessage(v.Raw)
		}
		t.stateMu.Lock()
		t.sessionToken = resp.sessionID
		t.stateMu.Unlock()
	}

	t.stateMu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.stateMu.Unlock()

	if ok {
		select {
		case ch <- &resp:
		default:
		}
	}
}

// dispatchLoop drains the bounded event queue and routes each notification
// to its subscribers, decoupled from recvLoop so a slow handler never
// blocks the reader (spec.md §5 "Event dispatch ... must never block").
func (t *Transport) dispatchLoop() {
	for {
		select {
		case raw, ok := <-t.events:
			if !ok {
				return
			}
			t.dispatchEvent(raw)
		case <-t.closedCh:
			return
		}
	}
}

func (t *Transport) dispatchEvent(raw json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("kurento: recovered panic dispatching event: %v", r)
		}
	}()

	parsed := gjson.ParseBytes(raw)
	if sid := parsed.Get("params.sessionId"); sid.Exists() {
		t.stateMu.Lock()
		t.sessionToken = sid.String()
		t.stateMu.Unlock()
	}

	value := parsed.Get("params.value")
	if !value.Exists() {
		log.Printf("kurento: onEvent missing params.value: %s", raw)
		return
	}
	eventType := parsed.Get("params.value.data.type").String()
	if eventType == "" {
		return
	}

	t.stateMu.Lock()
	ids := append([]string(nil), t.subsByType[eventType]...)
	handlers := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		if s, ok := t.subs[id]; ok {
			handlers = append(handlers, s.handler)
		}
	}
	t.stateMu.Unlock()

	valueRaw := json.RawMessage(value.Raw)
	for _, h := range handlers {
		h(valueRaw)
	}
}

func (t *Transport) dropPending(id uint64) {
	t.stateMu.Lock()
	delete(t.pending, id)
	t.stateMu.Unlock()
}

// call performs one request/response RPC round-trip: allocate an id,
// register a wait-handle, send the frame, and await correlation
// (spec.md §4.1 "Request/response correlation").
func (t *Transport) call(ctx context.Context, method string, params map[string]any) (sessionID string, value json.RawMessage, err error) {
	if err := t.ensureConnected(ctx); err != nil {
		return "", nil, err
	}

	t.stateMu.Lock()
	if t.stopped {
		t.stateMu.Unlock()
		return "", nil, &TransportClosed{}
	}
	t.nextID++
	id := t.nextID
	if params == nil {
		params = map[string]any{}
	}
	if t.sessionToken != "" {
		params["sessionId"] = t.sessionToken
	}
	ch := make(chan *rpcResponse, 1)
	t.pending[id] = ch
	sendCh := t.sendCh
	t.stateMu.Unlock()

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	frame, marshalErr := json.Marshal(req)
	if marshalErr != nil {
		t.dropPending(id)
		return "", nil, marshalErr
	}

	if sendCh == nil {
		t.dropPending(id)
		return "", nil, &TransportClosed{}
	}

	select {
	case sendCh <- frame:
	case <-ctx.Done():
		t.dropPending(id)
		return "", nil, ctx.Err()
	case <-t.closedCh:
		t.dropPending(id)
		return "", nil, &TransportClosed{}
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return "", nil, resp.err
		}
		return resp.sessionID, resp.value, nil
	case <-ctx.Done():
		t.dropPending(id)
		return "", nil, ctx.Err()
	}
}

// Create issues a `create` RPC and returns the KMS-assigned object id
// (spec.md §4.1).
func (t *Transport) Create(ctx context.Context, objType string, params map[string]any) (string, error) {
	ctx, cancel := t.withRPCTimeout(ctx)
	defer cancel()

	_, value, err := t.call(ctx, "create", map[string]any{
		"type":             objType,
		"constructorParams": params,
	})
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(value, &id); err != nil {
		return "", &ProtocolError{Reason: "create: result.value is not an object id string"}
	}
	return id, nil
}

// Invoke issues an `invoke` RPC on an existing object.
func (t *Transport) Invoke(ctx context.Context, objectID, operation string, params map[string]any) (json.RawMessage, error) {
	ctx, cancel := t.withRPCTimeout(ctx)
	defer cancel()

	_, value, err := t.call(ctx, "invoke", map[string]any{
		"object":          objectID,
		"operation":       operation,
		"operationParams": params,
	})
	return value, err
}

// Subscribe issues the `subscribe` RPC for eventType on objectID, then
// registers handler under the subscription id KMS returns. handler may be
// invoked any time after this returns; an event dispatched before that
// registration completes does not reach handler.
func (t *Transport) Subscribe(ctx context.Context, objectID, eventType string, handler EventHandler) (string, error) {
	ctx, cancel := t.withRPCTimeout(ctx)
	defer cancel()

	_, value, err := t.call(ctx, "subscribe", map[string]any{
		"object": objectID,
		"type":   eventType,
	})
	if err != nil {
		return "", err
	}
	var subID string
	if err := json.Unmarshal(value, &subID); err != nil {
		return "", &ProtocolError{Reason: "subscribe: result.value is not a subscription id string"}
	}

	t.stateMu.Lock()
	t.subs[subID] = &subscription{id: subID, eventType: eventType, handler: handler}
	t.subsByType[eventType] = append(t.subsByType[eventType], subID)
	t.stateMu.Unlock()

	return subID, nil
}

// Unsubscribe removes local mappings before issuing `unsubscribe`
// (spec.md §4.1).
func (t *Transport) Unsubscribe(ctx context.Context, objectID, subscriptionID string) error {
	ctx, cancel := t.withRPCTimeout(ctx)
	defer cancel()

	t.stateMu.Lock()
	if sub, ok := t.subs[subscriptionID]; ok {
		delete(t.subs, subscriptionID)
		ids := t.subsByType[sub.eventType]
		for i, id := range ids {
			if id == subscriptionID {
				t.subsByType[sub.eventType] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	t.stateMu.Unlock()

	_, _, err := t.call(ctx, "unsubscribe", map[string]any{
		"object":       objectID,
		"subscription": subscriptionID,
	})
	return err
}

// Release issues a `release` RPC.
func (t *Transport) Release(ctx context.Context, objectID string) error {
	ctx, cancel := t.withRPCTimeout(ctx)
	defer cancel()

	_, _, err := t.call(ctx, "release", map[string]any{"object": objectID})
	return err
}
