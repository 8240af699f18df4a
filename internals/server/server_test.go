package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/confabrtc/confab/internals/config"
	"github.com/confabrtc/confab/internals/engine/mock"
	"github.com/confabrtc/confab/internals/errs"
	"github.com/confabrtc/confab/internals/room"
	"github.com/confabrtc/confab/internals/throttle"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type nopShaper struct{}

func (nopShaper) Start(ctx context.Context, opts throttle.Options) error { return nil }
func (nopShaper) Stop(ctx context.Context, scope throttle.Scope) error   { return nil }

func newTestServer(t *testing.T, workers int) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Mediasoup.NumWorkers = workers
	cfg.Domain = "localhost"

	coordinator := throttle.NewCoordinator("", nopShaper{}, zap.NewNop())
	s, err := New(context.Background(), cfg, mock.New(), coordinator, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
		coordinator.Shutdown()
	})
	return s, ts
}

func TestGetOrCreateRoomExactlyOnce(t *testing.T) {
	s, _ := newTestServer(t, 2)
	ctx := context.Background()

	const n = 8
	rooms := make([]*room.Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := s.GetOrCreateRoom(ctx, "r1", 0, false)
			if err != nil {
				t.Errorf("GetOrCreateRoom: %v", err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatal("concurrent getOrCreate returned distinct rooms")
		}
	}
	if len(s.Rooms()) != 1 {
		t.Fatalf("server holds %d rooms, want 1", len(s.Rooms()))
	}
}

func TestPipeModeNeedsTwoWorkers(t *testing.T) {
	s, _ := newTestServer(t, 1)

	_, err := s.GetOrCreateRoom(context.Background(), "r1", 0, true)
	if errs.KindOf(err) != errs.KindInvalidState {
		t.Fatalf("pipe mode on 1 worker kind = %v, want InvalidState", errs.KindOf(err))
	}

	s2, _ := newTestServer(t, 2)
	r, err := s2.GetOrCreateRoom(context.Background(), "r1", 0, true)
	if err != nil {
		t.Fatalf("pipe mode on 2 workers: %v", err)
	}
	if !r.PipeMode() {
		t.Fatal("room not in pipe mode")
	}
}

func TestWorkerDeathClosesRooms(t *testing.T) {
	s, _ := newTestServer(t, 2)

	var died error
	s.OnWorkerDied = func(err error) { died = err }

	r, err := s.GetOrCreateRoom(context.Background(), "r1", 0, false)
	if err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}

	s.slots[0].worker.(*mock.Worker).TriggerDied(errors.New("segfault"))

	if !r.Closed() {
		t.Fatal("room survived worker death")
	}
	if died == nil {
		t.Fatal("OnWorkerDied not invoked")
	}
	if len(s.Rooms()) != 0 {
		t.Fatal("dead rooms still registered")
	}
}

func TestRoomClosesAfterLastPeerLeaves(t *testing.T) {
	s, ts := newTestServer(t, 1)

	c := dialPeer(t, ts, "r1", "alice")
	c.request(t, "join", map[string]any{"displayName": "alice"})

	r, err := s.GetRoom("r1")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}

	c.conn.Close()

	deadline := time.After(2 * time.Second)
	for !r.Closed() {
		select {
		case <-deadline:
			t.Fatal("room did not close after last peer left")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, err := s.GetRoom("r1"); errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("closed room lookup kind = %v, want NotFound", errs.KindOf(err))
	}
}

// memoryChannel is a peer channel that swallows everything, for driving
// admission without a websocket.
type memoryChannel struct{}

func (memoryChannel) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	return nil, nil
}
func (memoryChannel) Notify(method string, data any) error { return nil }
func (memoryChannel) RemoteAddr() string                   { return "memory" }
func (memoryChannel) Close()                               {}

func TestReconnectSupersedesWithoutClosingRoom(t *testing.T) {
	s, _ := newTestServer(t, 1)
	ctx := context.Background()

	r1, p1, err := s.ConnectPeer(ctx, "r1", 0, false, "alice", memoryChannel{})
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}

	// Superseding closes the old peer, which schedules a close-on-empty
	// check; the replacement is admitted on the same scheduler turn, so the
	// check must find it and leave the room open.
	r2, p2, err := s.ConnectPeer(ctx, "r1", 0, false, "alice", memoryChannel{})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if r2 != r1 {
		t.Fatal("reconnect landed in a different room")
	}
	if !p1.Closed() {
		t.Fatal("superseded peer not closed")
	}

	// Drain the queue behind the deferred close check.
	if _, err := s.GetOrCreateRoom(ctx, "r1", 0, false); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}
	if r1.Closed() {
		t.Fatal("room closed under the superseding peer")
	}
	if p2.Closed() {
		t.Fatal("replacement peer closed")
	}
}

// --- websocket client plumbing ---

type wsEnvelope struct {
	Request      bool            `json:"request,omitempty"`
	Response     bool            `json:"response,omitempty"`
	Notification bool            `json:"notification,omitempty"`
	ID           uint32          `json:"id,omitempty"`
	Method       string          `json:"method,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	ErrorCode    int             `json:"errorCode,omitempty"`
	ErrorReason  string          `json:"errorReason,omitempty"`
}

type wsClient struct {
	conn   *websocket.Conn
	nextID uint32
}

func dialPeer(t *testing.T, ts *httptest.Server, roomID, peerID string) *wsClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/ws?roomId=%s&peerId=%s", roomID, peerID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{conn: conn}
}

// await reads frames until the predicate matches. Frames it skips are lost to
// the caller, so await in protocol order.
func (c *wsClient) await(t *testing.T, what string, match func(wsEnvelope) bool) wsEnvelope {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env wsEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(env) {
			return env
		}
	}
}

func (c *wsClient) request(t *testing.T, method string, data any) wsEnvelope {
	t.Helper()
	c.nextID++
	id := c.nextID
	raw, _ := json.Marshal(data)
	if err := c.conn.WriteJSON(wsEnvelope{Request: true, ID: id, Method: method, Data: raw}); err != nil {
		t.Fatalf("sending %s: %v", method, err)
	}
	env := c.await(t, method+" response", func(e wsEnvelope) bool {
		return e.Response && e.ID == id
	})
	if !env.OK {
		t.Fatalf("%s rejected: %d %s", method, env.ErrorCode, env.ErrorReason)
	}
	return env
}

func TestWebSocketSignalingFlow(t *testing.T) {
	_, ts := newTestServer(t, 1)

	alice := dialPeer(t, ts, "r1", "alice")
	version := alice.await(t, "mediasoupVersion", func(e wsEnvelope) bool {
		return e.Notification && e.Method == "mediasoupVersion"
	})
	if !bytes.Contains(version.Data, []byte("version")) {
		t.Fatalf("version payload = %s", version.Data)
	}

	caps := alice.request(t, "getRouterRtpCapabilities", nil)
	if !bytes.Contains(caps.Data, []byte("audio/opus")) {
		t.Fatalf("router capabilities missing opus: %s", caps.Data)
	}

	join := alice.request(t, "join", map[string]any{"displayName": "Alice"})
	var joinPayload struct {
		Peers []json.RawMessage `json:"peers"`
	}
	if err := json.Unmarshal(join.Data, &joinPayload); err != nil {
		t.Fatalf("join payload: %v", err)
	}
	if len(joinPayload.Peers) != 0 {
		t.Fatalf("first peer saw %d existing peers", len(joinPayload.Peers))
	}

	bob := dialPeer(t, ts, "r1", "bob")
	bob.request(t, "join", map[string]any{"displayName": "Bob"})

	newPeer := alice.await(t, "newPeer", func(e wsEnvelope) bool {
		return e.Notification && e.Method == "newPeer"
	})
	if !bytes.Contains(newPeer.Data, []byte("bob")) {
		t.Fatalf("newPeer payload = %s", newPeer.Data)
	}
}

func TestWebSocketRequiresIdentity(t *testing.T) {
	_, ts := newTestServer(t, 1)

	resp, err := http.Get(ts.URL + "/ws?roomId=r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOriginPinning(t *testing.T) {
	_, ts := newTestServer(t, 1)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin status = %d, want 403", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "https://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("matching origin status = %d, want 200", resp.StatusCode)
	}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestBroadcasterHTTPFlow(t *testing.T) {
	_, ts := newTestServer(t, 1)
	base := ts.URL + "/rooms/r1/broadcasters"

	caps := map[string]any{
		"codecs": []map[string]any{
			{"kind": "audio", "mimeType": "audio/opus", "clockRate": 48000},
		},
	}

	resp, payload := postJSON(t, base, map[string]any{
		"id":              "cam-1",
		"displayName":     "Lobby Cam",
		"rtpCapabilities": caps,
	})
	if resp.StatusCode != http.StatusOK || payload["id"] != "cam-1" {
		t.Fatalf("create broadcaster: %d %v", resp.StatusCode, payload)
	}

	// Duplicate id conflicts.
	resp, _ = postJSON(t, base, map[string]any{"id": "cam-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate broadcaster status = %d, want 409", resp.StatusCode)
	}

	// Joining an unknown broadcaster is a 404.
	resp, _ = postJSON(t, base+"/ghost/join", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown broadcaster join status = %d, want 404", resp.StatusCode)
	}

	resp, payload = postJSON(t, base+"/cam-1/join", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d", resp.StatusCode)
	}
	if _, ok := payload["peers"]; !ok {
		t.Fatalf("join payload = %v, want peers list", payload)
	}

	resp, payload = postJSON(t, base+"/cam-1/transports", map[string]any{
		"type":      "plain",
		"direction": "send",
		"comedia":   true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create transport status = %d: %v", resp.StatusCode, payload)
	}
	sendTransportID := payload["id"].(string)
	if payload["port"] == nil {
		t.Fatalf("plain transport payload missing port: %v", payload)
	}

	resp, _ = postJSON(t, base+"/cam-1/transports/"+sendTransportID+"/connect", map[string]any{
		"ip":   "10.0.0.9",
		"port": 5004,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d", resp.StatusCode)
	}

	resp, payload = postJSON(t, base+"/cam-1/transports/"+sendTransportID+"/producers", map[string]any{
		"kind":      "audio",
		"mediaType": "audio",
		"rtpParameters": map[string]any{
			"codecs": []map[string]any{
				{"mimeType": "audio/opus", "payloadType": 100, "clockRate": 48000},
			},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create producer status = %d: %v", resp.StatusCode, payload)
	}
	producerID := payload["id"].(string)

	resp, payload = postJSON(t, base+"/cam-1/transports", map[string]any{
		"type":      "plain",
		"direction": "recv",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create recv transport status = %d", resp.StatusCode)
	}
	recvTransportID := payload["id"].(string)

	resp, payload = postJSON(t, base+"/cam-1/transports/"+recvTransportID+"/consume?producerId="+producerID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("consume status = %d: %v", resp.StatusCode, payload)
	}
	if paused, _ := payload["paused"].(bool); !paused {
		t.Fatalf("broadcaster consumer not paused: %v", payload)
	}
	consumerID := payload["id"].(string)

	resp, _ = postJSON(t, base+"/cam-1/consumers/"+consumerID+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/cam-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestRoomRtpCapabilitiesEndpoint(t *testing.T) {
	_, ts := newTestServer(t, 1)

	resp, err := http.Get(ts.URL + "/rooms/r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		RouterRtpCapabilities json.RawMessage `json:"routerRtpCapabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Contains(payload.RouterRtpCapabilities, []byte("audio/opus")) {
		t.Fatalf("capabilities missing opus: %s", payload.RouterRtpCapabilities)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, 3)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("health payload = %v", payload)
	}
	if workers, _ := payload["workers"].(float64); workers != 3 {
		t.Fatalf("workers = %v, want 3", payload["workers"])
	}
}
