package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dialSession spins up an httptest server, upgrades one connection into a
// Session and returns the client side of it.
func dialSession(t *testing.T, configure func(*Session)) (*websocket.Conn, *Session) {
	t.Helper()

	sessionCh := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s := NewSession(conn, nil, zap.NewNop())
		if configure != nil {
			configure(s)
		}
		s.Run()
		sessionCh <- s
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	s := <-sessionCh
	t.Cleanup(s.Close)
	return client, s
}

func TestClientRequestAccepted(t *testing.T) {
	client, _ := dialSession(t, func(s *Session) {
		s.OnRequest = func(req *IncomingRequest) {
			if req.Method != "join" {
				req.Reject(nil)
				return
			}
			req.Accept(map[string]any{"peers": []string{}})
		}
	})

	client.WriteJSON(map[string]any{
		"request": true, "id": 1, "method": "join",
		"data": map[string]any{"displayName": "alice"},
	})

	var resp envelope
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !resp.Response || resp.ID != 1 || !resp.OK {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClientRequestRejectedCarriesCode(t *testing.T) {
	client, _ := dialSession(t, func(s *Session) {
		s.OnRequest = func(req *IncomingRequest) {
			req.Reject(errTest{})
		}
	})

	client.WriteJSON(map[string]any{"request": true, "id": 7, "method": "produce"})

	var resp envelope
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.OK || resp.ID != 7 || resp.ErrorCode != 500 {
		t.Fatalf("unexpected rejection: %+v", resp)
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestServerRequestRoundTrip(t *testing.T) {
	client, session := dialSession(t, nil)

	// Client side answers every incoming request.
	go func() {
		for {
			var env envelope
			if err := client.ReadJSON(&env); err != nil {
				return
			}
			if env.Request {
				client.WriteJSON(map[string]any{
					"response": true, "id": env.ID, "ok": true,
					"data": map[string]any{"echo": env.Method},
				})
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := session.Request(ctx, "newConsumer", map[string]any{"id": "c1"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var got struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Echo != "newConsumer" {
		t.Fatalf("echo = %q", got.Echo)
	}
}

func TestNotificationDelivery(t *testing.T) {
	notified := make(chan string, 1)
	client, session := dialSession(t, func(s *Session) {
		s.OnNotification = func(method string, data json.RawMessage) {
			notified <- method
		}
	})

	// Server -> client.
	if err := session.Notify("speakingPeers", map[string]any{"peerVolumes": []any{}}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	var env envelope
	if err := client.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if !env.Notification || env.Method != "speakingPeers" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	// Client -> server.
	client.WriteJSON(map[string]any{"notification": true, "method": "changeDisplayName"})
	select {
	case m := <-notified:
		if m != "changeDisplayName" {
			t.Fatalf("method = %q", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestRequestAfterCloseFails(t *testing.T) {
	_, session := dialSession(t, nil)
	session.Close()

	if _, err := session.Request(context.Background(), "newConsumer", nil); err == nil {
		t.Fatal("Request on closed session returned nil error")
	}
	if err := session.Notify("x", nil); err == nil {
		t.Fatal("Notify on closed session returned nil error")
	}
}

func TestCloseReentrancy(t *testing.T) {
	// Peer teardown closes the channel from inside the OnClose handler, so
	// Close must survive re-entering itself.
	done := make(chan struct{}, 2)
	client, _ := dialSession(t, func(s *Session) {
		s.OnClose = func() {
			s.Close()
			done <- struct{}{}
		}
	})

	client.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session close never completed")
	}
	select {
	case <-done:
		t.Fatal("OnClose ran more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	_, session := dialSession(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := session.Request(context.Background(), "newConsumer", nil)
		errCh <- err
	}()

	// Give the request a moment to become pending, then close underneath it.
	time.Sleep(50 * time.Millisecond)
	session.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("pending request resolved without error after close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending request never failed")
	}
}
