package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confabrtc/confab/internals/errs"
	"github.com/confabrtc/confab/internals/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// MaxMessageSize bounds inbound frames and is the outbound fragmentation
	// threshold.
	MaxMessageSize = 960000

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second

	// ackTimeout abandons a server-initiated request whose response never
	// arrives. The pending consumer stays paused and is reaped by the
	// observer chain.
	ackTimeout = 20 * time.Second
)

// IncomingRequest is a client request awaiting a response. Exactly one of
// Accept or Reject must be called.
type IncomingRequest struct {
	Method string
	Data   json.RawMessage

	session *Session
	id      uint32
	replied atomic.Bool
}

func (r *IncomingRequest) Accept(data any) {
	if !r.replied.CompareAndSwap(false, true) {
		return
	}
	raw, err := marshalData(data)
	if err != nil {
		r.session.logger.Error("Failed to marshal response data",
			zap.String("method", r.Method),
			zap.Error(err),
		)
		r.session.enqueue(newErrorResponse(r.id, 500, "response marshaling failed"))
		return
	}
	r.session.enqueue(newSuccessResponse(r.id, raw))
}

func (r *IncomingRequest) Reject(err error) {
	if !r.replied.CompareAndSwap(false, true) {
		return
	}
	metrics.RecordRejection(string(errs.KindOf(err)))
	r.session.enqueue(newErrorResponse(r.id, errs.HTTPStatus(err), err.Error()))
}

type pendingCall struct {
	ch chan envelope
}

// Session is one long-lived message channel. Both sides can send requests and
// notifications; responses are correlated by id.
type Session struct {
	ID         string
	remoteAddr string

	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	logger  *zap.Logger

	nextID    uint32
	pendingMu sync.Mutex
	pending   map[uint32]*pendingCall

	closed atomic.Bool
	done   chan struct{}

	// Callbacks, set before Run.
	OnRequest      func(req *IncomingRequest)
	OnNotification func(method string, data json.RawMessage)
	OnClose        func()
}

func NewSession(conn *websocket.Conn, limiter *rate.Limiter, logger *zap.Logger) *Session {
	id := xid.New().String()
	return &Session{
		ID:         id,
		remoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		limiter:    limiter,
		pending:    make(map[uint32]*pendingCall),
		logger:     logger.With(zap.String("sessionId", id)),
	}
}

func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Run starts the read and write pumps. It returns immediately.
func (s *Session) Run() {
	go s.writePump()
	go s.readPump()
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close tears the session down once. The CAS makes re-entrant calls return
// immediately: OnClose handlers routinely close the owning peer, whose
// teardown closes its channel, which lands back here.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.conn.Close()

	// Fail every in-flight call.
	s.pendingMu.Lock()
	for id, call := range s.pending {
		close(call.ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	close(s.done)

	if s.OnClose != nil {
		s.OnClose()
	}
}

// Request sends a server-initiated request and waits for the response.
func (s *Session) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, errs.InvalidState("session closed")
	}
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", method, err)
	}

	id := atomic.AddUint32(&s.nextID, 1)
	call := &pendingCall{ch: make(chan envelope, 1)}

	s.pendingMu.Lock()
	s.pending[id] = call
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.enqueue(newRequest(id, method, raw)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-call.ch:
		if !ok {
			return nil, errs.InvalidState("session closed")
		}
		if !env.OK {
			return nil, errs.Internal(fmt.Sprintf("peer rejected %s: %s", method, env.ErrorReason), nil)
		}
		return env.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s request timed out", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification. Errors are internal to the
// channel; callers log them at most.
func (s *Session) Notify(method string, data any) error {
	raw, err := marshalData(data)
	if err != nil {
		return fmt.Errorf("marshaling %s notification: %w", method, err)
	}
	return s.enqueue(newNotification(method, raw))
}

func (s *Session) enqueue(env envelope) error {
	if s.closed.Load() {
		return errs.InvalidState("session closed")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case s.send <- raw:
		metrics.MessagesSentTotal.Inc()
		return nil
	default:
		s.logger.Warn("Session send buffer full, dropping message")
		return fmt.Errorf("send buffer full")
	}
}

func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error("Websocket error", zap.Error(err))
			}
			return
		}
		metrics.MessagesReceivedTotal.Inc()

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn("Discarding malformed message", zap.Error(err))
			continue
		}

		switch {
		case env.Request:
			s.handleRequest(env)
		case env.Response:
			s.handleResponse(env)
		case env.Notification:
			s.handleNotification(env)
		default:
			s.logger.Warn("Discarding message with unknown shape")
		}
	}
}

func (s *Session) handleRequest(env envelope) {
	req := &IncomingRequest{
		Method:  env.Method,
		Data:    env.Data,
		session: s,
		id:      env.ID,
	}

	if s.limiter != nil && !s.limiter.Allow() {
		req.Reject(errs.InvalidState("too many requests"))
		return
	}
	if s.OnRequest == nil {
		req.Reject(errs.InvalidState("no request handler attached"))
		return
	}
	s.OnRequest(req)
}

func (s *Session) handleResponse(env envelope) {
	s.pendingMu.Lock()
	call, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Debug("Response for unknown request id", zap.Uint32("id", env.ID))
		return
	}
	call.ch <- env
}

func (s *Session) handleNotification(env envelope) {
	if s.OnNotification != nil {
		s.OnNotification(env.Method, env.Data)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case raw := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
