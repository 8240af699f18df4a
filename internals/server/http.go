package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/confabrtc/confab/internals/debug"
	"github.com/confabrtc/confab/internals/engine"
	"github.com/confabrtc/confab/internals/errs"
	"github.com/confabrtc/confab/internals/peer"
	"github.com/confabrtc/confab/internals/signaling"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler builds the full HTTP surface: the websocket signaling endpoint, the
// broadcaster REST API, health, metrics and the optional debug registry.
// Everything is wrapped in the origin check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, promhttp.Handler())
	}
	if s.cfg.Terminal {
		reg := debug.NewRegistry()
		reg.Register("rooms", func() any {
			out := make([]map[string]any, 0)
			for _, r := range s.Rooms() {
				out = append(out, r.DumpState())
			}
			return out
		})
		reg.Register("throttle", func() any {
			enabled, roomID := s.throttle.Enabled()
			return map[string]any{"enabled": enabled, "roomId": roomID}
		})
		mux.Handle("GET /debug/state", reg)
	}

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /rooms/{roomId}", s.handleGetRoomRtpCapabilities)
	mux.HandleFunc("POST /rooms/{roomId}/broadcasters", s.handleCreateBroadcaster)
	mux.HandleFunc("DELETE /rooms/{roomId}/broadcasters/{broadcasterId}", s.handleDeleteBroadcaster)
	mux.HandleFunc("POST /rooms/{roomId}/broadcasters/{broadcasterId}/join", s.handleJoinBroadcaster)
	mux.HandleFunc("POST /rooms/{roomId}/broadcasters/{broadcasterId}/transports", s.handleCreateBroadcasterTransport)
	mux.HandleFunc("POST /rooms/{roomId}/broadcasters/{broadcasterId}/transports/{transportId}/connect", s.handleConnectBroadcasterTransport)
	mux.HandleFunc("POST /rooms/{roomId}/broadcasters/{broadcasterId}/transports/{transportId}/producers", s.handleCreateBroadcasterProducer)
	mux.HandleFunc("POST /rooms/{roomId}/broadcasters/{broadcasterId}/transports/{transportId}/consume", s.handleCreateBroadcasterConsumer)
	mux.HandleFunc("POST /rooms/{roomId}/broadcasters/{broadcasterId}/consumers/{consumerId}/resume", s.handleResumeBroadcasterConsumer)

	return s.checkOrigin(mux)
}

// checkOrigin rejects browser requests whose Origin does not match the
// configured domain. Requests without an Origin header (curl, broadcaster
// scripts) pass.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.originAllowed(r) {
			s.logger.Warn("Rejected request with foreign origin",
				zap.String("origin", r.Header.Get("Origin")),
				zap.String("path", r.URL.Path),
			)
			writeError(w, errs.Forbidden("origin not allowed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Hostname() == s.cfg.Domain
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	workers := len(s.slots)
	rooms := len(s.rooms)
	s.mu.RUnlock()

	peers := 0
	for _, r := range s.Rooms() {
		_, joined := r.PeerCount()
		peers += joined
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": workers,
		"rooms":   rooms,
		"peers":   peers,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomID := q.Get("roomId")
	peerID := q.Get("peerId")
	if roomID == "" || peerID == "" {
		writeError(w, errs.BadRequest("connection request without roomId and/or peerId"))
		return
	}

	consumerReplicas, _ := strconv.Atoi(q.Get("consumerReplicas"))
	if consumerReplicas < 0 {
		consumerReplicas = 0
	}
	pipeMode := q.Get("usePipeTransports") == "true"

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	var limiter *rate.Limiter
	if s.cfg.Signaling.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.Signaling.RateLimitPerSec), s.cfg.Signaling.RateLimitBurst)
	}
	session := signaling.NewSession(conn, limiter, s.logger)

	rm, p, err := s.ConnectPeer(r.Context(), roomID, consumerReplicas, pipeMode, peerID, session)
	if err != nil {
		s.logger.Warn("Peer connection refused",
			zap.String("roomId", roomID),
			zap.String("peerId", peerID),
			zap.Error(err),
		)
		session.Close()
		return
	}

	// Callbacks attach before the pumps start, so no message is lost.
	session.OnRequest = func(req *signaling.IncomingRequest) {
		rm.HandleRequest(p, req.Method, req.Data, req.Accept, req.Reject)
	}
	session.OnNotification = func(method string, data json.RawMessage) {
		rm.HandleNotification(p, method, data)
	}
	session.OnClose = func() {
		rm.HandlePeerChannelClosed(p)
	}
	session.Run()
}

// handleGetRoomRtpCapabilities serves the capabilities an HTTP-only client
// needs before it can produce or consume. The room is created on demand, the
// same as for a connecting websocket peer.
func (s *Server) handleGetRoomRtpCapabilities(w http.ResponseWriter, r *http.Request) {
	rm, err := s.GetOrCreateRoom(r.Context(), r.PathValue("roomId"), 0, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routerRtpCapabilities": rm.RouterRtpCapabilities()})
}

// --- Broadcaster REST API ---

func (s *Server) handleCreateBroadcaster(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID              string                  `json:"id"`
		DisplayName     string                  `json:"displayName"`
		Device          peer.Device             `json:"device"`
		RtpCapabilities *engine.RtpCapabilities `json:"rtpCapabilities"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ID == "" {
		writeError(w, errs.BadRequest("missing broadcaster id"))
		return
	}

	// Broadcasters may arrive before any interactive peer.
	rm, err := s.GetOrCreateRoom(r.Context(), r.PathValue("roomId"), 0, false)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := rm.CreateBroadcaster(body.ID, body.DisplayName, body.Device, body.RtpCapabilities); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": body.ID})
}

func (s *Server) handleJoinBroadcaster(w http.ResponseWriter, r *http.Request) {
	rm, err := s.GetRoom(r.PathValue("roomId"))
	if err != nil {
		writeError(w, err)
		return
	}
	peers, err := rm.JoinBroadcaster(r.PathValue("broadcasterId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers})
}

func (s *Server) handleDeleteBroadcaster(w http.ResponseWriter, r *http.Request) {
	rm, err := s.GetRoom(r.PathValue("roomId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rm.DeleteBroadcaster(r.PathValue("broadcasterId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleCreateBroadcasterTransport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type             string                   `json:"type"`
		Direction        string                   `json:"direction"`
		Comedia          bool                     `json:"comedia"`
		RtcpMux          *bool                    `json:"rtcpMux"`
		SctpCapabilities *engine.SctpCapabilities `json:"sctpCapabilities"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	rtcpMux := true
	if body.RtcpMux != nil {
		rtcpMux = *body.RtcpMux
	}

	rm, err := s.GetRoom(r.PathValue("roomId"))
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := rm.CreateBroadcasterTransport(r.Context(), r.PathValue("broadcasterId"),
		body.Type, body.Direction, body.Comedia, rtcpMux, body.SctpCapabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleConnectBroadcasterTransport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DtlsParameters *engine.DtlsParameters `json:"dtlsParameters"`
		IP             string                 `json:"ip"`
		Port           int                    `json:"port"`
		RtcpPort       int                    `json:"rtcpPort"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	rm, err := s.GetRoom(r.PathValue("roomId"))
	if err != nil {
		writeError(w, err)
		return
	}

	var plain *engine.PlainConnectOptions
	if body.IP != "" {
		plain = &engine.PlainConnectOptions{IP: body.IP, Port: body.Port, RtcpPort: body.RtcpPort}
	}
	if err := rm.ConnectBroadcasterTransport(r.Context(), r.PathValue("broadcasterId"),
		r.PathValue("transportId"), body.DtlsParameters, plain); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": true})
}

func (s *Server) handleCreateBroadcasterProducer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind          engine.MediaKind     `json:"kind"`
		RtpParameters engine.RtpParameters `json:"rtpParameters"`
		MediaType     engine.Source        `json:"mediaType"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	rm, err := s.GetRoom(r.PathValue("roomId"))
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := rm.CreateBroadcasterProducer(r.Context(), r.PathValue("broadcasterId"),
		r.PathValue("transportId"), body.Kind, body.RtpParameters, body.MediaType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleCreateBroadcasterConsumer(w http.ResponseWriter, r *http.Request) {
	producerID := r.URL.Query().Get("producerId")
	if producerID == "" {
		writeError(w, errs.BadRequest("missing producerId query parameter"))
		return
	}

	rm, err := s.GetRoom(r.PathValue("roomId"))
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := rm.CreateBroadcasterConsumer(r.Context(), r.PathValue("broadcasterId"),
		r.PathValue("transportId"), producerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleResumeBroadcasterConsumer(w http.ResponseWriter, r *http.Request) {
	rm, err := s.GetRoom(r.PathValue("roomId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rm.ResumeBroadcasterConsumer(r.Context(), r.PathValue("broadcasterId"),
		r.PathValue("consumerId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": true})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return errs.BadRequest("missing request body")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.BadRequest("malformed request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), map[string]any{"error": err.Error()})
}
