// Package room implements the room lifecycle: a pair of media routers, the
// peer and broadcaster registries, the speaker notification pipeline and the
// per-room media fan-out engine.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confabrtc/confab/internals/bot"
	"github.com/confabrtc/confab/internals/config"
	"github.com/confabrtc/confab/internals/engine"
	"github.com/confabrtc/confab/internals/errs"
	"github.com/confabrtc/confab/internals/metrics"
	"github.com/confabrtc/confab/internals/peer"
	"github.com/confabrtc/confab/internals/throttle"
	"go.uber.org/zap"
)

// Audio observer tuning, matching the intervals the conferencing clients
// expect.
const (
	audioLevelInterval    = 800
	audioLevelThreshold   = -80
	audioLevelMaxEntries  = 16
	activeSpeakerInterval = 300
)

// MediaSlot is one worker assignment: the worker a router is created on and
// the shared WebRTC server its transports attach to.
type MediaSlot struct {
	Worker       engine.Worker
	WebRtcServer engine.WebRtcServer
}

// CreateOptions carries everything the scheduler resolved for a new room.
type CreateOptions struct {
	RoomID           string
	ConsumerReplicas int
	PipeMode         bool
	EngineVersion    string
	ProducerSlot     MediaSlot
	ConsumerSlot     MediaSlot
	Config           *config.Config
	JoinTimeout      time.Duration
	Logger           *zap.Logger
}

// PeerInfo is the snapshot entry sent in join replies and newPeer
// notifications.
type PeerInfo struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"displayName"`
	Device      peer.Device `json:"device"`
}

type Room struct {
	ID        string
	CreatedAt time.Time

	mu     sync.RWMutex
	closed bool

	pipeMode         bool
	consumerReplicas int
	engineVersion    string

	producerRouter engine.Router
	consumerRouter engine.Router
	producerServer engine.WebRtcServer
	consumerServer engine.WebRtcServer

	audioLevelObserver    engine.AudioLevelObserver
	activeSpeakerObserver engine.ActiveSpeakerObserver

	// Producers seen on the producer router, from peers and broadcasters
	// alike. Fed by the router observer.
	observedProducers map[string]engine.Producer

	joiningPeers        map[string]*peer.Peer
	peers               map[string]*peer.Peer
	joiningBroadcasters map[string]*peer.Broadcaster
	broadcasters        map[string]*peer.Broadcaster

	lastActiveSpeakerID string

	bot *bot.Bot
	cfg *config.Config

	joinTimeout time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger

	// Callbacks the supervisor registers.
	OnClose func(roomID string)
	// OnEmpty asks the supervisor to schedule a CloseIfEmpty check on its
	// queue; the room must not close inline from a peer handler.
	OnEmpty func(roomID string)

	// Throttle hooks, wired to the coordinator by the supervisor.
	ThrottleApply func(ctx context.Context, roomID, secret string, opts throttle.Options) error
	ThrottleStop  func(ctx context.Context, secret string) error
}

// Create builds a room on the given worker slots. With pipe mode off both
// slots must be the same and the two routers are one; with pipe mode on the
// routers live on different workers and producers are piped across.
func Create(ctx context.Context, opts CreateOptions) (*Room, error) {
	logger := opts.Logger.With(zap.String("roomId", opts.RoomID))

	joinTimeout := opts.JoinTimeout
	if joinTimeout == 0 {
		joinTimeout = peer.JoinTimeout
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	r := &Room{
		ID:                  opts.RoomID,
		CreatedAt:           time.Now(),
		pipeMode:            opts.PipeMode,
		consumerReplicas:    opts.ConsumerReplicas,
		engineVersion:       opts.EngineVersion,
		producerServer:      opts.ProducerSlot.WebRtcServer,
		consumerServer:      opts.ConsumerSlot.WebRtcServer,
		observedProducers:   make(map[string]engine.Producer),
		joiningPeers:        make(map[string]*peer.Peer),
		peers:               make(map[string]*peer.Peer),
		joiningBroadcasters: make(map[string]*peer.Broadcaster),
		broadcasters:        make(map[string]*peer.Broadcaster),
		cfg:                 opts.Config,
		joinTimeout:         joinTimeout,
		ctx:                 roomCtx,
		cancel:              cancel,
		logger:              logger,
	}

	routerOpts := engine.RouterOptions{MediaCodecs: opts.Config.Mediasoup.RouterOptions.MediaCodecs}

	producerRouter, err := opts.ProducerSlot.Worker.CreateRouter(ctx, routerOpts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating producer router: %w", err)
	}
	r.producerRouter = producerRouter

	if opts.PipeMode {
		consumerRouter, err := opts.ConsumerSlot.Worker.CreateRouter(ctx, routerOpts)
		if err != nil {
			producerRouter.Close()
			cancel()
			return nil, fmt.Errorf("creating consumer router: %w", err)
		}
		r.consumerRouter = consumerRouter
	} else {
		r.consumerRouter = producerRouter
	}

	// Speaker observers live on the producer router; capability negotiation
	// uses the consumer router.
	alo, err := producerRouter.CreateAudioLevelObserver(ctx, engine.AudioLevelObserverOptions{
		MaxEntries: audioLevelMaxEntries,
		Threshold:  audioLevelThreshold,
		Interval:   audioLevelInterval,
	})
	if err != nil {
		r.closeRouters()
		cancel()
		return nil, fmt.Errorf("creating audio level observer: %w", err)
	}
	r.audioLevelObserver = alo

	aso, err := producerRouter.CreateActiveSpeakerObserver(ctx, engine.ActiveSpeakerObserverOptions{
		Interval: activeSpeakerInterval,
	})
	if err != nil {
		r.closeRouters()
		cancel()
		return nil, fmt.Errorf("creating active speaker observer: %w", err)
	}
	r.activeSpeakerObserver = aso

	roomBot, err := bot.Create(ctx, producerRouter, logger)
	if err != nil {
		r.closeRouters()
		cancel()
		return nil, fmt.Errorf("creating bot: %w", err)
	}
	r.bot = roomBot
	if opts.PipeMode {
		if err := producerRouter.PipeDataProducerToRouter(ctx, roomBot.DataProducer().ID(), r.consumerRouter); err != nil {
			r.closeRouters()
			cancel()
			return nil, fmt.Errorf("piping bot data producer: %w", err)
		}
	}

	r.wireRouterObservers()
	r.wireSpeakerObservers()

	// Either router closing closes the room.
	producerRouter.OnClose(func() { r.Close() })
	if r.consumerRouter != r.producerRouter {
		r.consumerRouter.OnClose(func() { r.Close() })
	}
	// Either media server closing closes the room too.
	if r.producerServer != nil {
		r.producerServer.OnClose(func() { r.Close() })
	}
	if r.consumerServer != nil && r.consumerServer != r.producerServer {
		r.consumerServer.OnClose(func() { r.Close() })
	}

	logger.Info("Room created",
		zap.Bool("pipeMode", opts.PipeMode),
		zap.Int("consumerReplicas", opts.ConsumerReplicas),
	)
	metrics.ActiveRooms.Inc()
	return r, nil
}

func (r *Room) closeRouters() {
	r.producerRouter.Close()
	if r.consumerRouter != nil && r.consumerRouter != r.producerRouter {
		r.consumerRouter.Close()
	}
}

// wireRouterObservers keeps observedProducers current and feeds audio
// producers into the speaker observers, best-effort.
func (r *Room) wireRouterObservers() {
	r.producerRouter.OnNewProducer(func(p engine.Producer) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.observedProducers[p.ID()] = p
		r.mu.Unlock()

		p.OnTransportClose(func() {
			r.mu.Lock()
			delete(r.observedProducers, p.ID())
			r.mu.Unlock()
		})

		if p.Kind() != engine.MediaKindAudio {
			return
		}
		// The observer layer tolerates duplicates and missing entries.
		if err := r.audioLevelObserver.AddProducer(r.ctx, p.ID()); err != nil {
			r.logger.Debug("Failed to add producer to audio level observer", zap.Error(err))
		}
		if err := r.activeSpeakerObserver.AddProducer(r.ctx, p.ID()); err != nil {
			r.logger.Debug("Failed to add producer to active speaker observer", zap.Error(err))
		}
	})
}

func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Room) PipeMode() bool {
	return r.pipeMode
}

// RouterRtpCapabilities are the capabilities consumers negotiate against:
// always the consumer router's.
func (r *Room) RouterRtpCapabilities() engine.RtpCapabilities {
	return r.consumerRouter.RtpCapabilities()
}

// HasParticipant reports whether the id is present in any of the four
// registries.
func (r *Room) HasParticipant(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasParticipantLocked(id)
}

func (r *Room) hasParticipantLocked(id string) bool {
	if _, ok := r.joiningPeers[id]; ok {
		return true
	}
	if _, ok := r.peers[id]; ok {
		return true
	}
	if _, ok := r.joiningBroadcasters[id]; ok {
		return true
	}
	if _, ok := r.broadcasters[id]; ok {
		return true
	}
	return false
}

// HandlePeerConnect admits a new interactive peer in the joining state. A
// previous peer with the same id is superseded: it closes first. An id held
// by a broadcaster is not superseded; the connection is refused, an id lives
// in at most one registry.
func (r *Room) HandlePeerConnect(peerID string, channel peer.Channel) (*peer.Peer, error) {
	r.mu.RLock()
	closed := r.closed
	existing := r.findPeerLocked(peerID)
	_, isJoiningBroadcaster := r.joiningBroadcasters[peerID]
	_, isBroadcaster := r.broadcasters[peerID]
	r.mu.RUnlock()

	if closed {
		return nil, errs.InvalidState("room %q is closed", r.ID)
	}
	if isJoiningBroadcaster || isBroadcaster {
		return nil, errs.InvalidState("participant with id %q already exists", peerID)
	}
	if existing != nil {
		r.logger.Info("Peer with same id already exists, closing it",
			zap.String("peerId", peerID),
		)
		r.closePeer(existing)
	}

	p := peer.NewPeer(peerID, channel, r.joinTimeout, r.logger)
	p.OnJoinTimeout = func() { r.closePeer(p) }

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		p.Close()
		return nil, errs.InvalidState("room %q is closed", r.ID)
	}
	r.joiningPeers[peerID] = p
	r.mu.Unlock()

	metrics.ActivePeers.Inc()
	r.logger.Info("Peer connected", zap.String("peerId", peerID))

	// Greet the channel: engine version, then the current active speaker if
	// one exists.
	if err := p.Channel.Notify("mediasoupVersion", map[string]string{"version": r.engineVersion}); err != nil {
		r.logger.Debug("Failed to send version notification", zap.Error(err))
	}
	r.mu.RLock()
	speaker := r.lastActiveSpeakerID
	r.mu.RUnlock()
	if speaker != "" {
		p.Channel.Notify("activeSpeaker", map[string]any{"peerId": speaker})
	}

	return p, nil
}

func (r *Room) findPeerLocked(peerID string) *peer.Peer {
	if p, ok := r.joiningPeers[peerID]; ok {
		return p
	}
	if p, ok := r.peers[peerID]; ok {
		return p
	}
	return nil
}

// HandlePeerChannelClosed is invoked when a peer's message channel drops.
func (r *Room) HandlePeerChannelClosed(p *peer.Peer) {
	r.closePeer(p)
}

// closePeer removes the peer from the registries and tears it down. The
// ownership-release (peer close) always precedes the peer-visibility
// broadcast (peerClosed), so cleanup observers see the terminal state first.
func (r *Room) closePeer(p *peer.Peer) {
	r.mu.Lock()
	_, wasJoining := r.joiningPeers[p.ID]
	_, wasJoined := r.peers[p.ID]
	delete(r.joiningPeers, p.ID)
	delete(r.peers, p.ID)
	empty := len(r.joiningPeers) == 0 && len(r.peers) == 0
	r.mu.Unlock()

	if !wasJoining && !wasJoined {
		// Already removed by a concurrent close; still make sure the peer
		// itself is released.
		p.Close()
		return
	}

	p.Close()
	metrics.ActivePeers.Dec()

	if wasJoined {
		r.broadcast("peerClosed", map[string]any{"peerId": p.ID}, p.ID)
		r.logger.Info("Peer disconnected", zap.String("peerId", p.ID))
	}

	// A room with no joining or joined peers closes on the next scheduler
	// turn; broadcasters do not keep a room alive.
	if empty && r.OnEmpty != nil {
		r.OnEmpty(r.ID)
	}
}

// CloseIfEmpty closes the room when no interactive peer is left. Meant to run
// on the supervisor's scheduler queue.
func (r *Room) CloseIfEmpty() bool {
	r.mu.RLock()
	empty := len(r.joiningPeers) == 0 && len(r.peers) == 0
	closed := r.closed
	r.mu.RUnlock()

	if closed || !empty {
		return false
	}
	r.logger.Info("Last peer left, closing room")
	r.Close()
	return true
}

// Peers returns the joined peers.
func (r *Room) Peers() []*peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Room) otherPeers(excludeID string) []*peer.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != excludeID {
			out = append(out, p)
		}
	}
	return out
}

// PeerCount returns (joining, joined) counts.
func (r *Room) PeerCount() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joiningPeers), len(r.peers)
}

func (r *Room) joinedBroadcasters() []*peer.Broadcaster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer.Broadcaster, 0, len(r.broadcasters))
	for _, b := range r.broadcasters {
		out = append(out, b)
	}
	return out
}

// peersSnapshot is the join reply payload: everyone already joined.
func (r *Room) peersSnapshot(excludeID string) []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers)+len(r.broadcasters))
	for id, p := range r.peers {
		if id == excludeID {
			continue
		}
		out = append(out, PeerInfo{ID: p.ID, DisplayName: p.DisplayName(), Device: p.Device()})
	}
	for id, b := range r.broadcasters {
		if id == excludeID {
			continue
		}
		out = append(out, PeerInfo{ID: b.ID, DisplayName: b.DisplayName(), Device: b.Device()})
	}
	return out
}

// broadcast sends a notification to every joined peer except excludeID.
// Notification errors never surface to peers; they are logged at most.
func (r *Room) broadcast(method string, data any, excludeID string) {
	for _, p := range r.otherPeers(excludeID) {
		if err := p.Channel.Notify(method, data); err != nil {
			r.logger.Debug("Failed to notify peer",
				zap.String("peerId", p.ID),
				zap.String("method", method),
				zap.Error(err),
			)
		}
	}
}

// Close cascades: peers, broadcasters, observers and routers all close, then
// the supervisor callback fires. Idempotent.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	peers := make([]*peer.Peer, 0, len(r.joiningPeers)+len(r.peers))
	for _, p := range r.joiningPeers {
		peers = append(peers, p)
	}
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	broadcasters := make([]*peer.Broadcaster, 0, len(r.joiningBroadcasters)+len(r.broadcasters))
	for _, b := range r.joiningBroadcasters {
		broadcasters = append(broadcasters, b)
	}
	for _, b := range r.broadcasters {
		broadcasters = append(broadcasters, b)
	}
	r.joiningPeers = make(map[string]*peer.Peer)
	r.peers = make(map[string]*peer.Peer)
	r.joiningBroadcasters = make(map[string]*peer.Broadcaster)
	r.broadcasters = make(map[string]*peer.Broadcaster)
	r.mu.Unlock()

	r.cancel()

	for _, p := range peers {
		p.Close()
	}
	metrics.ActivePeers.Sub(float64(len(peers)))
	for _, b := range broadcasters {
		b.Close()
	}
	metrics.ActiveBroadcasters.Sub(float64(len(broadcasters)))

	r.audioLevelObserver.Close()
	r.activeSpeakerObserver.Close()
	r.closeRouters()

	r.logger.Info("Room closed")
	metrics.ActiveRooms.Dec()

	if r.OnClose != nil {
		r.OnClose(r.ID)
	}
}

// DumpState is a debug snapshot for the state registry.
func (r *Room) DumpState() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peerIDs := make([]string, 0, len(r.peers))
	for id := range r.peers {
		peerIDs = append(peerIDs, id)
	}
	producerIDs := make([]string, 0, len(r.observedProducers))
	for id := range r.observedProducers {
		producerIDs = append(producerIDs, id)
	}

	return map[string]any{
		"id":                r.ID,
		"closed":            r.closed,
		"pipeMode":          r.pipeMode,
		"createdAt":         r.CreatedAt,
		"joiningPeers":      len(r.joiningPeers),
		"peers":             peerIDs,
		"broadcasters":      len(r.broadcasters),
		"observedProducers": producerIDs,
		"activeSpeaker":     r.lastActiveSpeakerID,
	}
}

func unmarshalRequest(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errs.BadRequest("missing request data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.BadRequest("malformed request data: %v", err)
	}
	return nil
}
