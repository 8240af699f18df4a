// Package server runs the conferencing supervisor: the media worker pool, the
// room registry with its scheduler queue, and the HTTP/websocket surfaces.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/confabrtc/confab/internals/config"
	"github.com/confabrtc/confab/internals/engine"
	"github.com/confabrtc/confab/internals/errs"
	"github.com/confabrtc/confab/internals/metrics"
	"github.com/confabrtc/confab/internals/peer"
	"github.com/confabrtc/confab/internals/queue"
	"github.com/confabrtc/confab/internals/room"
	"github.com/confabrtc/confab/internals/throttle"
	"go.uber.org/zap"
)

// workerSlot is one media worker with its shared WebRTC server. Rooms are
// assigned slots round-robin.
type workerSlot struct {
	index        int
	worker       engine.Worker
	webRtcServer engine.WebRtcServer
}

type Server struct {
	cfg      *config.Config
	engine   engine.Engine
	throttle *throttle.Coordinator
	logger   *zap.Logger

	// scheduler serializes room creation and the deferred close-on-empty
	// checks, so a room closes on the turn after its last peer left and
	// never races a concurrent getOrCreate.
	scheduler *queue.Queue

	mu     sync.RWMutex
	slots  []*workerSlot
	rooms  map[string]*room.Room
	cursor int
	closed bool

	// OnWorkerDied fires after a worker death has been handled. The process
	// entry point uses it to exit.
	OnWorkerDied func(err error)
}

// New spawns the worker pool. Each slot's WebRTC server listens on the
// configured base port plus the slot index.
func New(ctx context.Context, cfg *config.Config, eng engine.Engine, coordinator *throttle.Coordinator, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		engine:    eng,
		throttle:  coordinator,
		logger:    logger.With(zap.String("component", "server")),
		scheduler: queue.New(),
		rooms:     make(map[string]*room.Room),
	}

	for i := 0; i < cfg.Mediasoup.NumWorkers; i++ {
		worker, err := eng.NewWorker(ctx, engine.WorkerSettings{
			LogLevel:            cfg.Mediasoup.WorkerSettings.LogLevel,
			LogTags:             cfg.Mediasoup.WorkerSettings.LogTags,
			DtlsCertificateFile: cfg.Mediasoup.WorkerSettings.DtlsCertificateFile,
			DtlsPrivateKeyFile:  cfg.Mediasoup.WorkerSettings.DtlsPrivateKeyFile,
			DisableLiburing:     cfg.Mediasoup.WorkerSettings.DisableLiburing,
		})
		if err != nil {
			s.Stop()
			return nil, err
		}

		listenInfos := make([]engine.TransportListenInfo, len(cfg.Mediasoup.WebRtcServerOptions.ListenInfos))
		copy(listenInfos, cfg.Mediasoup.WebRtcServerOptions.ListenInfos)
		for j := range listenInfos {
			if listenInfos[j].Port != 0 {
				listenInfos[j].Port += i
			}
		}
		webRtcServer, err := worker.CreateWebRtcServer(ctx, engine.WebRtcServerOptions{ListenInfos: listenInfos})
		if err != nil {
			s.Stop()
			return nil, err
		}

		slot := &workerSlot{index: i, worker: worker, webRtcServer: webRtcServer}
		worker.OnDied(func(err error) { s.handleWorkerDied(slot, err) })

		s.mu.Lock()
		s.slots = append(s.slots, slot)
		s.mu.Unlock()

		s.logger.Info("Media worker started",
			zap.Int("slot", i),
			zap.Int("pid", worker.Pid()),
		)
	}

	return s, nil
}

// GetOrCreateRoom returns the open room with the given id, creating it
// exactly once when several peers race for it.
func (s *Server) GetOrCreateRoom(ctx context.Context, roomID string, consumerReplicas int, pipeMode bool) (*room.Room, error) {
	var r *room.Room
	err := s.scheduler.Do(func() error {
		var err error
		r, err = s.getOrCreateRoom(ctx, roomID, consumerReplicas, pipeMode)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ConnectPeer resolves the room and admits the peer in one scheduler turn.
// Admission shares the queue with the deferred close-on-empty checks, so a
// reconnecting peer that supersedes the last one is always inserted before
// the resulting CloseIfEmpty runs.
func (s *Server) ConnectPeer(ctx context.Context, roomID string, consumerReplicas int, pipeMode bool, peerID string, channel peer.Channel) (*room.Room, *peer.Peer, error) {
	var (
		rm *room.Room
		p  *peer.Peer
	)
	err := s.scheduler.Do(func() error {
		var err error
		rm, err = s.getOrCreateRoom(ctx, roomID, consumerReplicas, pipeMode)
		if err != nil {
			return err
		}
		p, err = rm.HandlePeerConnect(peerID, channel)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return rm, p, nil
}

// getOrCreateRoom runs on the scheduler goroutine.
func (s *Server) getOrCreateRoom(ctx context.Context, roomID string, consumerReplicas int, pipeMode bool) (*room.Room, error) {
	s.mu.RLock()
	existing, ok := s.rooms[roomID]
	closed := s.closed
	numSlots := len(s.slots)
	s.mu.RUnlock()

	if closed {
		return nil, errs.InvalidState("server shutting down")
	}
	if ok && !existing.Closed() {
		return existing, nil
	}

	// Pipe mode spreads the two routers over distinct workers.
	if pipeMode && numSlots < 2 {
		return nil, errs.InvalidState("pipe transports require at least 2 workers, have %d", numSlots)
	}

	start := time.Now()

	producerSlot := s.nextSlot()
	consumerSlot := producerSlot
	if pipeMode {
		consumerSlot = s.nextSlot()
	}

	created, err := room.Create(ctx, room.CreateOptions{
		RoomID:           roomID,
		ConsumerReplicas: consumerReplicas,
		PipeMode:         pipeMode,
		EngineVersion:    s.engine.Version(),
		ProducerSlot:     room.MediaSlot{Worker: producerSlot.worker, WebRtcServer: producerSlot.webRtcServer},
		ConsumerSlot:     room.MediaSlot{Worker: consumerSlot.worker, WebRtcServer: consumerSlot.webRtcServer},
		Config:           s.cfg,
		Logger:           s.logger,
	})
	if err != nil {
		return nil, err
	}

	created.OnClose = func(id string) {
		s.mu.Lock()
		if s.rooms[id] == created {
			delete(s.rooms, id)
		}
		s.mu.Unlock()
		s.throttle.RoomClosed(id)
	}
	created.OnEmpty = func(id string) {
		// Next scheduler turn, not inline: a peer reconnecting right now
		// wins the race through the same queue.
		s.scheduler.Post(func() error {
			created.CloseIfEmpty()
			return nil
		})
	}
	created.ThrottleApply = func(ctx context.Context, roomID, secret string, opts throttle.Options) error {
		return s.throttle.Apply(ctx, roomID, secret, opts)
	}
	created.ThrottleStop = func(ctx context.Context, secret string) error {
		return s.throttle.Stop(ctx, secret)
	}

	s.mu.Lock()
	s.rooms[roomID] = created
	s.mu.Unlock()

	metrics.RoomCreationSeconds.Observe(time.Since(start).Seconds())
	return created, nil
}

// GetRoom returns an open room or a not-found error.
func (s *Server) GetRoom(roomID string) (*room.Room, error) {
	s.mu.RLock()
	r, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok || r.Closed() {
		return nil, errs.NotFound("room", roomID)
	}
	return r, nil
}

// Rooms returns a snapshot of the open rooms.
func (s *Server) Rooms() []*room.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*room.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

func (s *Server) nextSlot() *workerSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slots[s.cursor%len(s.slots)]
	s.cursor++
	return slot
}

// handleWorkerDied treats a worker subprocess death as fatal for all media:
// every room closes and the death callback fires so the process can exit.
func (s *Server) handleWorkerDied(slot *workerSlot, err error) {
	metrics.WorkerDeathsTotal.Inc()
	s.logger.Error("Media worker died",
		zap.Int("slot", slot.index),
		zap.Int("pid", slot.worker.Pid()),
		zap.Error(err),
	)

	for _, r := range s.Rooms() {
		r.Close()
	}

	if s.OnWorkerDied != nil {
		s.OnWorkerDied(err)
	}
}

// Stop closes every room and worker and drains the scheduler. Safe to call
// more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	slots := s.slots
	s.mu.Unlock()

	for _, r := range s.Rooms() {
		r.Close()
	}
	for _, slot := range slots {
		slot.worker.Close()
	}
	s.scheduler.Stop()

	s.logger.Info("Server stopped")
}
