// Package mock is an in-memory implementation of the engine contract. It
// synthesizes plausible ICE/DTLS/SCTP parameters, honors the close cascades
// of the real engine (worker -> router -> transport -> producer/consumer) and
// exposes trigger helpers so tests and engine-less development runs can
// inject observer events.
package mock

import (
	"context"
	"os"
	"sync"

	"github.com/confabrtc/confab/internals/engine"
	"github.com/google/uuid"
)

const version = "3.16.7"

type Engine struct {
	mu      sync.Mutex
	workers []*Worker
	nextPid int

	// dataProducerID -> data consumers, shared across routers so piped data
	// producers reach consumers on other routers.
	dataMu        sync.Mutex
	dataProducers map[string]*DataProducer
	dataConsumers map[string][]*DataConsumer
}

func New() *Engine {
	return &Engine{
		nextPid:       os.Getpid() + 1,
		dataProducers: make(map[string]*DataProducer),
		dataConsumers: make(map[string][]*DataConsumer),
	}
}

func (e *Engine) Version() string {
	return version
}

func (e *Engine) NewWorker(ctx context.Context, settings engine.WorkerSettings) (engine.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := &Worker{
		engine:   e,
		pid:      e.nextPid,
		settings: settings,
	}
	e.nextPid++
	e.workers = append(e.workers, w)
	return w, nil
}

func (e *Engine) registerDataProducer(dp *DataProducer) {
	e.dataMu.Lock()
	e.dataProducers[dp.id] = dp
	e.dataMu.Unlock()
}

func (e *Engine) findDataProducer(id string) *DataProducer {
	e.dataMu.Lock()
	defer e.dataMu.Unlock()
	return e.dataProducers[id]
}

func (e *Engine) unregisterDataProducer(id string) {
	e.dataMu.Lock()
	delete(e.dataProducers, id)
	e.dataMu.Unlock()
}

func (e *Engine) registerDataConsumer(dc *DataConsumer) {
	e.dataMu.Lock()
	e.dataConsumers[dc.dataProducerID] = append(e.dataConsumers[dc.dataProducerID], dc)
	e.dataMu.Unlock()
}

func (e *Engine) dataConsumersOf(dataProducerID string) []*DataConsumer {
	e.dataMu.Lock()
	defer e.dataMu.Unlock()
	out := make([]*DataConsumer, len(e.dataConsumers[dataProducerID]))
	copy(out, e.dataConsumers[dataProducerID])
	return out
}

func (e *Engine) unregisterDataConsumer(dc *DataConsumer) {
	e.dataMu.Lock()
	defer e.dataMu.Unlock()
	list := e.dataConsumers[dc.dataProducerID]
	for i, c := range list {
		if c == dc {
			e.dataConsumers[dc.dataProducerID] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

type Worker struct {
	engine   *Engine
	pid      int
	settings engine.WorkerSettings

	mu            sync.Mutex
	closed        bool
	routers       []*Router
	webRtcServers []*WebRtcServer
	onDied        []func(error)
}

func (w *Worker) Pid() int {
	return w.pid
}

func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) OnDied(fn func(error)) {
	w.mu.Lock()
	w.onDied = append(w.onDied, fn)
	w.mu.Unlock()
}

func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := w.routers
	servers := w.webRtcServers
	w.routers = nil
	w.webRtcServers = nil
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	for _, s := range servers {
		s.Close()
	}
}

// TriggerDied simulates an unexpected worker subprocess death.
func (w *Worker) TriggerDied(err error) {
	w.mu.Lock()
	fns := append([]func(error){}, w.onDied...)
	w.mu.Unlock()

	w.Close()
	for _, fn := range fns {
		fn(err)
	}
}

func (w *Worker) CreateRouter(ctx context.Context, opts engine.RouterOptions) (engine.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errClosed("worker")
	}

	r := &Router{
		id:        uuid.New().String(),
		worker:    w,
		codecs:    opts.MediaCodecs,
		producers: make(map[string]*Producer),
	}
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *Worker) CreateWebRtcServer(ctx context.Context, opts engine.WebRtcServerOptions) (engine.WebRtcServer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errClosed("worker")
	}

	s := &WebRtcServer{
		id:          uuid.New().String(),
		listenInfos: opts.ListenInfos,
	}
	w.webRtcServers = append(w.webRtcServers, s)
	return s, nil
}

type WebRtcServer struct {
	id          string
	listenInfos []engine.TransportListenInfo

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (s *WebRtcServer) ID() string {
	return s.id
}

func (s *WebRtcServer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *WebRtcServer) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *WebRtcServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fns := append([]func(){}, s.onClose...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
