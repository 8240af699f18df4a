package peer

import (
	"sync"

	"github.com/confabrtc/confab/internals/engine"
	"go.uber.org/zap"
)

// Broadcaster is an automation participant driven by the HTTP API. It has no
// message channel and no join timer; join is an explicit request. Broadcaster
// peers never count toward room liveness.
type Broadcaster struct {
	ID string

	mu               sync.RWMutex
	joined           bool
	closed           bool
	displayName      string
	device           Device
	rtpCapabilities  *engine.RtpCapabilities

	transports map[string]engine.Transport
	producers  map[string]engine.Producer
	consumers  map[string]engine.Consumer

	logger *zap.Logger
}

func NewBroadcaster(id, displayName string, device Device, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		ID:          id,
		displayName: displayName,
		device:      device,
		transports:  make(map[string]engine.Transport),
		producers:   make(map[string]engine.Producer),
		consumers:   make(map[string]engine.Consumer),
		logger:      logger.With(zap.String("broadcasterId", id)),
	}
}

func (b *Broadcaster) Joined() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.joined
}

func (b *Broadcaster) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Broadcaster) SetJoined() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.joined || b.closed {
		return false
	}
	b.joined = true
	return true
}

func (b *Broadcaster) DisplayName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.displayName
}

func (b *Broadcaster) Device() Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.device
}

func (b *Broadcaster) RtpCapabilities() *engine.RtpCapabilities {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rtpCapabilities
}

func (b *Broadcaster) SetRtpCapabilities(caps *engine.RtpCapabilities) {
	b.mu.Lock()
	b.rtpCapabilities = caps
	b.mu.Unlock()
}

func (b *Broadcaster) AddTransport(t engine.Transport) {
	b.mu.Lock()
	b.transports[t.ID()] = t
	b.mu.Unlock()
}

func (b *Broadcaster) GetTransport(id string) (engine.Transport, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.transports[id]
	return t, ok
}

func (b *Broadcaster) RemoveTransport(id string) {
	b.mu.Lock()
	delete(b.transports, id)
	b.mu.Unlock()
}

func (b *Broadcaster) AddProducer(p engine.Producer) {
	b.mu.Lock()
	b.producers[p.ID()] = p
	b.mu.Unlock()
}

func (b *Broadcaster) GetProducer(id string) (engine.Producer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.producers[id]
	return p, ok
}

func (b *Broadcaster) RemoveProducer(id string) {
	b.mu.Lock()
	delete(b.producers, id)
	b.mu.Unlock()
}

func (b *Broadcaster) Producers() []engine.Producer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]engine.Producer, 0, len(b.producers))
	for _, p := range b.producers {
		out = append(out, p)
	}
	return out
}

func (b *Broadcaster) AddConsumer(c engine.Consumer) {
	b.mu.Lock()
	b.consumers[c.ID()] = c
	b.mu.Unlock()
}

func (b *Broadcaster) GetConsumer(id string) (engine.Consumer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.consumers[id]
	return c, ok
}

func (b *Broadcaster) RemoveConsumer(id string) {
	b.mu.Lock()
	delete(b.consumers, id)
	b.mu.Unlock()
}

// Close releases all engine transports; the cascade reaps the producers and
// consumers. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	transports := make([]engine.Transport, 0, len(b.transports))
	for _, t := range b.transports {
		transports = append(transports, t)
	}
	b.transports = make(map[string]engine.Transport)
	b.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}

	b.logger.Debug("Broadcaster closed")
}
