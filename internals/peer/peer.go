// Package peer holds the participant state machines: the interactive Peer
// driven by a message channel and the HTTP-driven Broadcaster.
package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/confabrtc/confab/internals/engine"
	"go.uber.org/zap"
)

// JoinTimeout is how long a peer may stay in the joining state before it is
// closed.
const JoinTimeout = 10 * time.Second

// Device describes the client software of a participant.
type Device struct {
	Flag    string `json:"flag,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Channel is the bidirectional message channel of an interactive peer. The
// signaling session implements it; room tests substitute a recording fake.
type Channel interface {
	Request(ctx context.Context, method string, data any) (json.RawMessage, error)
	Notify(method string, data any) error
	RemoteAddr() string
	Close()
}

// Peer is one interactive participant. The room owns it; handlers reach back
// into the room through callbacks the room registers, which drop on close.
type Peer struct {
	ID      string
	Channel Channel

	mu               sync.RWMutex
	joined           bool
	closed           bool
	displayName      string
	device           Device
	rtpCapabilities  *engine.RtpCapabilities
	sctpCapabilities *engine.SctpCapabilities

	transports    map[string]engine.Transport
	producers     map[string]engine.Producer
	consumers     map[string]engine.Consumer
	dataProducers map[string]engine.DataProducer
	dataConsumers map[string]engine.DataConsumer

	joinTimer *time.Timer
	logger    *zap.Logger

	// OnJoinTimeout fires when the peer never joined in time. The room closes
	// the peer without a disconnected broadcast.
	OnJoinTimeout func()
}

func NewPeer(id string, channel Channel, joinTimeout time.Duration, logger *zap.Logger) *Peer {
	p := &Peer{
		ID:            id,
		Channel:       channel,
		transports:    make(map[string]engine.Transport),
		producers:     make(map[string]engine.Producer),
		consumers:     make(map[string]engine.Consumer),
		dataProducers: make(map[string]engine.DataProducer),
		dataConsumers: make(map[string]engine.DataConsumer),
		logger:        logger.With(zap.String("peerId", id)),
	}

	p.joinTimer = time.AfterFunc(joinTimeout, func() {
		p.mu.RLock()
		fire := !p.joined && !p.closed
		p.mu.RUnlock()
		if fire && p.OnJoinTimeout != nil {
			p.logger.Info("Peer never joined, closing", zap.Duration("timeout", joinTimeout))
			p.OnJoinTimeout()
		}
	})

	return p
}

func (p *Peer) Joined() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.joined
}

func (p *Peer) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// SetJoined promotes the peer, storing its join payload and clearing the
// join timer. It fails if the peer already joined or closed.
func (p *Peer) SetJoined(displayName string, device Device, rtpCaps *engine.RtpCapabilities, sctpCaps *engine.SctpCapabilities) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.joined || p.closed {
		return false
	}
	p.joined = true
	p.displayName = displayName
	p.device = device
	p.rtpCapabilities = rtpCaps
	p.sctpCapabilities = sctpCaps
	p.joinTimer.Stop()
	return true
}

func (p *Peer) DisplayName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.displayName
}

// SetDisplayName stores the new name and returns the old one.
func (p *Peer) SetDisplayName(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.displayName
	p.displayName = name
	return old
}

func (p *Peer) Device() Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.device
}

func (p *Peer) RtpCapabilities() *engine.RtpCapabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rtpCapabilities
}

func (p *Peer) SctpCapabilities() *engine.SctpCapabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sctpCapabilities
}

// --- Ledgers. Entries are removed when the engine observes close of the
// underlying object, so nothing lingers past its engine lifetime.

func (p *Peer) AddTransport(t engine.Transport) {
	p.mu.Lock()
	p.transports[t.ID()] = t
	p.mu.Unlock()
}

func (p *Peer) GetTransport(id string) (engine.Transport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.transports[id]
	return t, ok
}

func (p *Peer) RemoveTransport(id string) {
	p.mu.Lock()
	delete(p.transports, id)
	p.mu.Unlock()
}

// ConsumerTransport returns the transport created for the consuming
// direction, if any.
func (p *Peer) ConsumerTransport() (engine.Transport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.transports {
		if t.AppData().Consuming {
			return t, true
		}
	}
	return nil, false
}

func (p *Peer) AddProducer(pr engine.Producer) {
	p.mu.Lock()
	p.producers[pr.ID()] = pr
	p.mu.Unlock()
}

func (p *Peer) GetProducer(id string) (engine.Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.producers[id]
	return pr, ok
}

func (p *Peer) RemoveProducer(id string) {
	p.mu.Lock()
	delete(p.producers, id)
	p.mu.Unlock()
}

func (p *Peer) Producers() []engine.Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]engine.Producer, 0, len(p.producers))
	for _, pr := range p.producers {
		out = append(out, pr)
	}
	return out
}

func (p *Peer) AddConsumer(c engine.Consumer) {
	p.mu.Lock()
	p.consumers[c.ID()] = c
	p.mu.Unlock()
}

func (p *Peer) GetConsumer(id string) (engine.Consumer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.consumers[id]
	return c, ok
}

func (p *Peer) RemoveConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Peer) Consumers() []engine.Consumer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]engine.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	return out
}

func (p *Peer) AddDataProducer(dp engine.DataProducer) {
	p.mu.Lock()
	p.dataProducers[dp.ID()] = dp
	p.mu.Unlock()
}

func (p *Peer) GetDataProducer(id string) (engine.DataProducer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	dp, ok := p.dataProducers[id]
	return dp, ok
}

func (p *Peer) RemoveDataProducer(id string) {
	p.mu.Lock()
	delete(p.dataProducers, id)
	p.mu.Unlock()
}

func (p *Peer) DataProducers() []engine.DataProducer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]engine.DataProducer, 0, len(p.dataProducers))
	for _, dp := range p.dataProducers {
		out = append(out, dp)
	}
	return out
}

func (p *Peer) AddDataConsumer(dc engine.DataConsumer) {
	p.mu.Lock()
	p.dataConsumers[dc.ID()] = dc
	p.mu.Unlock()
}

func (p *Peer) GetDataConsumer(id string) (engine.DataConsumer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	dc, ok := p.dataConsumers[id]
	return dc, ok
}

func (p *Peer) RemoveDataConsumer(id string) {
	p.mu.Lock()
	delete(p.dataConsumers, id)
	p.mu.Unlock()
}

// HasConsumerForProducer reports whether any consumer of this peer receives
// the given producer.
func (p *Peer) HasConsumerForProducer(producerID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.consumers {
		if c.ProducerID() == producerID {
			return true
		}
	}
	return false
}

// Close tears the peer down: the engine transports close (cascading into
// producers and consumers) and the message channel shuts. Idempotent.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.joinTimer.Stop()
	transports := make([]engine.Transport, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	p.transports = make(map[string]engine.Transport)
	p.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	p.Channel.Close()

	p.logger.Debug("Peer closed")
}
