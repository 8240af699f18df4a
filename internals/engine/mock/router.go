package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/confabrtc/confab/internals/engine"
	"github.com/google/uuid"
)

func errClosed(what string) error {
	return fmt.Errorf("%s is closed", what)
}

type Router struct {
	id     string
	worker *Worker
	codecs []engine.RtpCodecCapability

	mu            sync.Mutex
	closed        bool
	producers     map[string]*Producer // local and piped
	transports    []transportCloser
	observers     []observerCloser
	onClose       []func()
	onNewProducer []func(engine.Producer)
}

type transportCloser interface {
	Close()
}

type observerCloser interface {
	Close()
}

func (r *Router) ID() string {
	return r.id
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) OnClose(fn func()) {
	r.mu.Lock()
	r.onClose = append(r.onClose, fn)
	r.mu.Unlock()
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := r.transports
	observers := r.observers
	fns := append([]func(){}, r.onClose...)
	r.transports = nil
	r.observers = nil
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, o := range observers {
		o.Close()
	}
	for _, fn := range fns {
		fn()
	}
}

func (r *Router) RtpCapabilities() engine.RtpCapabilities {
	return engine.RtpCapabilities{Codecs: r.codecs}
}

func (r *Router) OnNewProducer(fn func(engine.Producer)) {
	r.mu.Lock()
	r.onNewProducer = append(r.onNewProducer, fn)
	r.mu.Unlock()
}

// CanConsume checks whether the given receive capabilities accept at least
// one codec of the producer's kind. Empty capabilities never match.
func (r *Router) CanConsume(producerID string, caps engine.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || len(caps.Codecs) == 0 {
		return false
	}

	for _, pc := range p.rtpParameters.Codecs {
		for _, cc := range caps.Codecs {
			if cc.Kind == p.kind && strings.EqualFold(cc.MimeType, pc.MimeType) {
				return true
			}
		}
	}
	return false
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	fns := append([]func(engine.Producer){}, r.onNewProducer...)
	r.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

// PipeProducerToRouter makes a producer consumable on dst. The mock skips the
// intermediate pipe transport pair and registers the producer directly.
func (r *Router) PipeProducerToRouter(ctx context.Context, producerID string, dst engine.Router) error {
	if r.Closed() {
		return errClosed("router")
	}
	p, ok := r.producer(producerID)
	if !ok {
		return fmt.Errorf("producer %q not found on router", producerID)
	}
	d, ok := dst.(*Router)
	if !ok {
		return fmt.Errorf("destination router is not a mock router")
	}
	if d.Closed() {
		return errClosed("destination router")
	}

	d.mu.Lock()
	d.producers[p.id] = p
	d.mu.Unlock()

	p.mu.Lock()
	p.pipedTo = append(p.pipedTo, d)
	p.mu.Unlock()
	return nil
}

// PipeDataProducerToRouter is a no-op beyond validation: data consumers
// resolve their data producer through the engine-wide registry.
func (r *Router) PipeDataProducerToRouter(ctx context.Context, dataProducerID string, dst engine.Router) error {
	if r.Closed() {
		return errClosed("router")
	}
	if d, ok := dst.(*Router); !ok || d.Closed() {
		return fmt.Errorf("destination router unavailable")
	}
	return nil
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts engine.WebRtcTransportOptions) (engine.WebRtcTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed("router")
	}

	t := &WebRtcTransport{
		transportBase: newTransportBase(r, opts.AppData),
		iceParameters: engine.IceParameters{
			UsernameFragment: uuid.New().String()[:8],
			Password:         uuid.New().String(),
			IceLite:          true,
		},
		iceCandidates: []engine.IceCandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			Address:    "127.0.0.1",
			Protocol:   "udp",
			Port:       44444,
			Type:       "host",
		}},
		dtlsParameters: engine.DtlsParameters{
			Role: "auto",
			Fingerprints: []engine.DtlsFingerprint{
				{Algorithm: "sha-256", Value: uuid.New().String()},
			},
		},
	}
	if opts.EnableSctp {
		t.sctpParameters = &engine.SctpParameters{
			Port:           5000,
			OS:             opts.NumSctpStreams.OS,
			MIS:            opts.NumSctpStreams.MIS,
			MaxMessageSize: opts.MaxSctpMessageSize,
		}
	}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, opts engine.PlainTransportOptions) (engine.PlainTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed("router")
	}

	port := opts.ListenInfo.Port
	if port == 0 {
		port = 40000 + len(r.transports)
	}
	t := &PlainTransport{
		transportBase: newTransportBase(r, opts.AppData),
		tuple: engine.TransportTuple{
			LocalAddress: opts.ListenInfo.IP,
			LocalPort:    port,
			Protocol:     "udp",
		},
	}
	if !opts.RtcpMux {
		t.rtcpTuple = &engine.TransportTuple{
			LocalAddress: opts.ListenInfo.IP,
			LocalPort:    port + 1,
			Protocol:     "udp",
		}
	}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *Router) CreateDirectTransport(ctx context.Context, opts engine.DirectTransportOptions) (engine.DirectTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed("router")
	}

	t := &DirectTransport{transportBase: newTransportBase(r, opts.AppData)}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *Router) CreateAudioLevelObserver(ctx context.Context, opts engine.AudioLevelObserverOptions) (engine.AudioLevelObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed("router")
	}

	o := &AudioLevelObserver{router: r, producers: make(map[string]bool)}
	r.observers = append(r.observers, o)
	return o, nil
}

func (r *Router) CreateActiveSpeakerObserver(ctx context.Context, opts engine.ActiveSpeakerObserverOptions) (engine.ActiveSpeakerObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed("router")
	}

	o := &ActiveSpeakerObserver{router: r, producers: make(map[string]bool)}
	r.observers = append(r.observers, o)
	return o, nil
}
