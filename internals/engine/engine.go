// Package engine defines the contract with the external media engine. The
// core never touches RTP, ICE or DTLS; it drives workers, routers, transports,
// producers and consumers through these interfaces and reacts to the events
// they surface. The in-memory implementation lives in engine/mock.
package engine

import "context"

// Engine is the entry point: it spawns media workers.
type Engine interface {
	Version() string
	NewWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

// Worker is one media worker subprocess.
type Worker interface {
	Pid() int
	Closed() bool
	Close()
	OnDied(fn func(err error))
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	CreateWebRtcServer(ctx context.Context, opts WebRtcServerOptions) (WebRtcServer, error)
}

// WebRtcServer is a shared ICE/DTLS listener used by WebRTC transports on the
// same worker.
type WebRtcServer interface {
	ID() string
	Closed() bool
	Close()
	OnClose(fn func())
}

// Router routes RTP between the transports created on it.
type Router interface {
	ID() string
	Closed() bool
	Close()
	OnClose(fn func())

	RtpCapabilities() RtpCapabilities
	CanConsume(producerID string, caps RtpCapabilities) bool

	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (WebRtcTransport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (PlainTransport, error)
	CreateDirectTransport(ctx context.Context, opts DirectTransportOptions) (DirectTransport, error)
	CreateAudioLevelObserver(ctx context.Context, opts AudioLevelObserverOptions) (AudioLevelObserver, error)
	CreateActiveSpeakerObserver(ctx context.Context, opts ActiveSpeakerObserverOptions) (ActiveSpeakerObserver, error)

	// PipeProducerToRouter makes a producer consumable on another router.
	PipeProducerToRouter(ctx context.Context, producerID string, dst Router) error
	PipeDataProducerToRouter(ctx context.Context, dataProducerID string, dst Router) error

	// OnNewProducer fires for every producer created on any transport of this
	// router, including piped ones.
	OnNewProducer(fn func(Producer))
}

// Transport is the surface shared by all transport flavors.
type Transport interface {
	ID() string
	Closed() bool
	Close()
	OnClose(fn func())
	AppData() AppData
	GetStats(ctx context.Context) ([]byte, error)

	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	ProduceData(ctx context.Context, opts DataProducerOptions) (DataProducer, error)
	ConsumeData(ctx context.Context, opts DataConsumerOptions) (DataConsumer, error)
}

type WebRtcTransport interface {
	Transport

	IceParameters() IceParameters
	IceCandidates() []IceCandidate
	DtlsParameters() DtlsParameters
	SctpParameters() *SctpParameters

	Connect(ctx context.Context, dtlsParameters DtlsParameters) error
	RestartIce(ctx context.Context) (IceParameters, error)
	SetMaxIncomingBitrate(ctx context.Context, bitrate int) error
	EnableTraceEvent(ctx context.Context, types ...TransportTraceEventType) error

	OnIceStateChange(fn func(state IceState))
	OnDtlsStateChange(fn func(state DtlsState))
	OnTrace(fn func(event TransportTraceEvent))
}

type PlainTransport interface {
	Transport

	Tuple() TransportTuple
	RtcpTuple() *TransportTuple
	Connect(ctx context.Context, opts PlainConnectOptions) error
}

type DirectTransport interface {
	Transport
}

type Producer interface {
	ID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Paused() bool
	Closed() bool
	AppData() AppData

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close()
	GetStats(ctx context.Context) ([]byte, error)

	OnScore(fn func(scores []ProducerScore))
	OnVideoOrientationChange(fn func(orientation VideoOrientation))
	OnTransportClose(fn func())
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Type() ConsumerType
	Paused() bool
	ProducerPaused() bool
	Closed() bool
	AppData() AppData

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close()
	SetPreferredLayers(ctx context.Context, layers ConsumerLayers) error
	SetPriority(ctx context.Context, priority int) error
	RequestKeyFrame(ctx context.Context) error
	GetStats(ctx context.Context) ([]byte, error)

	OnClose(fn func())
	OnTransportClose(fn func())
	OnProducerClose(fn func())
	OnProducerPause(fn func())
	OnProducerResume(fn func())
	OnScore(fn func(score ConsumerScore))
	OnLayersChange(fn func(layers *ConsumerLayers))
}

type DataProducer interface {
	ID() string
	Label() string
	Protocol() string
	SctpStreamParameters() *SctpStreamParameters
	Closed() bool
	AppData() AppData

	Send(payload []byte, ppid PayloadProtocol) error
	Close()
	GetStats(ctx context.Context) ([]byte, error)

	OnTransportClose(fn func())
}

type DataConsumer interface {
	ID() string
	DataProducerID() string
	Label() string
	Protocol() string
	SctpStreamParameters() *SctpStreamParameters
	Closed() bool
	AppData() AppData

	Close()
	GetStats(ctx context.Context) ([]byte, error)

	OnMessage(fn func(payload []byte, ppid PayloadProtocol))
	OnClose(fn func())
	OnDataProducerClose(fn func())
	OnTransportClose(fn func())
}

// AudioLevelObserver reports periodic per-producer volumes and silence.
type AudioLevelObserver interface {
	Closed() bool
	Close()
	AddProducer(ctx context.Context, producerID string) error
	RemoveProducer(ctx context.Context, producerID string) error
	OnVolumes(fn func(volumes []AudioLevelVolume))
	OnSilence(fn func())
}

// ActiveSpeakerObserver reports the dominant speaker.
type ActiveSpeakerObserver interface {
	Closed() bool
	Close()
	AddProducer(ctx context.Context, producerID string) error
	OnDominantSpeaker(fn func(producer Producer))
}
