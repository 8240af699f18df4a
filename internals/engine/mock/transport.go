package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/confabrtc/confab/internals/engine"
	"github.com/google/uuid"
)

type transportBase struct {
	id      string
	router  *Router
	appData engine.AppData

	mu            sync.Mutex
	closed        bool
	onClose       []func()
	producers     []*Producer
	consumers     []*Consumer
	dataProducers []*DataProducer
	dataConsumers []*DataConsumer

	produceErr error
	consumeErr error
}

func newTransportBase(r *Router, appData engine.AppData) transportBase {
	return transportBase{
		id:      uuid.New().String(),
		router:  r,
		appData: appData,
	}
}

func (t *transportBase) ID() string {
	return t.id
}

func (t *transportBase) AppData() engine.AppData {
	return t.appData
}

func (t *transportBase) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transportBase) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

func (t *transportBase) GetStats(ctx context.Context) ([]byte, error) {
	if t.Closed() {
		return nil, errClosed("transport")
	}
	return []byte(fmt.Sprintf(`[{"type":"transport","transportId":%q}]`, t.id)), nil
}

// FailNextProduce makes the next Produce call fail with err. Test hook.
func (t *transportBase) FailNextProduce(err error) {
	t.mu.Lock()
	t.produceErr = err
	t.mu.Unlock()
}

// FailNextConsume makes the next Consume call fail with err. Test hook.
func (t *transportBase) FailNextConsume(err error) {
	t.mu.Lock()
	t.consumeErr = err
	t.mu.Unlock()
}

func (t *transportBase) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	dataProducers := t.dataProducers
	dataConsumers := t.dataConsumers
	fns := append([]func(){}, t.onClose...)
	t.producers, t.consumers = nil, nil
	t.dataProducers, t.dataConsumers = nil, nil
	t.mu.Unlock()

	for _, p := range producers {
		p.transportClosed()
	}
	for _, c := range consumers {
		c.transportClosed()
	}
	for _, dp := range dataProducers {
		dp.transportClosed()
	}
	for _, dc := range dataConsumers {
		dc.transportClosed()
	}
	for _, fn := range fns {
		fn()
	}
}

func (t *transportBase) Produce(ctx context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errClosed("transport")
	}
	if err := t.produceErr; err != nil {
		t.produceErr = nil
		t.mu.Unlock()
		return nil, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := &Producer{
		id:            id,
		transport:     t,
		kind:          opts.Kind,
		rtpParameters: opts.RtpParameters,
		paused:        opts.Paused,
		appData:       opts.AppData,
	}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.addProducer(p)
	return p, nil
}

func (t *transportBase) Consume(ctx context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errClosed("transport")
	}
	if err := t.consumeErr; err != nil {
		t.consumeErr = nil
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	p, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("producer %q not found on router", opts.ProducerID)
	}
	if !t.router.CanConsume(opts.ProducerID, opts.RtpCapabilities) {
		return nil, fmt.Errorf("incompatible rtp capabilities for producer %q", opts.ProducerID)
	}

	typ := engine.ConsumerTypeSimple
	if len(p.rtpParameters.Encodings) > 1 {
		typ = engine.ConsumerTypeSimulcast
	}
	c := &Consumer{
		id:             uuid.New().String(),
		transport:      t,
		producer:       p,
		kind:           p.kind,
		rtpParameters:  p.rtpParameters,
		typ:            typ,
		paused:         opts.Paused,
		producerPaused: p.Paused(),
		appData:        opts.AppData,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errClosed("transport")
	}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	p.addConsumer(c)
	return c, nil
}

func (t *transportBase) ProduceData(ctx context.Context, opts engine.DataProducerOptions) (engine.DataProducer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errClosed("transport")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	dp := &DataProducer{
		id:         id,
		transport:  t,
		label:      opts.Label,
		protocol:   opts.Protocol,
		sctpParams: opts.SctpStreamParameters,
		appData:    opts.AppData,
	}
	t.dataProducers = append(t.dataProducers, dp)
	t.mu.Unlock()

	t.router.worker.engine.registerDataProducer(dp)
	return dp, nil
}

func (t *transportBase) ConsumeData(ctx context.Context, opts engine.DataConsumerOptions) (engine.DataConsumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errClosed("transport")
	}
	t.mu.Unlock()

	dp := t.router.worker.engine.findDataProducer(opts.DataProducerID)
	if dp == nil {
		return nil, fmt.Errorf("data producer %q not found", opts.DataProducerID)
	}

	dc := &DataConsumer{
		id:             uuid.New().String(),
		transport:      t,
		dataProducerID: dp.id,
		label:          dp.label,
		protocol:       dp.protocol,
		sctpParams:     dp.sctpParams,
		appData:        opts.AppData,
	}

	t.mu.Lock()
	t.dataConsumers = append(t.dataConsumers, dc)
	t.mu.Unlock()

	t.router.worker.engine.registerDataConsumer(dc)
	dp.addDataConsumer(dc)
	return dc, nil
}

type WebRtcTransport struct {
	transportBase

	iceParameters  engine.IceParameters
	iceCandidates  []engine.IceCandidate
	dtlsParameters engine.DtlsParameters
	sctpParameters *engine.SctpParameters

	stateMu            sync.Mutex
	maxIncomingBitrate int
	traceTypes         []engine.TransportTraceEventType
	onIceStateChange   []func(engine.IceState)
	onDtlsStateChange  []func(engine.DtlsState)
	onTrace            []func(engine.TransportTraceEvent)
}

func (t *WebRtcTransport) IceParameters() engine.IceParameters {
	return t.iceParameters
}

func (t *WebRtcTransport) IceCandidates() []engine.IceCandidate {
	return t.iceCandidates
}

func (t *WebRtcTransport) DtlsParameters() engine.DtlsParameters {
	return t.dtlsParameters
}

func (t *WebRtcTransport) SctpParameters() *engine.SctpParameters {
	return t.sctpParameters
}

func (t *WebRtcTransport) Connect(ctx context.Context, dtlsParameters engine.DtlsParameters) error {
	if t.Closed() {
		return errClosed("transport")
	}
	return nil
}

func (t *WebRtcTransport) RestartIce(ctx context.Context) (engine.IceParameters, error) {
	if t.Closed() {
		return engine.IceParameters{}, errClosed("transport")
	}
	t.iceParameters = engine.IceParameters{
		UsernameFragment: uuid.New().String()[:8],
		Password:         uuid.New().String(),
		IceLite:          true,
	}
	return t.iceParameters, nil
}

func (t *WebRtcTransport) SetMaxIncomingBitrate(ctx context.Context, bitrate int) error {
	if t.Closed() {
		return errClosed("transport")
	}
	t.stateMu.Lock()
	t.maxIncomingBitrate = bitrate
	t.stateMu.Unlock()
	return nil
}

// MaxIncomingBitrate reports the last value applied. Test hook.
func (t *WebRtcTransport) MaxIncomingBitrate() int {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.maxIncomingBitrate
}

func (t *WebRtcTransport) EnableTraceEvent(ctx context.Context, types ...engine.TransportTraceEventType) error {
	if t.Closed() {
		return errClosed("transport")
	}
	t.stateMu.Lock()
	t.traceTypes = types
	t.stateMu.Unlock()
	return nil
}

func (t *WebRtcTransport) OnIceStateChange(fn func(engine.IceState)) {
	t.stateMu.Lock()
	t.onIceStateChange = append(t.onIceStateChange, fn)
	t.stateMu.Unlock()
}

func (t *WebRtcTransport) OnDtlsStateChange(fn func(engine.DtlsState)) {
	t.stateMu.Lock()
	t.onDtlsStateChange = append(t.onDtlsStateChange, fn)
	t.stateMu.Unlock()
}

func (t *WebRtcTransport) OnTrace(fn func(engine.TransportTraceEvent)) {
	t.stateMu.Lock()
	t.onTrace = append(t.onTrace, fn)
	t.stateMu.Unlock()
}

// SetIceState injects an ICE state transition. Test hook.
func (t *WebRtcTransport) SetIceState(state engine.IceState) {
	t.stateMu.Lock()
	fns := append([]func(engine.IceState){}, t.onIceStateChange...)
	t.stateMu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// SetDtlsState injects a DTLS state transition. Test hook.
func (t *WebRtcTransport) SetDtlsState(state engine.DtlsState) {
	t.stateMu.Lock()
	fns := append([]func(engine.DtlsState){}, t.onDtlsStateChange...)
	t.stateMu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// TriggerTrace injects a transport trace event. Test hook.
func (t *WebRtcTransport) TriggerTrace(event engine.TransportTraceEvent) {
	t.stateMu.Lock()
	fns := append([]func(engine.TransportTraceEvent){}, t.onTrace...)
	t.stateMu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

type PlainTransport struct {
	transportBase

	tuple     engine.TransportTuple
	rtcpTuple *engine.TransportTuple
}

func (t *PlainTransport) Tuple() engine.TransportTuple {
	return t.tuple
}

func (t *PlainTransport) RtcpTuple() *engine.TransportTuple {
	return t.rtcpTuple
}

func (t *PlainTransport) Connect(ctx context.Context, opts engine.PlainConnectOptions) error {
	if t.Closed() {
		return errClosed("transport")
	}
	t.tuple.RemoteIP = opts.IP
	t.tuple.RemotePort = opts.Port
	if t.rtcpTuple != nil && opts.RtcpPort != 0 {
		t.rtcpTuple.RemoteIP = opts.IP
		t.rtcpTuple.RemotePort = opts.RtcpPort
	}
	return nil
}

type DirectTransport struct {
	transportBase
}
