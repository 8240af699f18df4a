package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/confabrtc/confab/internals/engine"
)

type Producer struct {
	id            string
	transport     *transportBase
	kind          engine.MediaKind
	rtpParameters engine.RtpParameters
	appData       engine.AppData

	mu               sync.Mutex
	paused           bool
	closed           bool
	consumers        []*Consumer
	pipedTo          []*Router
	onScore          []func([]engine.ProducerScore)
	onOrientation    []func(engine.VideoOrientation)
	onTransportClose []func()
}

func (p *Producer) ID() string                          { return p.id }
func (p *Producer) Kind() engine.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() engine.RtpParameters { return p.rtpParameters }
func (p *Producer) AppData() engine.AppData             { return p.appData }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Pause(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed("producer")
	}
	p.paused = true
	consumers := append([]*Consumer{}, p.consumers...)
	p.mu.Unlock()

	for _, c := range consumers {
		c.producerPausedChanged(true)
	}
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed("producer")
	}
	p.paused = false
	consumers := append([]*Consumer{}, p.consumers...)
	p.mu.Unlock()

	for _, c := range consumers {
		c.producerPausedChanged(false)
	}
	return nil
}

func (p *Producer) GetStats(ctx context.Context) ([]byte, error) {
	if p.Closed() {
		return nil, errClosed("producer")
	}
	return []byte(fmt.Sprintf(`[{"type":"outbound-rtp","producerId":%q}]`, p.id)), nil
}

func (p *Producer) OnScore(fn func([]engine.ProducerScore)) {
	p.mu.Lock()
	p.onScore = append(p.onScore, fn)
	p.mu.Unlock()
}

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.onTransportClose = append(p.onTransportClose, fn)
	p.mu.Unlock()
}

func (p *Producer) OnVideoOrientationChange(fn func(engine.VideoOrientation)) {
	p.mu.Lock()
	p.onOrientation = append(p.onOrientation, fn)
	p.mu.Unlock()
}

// TriggerVideoOrientationChange injects an orientation event. Test hook.
func (p *Producer) TriggerVideoOrientationChange(orientation engine.VideoOrientation) {
	p.mu.Lock()
	fns := append([]func(engine.VideoOrientation){}, p.onOrientation...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(orientation)
	}
}

// TriggerScore injects a producer score report. Test hook.
func (p *Producer) TriggerScore(scores []engine.ProducerScore) {
	p.mu.Lock()
	fns := append([]func([]engine.ProducerScore){}, p.onScore...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(scores)
	}
}

func (p *Producer) addConsumer(c *Consumer) {
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
}

func (p *Producer) removeConsumer(c *Consumer) {
	p.mu.Lock()
	for i, pc := range p.consumers {
		if pc == c {
			p.consumers = append(p.consumers[:i], p.consumers[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *Producer) Close() {
	p.close(false)
}

func (p *Producer) transportClosed() {
	p.close(true)
}

func (p *Producer) close(byTransport bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := p.consumers
	piped := p.pipedTo
	fns := append([]func(){}, p.onTransportClose...)
	p.consumers = nil
	p.mu.Unlock()

	p.transport.router.removeProducer(p.id)
	for _, r := range piped {
		r.removeProducer(p.id)
	}
	for _, c := range consumers {
		c.producerClosed()
	}
	if byTransport {
		for _, fn := range fns {
			fn()
		}
	}
}

type Consumer struct {
	id            string
	transport     *transportBase
	producer      *Producer
	kind          engine.MediaKind
	rtpParameters engine.RtpParameters
	typ           engine.ConsumerType
	appData       engine.AppData

	mu               sync.Mutex
	paused           bool
	producerPaused   bool
	closed           bool
	priority         int
	preferredLayers  *engine.ConsumerLayers
	onClose          []func()
	onTransportClose []func()
	onProducerClose  []func()
	onProducerPause  []func()
	onProducerResume []func()
	onScore          []func(engine.ConsumerScore)
	onLayersChange   []func(*engine.ConsumerLayers)
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producer.id }
func (c *Consumer) Kind() engine.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() engine.RtpParameters { return c.rtpParameters }
func (c *Consumer) Type() engine.ConsumerType           { return c.typ }
func (c *Consumer) AppData() engine.AppData             { return c.appData }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) ProducerPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producerPaused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed("consumer")
	}
	c.paused = true
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed("consumer")
	}
	c.paused = false
	return nil
}

func (c *Consumer) SetPreferredLayers(ctx context.Context, layers engine.ConsumerLayers) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed("consumer")
	}
	c.preferredLayers = &layers
	fns := append([]func(*engine.ConsumerLayers){}, c.onLayersChange...)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(&layers)
	}
	return nil
}

func (c *Consumer) SetPriority(ctx context.Context, priority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed("consumer")
	}
	c.priority = priority
	return nil
}

func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	if c.Closed() {
		return errClosed("consumer")
	}
	return nil
}

func (c *Consumer) GetStats(ctx context.Context) ([]byte, error) {
	if c.Closed() {
		return nil, errClosed("consumer")
	}
	return []byte(fmt.Sprintf(`[{"type":"inbound-rtp","consumerId":%q}]`, c.id)), nil
}

func (c *Consumer) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = append(c.onTransportClose, fn)
	c.mu.Unlock()
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	c.onProducerClose = append(c.onProducerClose, fn)
	c.mu.Unlock()
}

func (c *Consumer) OnProducerPause(fn func()) {
	c.mu.Lock()
	c.onProducerPause = append(c.onProducerPause, fn)
	c.mu.Unlock()
}

func (c *Consumer) OnProducerResume(fn func()) {
	c.mu.Lock()
	c.onProducerResume = append(c.onProducerResume, fn)
	c.mu.Unlock()
}

func (c *Consumer) OnScore(fn func(engine.ConsumerScore)) {
	c.mu.Lock()
	c.onScore = append(c.onScore, fn)
	c.mu.Unlock()
}

func (c *Consumer) OnLayersChange(fn func(*engine.ConsumerLayers)) {
	c.mu.Lock()
	c.onLayersChange = append(c.onLayersChange, fn)
	c.mu.Unlock()
}

// TriggerScore injects a consumer score report. Test hook.
func (c *Consumer) TriggerScore(score engine.ConsumerScore) {
	c.mu.Lock()
	fns := append([]func(engine.ConsumerScore){}, c.onScore...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(score)
	}
}

func (c *Consumer) producerPausedChanged(paused bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.producerPaused = paused
	var fns []func()
	if paused {
		fns = append(fns, c.onProducerPause...)
	} else {
		fns = append(fns, c.onProducerResume...)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *Consumer) Close() {
	c.close(nil)
}

func (c *Consumer) transportClosed() {
	c.close(func(cc *Consumer) []func() { return cc.onTransportClose })
}

func (c *Consumer) producerClosed() {
	c.close(func(cc *Consumer) []func() { return cc.onProducerClose })
}

func (c *Consumer) close(extra func(*Consumer) []func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var fns []func()
	if extra != nil {
		fns = append(fns, extra(c)...)
	}
	fns = append(fns, c.onClose...)
	c.mu.Unlock()

	c.producer.removeConsumer(c)
	for _, fn := range fns {
		fn()
	}
}

type DataProducer struct {
	id         string
	transport  *transportBase
	label      string
	protocol   string
	sctpParams *engine.SctpStreamParameters
	appData    engine.AppData

	mu               sync.Mutex
	closed           bool
	dataConsumers    []*DataConsumer
	onTransportClose []func()
}

func (dp *DataProducer) ID() string              { return dp.id }
func (dp *DataProducer) Label() string           { return dp.label }
func (dp *DataProducer) Protocol() string        { return dp.protocol }
func (dp *DataProducer) AppData() engine.AppData { return dp.appData }

func (dp *DataProducer) SctpStreamParameters() *engine.SctpStreamParameters {
	return dp.sctpParams
}

func (dp *DataProducer) Closed() bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.closed
}

func (dp *DataProducer) OnTransportClose(fn func()) {
	dp.mu.Lock()
	dp.onTransportClose = append(dp.onTransportClose, fn)
	dp.mu.Unlock()
}

func (dp *DataProducer) GetStats(ctx context.Context) ([]byte, error) {
	if dp.Closed() {
		return nil, errClosed("data producer")
	}
	return []byte(fmt.Sprintf(`[{"type":"data-producer","dataProducerId":%q}]`, dp.id)), nil
}

// Send delivers the payload to every data consumer of this data producer,
// across routers. This is the loopback that makes the bot echo path work
// without a media engine.
func (dp *DataProducer) Send(payload []byte, ppid engine.PayloadProtocol) error {
	if dp.Closed() {
		return errClosed("data producer")
	}
	for _, dc := range dp.transport.router.worker.engine.dataConsumersOf(dp.id) {
		dc.deliver(payload, ppid)
	}
	return nil
}

func (dp *DataProducer) addDataConsumer(dc *DataConsumer) {
	dp.mu.Lock()
	dp.dataConsumers = append(dp.dataConsumers, dc)
	dp.mu.Unlock()
}

func (dp *DataProducer) Close() {
	dp.close(false)
}

func (dp *DataProducer) transportClosed() {
	dp.close(true)
}

func (dp *DataProducer) close(byTransport bool) {
	dp.mu.Lock()
	if dp.closed {
		dp.mu.Unlock()
		return
	}
	dp.closed = true
	dataConsumers := dp.dataConsumers
	fns := append([]func(){}, dp.onTransportClose...)
	dp.dataConsumers = nil
	dp.mu.Unlock()

	dp.transport.router.worker.engine.unregisterDataProducer(dp.id)
	for _, dc := range dataConsumers {
		dc.dataProducerClosed()
	}
	if byTransport {
		for _, fn := range fns {
			fn()
		}
	}
}

type DataConsumer struct {
	id             string
	transport      *transportBase
	dataProducerID string
	label          string
	protocol       string
	sctpParams     *engine.SctpStreamParameters
	appData        engine.AppData

	mu                  sync.Mutex
	closed              bool
	onMessage           []func([]byte, engine.PayloadProtocol)
	onClose             []func()
	onDataProducerClose []func()
	onTransportClose    []func()
}

func (dc *DataConsumer) ID() string              { return dc.id }
func (dc *DataConsumer) DataProducerID() string  { return dc.dataProducerID }
func (dc *DataConsumer) Label() string           { return dc.label }
func (dc *DataConsumer) Protocol() string        { return dc.protocol }
func (dc *DataConsumer) AppData() engine.AppData { return dc.appData }

func (dc *DataConsumer) SctpStreamParameters() *engine.SctpStreamParameters {
	return dc.sctpParams
}

func (dc *DataConsumer) Closed() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.closed
}

func (dc *DataConsumer) GetStats(ctx context.Context) ([]byte, error) {
	if dc.Closed() {
		return nil, errClosed("data consumer")
	}
	return []byte(fmt.Sprintf(`[{"type":"data-consumer","dataConsumerId":%q}]`, dc.id)), nil
}

func (dc *DataConsumer) OnMessage(fn func([]byte, engine.PayloadProtocol)) {
	dc.mu.Lock()
	dc.onMessage = append(dc.onMessage, fn)
	dc.mu.Unlock()
}

func (dc *DataConsumer) OnClose(fn func()) {
	dc.mu.Lock()
	dc.onClose = append(dc.onClose, fn)
	dc.mu.Unlock()
}

func (dc *DataConsumer) OnDataProducerClose(fn func()) {
	dc.mu.Lock()
	dc.onDataProducerClose = append(dc.onDataProducerClose, fn)
	dc.mu.Unlock()
}

func (dc *DataConsumer) OnTransportClose(fn func()) {
	dc.mu.Lock()
	dc.onTransportClose = append(dc.onTransportClose, fn)
	dc.mu.Unlock()
}

func (dc *DataConsumer) deliver(payload []byte, ppid engine.PayloadProtocol) {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return
	}
	fns := append([]func([]byte, engine.PayloadProtocol){}, dc.onMessage...)
	dc.mu.Unlock()

	for _, fn := range fns {
		fn(payload, ppid)
	}
}

func (dc *DataConsumer) Close() {
	dc.close(nil)
}

func (dc *DataConsumer) transportClosed() {
	dc.close(func(d *DataConsumer) []func() { return d.onTransportClose })
}

func (dc *DataConsumer) dataProducerClosed() {
	dc.close(func(d *DataConsumer) []func() { return d.onDataProducerClose })
}

func (dc *DataConsumer) close(extra func(*DataConsumer) []func()) {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return
	}
	dc.closed = true
	var fns []func()
	if extra != nil {
		fns = append(fns, extra(dc)...)
	}
	fns = append(fns, dc.onClose...)
	dc.mu.Unlock()

	dc.transport.router.worker.engine.unregisterDataConsumer(dc)
	for _, fn := range fns {
		fn()
	}
}
