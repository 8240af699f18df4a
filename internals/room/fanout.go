package room

import (
	"context"

	"github.com/confabrtc/confab/internals/engine"
	"github.com/confabrtc/confab/internals/metrics"
	"github.com/confabrtc/confab/internals/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// consumeExisting replays the room's live media to a freshly joined peer:
// every producer and chat data producer of the other participants plus the
// bot stream.
func (r *Room) consumeExisting(ctx context.Context, target *peer.Peer) {
	for _, other := range r.otherPeers(target.ID) {
		for _, producer := range other.Producers() {
			r.createConsumers(ctx, target, producer)
		}
		for _, dp := range other.DataProducers() {
			if dp.AppData().Channel == engine.ChannelChat {
				r.createDataConsumer(ctx, target, dp, other.ID)
			}
		}
	}
	for _, b := range r.joinedBroadcasters() {
		for _, producer := range b.Producers() {
			r.createConsumers(ctx, target, producer)
		}
	}
	r.createDataConsumer(ctx, target, r.bot.DataProducer(), "")
}

// fanOutProducer delivers a new producer to every joined peer except its
// owner. Targets are served concurrently; a failure for one target never
// affects the others.
func (r *Room) fanOutProducer(ctx context.Context, ownerID string, producer engine.Producer) {
	// In pipe mode the producer must reach the consumer router before any
	// consumer can attach to it.
	if r.pipeMode {
		if err := r.producerRouter.PipeProducerToRouter(ctx, producer.ID(), r.consumerRouter); err != nil {
			r.logger.Error("Failed to pipe producer to consumer router",
				zap.String("producerId", producer.ID()),
				zap.Error(err),
			)
			return
		}
	}

	var g errgroup.Group
	for _, target := range r.otherPeers(ownerID) {
		target := target
		g.Go(func() error {
			r.createConsumers(ctx, target, producer)
			return nil
		})
	}
	g.Wait()
}

// fanOutDataProducer delivers a new chat data producer to every joined peer
// except its owner.
func (r *Room) fanOutDataProducer(ctx context.Context, ownerID string, dataProducer engine.DataProducer) {
	if r.pipeMode {
		if err := r.producerRouter.PipeDataProducerToRouter(ctx, dataProducer.ID(), r.consumerRouter); err != nil {
			r.logger.Error("Failed to pipe data producer to consumer router",
				zap.String("dataProducerId", dataProducer.ID()),
				zap.Error(err),
			)
			return
		}
	}

	var g errgroup.Group
	for _, target := range r.otherPeers(ownerID) {
		target := target
		g.Go(func() error {
			r.createDataConsumer(ctx, target, dataProducer, ownerID)
			return nil
		})
	}
	g.Wait()
}

// createConsumers attaches one producer to one target peer. It creates
// 1+consumerReplicas paused consumers in parallel; each one is resumed only
// after the target acknowledges the newConsumer request. All failures are
// per-target: logged and counted, never surfaced to the producing side.
func (r *Room) createConsumers(ctx context.Context, target *peer.Peer, producer engine.Producer) {
	transport, ok := target.ConsumerTransport()
	if !ok {
		r.logger.Debug("Peer has no consumer transport yet",
			zap.String("peerId", target.ID),
		)
		return
	}

	caps := target.RtpCapabilities()
	if caps == nil || !r.consumerRouter.CanConsume(producer.ID(), *caps) {
		r.logger.Debug("Peer cannot consume producer",
			zap.String("peerId", target.ID),
			zap.String("producerId", producer.ID()),
		)
		return
	}

	var g errgroup.Group
	for i := 0; i < 1+r.consumerReplicas; i++ {
		g.Go(func() error {
			r.createConsumer(ctx, target, transport, producer, *caps)
			return nil
		})
	}
	g.Wait()
}

func (r *Room) createConsumer(ctx context.Context, target *peer.Peer, transport engine.Transport, producer engine.Producer, caps engine.RtpCapabilities) {
	// Consumers start paused: the client must learn about the consumer and
	// set it up before media flows, otherwise the first keyframes are lost.
	consumer, err := transport.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: caps,
		Paused:          true,
		EnableRtx:       true,
		IgnoreDtx:       true,
		AppData:         producer.AppData(),
	})
	if err != nil {
		r.logger.Warn("Failed to create consumer",
			zap.String("peerId", target.ID),
			zap.String("producerId", producer.ID()),
			zap.Error(err),
		)
		metrics.ConsumerFailuresTotal.Inc()
		return
	}

	target.AddConsumer(consumer)

	consumer.OnTransportClose(func() {
		target.RemoveConsumer(consumer.ID())
	})
	consumer.OnProducerClose(func() {
		target.RemoveConsumer(consumer.ID())
		target.Channel.Notify("consumerClosed", map[string]any{"consumerId": consumer.ID()})
	})
	consumer.OnProducerPause(func() {
		target.Channel.Notify("consumerPaused", map[string]any{"consumerId": consumer.ID()})
	})
	consumer.OnProducerResume(func() {
		target.Channel.Notify("consumerResumed", map[string]any{"consumerId": consumer.ID()})
	})
	consumer.OnScore(func(score engine.ConsumerScore) {
		target.Channel.Notify("consumerScore", map[string]any{
			"consumerId": consumer.ID(),
			"score":      score,
		})
	})
	consumer.OnLayersChange(func(layers *engine.ConsumerLayers) {
		payload := map[string]any{"consumerId": consumer.ID()}
		if layers != nil {
			payload["spatialLayer"] = layers.SpatialLayer
			payload["temporalLayer"] = layers.TemporalLayer
		}
		target.Channel.Notify("consumerLayersChanged", payload)
	})

	// The acknowledgment must land before the consumer resumes.
	_, err = target.Channel.Request(ctx, "newConsumer", map[string]any{
		"peerId":         producer.AppData().PeerID,
		"producerId":     producer.ID(),
		"id":             consumer.ID(),
		"kind":           consumer.Kind(),
		"rtpParameters":  consumer.RtpParameters(),
		"type":           consumer.Type(),
		"appData":        consumer.AppData(),
		"producerPaused": consumer.ProducerPaused(),
	})
	if err != nil {
		// The consumer stays paused; the observer chain reaps it when the
		// peer or producer goes away.
		r.logger.Warn("Peer rejected new consumer",
			zap.String("peerId", target.ID),
			zap.String("consumerId", consumer.ID()),
			zap.Error(err),
		)
		metrics.ConsumerFailuresTotal.Inc()
		return
	}

	if err := consumer.Resume(ctx); err != nil {
		r.logger.Warn("Failed to resume consumer",
			zap.String("peerId", target.ID),
			zap.String("consumerId", consumer.ID()),
			zap.Error(err),
		)
		return
	}

	metrics.ConsumersCreatedTotal.Inc()
}

// createDataConsumer attaches one data producer to one target peer. The
// ownerID is empty for the bot stream.
func (r *Room) createDataConsumer(ctx context.Context, target *peer.Peer, dataProducer engine.DataProducer, ownerID string) {
	// Data channels need SCTP support declared at join time.
	if target.SctpCapabilities() == nil {
		return
	}
	transport, ok := target.ConsumerTransport()
	if !ok {
		return
	}

	dataConsumer, err := transport.ConsumeData(ctx, engine.DataConsumerOptions{
		DataProducerID: dataProducer.ID(),
		AppData:        dataProducer.AppData(),
	})
	if err != nil {
		r.logger.Warn("Failed to create data consumer",
			zap.String("peerId", target.ID),
			zap.String("dataProducerId", dataProducer.ID()),
			zap.Error(err),
		)
		return
	}

	target.AddDataConsumer(dataConsumer)

	dataConsumer.OnTransportClose(func() {
		target.RemoveDataConsumer(dataConsumer.ID())
	})
	dataConsumer.OnDataProducerClose(func() {
		target.RemoveDataConsumer(dataConsumer.ID())
		target.Channel.Notify("dataConsumerClosed", map[string]any{
			"dataConsumerId": dataConsumer.ID(),
		})
	})

	var peerID any
	if ownerID != "" {
		peerID = ownerID
	}
	_, err = target.Channel.Request(ctx, "newDataConsumer", map[string]any{
		"peerId":               peerID,
		"dataProducerId":       dataProducer.ID(),
		"id":                   dataConsumer.ID(),
		"sctpStreamParameters": dataConsumer.SctpStreamParameters(),
		"label":                dataConsumer.Label(),
		"protocol":             dataConsumer.Protocol(),
		"appData":              dataConsumer.AppData(),
	})
	if err != nil {
		r.logger.Warn("Peer rejected new data consumer",
			zap.String("peerId", target.ID),
			zap.String("dataConsumerId", dataConsumer.ID()),
			zap.Error(err),
		)
		return
	}

	metrics.DataConsumersCreatedTotal.Inc()
}
