package room

import (
	"context"

	"github.com/confabrtc/confab/internals/engine"
	"github.com/confabrtc/confab/internals/errs"
	"github.com/confabrtc/confab/internals/metrics"
	"github.com/confabrtc/confab/internals/peer"
	"go.uber.org/zap"
)

// Broadcaster HTTP API. Broadcasters are automation participants: they share
// the producer/consumer machinery with interactive peers but are driven by
// REST calls and never keep the room alive.

type BroadcasterTransportInfo struct {
	ID             string                 `json:"id"`
	IP             string                 `json:"ip,omitempty"`
	Port           int                    `json:"port,omitempty"`
	RtcpPort       int                    `json:"rtcpPort,omitempty"`
	IceParameters  *engine.IceParameters  `json:"iceParameters,omitempty"`
	IceCandidates  []engine.IceCandidate  `json:"iceCandidates,omitempty"`
	DtlsParameters *engine.DtlsParameters `json:"dtlsParameters,omitempty"`
	SctpParameters *engine.SctpParameters `json:"sctpParameters,omitempty"`
}

type BroadcasterConsumerInfo struct {
	ID            string               `json:"id"`
	ProducerID    string               `json:"producerId"`
	Kind          engine.MediaKind     `json:"kind"`
	RtpParameters engine.RtpParameters `json:"rtpParameters"`
	Type          engine.ConsumerType  `json:"type"`
	Paused        bool                 `json:"paused"`
}

// CreateBroadcaster registers a broadcaster in the joining state. The id must
// be unique across all four participant registries.
func (r *Room) CreateBroadcaster(id, displayName string, device peer.Device, rtpCaps *engine.RtpCapabilities) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errs.InvalidState("room %q is closed", r.ID)
	}
	if r.hasParticipantLocked(id) {
		r.mu.Unlock()
		return errs.InvalidState("participant with id %q already exists", id)
	}
	b := peer.NewBroadcaster(id, displayName, device, r.logger)
	b.SetRtpCapabilities(rtpCaps)
	r.joiningBroadcasters[id] = b
	r.mu.Unlock()

	metrics.ActiveBroadcasters.Inc()
	r.logger.Info("Broadcaster created", zap.String("broadcasterId", id))
	return nil
}

// JoinBroadcaster promotes a broadcaster to joined. Joined peers learn about
// it through a newPeer notification; the reply carries the current peers
// snapshot with their producers so the broadcaster can consume.
func (r *Room) JoinBroadcaster(id string) ([]PeerInfo, error) {
	r.mu.Lock()
	b, ok := r.joiningBroadcasters[id]
	if !ok {
		r.mu.Unlock()
		if _, joined := r.broadcasters[id]; joined {
			return nil, errs.InvalidState("broadcaster %q already joined", id)
		}
		return nil, errs.NotFound("broadcaster", id)
	}
	if !b.SetJoined() {
		r.mu.Unlock()
		return nil, errs.InvalidState("broadcaster %q already joined", id)
	}
	delete(r.joiningBroadcasters, id)
	r.broadcasters[id] = b
	r.mu.Unlock()

	r.broadcast("newPeer", PeerInfo{ID: b.ID, DisplayName: b.DisplayName(), Device: b.Device()}, "")
	r.logger.Info("Broadcaster joined", zap.String("broadcasterId", id))

	return r.peersSnapshot(id), nil
}

// DeleteBroadcaster closes a broadcaster and removes it from the registries.
func (r *Room) DeleteBroadcaster(id string) error {
	r.mu.Lock()
	b, wasJoined := r.broadcasters[id]
	if !wasJoined {
		b = r.joiningBroadcasters[id]
	}
	if b == nil {
		r.mu.Unlock()
		return errs.NotFound("broadcaster", id)
	}
	delete(r.joiningBroadcasters, id)
	delete(r.broadcasters, id)
	r.mu.Unlock()

	b.Close()
	metrics.ActiveBroadcasters.Dec()

	if wasJoined {
		r.broadcast("peerClosed", map[string]any{"peerId": id}, "")
	}
	r.logger.Info("Broadcaster deleted", zap.String("broadcasterId", id))
	return nil
}

func (r *Room) getBroadcaster(id string) (*peer.Broadcaster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.broadcasters[id]; ok {
		return b, nil
	}
	if b, ok := r.joiningBroadcasters[id]; ok {
		return b, nil
	}
	return nil, errs.NotFound("broadcaster", id)
}

// CreateBroadcasterTransport creates a transport for a broadcaster. Type is
// "plain" or "webrtc"; direction selects the router side: "send" transports
// live on the producer router, "recv" on the consumer router.
func (r *Room) CreateBroadcasterTransport(ctx context.Context, broadcasterID, transportType, direction string, comedia, rtcpMux bool, sctpCaps *engine.SctpCapabilities) (*BroadcasterTransportInfo, error) {
	b, err := r.getBroadcaster(broadcasterID)
	if err != nil {
		return nil, err
	}

	var router engine.Router
	var server engine.WebRtcServer
	appData := engine.AppData{PeerID: broadcasterID}
	switch direction {
	case "send":
		router, server = r.producerRouter, r.producerServer
		appData.Producing = true
	case "recv":
		router, server = r.consumerRouter, r.consumerServer
		appData.Consuming = true
	default:
		return nil, errs.BadRequest("invalid transport direction %q", direction)
	}

	switch transportType {
	case "plain":
		transport, err := router.CreatePlainTransport(ctx, engine.PlainTransportOptions{
			ListenInfo: r.cfg.Mediasoup.PlainTransportOptions.ListenInfo,
			RtcpMux:    rtcpMux,
			Comedia:    comedia,
			AppData:    appData,
		})
		if err != nil {
			return nil, err
		}
		b.AddTransport(transport)
		transport.OnClose(func() { b.RemoveTransport(transport.ID()) })

		info := &BroadcasterTransportInfo{
			ID:   transport.ID(),
			IP:   transport.Tuple().LocalAddress,
			Port: transport.Tuple().LocalPort,
		}
		if rtcp := transport.RtcpTuple(); rtcp != nil {
			info.RtcpPort = rtcp.LocalPort
		}
		return info, nil

	case "webrtc":
		opts := engine.WebRtcTransportOptions{
			WebRtcServer:                    server,
			EnableUDP:                       true,
			EnableTCP:                       true,
			PreferUDP:                       true,
			InitialAvailableOutgoingBitrate: r.cfg.Mediasoup.WebRtcTransportOptions.InitialAvailableOutgoingBitrate,
			MinimumAvailableOutgoingBitrate: r.cfg.Mediasoup.WebRtcTransportOptions.MinimumAvailableOutgoingBitrate,
			MaxSctpMessageSize:              r.cfg.Mediasoup.WebRtcTransportOptions.MaxSctpMessageSize,
			AppData:                         appData,
		}
		if sctpCaps != nil {
			opts.EnableSctp = true
			opts.NumSctpStreams = sctpCaps.NumStreams
		}
		transport, err := router.CreateWebRtcTransport(ctx, opts)
		if err != nil {
			return nil, err
		}
		b.AddTransport(transport)
		transport.OnClose(func() { b.RemoveTransport(transport.ID()) })

		iceParams := transport.IceParameters()
		dtlsParams := transport.DtlsParameters()
		return &BroadcasterTransportInfo{
			ID:             transport.ID(),
			IceParameters:  &iceParams,
			IceCandidates:  transport.IceCandidates(),
			DtlsParameters: &dtlsParams,
			SctpParameters: transport.SctpParameters(),
		}, nil

	default:
		return nil, errs.BadRequest("invalid transport type %q", transportType)
	}
}

// ConnectBroadcasterTransport connects a broadcaster transport: plain
// transports take the remote address tuple, WebRTC transports the DTLS
// parameters.
func (r *Room) ConnectBroadcasterTransport(ctx context.Context, broadcasterID, transportID string, dtls *engine.DtlsParameters, plain *engine.PlainConnectOptions) error {
	b, err := r.getBroadcaster(broadcasterID)
	if err != nil {
		return err
	}
	t, ok := b.GetTransport(transportID)
	if !ok {
		return errs.NotFound("transport", transportID)
	}

	switch transport := t.(type) {
	case engine.WebRtcTransport:
		if dtls == nil {
			return errs.BadRequest("missing dtlsParameters")
		}
		return transport.Connect(ctx, *dtls)
	case engine.PlainTransport:
		if plain == nil {
			return errs.BadRequest("missing remote address")
		}
		return transport.Connect(ctx, *plain)
	default:
		return errs.BadRequest("transport %q cannot be connected", transportID)
	}
}

// CreateBroadcasterProducer produces media on a broadcaster transport and
// fans it out to every joined peer.
func (r *Room) CreateBroadcasterProducer(ctx context.Context, broadcasterID, transportID string, kind engine.MediaKind, rtpParameters engine.RtpParameters, source engine.Source) (string, error) {
	b, err := r.getBroadcaster(broadcasterID)
	if err != nil {
		return "", err
	}
	if !b.Joined() {
		return "", errs.InvalidState("broadcaster %q not yet joined", broadcasterID)
	}
	transport, ok := b.GetTransport(transportID)
	if !ok {
		return "", errs.NotFound("transport", transportID)
	}

	producer, err := transport.Produce(ctx, engine.ProducerOptions{
		Kind:          kind,
		RtpParameters: rtpParameters,
		AppData: engine.AppData{
			PeerID: broadcasterID,
			Source: source,
		},
	})
	if err != nil {
		return "", err
	}

	b.AddProducer(producer)
	producer.OnTransportClose(func() { b.RemoveProducer(producer.ID()) })

	r.logger.Info("Broadcaster producer created",
		zap.String("broadcasterId", broadcasterID),
		zap.String("producerId", producer.ID()),
		zap.String("kind", string(kind)),
	)

	r.fanOutProducer(ctx, broadcasterID, producer)
	return producer.ID(), nil
}

// CreateBroadcasterConsumer consumes a producer on a broadcaster recv
// transport. The consumer starts paused; ResumeBroadcasterConsumer starts the
// flow once the broadcaster's receiver is ready.
func (r *Room) CreateBroadcasterConsumer(ctx context.Context, broadcasterID, transportID, producerID string) (*BroadcasterConsumerInfo, error) {
	b, err := r.getBroadcaster(broadcasterID)
	if err != nil {
		return nil, err
	}
	caps := b.RtpCapabilities()
	if caps == nil {
		return nil, errs.BadRequest("broadcaster %q declared no rtpCapabilities", broadcasterID)
	}
	transport, ok := b.GetTransport(transportID)
	if !ok {
		return nil, errs.NotFound("transport", transportID)
	}
	if !r.consumerRouter.CanConsume(producerID, *caps) {
		return nil, errs.Unsupported("cannot consume producer %q with declared capabilities", producerID)
	}

	consumer, err := transport.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producerID,
		RtpCapabilities: *caps,
		Paused:          true,
		AppData:         engine.AppData{PeerID: broadcasterID},
	})
	if err != nil {
		return nil, err
	}

	b.AddConsumer(consumer)
	consumer.OnTransportClose(func() { b.RemoveConsumer(consumer.ID()) })
	consumer.OnProducerClose(func() { b.RemoveConsumer(consumer.ID()) })

	return &BroadcasterConsumerInfo{
		ID:            consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
		Type:          consumer.Type(),
		Paused:        consumer.Paused(),
	}, nil
}

// ResumeBroadcasterConsumer starts a paused broadcaster consumer.
func (r *Room) ResumeBroadcasterConsumer(ctx context.Context, broadcasterID, consumerID string) error {
	b, err := r.getBroadcaster(broadcasterID)
	if err != nil {
		return err
	}
	consumer, ok := b.GetConsumer(consumerID)
	if !ok {
		return errs.NotFound("consumer", consumerID)
	}
	return consumer.Resume(ctx)
}
