package room

import (
	"context"
	"encoding/json"

	"github.com/confabrtc/confab/internals/engine"
	"github.com/confabrtc/confab/internals/errs"
	"github.com/confabrtc/confab/internals/peer"
	"github.com/confabrtc/confab/internals/throttle"
	"go.uber.org/zap"
)

// HandleRequest dispatches one signaling request from a peer. Every path ends
// in exactly one accept or reject.
func (r *Room) HandleRequest(p *peer.Peer, method string, data json.RawMessage, accept func(any), reject func(error)) {
	ctx := r.ctx

	switch method {
	case "getRouterRtpCapabilities":
		accept(r.RouterRtpCapabilities())

	case "join":
		r.handleJoin(ctx, p, data, accept, reject)

	case "createWebRtcTransport":
		r.handleCreateWebRtcTransport(ctx, p, data, accept, reject)

	case "connectWebRtcTransport":
		var req struct {
			TransportID    string                `json:"transportId"`
			DtlsParameters engine.DtlsParameters `json:"dtlsParameters"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			reject(err)
			return
		}
		t, ok := p.GetTransport(req.TransportID)
		if !ok {
			reject(errs.NotFound("transport", req.TransportID))
			return
		}
		wt, ok := t.(engine.WebRtcTransport)
		if !ok {
			reject(errs.BadRequest("transport %q is not a WebRTC transport", req.TransportID))
			return
		}
		if err := wt.Connect(ctx, req.DtlsParameters); err != nil {
			reject(err)
			return
		}
		accept(nil)

	case "restartIce":
		var req struct {
			TransportID string `json:"transportId"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			reject(err)
			return
		}
		t, ok := p.GetTransport(req.TransportID)
		if !ok {
			reject(errs.NotFound("transport", req.TransportID))
			return
		}
		wt, ok := t.(engine.WebRtcTransport)
		if !ok {
			reject(errs.BadRequest("transport %q is not a WebRTC transport", req.TransportID))
			return
		}
		iceParameters, err := wt.RestartIce(ctx)
		if err != nil {
			reject(err)
			return
		}
		accept(iceParameters)

	case "produce":
		r.handleProduce(ctx, p, data, accept, reject)

	case "produceData":
		r.handleProduceData(ctx, p, data, accept, reject)

	case "getTransportStats":
		var req struct {
			TransportID string `json:"transportId"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			reject(err)
			return
		}
		t, ok := p.GetTransport(req.TransportID)
		if !ok {
			reject(errs.NotFound("transport", req.TransportID))
			return
		}
		r.acceptStats(ctx, accept, reject, t.GetStats)

	case "getProducerStats":
		var req struct {
			ProducerID string `json:"producerId"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			reject(err)
			return
		}
		producer, ok := p.GetProducer(req.ProducerID)
		if !ok {
			reject(errs.NotFound("producer", req.ProducerID))
			return
		}
		r.acceptStats(ctx, accept, reject, producer.GetStats)

	case "getConsumerStats":
		var req struct {
			ConsumerID string `json:"consumerId"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			reject(err)
			return
		}
		consumer, ok := p.GetConsumer(req.ConsumerID)
		if !ok {
			reject(errs.NotFound("consumer", req.ConsumerID))
			return
		}
		r.acceptStats(ctx, accept, reject, consumer.GetStats)

	case "getDataProducerStats":
		var req struct {
			DataProducerID string `json:"dataProducerId"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			reject(err)
			return
		}
		dp, ok := p.GetDataProducer(req.DataProducerID)
		if !ok {
			reject(errs.NotFound("dataProducer", req.DataProducerID))
			return
		}
		r.acceptStats(ctx, accept, reject, dp.GetStats)

	case "getDataConsumerStats":
		var req struct {
			DataConsumerID string `json:"dataConsumerId"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			reject(err)
			return
		}
		dc, ok := p.GetDataConsumer(req.DataConsumerID)
		if !ok {
			reject(errs.NotFound("dataConsumer", req.DataConsumerID))
			return
		}
		r.acceptStats(ctx, accept, reject, dc.GetStats)

	case "applyNetworkThrottle":
		var req struct {
			Secret string `json:"secret"`
			throttle.Options
		}
		if err := unmarshalRequest(data, &req); err != nil {
			reject(err)
			return
		}
		if r.ThrottleApply == nil {
			reject(errs.Forbidden("network throttle is disabled"))
			return
		}
		if err := r.ThrottleApply(ctx, r.ID, req.Secret, req.Options); err != nil {
			reject(err)
			return
		}
		accept(nil)

	case "stopNetworkThrottle":
		var req struct {
			Secret string `json:"secret"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			reject(err)
			return
		}
		if r.ThrottleStop == nil {
			reject(errs.Forbidden("network throttle is disabled"))
			return
		}
		if err := r.ThrottleStop(ctx, req.Secret); err != nil {
			reject(err)
			return
		}
		accept(nil)

	default:
		r.logger.Warn("Unknown request method",
			zap.String("peerId", p.ID),
			zap.String("method", method),
		)
		reject(errs.BadRequest("unknown request method %q", method))
	}
}

func (r *Room) acceptStats(ctx context.Context, accept func(any), reject func(error), get func(context.Context) ([]byte, error)) {
	stats, err := get(ctx)
	if err != nil {
		reject(err)
		return
	}
	accept(json.RawMessage(stats))
}

func (r *Room) handleJoin(ctx context.Context, p *peer.Peer, data json.RawMessage, accept func(any), reject func(error)) {
	var req struct {
		DisplayName      string                   `json:"displayName"`
		Device           peer.Device              `json:"device"`
		RtpCapabilities  *engine.RtpCapabilities  `json:"rtpCapabilities"`
		SctpCapabilities *engine.SctpCapabilities `json:"sctpCapabilities"`
	}
	if err := unmarshalRequest(data, &req); err != nil {
		reject(err)
		return
	}

	if !p.SetJoined(req.DisplayName, req.Device, req.RtpCapabilities, req.SctpCapabilities) {
		reject(errs.InvalidState("peer already joined"))
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		reject(errs.InvalidState("room %q is closed", r.ID))
		return
	}
	delete(r.joiningPeers, p.ID)
	r.peers[p.ID] = p
	r.mu.Unlock()

	accept(map[string]any{"peers": r.peersSnapshot(p.ID)})

	r.logger.Info("Peer joined",
		zap.String("peerId", p.ID),
		zap.String("displayName", req.DisplayName),
	)

	// Fan out everything already live in the room to the new peer, then tell
	// everyone else about it.
	r.consumeExisting(ctx, p)
	r.broadcast("newPeer", PeerInfo{ID: p.ID, DisplayName: req.DisplayName, Device: req.Device}, p.ID)
}

func (r *Room) handleCreateWebRtcTransport(ctx context.Context, p *peer.Peer, data json.RawMessage, accept func(any), reject func(error)) {
	var req struct {
		Direction        string                   `json:"direction"`
		ForceTCP         bool                     `json:"forceTcp"`
		EnableBwe        bool                     `json:"enableBwe"`
		SctpCapabilities *engine.SctpCapabilities `json:"sctpCapabilities"`
	}
	if err := unmarshalRequest(data, &req); err != nil {
		reject(err)
		return
	}

	var router engine.Router
	var server engine.WebRtcServer
	appData := engine.AppData{PeerID: p.ID}
	switch req.Direction {
	case "send":
		router, server = r.producerRouter, r.producerServer
		appData.Producing = true
	case "recv":
		router, server = r.consumerRouter, r.consumerServer
		appData.Consuming = true
	default:
		reject(errs.BadRequest("invalid transport direction %q", req.Direction))
		return
	}

	opts := engine.WebRtcTransportOptions{
		WebRtcServer:                    server,
		EnableUDP:                       !req.ForceTCP,
		EnableTCP:                       true,
		PreferUDP:                       !req.ForceTCP,
		InitialAvailableOutgoingBitrate: r.cfg.Mediasoup.WebRtcTransportOptions.InitialAvailableOutgoingBitrate,
		MinimumAvailableOutgoingBitrate: r.cfg.Mediasoup.WebRtcTransportOptions.MinimumAvailableOutgoingBitrate,
		MaxSctpMessageSize:              r.cfg.Mediasoup.WebRtcTransportOptions.MaxSctpMessageSize,
		AppData:                         appData,
	}
	if req.SctpCapabilities != nil {
		opts.EnableSctp = true
		opts.NumSctpStreams = req.SctpCapabilities.NumStreams
	}

	transport, err := router.CreateWebRtcTransport(ctx, opts)
	if err != nil {
		reject(err)
		return
	}

	p.AddTransport(transport)
	transport.OnClose(func() { p.RemoveTransport(transport.ID()) })

	r.wireTransportHealth(p, transport, req.Direction)

	if req.EnableBwe && req.Direction == "recv" {
		r.wireDownlinkBwe(ctx, p, transport)
	}

	// The incoming bitrate cap is best-effort.
	if maxIn := r.cfg.Mediasoup.AdditionalWebRtcTransportOptions.MaxIncomingBitrate; maxIn > 0 && req.Direction == "send" {
		if err := transport.SetMaxIncomingBitrate(ctx, maxIn); err != nil {
			r.logger.Debug("Failed to set max incoming bitrate", zap.Error(err))
		}
	}

	accept(map[string]any{
		"id":             transport.ID(),
		"iceParameters":  transport.IceParameters(),
		"iceCandidates":  transport.IceCandidates(),
		"dtlsParameters": transport.DtlsParameters(),
		"sctpParameters": transport.SctpParameters(),
	})
}

// wireTransportHealth closes the peer when a transport it depends on goes
// unhealthy, in either direction: a peer that cannot send or cannot receive
// is no longer part of the conference.
func (r *Room) wireTransportHealth(p *peer.Peer, transport engine.WebRtcTransport, direction string) {
	transport.OnIceStateChange(func(state engine.IceState) {
		if state != engine.IceStateDisconnected && state != engine.IceStateClosed {
			return
		}
		r.logger.Warn("Transport ICE state degraded",
			zap.String("peerId", p.ID),
			zap.String("transportId", transport.ID()),
			zap.String("direction", direction),
			zap.String("iceState", string(state)),
		)
		r.closePeer(p)
	})
	transport.OnDtlsStateChange(func(state engine.DtlsState) {
		if state != engine.DtlsStateFailed && state != engine.DtlsStateClosed {
			return
		}
		r.logger.Warn("Transport DTLS state degraded",
			zap.String("peerId", p.ID),
			zap.String("transportId", transport.ID()),
			zap.String("direction", direction),
			zap.String("dtlsState", string(state)),
		)
		r.closePeer(p)
	})
}

// wireDownlinkBwe forwards transport BWE trace events to the owning peer.
func (r *Room) wireDownlinkBwe(ctx context.Context, p *peer.Peer, transport engine.WebRtcTransport) {
	if err := transport.EnableTraceEvent(ctx, engine.TraceEventBwe); err != nil {
		r.logger.Debug("Failed to enable bwe trace", zap.Error(err))
		return
	}
	transport.OnTrace(func(event engine.TransportTraceEvent) {
		if event.Type != engine.TraceEventBwe {
			return
		}
		p.Channel.Notify("downlinkBwe", map[string]any{
			"desiredBitrate":          event.Info["desiredBitrate"],
			"effectiveDesiredBitrate": event.Info["effectiveDesiredBitrate"],
			"availableBitrate":        event.Info["availableBitrate"],
		})
	})
}

func (r *Room) handleProduce(ctx context.Context, p *peer.Peer, data json.RawMessage, accept func(any), reject func(error)) {
	// Producing before joining is a protocol violation.
	if !p.Joined() {
		reject(errs.InvalidState("peer not yet joined"))
		return
	}

	var req struct {
		TransportID   string               `json:"transportId"`
		Kind          engine.MediaKind     `json:"kind"`
		RtpParameters engine.RtpParameters `json:"rtpParameters"`
		AppData       struct {
			Source engine.Source `json:"mediaType"`
		} `json:"appData"`
	}
	if err := unmarshalRequest(data, &req); err != nil {
		reject(err)
		return
	}

	transport, ok := p.GetTransport(req.TransportID)
	if !ok {
		reject(errs.NotFound("transport", req.TransportID))
		return
	}

	producer, err := transport.Produce(ctx, engine.ProducerOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData: engine.AppData{
			PeerID: p.ID,
			Source: req.AppData.Source,
		},
	})
	if err != nil {
		reject(err)
		return
	}

	p.AddProducer(producer)
	producer.OnTransportClose(func() { p.RemoveProducer(producer.ID()) })
	producer.OnScore(func(scores []engine.ProducerScore) {
		p.Channel.Notify("producerScore", map[string]any{
			"producerId": producer.ID(),
			"score":      scores,
		})
	})
	producer.OnVideoOrientationChange(func(orientation engine.VideoOrientation) {
		r.logger.Debug("Producer video orientation changed",
			zap.String("peerId", p.ID),
			zap.String("producerId", producer.ID()),
			zap.Bool("camera", orientation.Camera),
			zap.Bool("flip", orientation.Flip),
			zap.Int("rotation", orientation.Rotation),
		)
	})

	accept(map[string]any{"id": producer.ID()})

	r.fanOutProducer(ctx, p.ID, producer)
}

func (r *Room) handleProduceData(ctx context.Context, p *peer.Peer, data json.RawMessage, accept func(any), reject func(error)) {
	if !p.Joined() {
		reject(errs.InvalidState("peer not yet joined"))
		return
	}

	var req struct {
		TransportID          string                       `json:"transportId"`
		SctpStreamParameters *engine.SctpStreamParameters `json:"sctpStreamParameters"`
		Label                string                       `json:"label"`
		Protocol             string                       `json:"protocol"`
		AppData              struct {
			Channel engine.Channel `json:"channel"`
		} `json:"appData"`
	}
	if err := unmarshalRequest(data, &req); err != nil {
		reject(err)
		return
	}

	transport, ok := p.GetTransport(req.TransportID)
	if !ok {
		reject(errs.NotFound("transport", req.TransportID))
		return
	}

	dataProducer, err := transport.ProduceData(ctx, engine.DataProducerOptions{
		SctpStreamParameters: req.SctpStreamParameters,
		Label:                req.Label,
		Protocol:             req.Protocol,
		AppData: engine.AppData{
			PeerID:  p.ID,
			Channel: req.AppData.Channel,
		},
	})
	if err != nil {
		reject(err)
		return
	}

	p.AddDataProducer(dataProducer)
	dataProducer.OnTransportClose(func() { p.RemoveDataProducer(dataProducer.ID()) })

	accept(map[string]any{"id": dataProducer.ID()})

	switch req.AppData.Channel {
	case engine.ChannelChat:
		r.fanOutDataProducer(ctx, p.ID, dataProducer)
	case engine.ChannelBot:
		if err := r.bot.HandlePeerDataProducer(ctx, dataProducer.ID(), p.DisplayName); err != nil {
			r.logger.Warn("Bot failed to consume peer data producer",
				zap.String("peerId", p.ID),
				zap.Error(err),
			)
		}
	default:
		r.logger.Warn("Data producer with unknown channel",
			zap.String("peerId", p.ID),
			zap.String("channel", string(req.AppData.Channel)),
		)
	}
}

// HandleNotification dispatches one signaling notification from a peer.
// Notifications have no reply; failures are logged only.
func (r *Room) HandleNotification(p *peer.Peer, method string, data json.RawMessage) {
	ctx := r.ctx

	logErr := func(err error) {
		if err != nil {
			r.logger.Warn("Notification handler failed",
				zap.String("peerId", p.ID),
				zap.String("method", method),
				zap.Error(err),
			)
		}
	}

	switch method {
	case "closeProducer":
		var req struct {
			ProducerID string `json:"producerId"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			logErr(err)
			return
		}
		producer, ok := p.GetProducer(req.ProducerID)
		if !ok {
			logErr(errs.NotFound("producer", req.ProducerID))
			return
		}
		producer.Close()
		p.RemoveProducer(req.ProducerID)
		r.mu.Lock()
		delete(r.observedProducers, req.ProducerID)
		r.mu.Unlock()

	case "pauseProducer":
		var req struct {
			ProducerID string `json:"producerId"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			logErr(err)
			return
		}
		producer, ok := p.GetProducer(req.ProducerID)
		if !ok {
			logErr(errs.NotFound("producer", req.ProducerID))
			return
		}
		logErr(producer.Pause(ctx))

	case "resumeProducer":
		var req struct {
			ProducerID string `json:"producerId"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			logErr(err)
			return
		}
		producer, ok := p.GetProducer(req.ProducerID)
		if !ok {
			logErr(errs.NotFound("producer", req.ProducerID))
			return
		}
		logErr(producer.Resume(ctx))

	case "pauseConsumer":
		if consumer, err := r.peerConsumer(p, data); err != nil {
			logErr(err)
		} else {
			logErr(consumer.Pause(ctx))
		}

	case "resumeConsumer":
		if consumer, err := r.peerConsumer(p, data); err != nil {
			logErr(err)
		} else {
			logErr(consumer.Resume(ctx))
		}

	case "setConsumerPreferredLayers":
		var req struct {
			ConsumerID    string `json:"consumerId"`
			SpatialLayer  int    `json:"spatialLayer"`
			TemporalLayer int    `json:"temporalLayer"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			logErr(err)
			return
		}
		consumer, ok := p.GetConsumer(req.ConsumerID)
		if !ok {
			logErr(errs.NotFound("consumer", req.ConsumerID))
			return
		}
		logErr(consumer.SetPreferredLayers(ctx, engine.ConsumerLayers{
			SpatialLayer:  req.SpatialLayer,
			TemporalLayer: req.TemporalLayer,
		}))

	case "setConsumerPriority":
		var req struct {
			ConsumerID string `json:"consumerId"`
			Priority   int    `json:"priority"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			logErr(err)
			return
		}
		consumer, ok := p.GetConsumer(req.ConsumerID)
		if !ok {
			logErr(errs.NotFound("consumer", req.ConsumerID))
			return
		}
		logErr(consumer.SetPriority(ctx, req.Priority))

	case "requestConsumerKeyFrame":
		if consumer, err := r.peerConsumer(p, data); err != nil {
			logErr(err)
		} else {
			logErr(consumer.RequestKeyFrame(ctx))
		}

	case "changeDisplayName":
		var req struct {
			DisplayName string `json:"displayName"`
		}
		if err := unmarshalRequest(data, &req); err != nil {
			logErr(err)
			return
		}
		old := p.SetDisplayName(req.DisplayName)
		r.broadcast("peerDisplayNameChanged", map[string]any{
			"peerId":         p.ID,
			"displayName":    req.DisplayName,
			"oldDisplayName": old,
		}, p.ID)

	case "disconnect":
		r.closePeer(p)

	default:
		r.logger.Warn("Unknown notification method",
			zap.String("peerId", p.ID),
			zap.String("method", method),
		)
	}
}

func (r *Room) peerConsumer(p *peer.Peer, data json.RawMessage) (engine.Consumer, error) {
	var req struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := unmarshalRequest(data, &req); err != nil {
		return nil, err
	}
	consumer, ok := p.GetConsumer(req.ConsumerID)
	if !ok {
		return nil, errs.NotFound("consumer", req.ConsumerID)
	}
	return consumer, nil
}
