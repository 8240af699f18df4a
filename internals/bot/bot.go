// Package bot implements the per-room chat echo relay. It owns a direct
// transport and a data producer on the room's producer router; every peer
// consumes that data producer, and every chat data producer a peer creates is
// consumed back by the bot, which answers each text message through its own
// stream. The bot has no close method: its objects die with the routers.
package bot

import (
	"context"
	"fmt"

	"github.com/confabrtc/confab/internals/engine"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Bot struct {
	transport    engine.DirectTransport
	dataProducer engine.DataProducer
	logger       *zap.Logger
}

// Create builds the bot on the given router.
func Create(ctx context.Context, router engine.Router, logger *zap.Logger) (*Bot, error) {
	transport, err := router.CreateDirectTransport(ctx, engine.DirectTransportOptions{
		MaxMessageSize: 512,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bot direct transport: %w", err)
	}

	dataProducer, err := transport.ProduceData(ctx, engine.DataProducerOptions{
		ID:      uuid.New().String(),
		Label:   "bot",
		AppData: engine.AppData{Channel: engine.ChannelBot},
	})
	if err != nil {
		return nil, fmt.Errorf("creating bot data producer: %w", err)
	}

	return &Bot{
		transport:    transport,
		dataProducer: dataProducer,
		logger:       logger.With(zap.String("component", "bot")),
	}, nil
}

// DataProducer is the stream every joined peer consumes.
func (b *Bot) DataProducer() engine.DataProducer {
	return b.dataProducer
}

// HandlePeerDataProducer consumes a peer's chat data producer on the bot's
// direct transport and echoes every text message back through the bot's own
// data producer.
func (b *Bot) HandlePeerDataProducer(ctx context.Context, dataProducerID string, peerDisplayName func() string) error {
	dataConsumer, err := b.transport.ConsumeData(ctx, engine.DataConsumerOptions{
		DataProducerID: dataProducerID,
	})
	if err != nil {
		return fmt.Errorf("consuming peer data producer: %w", err)
	}

	dataConsumer.OnMessage(func(payload []byte, ppid engine.PayloadProtocol) {
		// Only string messages matter.
		if ppid != engine.PPIDWebRTCString {
			b.logger.Warn("Ignoring non-string message from peer",
				zap.Uint32("ppid", uint32(ppid)),
			)
			return
		}

		text := string(payload)
		b.logger.Debug("Message received",
			zap.String("displayName", peerDisplayName()),
			zap.String("text", text),
		)

		reply := fmt.Sprintf("%s told me: '%s'", peerDisplayName(), text)
		if err := b.dataProducer.Send([]byte(reply), engine.PPIDWebRTCString); err != nil {
			b.logger.Warn("Failed to send bot reply", zap.Error(err))
		}
	})

	return nil
}
