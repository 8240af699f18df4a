package bot

import (
	"context"
	"testing"

	"github.com/confabrtc/confab/internals/engine"
	"github.com/confabrtc/confab/internals/engine/mock"
	"go.uber.org/zap"
)

func setup(t *testing.T) (engine.Router, *Bot) {
	t.Helper()
	eng := mock.New()
	w, err := eng.NewWorker(context.Background(), engine.WorkerSettings{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	router, err := w.CreateRouter(context.Background(), engine.RouterOptions{
		MediaCodecs: []engine.RtpCodecCapability{
			{Kind: engine.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000},
		},
	})
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	b, err := Create(context.Background(), router, zap.NewNop())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return router, b
}

func TestEchoToConsumers(t *testing.T) {
	router, b := setup(t)
	ctx := context.Background()

	// A peer-side transport with a chat data producer and a consumer of the
	// bot stream.
	peerTransport, err := router.CreateWebRtcTransport(ctx, engine.WebRtcTransportOptions{
		EnableSctp: true,
		AppData:    engine.AppData{PeerID: "bob", Consuming: true},
	})
	if err != nil {
		t.Fatalf("CreateWebRtcTransport: %v", err)
	}

	chatDP, err := peerTransport.ProduceData(ctx, engine.DataProducerOptions{
		Label:   "chat",
		AppData: engine.AppData{PeerID: "bob", Channel: engine.ChannelChat},
	})
	if err != nil {
		t.Fatalf("ProduceData: %v", err)
	}

	botDC, err := peerTransport.ConsumeData(ctx, engine.DataConsumerOptions{
		DataProducerID: b.DataProducer().ID(),
		AppData:        engine.AppData{PeerID: "bob", Channel: engine.ChannelBot},
	})
	if err != nil {
		t.Fatalf("ConsumeData: %v", err)
	}

	got := make(chan string, 1)
	botDC.OnMessage(func(payload []byte, ppid engine.PayloadProtocol) {
		if ppid == engine.PPIDWebRTCString {
			got <- string(payload)
		}
	})

	if err := b.HandlePeerDataProducer(ctx, chatDP.ID(), func() string { return "Bob" }); err != nil {
		t.Fatalf("HandlePeerDataProducer: %v", err)
	}

	if err := chatDP.Send([]byte("hi"), engine.PPIDWebRTCString); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-got:
		want := "Bob told me: 'hi'"
		if msg != want {
			t.Fatalf("echo = %q, want %q", msg, want)
		}
	default:
		t.Fatal("no echo delivered")
	}
}

func TestNonStringMessagesIgnored(t *testing.T) {
	router, b := setup(t)
	ctx := context.Background()

	peerTransport, _ := router.CreateWebRtcTransport(ctx, engine.WebRtcTransportOptions{EnableSctp: true})
	chatDP, _ := peerTransport.ProduceData(ctx, engine.DataProducerOptions{Label: "chat"})
	botDC, _ := peerTransport.ConsumeData(ctx, engine.DataConsumerOptions{
		DataProducerID: b.DataProducer().ID(),
	})

	var echoes int
	botDC.OnMessage(func(payload []byte, ppid engine.PayloadProtocol) { echoes++ })

	if err := b.HandlePeerDataProducer(ctx, chatDP.ID(), func() string { return "Bob" }); err != nil {
		t.Fatalf("HandlePeerDataProducer: %v", err)
	}
	chatDP.Send([]byte{0x01, 0x02}, engine.PPIDWebRTCBinary)

	if echoes != 0 {
		t.Fatalf("binary payload echoed %d times", echoes)
	}
}
