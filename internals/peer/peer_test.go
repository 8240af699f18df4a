package peer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/confabrtc/confab/internals/engine"
	"github.com/confabrtc/confab/internals/engine/mock"
	"go.uber.org/zap"
)

type fakeChannel struct {
	closed bool
}

func (f *fakeChannel) Request(ctx context.Context, method string, data any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeChannel) Notify(method string, data any) error { return nil }
func (f *fakeChannel) RemoteAddr() string                   { return "127.0.0.1:1234" }
func (f *fakeChannel) Close()                               { f.closed = true }

func newTestRouter(t *testing.T) engine.Router {
	t.Helper()
	eng := mock.New()
	w, err := eng.NewWorker(context.Background(), engine.WorkerSettings{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	r, err := w.CreateRouter(context.Background(), engine.RouterOptions{
		MediaCodecs: []engine.RtpCodecCapability{
			{Kind: engine.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		},
	})
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	return r
}

func TestJoinTimerFires(t *testing.T) {
	fired := make(chan struct{})
	p := NewPeer("alice", &fakeChannel{}, 20*time.Millisecond, zap.NewNop())
	p.OnJoinTimeout = func() { close(fired) }

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("join timer never fired")
	}
}

func TestJoinStopsTimer(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := NewPeer("alice", &fakeChannel{}, 20*time.Millisecond, zap.NewNop())
	p.OnJoinTimeout = func() { fired <- struct{}{} }

	if !p.SetJoined("Alice", Device{Name: "test"}, nil, nil) {
		t.Fatal("SetJoined failed")
	}
	if p.SetJoined("Alice", Device{}, nil, nil) {
		t.Fatal("second SetJoined succeeded")
	}

	select {
	case <-fired:
		t.Fatal("join timer fired after join")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestCloseReleasesTransportsAndChannel(t *testing.T) {
	r := newTestRouter(t)
	ch := &fakeChannel{}
	p := NewPeer("alice", ch, time.Minute, zap.NewNop())

	tr, err := r.CreateWebRtcTransport(context.Background(), engine.WebRtcTransportOptions{
		AppData: engine.AppData{Producing: true},
	})
	if err != nil {
		t.Fatalf("CreateWebRtcTransport: %v", err)
	}
	p.AddTransport(tr)

	p.Close()
	p.Close() // idempotent

	if !tr.Closed() {
		t.Fatal("transport survived peer close")
	}
	if !ch.closed {
		t.Fatal("channel survived peer close")
	}
	if !p.Closed() {
		t.Fatal("peer not marked closed")
	}
}

func TestConsumerTransportLookup(t *testing.T) {
	r := newTestRouter(t)
	p := NewPeer("alice", &fakeChannel{}, time.Minute, zap.NewNop())

	if _, ok := p.ConsumerTransport(); ok {
		t.Fatal("found consumer transport on fresh peer")
	}

	producing, _ := r.CreateWebRtcTransport(context.Background(), engine.WebRtcTransportOptions{
		AppData: engine.AppData{Producing: true},
	})
	consuming, _ := r.CreateWebRtcTransport(context.Background(), engine.WebRtcTransportOptions{
		AppData: engine.AppData{Consuming: true},
	})
	p.AddTransport(producing)
	p.AddTransport(consuming)

	got, ok := p.ConsumerTransport()
	if !ok || got.ID() != consuming.ID() {
		t.Fatalf("ConsumerTransport = %v, want %s", got, consuming.ID())
	}
}

func TestLedgerRemoval(t *testing.T) {
	r := newTestRouter(t)
	p := NewPeer("alice", &fakeChannel{}, time.Minute, zap.NewNop())

	tr, _ := r.CreateWebRtcTransport(context.Background(), engine.WebRtcTransportOptions{
		AppData: engine.AppData{Producing: true},
	})
	p.AddTransport(tr)

	prod, err := tr.Produce(context.Background(), engine.ProducerOptions{
		Kind: engine.MediaKindAudio,
		RtpParameters: engine.RtpParameters{
			Codecs: []engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000}},
		},
		AppData: engine.AppData{PeerID: "alice", Source: engine.SourceAudio},
	})
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	p.AddProducer(prod)

	if _, ok := p.GetProducer(prod.ID()); !ok {
		t.Fatal("producer missing from ledger")
	}
	p.RemoveProducer(prod.ID())
	if _, ok := p.GetProducer(prod.ID()); ok {
		t.Fatal("producer lingering after removal")
	}
	if len(p.Producers()) != 0 {
		t.Fatal("Producers() not empty")
	}
}

func TestBroadcasterJoinOnce(t *testing.T) {
	b := NewBroadcaster("bcast", "Broadcaster", Device{Name: "curl"}, zap.NewNop())
	if !b.SetJoined() {
		t.Fatal("first SetJoined failed")
	}
	if b.SetJoined() {
		t.Fatal("second SetJoined succeeded")
	}

	b.Close()
	if b.SetJoined() {
		t.Fatal("SetJoined succeeded after close")
	}
}
