package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/confabrtc/confab/internals/errs"
	"go.uber.org/zap"
)

type fakeShaper struct {
	mu      sync.Mutex
	starts  []Options
	stops   []Scope
	stopErr error
}

func (f *fakeShaper) Start(ctx context.Context, opts Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, opts)
	return nil
}

func (f *fakeShaper) Stop(ctx context.Context, scope Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, scope)
	return f.stopErr
}

func newCoordinator(t *testing.T, secret string) (*Coordinator, *fakeShaper) {
	t.Helper()
	shaper := &fakeShaper{}
	c := NewCoordinator(secret, shaper, zap.NewNop())
	t.Cleanup(c.Shutdown)
	return c, shaper
}

func TestSecretGate(t *testing.T) {
	c, shaper := newCoordinator(t, "s3cret")
	ctx := context.Background()

	err := c.Apply(ctx, "room1", "wrong", Options{UplinkKbps: 400})
	if errs.KindOf(err) != errs.KindForbidden {
		t.Fatalf("wrong secret kind = %v, want Forbidden", errs.KindOf(err))
	}
	if enabled, _ := c.Enabled(); enabled {
		t.Fatal("throttle enabled after rejected apply")
	}
	if len(shaper.starts) != 0 {
		t.Fatal("shaper started despite rejection")
	}

	if err := c.Apply(ctx, "room1", "s3cret", Options{UplinkKbps: 400}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	enabled, room := c.Enabled()
	if !enabled || room != "room1" {
		t.Fatalf("state = (%v, %q), want (true, room1)", enabled, room)
	}
}

func TestNoSecretConfiguredMeansDisabled(t *testing.T) {
	c, _ := newCoordinator(t, "")
	err := c.Apply(context.Background(), "room1", "", Options{})
	if errs.KindOf(err) != errs.KindForbidden {
		t.Fatalf("kind = %v, want Forbidden", errs.KindOf(err))
	}
}

func TestReapplyStopsFirst(t *testing.T) {
	c, shaper := newCoordinator(t, "s")
	ctx := context.Background()

	c.Apply(ctx, "room1", "s", Options{UplinkKbps: 100})
	c.Apply(ctx, "room2", "s", Options{UplinkKbps: 200})

	// Second apply stops both scopes before starting again.
	if len(shaper.stops) != 2 {
		t.Fatalf("stops = %v, want 2 scope stops between applies", shaper.stops)
	}
	if len(shaper.starts) != 2 {
		t.Fatalf("starts = %d, want 2", len(shaper.starts))
	}
	_, room := c.Enabled()
	if room != "room2" {
		t.Fatalf("enabledBy = %q, want room2", room)
	}
}

func TestStopRestoresStateOnFailure(t *testing.T) {
	c, shaper := newCoordinator(t, "s")
	ctx := context.Background()

	if err := c.Apply(ctx, "room1", "s", Options{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	shaper.stopErr = errors.New("tc exploded")

	if err := c.Stop(ctx, "s"); err == nil {
		t.Fatal("Stop with failing shaper returned nil")
	}
	enabled, room := c.Enabled()
	if !enabled || room != "room1" {
		t.Fatalf("state after failed stop = (%v, %q), want restored (true, room1)", enabled, room)
	}

	shaper.stopErr = nil
	if err := c.Stop(ctx, "s"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if enabled, _ := c.Enabled(); enabled {
		t.Fatal("still enabled after successful stop")
	}
}

func TestRoomClosedStopsOwningRoomOnly(t *testing.T) {
	c, _ := newCoordinator(t, "s")
	ctx := context.Background()

	c.Apply(ctx, "room1", "s", Options{})

	c.RoomClosed("other")
	if enabled, _ := c.Enabled(); !enabled {
		t.Fatal("unrelated room close disabled the throttle")
	}

	c.RoomClosed("room1")
	if enabled, _ := c.Enabled(); enabled {
		t.Fatal("owning room close left the throttle enabled")
	}
}

func TestApplyStopRoundTrip(t *testing.T) {
	c, _ := newCoordinator(t, "s")
	ctx := context.Background()

	before, _ := c.Enabled()
	c.Apply(ctx, "room1", "s", Options{DownlinkKbps: 500})
	c.Stop(ctx, "s")
	after, room := c.Enabled()

	if before != after || room != "" {
		t.Fatalf("round trip did not restore initial state: (%v, %q)", after, room)
	}
}
