// Package throttle coordinates the process-wide network shaper. Operations
// are gated by a shared secret and serialized so overlapping apply/stop calls
// run one at a time. The coordinator remembers which room enabled the shaper
// and stops it when that room closes.
package throttle

import (
	"context"

	"github.com/confabrtc/confab/internals/errs"
	"github.com/confabrtc/confab/internals/metrics"
	"github.com/confabrtc/confab/internals/queue"
	"go.uber.org/zap"
)

// Options shape the throttle applied to the host network stack.
type Options struct {
	UplinkKbps   int `json:"up,omitempty"`
	DownlinkKbps int `json:"down,omitempty"`
	RttMs        int `json:"rtt,omitempty"`
	PacketLoss   int `json:"packetLoss,omitempty"`
}

// Scope selects which traffic a stop call releases.
type Scope string

const (
	ScopeDefault   Scope = ""
	ScopeLocalhost Scope = "localhost"
)

// Shaper drives the actual traffic shaping. The default implementation shells
// out to tc(8); tests substitute a recorder.
type Shaper interface {
	Start(ctx context.Context, opts Options) error
	Stop(ctx context.Context, scope Scope) error
}

type Coordinator struct {
	secret string
	shaper Shaper
	queue  *queue.Queue
	logger *zap.Logger

	// Guarded by the queue: all reads and writes happen inside queue tasks
	// except the snapshot accessors, which take the queue too.
	enabled       bool
	enabledByRoom string
}

// NewCoordinator builds a coordinator. An empty secret disables throttling:
// every apply/stop fails with a forbidden error.
func NewCoordinator(secret string, shaper Shaper, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		secret: secret,
		shaper: shaper,
		queue:  queue.New(),
		logger: logger.With(zap.String("component", "throttle")),
	}
}

func (c *Coordinator) checkSecret(secret string) error {
	if c.secret == "" {
		return errs.Forbidden("network throttle is disabled")
	}
	if secret != c.secret {
		return errs.Forbidden("operation NOT allowed, modda fucka")
	}
	return nil
}

// Apply enables the shaper with the given options on behalf of roomID. If the
// shaper is already enabled it is stopped first.
func (c *Coordinator) Apply(ctx context.Context, roomID, secret string, opts Options) error {
	if err := c.checkSecret(secret); err != nil {
		return err
	}

	return c.queue.Do(func() error {
		if c.enabled {
			if err := c.stopLocked(ctx); err != nil {
				return err
			}
		}
		if err := c.shaper.Start(ctx, opts); err != nil {
			c.logger.Error("Failed to start network throttle", zap.Error(err))
			return errs.Internal("starting network throttle", err)
		}
		c.enabled = true
		c.enabledByRoom = roomID
		metrics.RecordThrottle(true)

		c.logger.Warn("Network throttle enabled",
			zap.String("roomId", roomID),
			zap.Int("up", opts.UplinkKbps),
			zap.Int("down", opts.DownlinkKbps),
			zap.Int("rtt", opts.RttMs),
			zap.Int("packetLoss", opts.PacketLoss),
		)
		return nil
	})
}

// Stop disables the shaper. On failure the prior enabled state is restored
// and the last error surfaces to the caller.
func (c *Coordinator) Stop(ctx context.Context, secret string) error {
	if err := c.checkSecret(secret); err != nil {
		return err
	}
	return c.queue.Do(func() error {
		return c.stopLocked(ctx)
	})
}

func (c *Coordinator) stopLocked(ctx context.Context) error {
	prevEnabled, prevRoom := c.enabled, c.enabledByRoom
	c.enabled = false
	c.enabledByRoom = ""

	// Stop both scopes; remember the last failure.
	var lastErr error
	if err := c.shaper.Stop(ctx, ScopeDefault); err != nil {
		lastErr = err
	}
	if err := c.shaper.Stop(ctx, ScopeLocalhost); err != nil {
		lastErr = err
	}

	if lastErr != nil {
		c.enabled = prevEnabled
		c.enabledByRoom = prevRoom
		c.logger.Error("Failed to stop network throttle", zap.Error(lastErr))
		return errs.Internal("stopping network throttle", lastErr)
	}

	metrics.RecordThrottle(false)
	c.logger.Warn("Network throttle stopped")
	return nil
}

// RoomClosed stops the shaper if the closing room was the one that enabled
// it. Failures are logged only.
func (c *Coordinator) RoomClosed(roomID string) {
	c.queue.Post(func() error {
		if !c.enabled || c.enabledByRoom != roomID {
			return nil
		}
		if err := c.stopLocked(context.Background()); err != nil {
			c.logger.Error("Failed to stop throttle on room close",
				zap.String("roomId", roomID),
				zap.Error(err),
			)
		}
		return nil
	})
}

// Enabled reports the current state. Serialized through the queue so it
// observes a settled value.
func (c *Coordinator) Enabled() (bool, string) {
	var enabled bool
	var room string
	c.queue.Do(func() error {
		enabled, room = c.enabled, c.enabledByRoom
		return nil
	})
	return enabled, room
}

// Shutdown stops the serializing queue.
func (c *Coordinator) Shutdown() {
	c.queue.Stop()
}
