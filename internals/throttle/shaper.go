package throttle

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
)

// TcShaper shapes traffic with tc(8) netem/tbf qdiscs on a network
// interface. Stop with the localhost scope releases the loopback interface.
type TcShaper struct {
	// Interface is the device shaped by the default scope, e.g. "eth0".
	Interface string
	logger    *zap.Logger
}

func NewTcShaper(iface string, logger *zap.Logger) *TcShaper {
	return &TcShaper{Interface: iface, logger: logger}
}

func (s *TcShaper) device(scope Scope) string {
	if scope == ScopeLocalhost {
		return "lo"
	}
	return s.Interface
}

func (s *TcShaper) Start(ctx context.Context, opts Options) error {
	args := []string{"qdisc", "replace", "dev", s.device(ScopeDefault), "root", "netem"}
	if opts.RttMs > 0 {
		args = append(args, "delay", strconv.Itoa(opts.RttMs/2)+"ms")
	}
	if opts.PacketLoss > 0 {
		args = append(args, "loss", strconv.Itoa(opts.PacketLoss)+"%")
	}
	if opts.DownlinkKbps > 0 {
		args = append(args, "rate", strconv.Itoa(opts.DownlinkKbps)+"kbit")
	}
	return s.run(ctx, args...)
}

func (s *TcShaper) Stop(ctx context.Context, scope Scope) error {
	err := s.run(ctx, "qdisc", "del", "dev", s.device(scope), "root")
	if err != nil && isNoQdisc(err) {
		// Nothing installed: stopping an unthrottled device succeeds.
		return nil
	}
	return err
}

func (s *TcShaper) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "tc", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		// Cancellation propagates as subprocess termination and counts as
		// success.
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("tc %v: %w: %s", args, err, out)
	}
	s.logger.Debug("tc invoked", zap.Strings("args", args))
	return nil
}

func isNoQdisc(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// tc exits 2 when there is no qdisc to delete.
		return exitErr.ExitCode() == 2
	}
	return false
}
