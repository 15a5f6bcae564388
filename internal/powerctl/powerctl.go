// Package powerctl drives a host GPIO line to power-cycle a cellular
// module, the PWRKEY/RESET pulse many modules require before AT
// communication is possible. The spec treats that bring-up step as an
// external collaborator; this package is the optional hook the
// supervisor calls through on a failed init script, using
// github.com/warthog618/go-gpiocdev the way the teacher's dns_sd.go
// wraps an optional host service behind a small interface with a
// clean no-op fallback for hosts that don't wire one up.
package powerctl

import (
	"context"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Controller pulses a power-control line. Pulse must return once the
// line has been driven and released.
type Controller interface {
	Pulse(ctx context.Context) error
	Close() error
}

// Config names the GPIO chip, line offset, and pulse width.
type Config struct {
	Chip    string
	Line    int
	PulseMs int
}

func (c Config) withDefaults() Config {
	if c.PulseMs <= 0 {
		c.PulseMs = 500
	}
	return c
}

// GPIOController drives cfg.Line on cfg.Chip high for the configured
// pulse width, then releases it.
type GPIOController struct {
	cfg  Config
	chip *gpiocdev.Chip
}

// NewGPIOController opens the chip. The line itself is requested fresh
// for each Pulse so the controller doesn't hold it between pulses.
func NewGPIOController(cfg Config) (*GPIOController, error) {
	cfg = cfg.withDefaults()
	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("powerctl: open %s: %w", cfg.Chip, err)
	}
	return &GPIOController{cfg: cfg, chip: chip}, nil
}

func (g *GPIOController) Pulse(ctx context.Context) error {
	line, err := g.chip.RequestLine(g.cfg.Line, gpiocdev.AsOutput(1))
	if err != nil {
		return fmt.Errorf("powerctl: request line %d: %w", g.cfg.Line, err)
	}
	defer line.Close()

	select {
	case <-time.After(time.Duration(g.cfg.PulseMs) * time.Millisecond):
	case <-ctx.Done():
		_ = line.SetValue(0)
		return ctx.Err()
	}
	return line.SetValue(0)
}

func (g *GPIOController) Close() error {
	return g.chip.Close()
}

// NoopController is used when no power_gpio is configured.
type NoopController struct{}

func (NoopController) Pulse(context.Context) error { return nil }
func (NoopController) Close() error                { return nil }
