// Command modemd is the cellular modem connection daemon: it loads a
// YAML config, waits for the modem's device node, then drives
// internal/supervisor through its full connect/register/roam lifecycle.
// A configured power-control line is handed to the supervisor, which
// pulses it only before retrying a failed init script. Flag handling and config
// loading follow the teacher's kissutil.go pflag idiom and its
// deviceid.go-style YAML config loading.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"github.com/spf13/pflag"

	"github.com/kc9xyz/modemlink/internal/config"
	"github.com/kc9xyz/modemlink/internal/diag"
	"github.com/kc9xyz/modemlink/internal/gnss"
	"github.com/kc9xyz/modemlink/internal/hotplug"
	"github.com/kc9xyz/modemlink/internal/powerctl"
	"github.com/kc9xyz/modemlink/internal/supervisor"
	"github.com/kc9xyz/modemlink/internal/uart"
)

func main() {
	configPath := pflag.StringP("config", "c", "/etc/modemlink/modemd.yaml", "Path to YAML configuration file")
	help := pflag.BoolP("help", "h", false, "Display help text")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - cellular modem connection daemon.\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modemd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := hotplug.WaitForDevice(ctx, cfg.Device); err != nil {
		logger.Error("waiting for device node", "device", cfg.Device, "err", err)
		os.Exit(1)
	}

	power := newPowerController(cfg, logger)
	defer power.Close()

	bus := uart.New(uart.Config{Device: cfg.Device, Baud: cfg.Baud})

	iface := &nullIface{log: logger}

	supCfg := supervisor.Config{
		APN:                  cfg.APN,
		Username:             cfg.Username,
		Password:             cfg.Password,
		PollIntervalRegister: cfg.RegisterPollInterval(),
		PollIntervalRoaming:  cfg.RoamingPollInterval(),
	}
	if cfg.GNSS.Enabled {
		parser := gnss.NewParser(func(fix gnss.Fix, easting, northing float64, zone int, moved float64) {
			logger.Info("gnss fix", "lat", fix.Lat, "lon", fix.Lon,
				"utm_easting", easting, "utm_northing", northing, "utm_zone", zone,
				"moved_m", moved)
		})
		parser.Prefix = cfg.GNSS.Prefix
		supCfg.Unsolicited = append(supCfg.Unsolicited, parser.Match())
	}

	sup := supervisor.New(bus, iface, nil, power, supCfg, logger)
	defer sup.Close()

	if cfg.Diagnostics.Enabled {
		go func() {
			if err := diag.Serve(ctx, diag.Config{
				Listen:        cfg.Diagnostics.Listen,
				AdvertiseMDNS: cfg.Diagnostics.AdvertiseMDNS,
			}, bus); err != nil {
				logger.Warn("diagnostics listener stopped", "err", err)
			}
		}()
	}

	go watchHotplugRemoval(ctx, cfg.Device, sup, logger)

	sup.Resume()

	<-ctx.Done()
	logger.Info("shutting down")
	sup.Suspend()
	time.Sleep(2 * time.Second)
}

// nullIface is the default PPP packet sink until a real network-stack
// bridge is wired in; it just logs what it would have forwarded.
type nullIface struct {
	log *log.Logger
}

func (n *nullIface) Recv(frame []byte) {
	n.log.Debug("ppp frame received", "bytes", len(frame))
}

func watchHotplugRemoval(ctx context.Context, device string, sup *supervisor.Supervisor, logger *log.Logger) {
	for ev := range hotplug.Watch(ctx, device) {
		if ev.Kind == hotplug.Removed {
			logger.Warn("modem device node disappeared", "device", device)
			sup.Suspend()
		}
	}
}

func newPowerController(cfg *config.Config, logger *log.Logger) powerctl.Controller {
	if cfg.PowerGPIO == nil {
		return powerctl.NoopController{}
	}
	ctrl, err := powerctl.NewGPIOController(powerctl.Config{
		Chip:    cfg.PowerGPIO.Chip,
		Line:    cfg.PowerGPIO.Line,
		PulseMs: cfg.PowerGPIO.PulseMs,
	})
	if err != nil {
		logger.Warn("power control unavailable, continuing without it", "err", err)
		return powerctl.NoopController{}
	}
	return ctrl
}

func newLogger(cfg config.Log) *log.Logger {
	out := os.Stderr
	if cfg.File != "" {
		name, err := strftime.Format(cfg.File, time.Now())
		if err == nil {
			if f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
				out = f
			}
		}
	}

	logger := log.NewWithOptions(out, log.Options{ReportTimestamp: true})
	level, err := log.ParseLevel(cfg.Level)
	if err == nil {
		logger.SetLevel(level)
	}
	return logger
}
