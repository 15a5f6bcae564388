// Package hotplug watches for a cellular modem's USB-serial device node
// appearing and disappearing. Cellular USB modems enumerate their AT and
// PPP TTY nodes asynchronously after plug-in (or after a power-on pulse
// from internal/powerctl), so the supervisor needs to wait for the node
// rather than assume it already exists. It is grounded on the teacher's
// dns_sd.go pattern of wrapping an optional host service behind a small
// Go API and falling back cleanly when that service isn't available —
// here github.com/jochenvg/go-udev stands in for dnssd's responder, and
// the fallback is a plain stat poll instead of a no-op.
package hotplug

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/jochenvg/go-udev"
)

// Kind distinguishes the two events Watch can deliver.
type Kind int

const (
	Added Kind = iota
	Removed
)

// Event is one hotplug notification for a watched device path.
type Event struct {
	Kind Kind
	Path string
}

// pollInterval is how often the udev-unavailable fallback restats path.
const pollInterval = 250 * time.Millisecond

// WaitForDevice blocks until path exists and is openable, or ctx is
// done. It prefers udev add events filtered by devnode; if udev can't
// be reached (no netlink, non-Linux test environment) it falls back to
// polling os.Stat so unit tests don't require a udev daemon.
func WaitForDevice(ctx context.Context, path string) error {
	if exists(path) {
		return nil
	}

	events, cancel, err := monitorAdd(ctx, path)
	if err != nil {
		return waitPoll(ctx, path)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
			if exists(path) {
				return nil
			}
		case <-time.After(pollInterval):
			if exists(path) {
				return nil
			}
		}
	}
}

// Watch streams Added/Removed events for path until ctx is canceled.
// The returned channel is closed when the watch ends.
func Watch(ctx context.Context, path string) <-chan Event {
	out := make(chan Event, 8)

	addEvents, cancelAdd, errAdd := monitorAdd(ctx, path)
	remEvents, cancelRem, errRem := monitorRemove(ctx, path)

	go func() {
		defer close(out)
		if errAdd != nil || errRem != nil {
			watchPoll(ctx, path, out)
			return
		}
		defer cancelAdd()
		defer cancelRem()

		present := exists(path)
		for {
			select {
			case <-ctx.Done():
				return
			case <-addEvents:
				if !present && exists(path) {
					present = true
					out <- Event{Kind: Added, Path: path}
				}
			case <-remEvents:
				if present && !exists(path) {
					present = false
					out <- Event{Kind: Removed, Path: path}
				}
			case <-time.After(pollInterval):
				now := exists(path)
				if now && !present {
					present = true
					out <- Event{Kind: Added, Path: path}
				} else if !now && present {
					present = false
					out <- Event{Kind: Removed, Path: path}
				}
			}
		}
	}()

	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func waitPoll(ctx context.Context, path string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if exists(path) {
				return nil
			}
		}
	}
}

func watchPoll(ctx context.Context, path string, out chan<- Event) {
	present := exists(path)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := exists(path)
			if now && !present {
				present = true
				out <- Event{Kind: Added, Path: path}
			} else if !now && present {
				present = false
				out <- Event{Kind: Removed, Path: path}
			}
		}
	}
}

// monitorAdd starts a udev monitor filtered to "add" actions on the
// tty subsystem, matching events whose DEVNAME equals path.
func monitorAdd(ctx context.Context, path string) (<-chan struct{}, context.CancelFunc, error) {
	return monitorAction(ctx, path, "add")
}

func monitorRemove(ctx context.Context, path string) (<-chan struct{}, context.CancelFunc, error) {
	return monitorAction(ctx, path, "remove")
}

func monitorAction(ctx context.Context, path, action string) (<-chan struct{}, context.CancelFunc, error) {
	u := udev.Udev{}
	mon := u.NewMonitorFromNetlink("udev")
	if mon == nil {
		return nil, nil, errors.New("hotplug: udev netlink monitor unavailable")
	}
	if err := mon.FilterAddMatchSubsystem("tty"); err != nil {
		return nil, nil, err
	}

	innerCtx, cancel := context.WithCancel(ctx)
	deviceCh, errCh, err := mon.DeviceChan(innerCtx)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan struct{}, 8)
	go func() {
		defer close(out)
		for {
			select {
			case <-innerCtx.Done():
				return
			case dev, ok := <-deviceCh:
				if !ok {
					return
				}
				if dev.Action() != action || dev.Devnode() != path {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case <-errCh:
				// Monitor-level errors don't change devnode presence; the
				// poll fallback in the select loop above still covers us.
			}
		}
	}()

	return out, cancel, nil
}
