// Package diag exposes a loopback-only plaintext AT pass-through for
// field debugging a gateway with no local console access, advertised
// over mDNS/DNS-SD the same way the teacher's dns_sd.go announces its
// KISS-over-TCP service with github.com/brutella/dnssd.
package diag

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/brutella/dnssd"

	"github.com/kc9xyz/modemlink/internal/pipe"
)

const serviceType = "_modemlink-at._tcp"

// Config configures the diagnostics listener.
type Config struct {
	Listen        string
	Name          string
	AdvertiseMDNS bool
}

// Serve starts a loopback listener at cfg.Listen, wiring each accepted
// connection's bytes bidirectionally to bus (typically DLCI 1's pipe),
// one connection at a time, and optionally advertises the service via
// DNS-SD for the lifetime of ctx.
func Serve(ctx context.Context, cfg Config, bus pipe.Pipe) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("diag: listen %s: %w", cfg.Listen, err)
	}
	defer ln.Close()

	if cfg.AdvertiseMDNS {
		stop, err := advertise(cfg, ln)
		if err != nil {
			return fmt.Errorf("diag: advertise: %w", err)
		}
		defer stop()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var mu sync.Mutex
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		if !mu.TryLock() {
			_ = conn.Close()
			continue
		}
		go func() {
			defer mu.Unlock()
			serveConn(ctx, conn, bus)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, bus pipe.Pipe) {
	defer conn.Close()

	done := make(chan struct{})
	bus.SetCallback(func(p pipe.Pipe, ev pipe.Event, _ any) {
		if ev != pipe.EventReceiveReady {
			return
		}
		buf := make([]byte, 256)
		for {
			n, err := p.Receive(buf)
			if err != nil || n <= 0 {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				close(done)
				return
			}
		}
	}, nil)
	defer bus.SetCallback(nil, nil)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if err != io.EOF {
					_ = err
				}
				close(done)
				return
			}
			pos := 0
			for pos < n {
				written, err := bus.Transmit(buf[pos:n])
				if err != nil {
					close(done)
					return
				}
				if written <= 0 {
					time.Sleep(10 * time.Millisecond)
					continue
				}
				pos += written
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func advertise(cfg Config, ln net.Listener) (func(), error) {
	name := cfg.Name
	if name == "" {
		name = "modemlink-diag"
	}

	port := ln.Addr().(*net.TCPAddr).Port
	sv, err := dnssd.NewService(dnssd.Config{
		Name: name,
		Type: serviceType,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("create responder: %w", err)
	}
	if _, err := rp.Add(sv); err != nil {
		return nil, fmt.Errorf("add service: %w", err)
	}

	respondCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = rp.Respond(respondCtx) }()

	return cancel, nil
}
