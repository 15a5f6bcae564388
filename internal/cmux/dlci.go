package cmux

import (
	"sync"

	"github.com/kc9xyz/modemlink/internal/pipe"
	"github.com/kc9xyz/modemlink/internal/ring"
)

// dlciState is the per-channel lifecycle state, driven by SABM/UA/DISC
// exchange on the control channel.
type dlciState int

const (
	dlciClosed dlciState = iota
	dlciOpening
	dlciOpen
	dlciClosing
)

func (s dlciState) String() string {
	switch s {
	case dlciClosed:
		return "CLOSED"
	case dlciOpening:
		return "OPENING"
	case dlciOpen:
		return "OPEN"
	case dlciClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// dlci is one multiplexed channel. It implements pipe.Pipe so callers
// (the chat engine on DLCI1, the PPP framer on DLCI2) see the same
// four-method contract as any other transport.
type dlci struct {
	mu    sync.Mutex
	addr  uint8
	state dlciState
	rx    *ring.Buffer

	cb       pipe.Callback
	userData any

	engine *Engine
}

const dlciRXCapacity = 4096

func newDLCI(addr uint8, e *Engine) *dlci {
	return &dlci{
		addr:   addr,
		state:  dlciClosed,
		rx:     ring.New(dlciRXCapacity),
		engine: e,
	}
}

// Open requests the engine open this channel (SABM) if it hasn't
// already been opened by the engine's own OpenDLCI call, and blocks
// until the channel leaves OPENING. Most callers reach a dlci already
// OPEN via Engine.OpenDLCI and never need to call Open themselves.
func (d *dlci) Open() error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state == dlciOpen {
		return nil
	}
	return d.engine.openDLCI(d)
}

func (d *dlci) Close() error {
	return d.engine.closeDLCI(d)
}

func (d *dlci) Transmit(buf []byte) (int, error) {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state != dlciOpen {
		return 0, ErrClosed
	}
	return d.engine.transmitUIH(d.addr, buf)
}

func (d *dlci) Receive(buf []byte) (int, error) {
	return d.rx.Get(buf), nil
}

func (d *dlci) SetCallback(cb pipe.Callback, userData any) {
	d.mu.Lock()
	d.cb = cb
	d.userData = userData
	d.mu.Unlock()
}

// deliver pushes received UIH payload bytes into the channel's rx ring
// and raises RECEIVE_READY on whatever callback is currently installed.
func (d *dlci) deliver(data []byte) {
	n := d.rx.Put(data)
	d.mu.Lock()
	cb, ud := d.cb, d.userData
	d.mu.Unlock()
	if n > 0 && cb != nil {
		cb(d, pipe.EventReceiveReady, ud)
	}
}

func (d *dlci) setState(s dlciState) {
	d.mu.Lock()
	d.state = s
	cb, ud := d.cb, d.userData
	d.mu.Unlock()

	if cb == nil {
		return
	}
	switch s {
	case dlciOpen:
		cb(d, pipe.EventOpened, ud)
	case dlciClosed:
		cb(d, pipe.EventClosed, ud)
	}
}

func (d *dlci) getState() dlciState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
