// Package cmux implements the 3GPP TS 27.010 basic-option multiplexing
// protocol subset used to split one serial bus into a control channel
// (DLCI 0) plus data channels (DLCI 1..63), each exposed as a
// pipe.Pipe. It is grounded on the original implementation's
// modem_cmux.c: the receive byte-state-machine, the header-only vs
// header+payload FCS rule, and the resync fallthrough all mirror that
// source exactly; the concurrency model is reworked from an
// interrupt/work-queue split into a single serializing goroutine fed by
// a job channel, which is the natural Go analogue of "callbacks only
// ever touch ring buffers, one worker does the rest."
package cmux

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kc9xyz/modemlink/internal/pipe"
	"github.com/kc9xyz/modemlink/internal/ring"
)

// EngineState is the bus-level connection state.
type EngineState int

const (
	StateDisconnected EngineState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s EngineState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// EventKind names a notification raised by the engine to its callback.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDLCIOpened
	EventDLCIClosed
)

// Event is delivered to an EngineCallback. DLCI is only meaningful for
// the DLCI* kinds.
type Event struct {
	Kind EventKind
	DLCI uint8
}

// EngineCallback receives engine-level lifecycle notifications. It is
// invoked from the engine's single worker goroutine and must not block.
type EngineCallback func(e *Engine, ev Event, userData any)

// Options configures a new Engine.
type Options struct {
	// CRCCheck enables FCS validation on received frames. It is false in
	// a zero Options, so a caller that wants validation sets it;
	// supervisor.New does.
	CRCCheck bool
	// TXRingSize sizes the shared transmit ring. Zero selects a default.
	TXRingSize int
	// DisconnectWait is how long Disconnect waits after sending the
	// control-channel CLD command before tearing down the bus pipe.
	// Zero selects the 300ms default from the original implementation.
	DisconnectWait time.Duration
	// Logger receives warnings for recovered framing errors: bad FCS
	// and unknown control commands. Defaults to log.Default() when nil.
	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.TXRingSize <= 0 {
		o.TXRingSize = 4096
	}
	if o.DisconnectWait <= 0 {
		o.DisconnectWait = 300 * time.Millisecond
	}
	return o
}

// Engine drives one CMUX bus: a single underlying pipe.Pipe carrying
// framed traffic for DLCI 0 (control) plus any number of opened data
// DLCIs.
type Engine struct {
	opts Options
	log  *log.Logger

	bus   pipe.Pipe
	state EngineState
	dlcis map[uint8]*dlci
	dec   *decoder

	txRing *ring.Buffer

	callback EngineCallback
	userData any

	jobs chan func()
	quit chan struct{}

	sabmWaiters map[uint8]chan error
	cldSeen     chan struct{}
}

// NewEngine allocates an Engine. Call Connect to attach it to a bus.
func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	e := &Engine{
		opts:        opts,
		log:         logger,
		state:       StateDisconnected,
		dlcis:       make(map[uint8]*dlci),
		txRing:      ring.New(opts.TXRingSize),
		jobs:        make(chan func(), 256),
		sabmWaiters: make(map[uint8]chan error),
	}
	e.dec = newDecoder(opts.CRCCheck, e.onFrame, e.onDecodeError)
	e.dec.onResync = e.sendResyncFlags
	return e
}

// sendResyncFlags is the decoder's onResync hook: on a byte that
// doesn't open a frame, the engine transmits three bare flag bytes so a
// confused peer can realign on the next SOF.
func (e *Engine) sendResyncFlags() {
	e.txRing.Put([]byte{flagByte, flagByte, flagByte})
	e.pumpTransmit()
}

// SetCallback installs the engine-level event handler.
func (e *Engine) SetCallback(cb EngineCallback, userData any) {
	e.call(func() {
		e.callback = cb
		e.userData = userData
	})
}

// State returns the current bus state.
func (e *Engine) State() EngineState {
	var s EngineState
	e.call(func() { s = e.state })
	return s
}

// call enqueues fn on the worker and blocks until it has run. Every
// public method that touches engine state goes through call so all
// mutation happens on the single worker goroutine.
func (e *Engine) call(fn func()) {
	done := make(chan struct{})
	e.jobs <- func() {
		fn()
		close(done)
	}
	<-done
}

func (e *Engine) run() {
	for {
		select {
		case job := <-e.jobs:
			job()
		case <-e.quit:
			return
		}
	}
}

// Connect attaches bus, starts the worker, and performs the SABM/UA
// handshake on DLCI 0.
func (e *Engine) Connect(bus pipe.Pipe) error {
	e.quit = make(chan struct{})
	go e.run()

	e.call(func() {
		e.bus = bus
		e.state = StateConnecting
		bus.SetCallback(e.onBusEvent, nil)
	})

	if err := bus.Open(); err != nil {
		e.shutdownWorker()
		return fmt.Errorf("cmux: open bus: %w", err)
	}

	waiter := make(chan error, 1)
	e.call(func() { e.sabmWaiters[0] = waiter })

	if err := e.sendSABM(0); err != nil {
		e.shutdownWorker()
		return err
	}

	select {
	case err := <-waiter:
		if err != nil {
			e.shutdownWorker()
			return err
		}
	case <-time.After(5 * time.Second):
		e.shutdownWorker()
		return fmt.Errorf("cmux: timed out waiting for control channel UA")
	}

	e.call(func() {
		e.state = StateConnected
		if e.callback != nil {
			e.callback(e, Event{Kind: EventConnected}, e.userData)
		}
	})
	return nil
}

// Disconnect sends the control-channel close-down command, waits the
// configured grace period, and tears the bus pipe down.
func (e *Engine) Disconnect() error {
	if e.State() != StateConnected {
		return ErrNotConnected
	}

	e.call(func() { e.state = StateDisconnecting })

	_, err := e.transmitUIH(0, []byte{byte(CommandCLD)})
	if err != nil {
		return err
	}

	time.Sleep(e.opts.DisconnectWait)

	var bus pipe.Pipe
	e.call(func() {
		bus = e.bus
		for _, d := range e.dlcis {
			d.setState(dlciClosed)
		}
		e.dlcis = make(map[uint8]*dlci)
	})
	if bus != nil {
		_ = bus.Close()
	}

	e.call(func() {
		e.state = StateDisconnected
		if e.callback != nil {
			e.callback(e, Event{Kind: EventDisconnected}, e.userData)
		}
	})

	e.shutdownWorker()
	return nil
}

func (e *Engine) shutdownWorker() {
	if e.quit != nil {
		close(e.quit)
	}
}

// OpenDLCI opens a new data channel and returns its pipe.Pipe view.
func (e *Engine) OpenDLCI(addr uint8) (pipe.Pipe, error) {
	if addr < minDLCI || addr > maxDLCI {
		return nil, ErrInvalidDLCI
	}
	if e.State() != StateConnected {
		return nil, ErrNotConnected
	}

	var d *dlci
	var err error
	e.call(func() {
		if existing, ok := e.dlcis[addr]; ok && existing.getState() != dlciClosed {
			err = ErrDLCIInUse
			return
		}
		d = newDLCI(addr, e)
		e.dlcis[addr] = d
	})
	if err != nil {
		return nil, err
	}

	if err := e.openDLCI(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) openDLCI(d *dlci) error {
	d.setState(dlciOpening)

	waiter := make(chan error, 1)
	e.call(func() { e.sabmWaiters[d.addr] = waiter })

	if err := e.sendSABM(d.addr); err != nil {
		return err
	}

	select {
	case err := <-waiter:
		if err != nil {
			d.setState(dlciClosed)
			return err
		}
	case <-time.After(5 * time.Second):
		d.setState(dlciClosed)
		return fmt.Errorf("cmux: timed out opening dlci %d", d.addr)
	}

	d.setState(dlciOpen)
	e.call(func() {
		if e.callback != nil {
			e.callback(e, Event{Kind: EventDLCIOpened, DLCI: d.addr}, e.userData)
		}
	})
	return nil
}

// CloseDLCI closes a previously opened data channel.
func (e *Engine) CloseDLCI(p pipe.Pipe) error {
	d, ok := p.(*dlci)
	if !ok {
		return fmt.Errorf("cmux: not a cmux dlci pipe")
	}
	return e.closeDLCI(d)
}

func (e *Engine) closeDLCI(d *dlci) error {
	if d.getState() == dlciClosed {
		return nil
	}
	d.setState(dlciClosing)

	frame := &Frame{DLCI: d.addr, CR: true, PF: true, Type: TypeDISC}
	e.enqueueFrame(frame)

	d.setState(dlciClosed)
	e.call(func() {
		delete(e.dlcis, d.addr)
		if e.callback != nil {
			e.callback(e, Event{Kind: EventDLCIClosed, DLCI: d.addr}, e.userData)
		}
	})
	return nil
}

func (e *Engine) sendSABM(addr uint8) error {
	frame := &Frame{DLCI: addr, CR: true, PF: true, Type: TypeSABM}
	return e.enqueueFrame(frame)
}

// transmitUIH frames data as a UIH frame addressed to addr. Unlike
// enqueueFrame, it opts into the spec's partial DLCI data acceptance:
// when the full frame would not fit in the shared transmit ring, the
// maximum prefix of data that does fit is framed instead, and the
// accepted byte count is returned so the caller (a DLCI's Pipe.Transmit)
// can retry the remainder later.
func (e *Engine) transmitUIH(addr uint8, data []byte) (int, error) {
	var n int
	var err error
	e.call(func() {
		n, err = e.enqueueUIHLocked(addr, data)
	})
	return n, err
}

// enqueueFrame encodes frame and pushes it onto the shared transmit
// ring, then pumps the ring out to the bus pipe. A frame that cannot
// fit whole is rejected (ErrOverrun): these are atomic control frames
// (SABM/DISC/UA), never partially sent. The CLD command travels as UIH
// data on DLCI 0 through transmitUIH instead. Callers outside the worker
// goroutine (public API methods) use this; code already running on the
// worker (onFrame, handleControlCommand) must use enqueueFrameLocked
// instead to avoid re-entering the job queue.
func (e *Engine) enqueueFrame(frame *Frame) error {
	var err error
	e.call(func() {
		err = e.enqueueFrameLocked(frame)
	})
	return err
}

// enqueueFrameLocked is the worker-context version of enqueueFrame: it
// assumes the caller is already running on the single worker goroutine
// and mutates txRing/bus directly instead of going through call.
func (e *Engine) enqueueFrameLocked(frame *Frame) error {
	if e.bus == nil {
		return ErrNotConnected
	}
	wire := EncodeFrame(frame)
	if e.txRing.Space() < len(wire) {
		return ErrOverrun
	}
	e.txRing.Put(wire)
	e.pumpTransmit()
	return nil
}

// enqueueUIHLocked frames the largest prefix of data that fits the
// transmit ring as a single UIH frame addressed to addr, shrinking the
// candidate prefix until header+payload+FCS clears the available
// space. It assumes the caller is already on the worker goroutine.
func (e *Engine) enqueueUIHLocked(addr uint8, data []byte) (int, error) {
	if e.bus == nil {
		return 0, ErrNotConnected
	}
	if len(data) == 0 {
		return 0, nil
	}

	space := e.txRing.Space()
	n := len(data)
	for n > 0 {
		wire := EncodeFrame(&Frame{DLCI: addr, CR: true, Type: TypeUIH, Data: data[:n]})
		if len(wire) <= space {
			e.txRing.Put(wire)
			e.pumpTransmit()
			return n, nil
		}
		shrink := len(wire) - space
		if shrink < 1 {
			shrink = 1
		}
		n -= shrink
	}
	return 0, nil
}

func (e *Engine) pumpTransmit() {
	buf := make([]byte, 512)
	for {
		n := e.txRing.Len()
		if n == 0 {
			return
		}
		if n > len(buf) {
			n = len(buf)
		}
		e.txRing.Get(buf[:n])
		sent, err := e.bus.Transmit(buf[:n])
		if err != nil || sent < 0 {
			sent = 0
		}
		if sent < n {
			// Unsent tail goes back to the front of the ring.
			rest := make([]byte, e.txRing.Len())
			e.txRing.Get(rest)
			e.txRing.Put(buf[sent:n])
			e.txRing.Put(rest)
			return
		}
	}
}

// onBusEvent is installed as the bus pipe's callback. It never blocks:
// it only enqueues work for the worker goroutine.
func (e *Engine) onBusEvent(p pipe.Pipe, ev pipe.Event, _ any) {
	switch ev {
	case pipe.EventReceiveReady:
		e.jobs <- e.pumpReceive
	case pipe.EventClosed:
		e.jobs <- func() {
			if e.callback != nil && e.state != StateDisconnected {
				e.state = StateDisconnected
				e.callback(e, Event{Kind: EventDisconnected}, e.userData)
			}
		}
	}
}

func (e *Engine) pumpReceive() {
	buf := make([]byte, 512)
	for {
		n, err := e.bus.Receive(buf)
		if err != nil || n <= 0 {
			return
		}
		e.dec.feed(buf[:n])
	}
}

func (e *Engine) onDecodeError(err error) {
	// Bad-FCS frames are dropped per spec; nothing further to do here
	// beyond what the decoder's validate already decided.
	e.log.Warn("cmux: dropping frame", "err", err)
}

// onFrame is the decoder's completion callback, invoked synchronously
// from pumpReceive (itself always run on the worker goroutine).
func (e *Engine) onFrame(f Frame) {
	switch f.Type {
	case TypeUA:
		if waiter, ok := e.sabmWaiters[f.DLCI]; ok {
			delete(e.sabmWaiters, f.DLCI)
			waiter <- nil
		}
	case TypeDM:
		if waiter, ok := e.sabmWaiters[f.DLCI]; ok {
			delete(e.sabmWaiters, f.DLCI)
			waiter <- fmt.Errorf("cmux: dlci %d rejected (DM)", f.DLCI)
		}
	case TypeDISC:
		if d, ok := e.dlcis[f.DLCI]; ok {
			d.setState(dlciClosed)
		}
		e.enqueueFrameLocked(&Frame{DLCI: f.DLCI, CR: false, PF: f.PF, Type: TypeUA})
	case TypeSABM:
		if f.DLCI == 0 {
			e.enqueueFrameLocked(&Frame{DLCI: 0, CR: false, PF: f.PF, Type: TypeUA})
			return
		}
		d, ok := e.dlcis[f.DLCI]
		if !ok {
			d = newDLCI(f.DLCI, e)
			e.dlcis[f.DLCI] = d
		}
		e.enqueueFrameLocked(&Frame{DLCI: f.DLCI, CR: false, PF: f.PF, Type: TypeUA})
		d.setState(dlciOpen)
	case TypeUIH:
		if f.DLCI == 0 {
			e.handleControlCommand(f.Data)
			return
		}
		if d, ok := e.dlcis[f.DLCI]; ok {
			d.deliver(f.Data)
		}
	}
}

func (e *Engine) handleControlCommand(data []byte) {
	if len(data) == 0 {
		return
	}
	switch CommandType(data[0] &^ 0x02) {
	case CommandCLD:
		if e.state == StateConnected {
			e.state = StateDisconnecting
		}
	case CommandMSC:
		// Modem status command: echo it straight back with the C/R bit
		// cleared, the response half of the same command/response pair.
		reply := append([]byte(nil), data...)
		reply[0] &^= crBit
		e.enqueueUIHLocked(0, reply)
	default:
		e.log.Warn("cmux: unknown control command", "command", data[0]&^0x02)
	}
}
