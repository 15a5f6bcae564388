// Package supervisor composes the chat engine, CMUX engine, and PPP
// framer into the connection state machine described by the
// original implementation's drivers/modem/modem_cellular.c: cold idle
// through AT init, CMUX connect, DLCI opening, dial, registration
// polling, and steady-state roaming, and back down again on suspend.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kc9xyz/modemlink/internal/chat"
	"github.com/kc9xyz/modemlink/internal/cmux"
	"github.com/kc9xyz/modemlink/internal/pipe"
	"github.com/kc9xyz/modemlink/internal/powerctl"
	"github.com/kc9xyz/modemlink/internal/ppp"
)

// initRetryDelay governs how long the supervisor waits after a pulsed
// power-control retry before re-running the init script.
const initRetryDelay = 2 * time.Second

// State names a supervisor substate.
type State int

const (
	StateIdle State = iota
	StateRunInitScript
	StateConnectCMUX
	StateOpenDLCI1
	StateOpenDLCI2
	StateRunDialScript
	StateRegister
	StateRoaming
	StateCloseDLCI2
	StateCloseDLCI1
	StateDisconnectCMUX
)

func (s State) String() string {
	names := [...]string{
		"IDLE", "RUN_INIT_SCRIPT", "CONNECT_CMUX", "OPEN_DLCI1", "OPEN_DLCI2",
		"RUN_DIAL_SCRIPT", "REGISTER", "ROAMING", "CLOSE_DLCI2", "CLOSE_DLCI1",
		"DISCONNECT_CMUX",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// EventKind names a supervisor input event.
type EventKind int

const (
	EventResume EventKind = iota
	EventSuspend
	EventScriptSuccess
	EventScriptFailed
	EventCMUXConnected
	EventDLCI1Opened
	EventDLCI1Closed
	EventDLCI2Opened
	EventDLCI2Closed
	EventCMUXDisconnected
	EventTimeout
)

// Event is one supervisor input, posted from chat/CMUX callbacks or the
// registration poll timer and dispatched on the single worker.
type Event struct {
	Kind       EventKind
	Registered bool
}

// Config holds the dial parameters and polling cadence the spec assigns
// to the supervisor.
type Config struct {
	APN                  string
	Username, Password   string
	PollIntervalRegister time.Duration
	PollIntervalRoaming  time.Duration

	// Unsolicited lists extra chat matches checked against any line
	// that isn't part of an in-progress script step, such as a GNSS
	// fix parser's report prefix.
	Unsolicited []chat.Match
}

func (c Config) withDefaults() Config {
	if c.PollIntervalRegister <= 0 {
		c.PollIntervalRegister = 2 * time.Second
	}
	if c.PollIntervalRoaming <= 0 {
		c.PollIntervalRoaming = 4 * time.Second
	}
	return c
}

// Carrier is the network-bring-up collaborator the supervisor notifies
// once registration succeeds and PPP traffic can flow; it is the
// "bring network carrier up" on-enter action for ROAMING.
type Carrier interface {
	Up(iface ppp.Iface, framer *ppp.Framer)
	Down()
}

// Supervisor drives the full modem connection lifecycle.
type Supervisor struct {
	mu    sync.Mutex
	state State
	cfg   Config
	log   *log.Logger

	bus     pipe.Pipe
	cmuxEng *cmux.Engine
	chatEng *chat.Engine
	pppFr   *ppp.Framer
	carrier Carrier
	power   powerctl.Controller

	initFailures int

	dlci1, dlci2 pipe.Pipe
	pollTimer    *time.Timer

	events chan Event
	quit   chan struct{}
}

// New constructs a Supervisor. bus is the raw transport (typically a
// uart.Backend) used before CMUX takes over; iface receives unwrapped
// PPP packets once the dial script has succeeded and REGISTER begins.
// power is the optional PWRKEY/RESET
// hook pulsed ahead of an init-script retry; pass powerctl.NoopController{}
// (or nil) for boards with no GPIO wiring.
func New(bus pipe.Pipe, iface ppp.Iface, carrier Carrier, power powerctl.Controller, cfg Config, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	if power == nil {
		power = powerctl.NoopController{}
	}
	s := &Supervisor{
		state:   StateIdle,
		cfg:     cfg.withDefaults(),
		log:     logger,
		bus:     bus,
		cmuxEng: cmux.NewEngine(cmux.Options{CRCCheck: true, Logger: logger}),
		chatEng: chat.Init(chat.Config{Unsolicited: cfg.Unsolicited}),
		pppFr:   ppp.NewFramer(iface),
		carrier: carrier,
		power:   power,
		events:  make(chan Event, 32),
		quit:    make(chan struct{}),
	}
	go s.run()
	return s
}

// State returns the current substate.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Resume posts RESUME, starting the connection sequence from IDLE.
func (s *Supervisor) Resume() { s.post(Event{Kind: EventResume}) }

// Suspend posts SUSPEND, starting the teardown sequence from ROAMING.
func (s *Supervisor) Suspend() { s.post(Event{Kind: EventSuspend}) }

// Close stops the supervisor's worker goroutine.
func (s *Supervisor) Close() {
	close(s.quit)
}

func (s *Supervisor) post(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("supervisor event ring full, dropping event", "kind", ev.Kind)
	}
}

func (s *Supervisor) run() {
	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.log.Info("supervisor transition", "from", prev, "to", next)
}

func (s *Supervisor) dispatch(ev Event) {
	state := s.State()

	switch {
	case state == StateIdle && ev.Kind == EventResume:
		s.setState(StateRunInitScript)
		s.enterRunInitScript()

	case state == StateRunInitScript && ev.Kind == EventScriptSuccess:
		s.initFailures = 0
		s.setState(StateConnectCMUX)
		s.enterConnectCMUX()

	case state == StateRunInitScript && ev.Kind == EventScriptFailed:
		s.initFailures++
		s.retryInitScript()

	case state == StateConnectCMUX && ev.Kind == EventCMUXConnected:
		s.setState(StateOpenDLCI1)
		s.enterOpenDLCI1()

	case state == StateOpenDLCI1 && ev.Kind == EventDLCI1Opened:
		s.setState(StateOpenDLCI2)
		s.enterOpenDLCI2()

	case state == StateOpenDLCI2 && ev.Kind == EventDLCI2Opened:
		s.setState(StateRunDialScript)
		s.enterRunDialScript()

	case state == StateRunDialScript && ev.Kind == EventScriptSuccess:
		s.setState(StateRegister)
		s.enterRegister()

	case state == StateRegister && ev.Kind == EventScriptSuccess && ev.Registered:
		s.setState(StateRoaming)
		s.enterRoaming()

	case state == StateRegister && ev.Kind == EventScriptSuccess && !ev.Registered:
		s.schedulePoll(s.cfg.PollIntervalRegister)

	case state == StateRegister && ev.Kind == EventTimeout:
		s.pollStatus()

	case state == StateRoaming && ev.Kind == EventSuspend:
		s.setState(StateCloseDLCI2)
		s.enterCloseDLCI2()

	case state == StateRoaming && ev.Kind == EventScriptSuccess && !ev.Registered:
		s.setState(StateRunDialScript)
		s.enterRunDialScript()

	case state == StateRoaming && ev.Kind == EventScriptSuccess && ev.Registered:
		s.schedulePoll(s.cfg.PollIntervalRoaming)

	case state == StateRoaming && ev.Kind == EventTimeout:
		s.pollStatus()

	case state == StateCloseDLCI2 && ev.Kind == EventDLCI2Closed:
		s.setState(StateCloseDLCI1)
		s.enterCloseDLCI1()

	case state == StateCloseDLCI1 && ev.Kind == EventDLCI1Closed:
		s.setState(StateDisconnectCMUX)
		s.enterDisconnectCMUX()

	case state == StateDisconnectCMUX && ev.Kind == EventCMUXDisconnected:
		s.setState(StateIdle)

	default:
		s.log.Debug("supervisor: ignoring event in state", "state", state, "event", ev.Kind)
	}
}

func (s *Supervisor) enterRunInitScript() {
	if err := s.bus.Open(); err != nil {
		s.log.Error("open bus failed", "err", err)
		return
	}
	s.chatEng.Attach(s.bus)
	if err := s.chatEng.Run(s.buildInitScript()); err != nil {
		s.log.Error("run init script failed", "err", err)
	}
}

// retryInitScript pulses the power-control line (a no-op unless one was
// wired up) and re-runs the init script after a short delay. This is
// the supervisor's one self-driven retry; every other SCRIPT_FAILED
// leaves the state machine parked awaiting operator-driven events.
func (s *Supervisor) retryInitScript() {
	s.log.Warn("init script failed, pulsing power line and retrying", "attempt", s.initFailures)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.power.Pulse(ctx); err != nil {
			s.log.Warn("power pulse failed", "err", err)
		}
		time.Sleep(initRetryDelay)
		s.enterRunInitScript()
	}()
}

func (s *Supervisor) onInitScriptDone(r chat.Result) {
	s.chatEng.Release()
	if r != chat.ResultSuccess {
		s.post(Event{Kind: EventScriptFailed})
		return
	}
	s.post(Event{Kind: EventScriptSuccess})
}

func (s *Supervisor) enterConnectCMUX() {
	go func() {
		if err := s.cmuxEng.Connect(s.bus); err != nil {
			s.log.Error("cmux connect failed", "err", err)
			return
		}
		s.post(Event{Kind: EventCMUXConnected})
	}()
}

func (s *Supervisor) enterOpenDLCI1() {
	go func() {
		d, err := s.cmuxEng.OpenDLCI(1)
		if err != nil {
			s.log.Error("open dlci1 failed", "err", err)
			return
		}
		s.dlci1 = d
		s.post(Event{Kind: EventDLCI1Opened})
	}()
}

func (s *Supervisor) enterOpenDLCI2() {
	go func() {
		d, err := s.cmuxEng.OpenDLCI(2)
		if err != nil {
			s.log.Error("open dlci2 failed", "err", err)
			return
		}
		s.dlci2 = d
		s.post(Event{Kind: EventDLCI2Opened})
	}()
}

func (s *Supervisor) enterRunDialScript() {
	s.chatEng.Attach(s.dlci2)
	if err := s.chatEng.Run(s.buildDialScript()); err != nil {
		s.log.Error("run dial script failed", "err", err)
	}
}

func (s *Supervisor) onDialScriptDone(r chat.Result) {
	s.chatEng.Release()
	if r != chat.ResultSuccess {
		s.post(Event{Kind: EventScriptFailed})
		return
	}
	s.post(Event{Kind: EventScriptSuccess})
}

func (s *Supervisor) enterRegister() {
	s.pppFr.Attach(s.dlci2)
	s.chatEng.Attach(s.dlci1)
	s.pollStatus()
}

func (s *Supervisor) pollStatus() {
	if err := s.chatEng.Run(s.buildStatusScript()); err != nil {
		s.log.Warn("status poll busy", "err", err)
		s.schedulePoll(s.cfg.PollIntervalRegister)
	}
}

func (s *Supervisor) onStatusScriptDone(r chat.Result, registered bool) {
	if r != chat.ResultSuccess {
		s.post(Event{Kind: EventTimeout})
		return
	}
	s.post(Event{Kind: EventScriptSuccess, Registered: registered})
}

func (s *Supervisor) schedulePoll(d time.Duration) {
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
	s.pollTimer = time.AfterFunc(d, func() { s.post(Event{Kind: EventTimeout}) })
}

func (s *Supervisor) enterRoaming() {
	if s.carrier != nil {
		s.carrier.Up(nil, s.pppFr)
	}
	s.schedulePoll(s.cfg.PollIntervalRoaming)
}

func (s *Supervisor) enterCloseDLCI2() {
	if s.carrier != nil {
		s.carrier.Down()
	}
	if s.pollTimer != nil {
		s.pollTimer.Stop()
	}
	go func() {
		if err := s.cmuxEng.CloseDLCI(s.dlci2); err != nil {
			s.log.Error("close dlci2 failed", "err", err)
			return
		}
		s.post(Event{Kind: EventDLCI2Closed})
	}()
}

func (s *Supervisor) enterCloseDLCI1() {
	go func() {
		if err := s.cmuxEng.CloseDLCI(s.dlci1); err != nil {
			s.log.Error("close dlci1 failed", "err", err)
			return
		}
		s.post(Event{Kind: EventDLCI1Closed})
	}()
}

// dtrSetter is satisfied by *uart.Backend; kept as a narrow local
// interface so supervisor doesn't have to import internal/uart just to
// drop DTR on teardown, matching how the original only drops DTR when
// the backend underneath genuinely supports it (the pipe.Loopback used
// in tests does not).
type dtrSetter interface {
	SetDTR(on bool) error
}

func (s *Supervisor) enterDisconnectCMUX() {
	go func() {
		if err := s.cmuxEng.Disconnect(); err != nil {
			s.log.Error("cmux disconnect failed", "err", err)
			return
		}
		if d, ok := s.bus.(dtrSetter); ok {
			if err := d.SetDTR(false); err != nil {
				s.log.Warn("drop DTR on disconnect failed", "err", err)
			}
		}
		s.post(Event{Kind: EventCMUXDisconnected})
	}()
}
