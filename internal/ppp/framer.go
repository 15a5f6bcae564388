// Package ppp implements the HDLC-like byte-stuffed PPP framing used
// over the CMUX network DLCI: wrap/unwrap, FCS-16, and protocol-field
// tagging, bridging a pipe.Pipe to a network-stack consumer. It is
// grounded on the original implementation's modem_ppp.c — the receive
// automaton (HDR_SOF/HDR_FF/HDR_7D/HDR_23/WRITING/UNESCAPING), the
// per-byte transmit generator, and the FCS accumulation order (address
// and control bytes folded in before the protocol field) all mirror
// that source. PPP negotiation (LCP/IPCP) is out of scope; this layer
// only frames and unframes, handing complete protocol+payload blobs to
// an Iface.
package ppp

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/kc9xyz/modemlink/internal/pipe"
	"github.com/kc9xyz/modemlink/internal/ring"
)

// Family is a PPP protocol-field value.
type Family uint16

const (
	FamilyIPv4 Family = 0x0021
	FamilyIPv6 Family = 0x0057
)

const (
	frameTailSize  = 2 // trailing FCS-16
	maxPacketBytes = 2048
)

// Iface receives fully unwrapped inbound frames: a 2-byte big-endian
// protocol field followed by the payload, FCS already stripped. A
// frame tagged as raw PPP (SendRaw) is delivered the same way.
type Iface interface {
	Recv(frame []byte)
}

// Framer wraps outbound packets for transmission on a pipe and unwraps
// inbound bytes into complete frames delivered to an Iface.
type Framer struct {
	mu    sync.Mutex
	log   *log.Logger
	bus   pipe.Pipe
	iface Iface

	rxState receiveState
	rxBuf   []byte

	txRing *ring.Buffer
	tx     txEncoder
}

func needsEscape(b byte) bool {
	return b == 0x7E || b == 0x7D || b < 0x20
}

// NewFramer allocates a Framer delivering inbound frames to iface.
func NewFramer(iface Iface) *Framer {
	return &Framer{
		iface:  iface,
		log:    log.Default(),
		txRing: ring.New(4096),
	}
}

// Attach installs the framer as bus's event handler. bus is expected to
// already be open (typically DLCI 2's pipe, opened by the CMUX engine).
func (f *Framer) Attach(bus pipe.Pipe) {
	f.mu.Lock()
	f.bus = bus
	f.mu.Unlock()
	bus.SetCallback(f.onBusEvent, nil)
}

func (f *Framer) onBusEvent(p pipe.Pipe, ev pipe.Event, _ any) {
	if ev != pipe.EventReceiveReady {
		return
	}
	buf := make([]byte, 512)
	for {
		n, err := p.Receive(buf)
		if err != nil || n <= 0 {
			return
		}
		for _, b := range buf[:n] {
			f.processReceivedByte(b)
		}
	}
}

// Send wraps payload with family's protocol field and queues it.
func (f *Framer) Send(family Family, payload []byte) (int, error) {
	switch family {
	case FamilyIPv4, FamilyIPv6:
	default:
		return 0, fmt.Errorf("ppp: unsupported protocol family %#04x", uint16(family))
	}
	return f.send(family, payload)
}

// SendRaw queues a packet already PPP-tagged (protocol field is the
// first two bytes of frame) as-is.
func (f *Framer) SendRaw(frame []byte) (int, error) {
	if len(frame) < 2 {
		return 0, fmt.Errorf("ppp: raw frame too short")
	}
	family := Family(uint16(frame[0])<<8 | uint16(frame[1]))
	return f.send(family, frame[2:])
}

func (f *Framer) send(family Family, payload []byte) (int, error) {
	f.mu.Lock()
	f.tx.start(family, payload)
	buf := make([]byte, 0, len(payload)+8)
	for {
		b, ok := f.tx.next()
		if !ok {
			break
		}
		buf = append(buf, b)
	}
	f.txRing.Put(buf)
	bus := f.bus
	f.mu.Unlock()

	f.pumpTransmit(bus)
	return len(payload), nil
}

func (f *Framer) pumpTransmit(bus pipe.Pipe) {
	if bus == nil {
		return
	}
	out := make([]byte, 512)
	for {
		f.mu.Lock()
		n := f.txRing.Len()
		if n == 0 {
			f.mu.Unlock()
			return
		}
		if n > len(out) {
			n = len(out)
		}
		f.txRing.Get(out[:n])
		f.mu.Unlock()

		sent, err := bus.Transmit(out[:n])
		if err != nil || sent <= 0 {
			return
		}
		if sent < n {
			f.mu.Lock()
			f.txRing.Put(out[sent:n])
			f.mu.Unlock()
			return
		}
	}
}

// receiveState names the inbound byte-unwrapping automaton's states.
type receiveState int

const (
	rxHdrSOF receiveState = iota
	rxHdrFF
	rxHdr7D
	rxHdr23
	rxWriting
	rxUnescaping
)

func (f *Framer) processReceivedByte(b byte) {
	switch f.rxState {
	case rxHdrSOF:
		if b == 0x7E {
			f.rxState = rxHdrFF
		}

	case rxHdrFF:
		if b == 0x7E {
			return
		}
		if b == 0xFF {
			f.rxState = rxHdr7D
		} else {
			f.rxState = rxHdrSOF
		}

	case rxHdr7D:
		if b == 0x7D {
			f.rxState = rxHdr23
		} else {
			f.rxState = rxHdrSOF
		}

	case rxHdr23:
		if b == 0x23 {
			f.rxBuf = f.rxBuf[:0]
			f.rxState = rxWriting
		} else {
			f.rxState = rxHdrSOF
		}

	case rxWriting:
		if b == 0x7E {
			f.completeFrame()
			return
		}
		if b == 0x7D {
			f.rxState = rxUnescaping
			return
		}
		f.appendRX(b)

	case rxUnescaping:
		f.appendRX(b ^ 0x20)
		f.rxState = rxWriting
	}
}

func (f *Framer) appendRX(b byte) {
	if len(f.rxBuf) >= maxPacketBytes {
		// Buffer overrun: drop the frame and wait for the next one.
		f.log.Warn("ppp: RX frame exceeds max packet size, dropping", "limit", maxPacketBytes)
		f.rxState = rxHdrSOF
		return
	}
	f.rxBuf = append(f.rxBuf, b)
}

func (f *Framer) completeFrame() {
	defer func() { f.rxState = rxHdrSOF }()

	if len(f.rxBuf) < frameTailSize {
		return
	}
	frame := f.rxBuf[:len(f.rxBuf)-frameTailSize]
	if len(frame) < 2 {
		return
	}
	if f.iface != nil {
		f.iface.Recv(append([]byte(nil), frame...))
	}
}
