package pipe

import (
	"sync"

	"github.com/kc9xyz/modemlink/internal/ring"
)

// Loopback is an in-memory Pipe pair for tests: bytes written with Put
// become available to Receive, and bytes handed to Transmit accumulate
// in an internal buffer retrievable with Drain. It is grounded on the
// mock pipe the original implementation uses in its own test suite —
// a pair of ring buffers with no real transport underneath.
type Loopback struct {
	mu       sync.Mutex
	rx       *ring.Buffer
	tx       *ring.Buffer
	cb       Callback
	userData any
	open     bool
}

// NewLoopback allocates a Loopback with the given ring capacities.
func NewLoopback(rxCap, txCap int) *Loopback {
	return &Loopback{
		rx: ring.New(rxCap),
		tx: ring.New(txCap),
	}
}

func (l *Loopback) Open() error {
	l.mu.Lock()
	l.open = true
	cb, ud := l.cb, l.userData
	l.mu.Unlock()
	if cb != nil {
		cb(l, EventOpened, ud)
	}
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return nil
	}
	l.open = false
	cb, ud := l.cb, l.userData
	l.mu.Unlock()
	if cb != nil {
		cb(l, EventClosed, ud)
	}
	return nil
}

func (l *Loopback) Transmit(buf []byte) (int, error) {
	return l.tx.Put(buf), nil
}

func (l *Loopback) Receive(buf []byte) (int, error) {
	return l.rx.Get(buf), nil
}

func (l *Loopback) SetCallback(cb Callback, userData any) {
	l.mu.Lock()
	l.cb = cb
	l.userData = userData
	l.mu.Unlock()
}

// Put injects bytes as if received from the far end, raising
// RECEIVE_READY on the installed callback.
func (l *Loopback) Put(buf []byte) int {
	n := l.rx.Put(buf)
	l.mu.Lock()
	cb, ud := l.cb, l.userData
	l.mu.Unlock()
	if n > 0 && cb != nil {
		cb(l, EventReceiveReady, ud)
	}
	return n
}

// Drain removes and returns everything written via Transmit so far.
func (l *Loopback) Drain() []byte {
	out := make([]byte, l.tx.Len())
	n := l.tx.Get(out)
	return out[:n]
}
