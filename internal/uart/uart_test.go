package uart

import (
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"

	"github.com/kc9xyz/modemlink/internal/pipe"
)

// newPTYPair opens a pseudo-terminal pair for exercising Backend
// without real hardware, the same approach the teacher's virtual TNC
// uses for its loopback tests.
func newPTYPair(t *testing.T) (masterWrite func([]byte), slaveName string) {
	t.Helper()
	ptmx, pts, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ptmx.Close()
		_ = pts.Close()
	})
	return func(b []byte) { _, _ = ptmx.Write(b) }, pts.Name()
}

func TestBackendReceivesFromPTY(t *testing.T) {
	write, devName := newPTYPair(t)

	b := New(Config{Device: devName})

	ready := make(chan struct{}, 1)
	b.SetCallback(func(p pipe.Pipe, ev pipe.Event, _ any) {
		if ev == pipe.EventReceiveReady {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	}, nil)

	require.NoError(t, b.Open())
	defer b.Close()

	write([]byte("hello"))

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RECEIVE_READY")
	}

	buf := make([]byte, 32)
	n, err := b.Receive(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestBackendTransmitsToPTY(t *testing.T) {
	ptmx, pts, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()
	defer pts.Close()

	b := New(Config{Device: pts.Name()})
	require.NoError(t, b.Open())
	defer b.Close()

	n, err := b.Transmit([]byte("AT\r"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	buf := make([]byte, 32)
	readN, err := ptmx.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "AT\r", string(buf[:readN]))
}
