package supervisor

import (
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/kc9xyz/modemlink/internal/cmux"
	"github.com/kc9xyz/modemlink/internal/pipe"
	"github.com/kc9xyz/modemlink/internal/ppp"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func TestStateStringNames(t *testing.T) {
	require.Equal(t, "IDLE", StateIdle.String())
	require.Equal(t, "RUN_INIT_SCRIPT", StateRunInitScript.String())
	require.Equal(t, "DISCONNECT_CMUX", StateDisconnectCMUX.String())
	require.Equal(t, "UNKNOWN", State(99).String())
}

type fakeCarrier struct {
	up, down bool
}

func (c *fakeCarrier) Up(iface ppp.Iface, framer *ppp.Framer) { c.up = true }
func (c *fakeCarrier) Down()                                  { c.down = true }

// waitForBytes accumulates bytes drained from lb until they equal want,
// failing the test if that doesn't happen before the timeout. The
// protocol under test never has more than one outstanding request, so
// accumulation across polls never races with a later, unrelated frame.
func waitForBytes(t *testing.T, lb *pipe.Loopback, want []byte) {
	t.Helper()
	var got []byte
	require.Eventually(t, func() bool {
		got = append(got, lb.Drain()...)
		return len(got) >= len(want)
	}, 2*time.Second, 5*time.Millisecond, "timed out waiting for %q", want)
	require.Equal(t, want, got)
}

func sabmWire(dlci uint8) []byte {
	return cmux.EncodeFrame(&cmux.Frame{DLCI: dlci, CR: true, PF: true, Type: cmux.TypeSABM})
}

func uaWire(dlci uint8) []byte {
	return cmux.EncodeFrame(&cmux.Frame{DLCI: dlci, CR: true, PF: true, Type: cmux.TypeUA})
}

func uihWire(dlci uint8, data string) []byte {
	return cmux.EncodeFrame(&cmux.Frame{DLCI: dlci, CR: true, Type: cmux.TypeUIH, Data: []byte(data)})
}

// TestSupervisorFullConnectionAndTeardown drives the supervisor through
// every substate in the transition table: init script, CMUX connect,
// both DLCIs opening, the dial script, a registered status poll, and
// then a full suspend teardown back to IDLE. The modem side of the
// conversation is played by this test directly against the shared
// Loopback bus, crafting the exact CMUX/AT bytes a real module would
// send back.
func TestSupervisorFullConnectionAndTeardown(t *testing.T) {
	lb := pipe.NewLoopback(8192, 8192)

	carrier := &fakeCarrier{}
	sup := New(lb, nil, carrier, nil, Config{APN: "test"}, testLogger())
	defer sup.Close()

	sup.Resume()

	waitForBytes(t, lb, []byte("ATE0\r"))
	lb.Put([]byte("OK\r\n"))

	waitForBytes(t, lb, []byte("AT+CMUX=0,0,5,127,10,3,30,10,2\r"))
	lb.Put([]byte("OK\r\n"))

	waitForBytes(t, lb, sabmWire(0))
	lb.Put(uaWire(0))

	waitForBytes(t, lb, sabmWire(1))
	lb.Put(uaWire(1))

	waitForBytes(t, lb, sabmWire(2))
	lb.Put(uaWire(2))

	require.Eventually(t, func() bool { return sup.State() == StateRunDialScript }, 2*time.Second, 5*time.Millisecond)

	waitForBytes(t, lb, uihWire(2, `AT+CGDCONT=1,"IP","test"`+"\r"))
	lb.Put(uihWire(2, "OK\r\n"))

	waitForBytes(t, lb, uihWire(2, "ATD*99#\r"))
	lb.Put(uihWire(2, "CONNECT\r\n"))

	require.Eventually(t, func() bool { return sup.State() == StateRegister }, 2*time.Second, 5*time.Millisecond)

	waitForBytes(t, lb, uihWire(1, "AT+CREG?\r"))
	lb.Put(uihWire(1, "+CREG: 0,5\r\n"))
	lb.Put(uihWire(1, "OK\r\n"))

	waitForBytes(t, lb, uihWire(1, "AT+CGATT?\r"))
	lb.Put(uihWire(1, "+CGATT: 1\r\n"))
	lb.Put(uihWire(1, "OK\r\n"))

	require.Eventually(t, func() bool { return sup.State() == StateRoaming }, 2*time.Second, 5*time.Millisecond)
	require.True(t, carrier.up)

	sup.Suspend()
	require.Eventually(t, func() bool { return sup.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	require.True(t, carrier.down)
}

// TestSupervisorRoamingRepolls drives past the first ROAMING status
// poll to confirm the still-registered outcome reschedules another
// poll instead of leaving the loop to fire exactly once.
func TestSupervisorRoamingRepolls(t *testing.T) {
	lb := pipe.NewLoopback(8192, 8192)

	cfg := Config{APN: "test", PollIntervalRoaming: 50 * time.Millisecond}
	sup := New(lb, nil, &fakeCarrier{}, nil, cfg, testLogger())
	defer sup.Close()

	sup.Resume()

	waitForBytes(t, lb, []byte("ATE0\r"))
	lb.Put([]byte("OK\r\n"))
	waitForBytes(t, lb, []byte("AT+CMUX=0,0,5,127,10,3,30,10,2\r"))
	lb.Put([]byte("OK\r\n"))

	waitForBytes(t, lb, sabmWire(0))
	lb.Put(uaWire(0))
	waitForBytes(t, lb, sabmWire(1))
	lb.Put(uaWire(1))
	waitForBytes(t, lb, sabmWire(2))
	lb.Put(uaWire(2))

	waitForBytes(t, lb, uihWire(2, `AT+CGDCONT=1,"IP","test"`+"\r"))
	lb.Put(uihWire(2, "OK\r\n"))
	waitForBytes(t, lb, uihWire(2, "ATD*99#\r"))
	lb.Put(uihWire(2, "CONNECT\r\n"))

	// First status poll, registered: enters ROAMING.
	waitForBytes(t, lb, uihWire(1, "AT+CREG?\r"))
	lb.Put(uihWire(1, "+CREG: 0,5\r\n"))
	lb.Put(uihWire(1, "OK\r\n"))
	waitForBytes(t, lb, uihWire(1, "AT+CGATT?\r"))
	lb.Put(uihWire(1, "+CGATT: 1\r\n"))
	lb.Put(uihWire(1, "OK\r\n"))

	require.Eventually(t, func() bool { return sup.State() == StateRoaming }, 2*time.Second, 5*time.Millisecond)

	// The roaming poll timer fires after PollIntervalRoaming and re-runs
	// the status script; a still-registered result must reschedule
	// another poll rather than stopping after this one cycle.
	waitForBytes(t, lb, uihWire(1, "AT+CREG?\r"))
	lb.Put(uihWire(1, "+CREG: 0,5\r\n"))
	lb.Put(uihWire(1, "OK\r\n"))
	waitForBytes(t, lb, uihWire(1, "AT+CGATT?\r"))
	lb.Put(uihWire(1, "+CGATT: 1\r\n"))
	lb.Put(uihWire(1, "OK\r\n"))

	require.Equal(t, StateRoaming, sup.State())
	waitForBytes(t, lb, uihWire(1, "AT+CREG?\r"))
}

// TestSupervisorRegisterUnregisteredRepolls exercises the REGISTER
// polling loop: an unregistered status result schedules another poll,
// and the poll timer firing re-runs the status script rather than
// getting stuck waiting forever.
func TestSupervisorRegisterUnregisteredRepolls(t *testing.T) {
	lb := pipe.NewLoopback(8192, 8192)

	cfg := Config{APN: "test", PollIntervalRegister: 100 * time.Millisecond}
	sup := New(lb, nil, &fakeCarrier{}, nil, cfg, testLogger())
	defer sup.Close()

	sup.Resume()

	waitForBytes(t, lb, []byte("ATE0\r"))
	lb.Put([]byte("OK\r\n"))
	waitForBytes(t, lb, []byte("AT+CMUX=0,0,5,127,10,3,30,10,2\r"))
	lb.Put([]byte("OK\r\n"))

	waitForBytes(t, lb, sabmWire(0))
	lb.Put(uaWire(0))
	waitForBytes(t, lb, sabmWire(1))
	lb.Put(uaWire(1))
	waitForBytes(t, lb, sabmWire(2))
	lb.Put(uaWire(2))

	waitForBytes(t, lb, uihWire(2, `AT+CGDCONT=1,"IP","test"`+"\r"))
	lb.Put(uihWire(2, "OK\r\n"))
	waitForBytes(t, lb, uihWire(2, "ATD*99#\r"))
	lb.Put(uihWire(2, "CONNECT\r\n"))

	// First status poll: not yet registered (CGATT state 0).
	waitForBytes(t, lb, uihWire(1, "AT+CREG?\r"))
	lb.Put(uihWire(1, "+CREG: 0,5\r\n"))
	lb.Put(uihWire(1, "OK\r\n"))
	waitForBytes(t, lb, uihWire(1, "AT+CGATT?\r"))
	lb.Put(uihWire(1, "+CGATT: 0\r\n"))
	lb.Put(uihWire(1, "OK\r\n"))

	require.Eventually(t, func() bool { return sup.State() == StateRegister }, 2*time.Second, 5*time.Millisecond)

	// Registration poll timer fires after PollIntervalRegister and
	// re-runs the status script; since it's still unregistered the
	// supervisor schedules another poll and stays in REGISTER.
	waitForBytes(t, lb, uihWire(1, "AT+CREG?\r"))
}
