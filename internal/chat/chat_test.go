package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kc9xyz/modemlink/internal/pipe"
)

func TestIMEIScript(t *testing.T) {
	lb := pipe.NewLoopback(4096, 4096)
	require.NoError(t, lb.Open())

	e := Init(Config{})
	e.Attach(lb)

	var imei string
	results := make(chan Result, 1)

	script := &Script{
		Name: "get-imei",
		Steps: []Step{
			{
				Request: "AT+CGSN",
				Responses: []Match{
					{Callback: func(argv [][]byte, _ any) {
						imei = string(argv[0])
					}},
				},
			},
			{
				Responses: []Match{
					{Pattern: []byte("OK")},
				},
			},
		},
		OnComplete: func(r Result) { results <- r },
	}

	require.NoError(t, e.Run(script))
	require.Equal(t, "AT+CGSN\r", string(lb.Drain()))

	lb.Put([]byte("123456789012345\r\n"))
	lb.Put([]byte("OK\r\n"))

	select {
	case r := <-results:
		require.Equal(t, ResultSuccess, r)
	default:
		t.Fatal("script did not complete synchronously")
	}
	require.Equal(t, "123456789012345", imei)
	require.Len(t, imei, 15)
}

func TestRunWhileBusyReturnsErrBusy(t *testing.T) {
	lb := pipe.NewLoopback(4096, 4096)
	require.NoError(t, lb.Open())

	e := Init(Config{})
	e.Attach(lb)

	script := &Script{
		Steps:      []Step{{Responses: []Match{{}}}},
		OnComplete: func(Result) {},
	}
	require.NoError(t, e.Run(script))
	require.ErrorIs(t, e.Run(script), ErrBusy)
}

// TestOverallTimeoutFiresAcrossSteps verifies the script-wide deadline
// fires even though every individual step has a longer, never-hit
// per-step timeout: the overall timer is independent of step timers.
func TestOverallTimeoutFiresAcrossSteps(t *testing.T) {
	lb := pipe.NewLoopback(4096, 4096)
	require.NoError(t, lb.Open())

	e := Init(Config{})
	e.Attach(lb)

	results := make(chan Result, 1)
	script := &Script{
		Steps: []Step{
			{Responses: []Match{{Pattern: []byte("OK")}}, Timeout: time.Hour},
		},
		OverallTimeout: 20 * time.Millisecond,
		OnComplete:     func(r Result) { results <- r },
	}
	require.NoError(t, e.Run(script))

	select {
	case r := <-results:
		require.Equal(t, ResultTimeout, r)
	case <-time.After(time.Second):
		t.Fatal("overall timeout did not fire")
	}
}

func TestAbortMatchTerminatesScript(t *testing.T) {
	lb := pipe.NewLoopback(4096, 4096)
	require.NoError(t, lb.Open())

	e := Init(Config{})
	e.Attach(lb)

	results := make(chan Result, 1)
	script := &Script{
		Steps: []Step{
			{Responses: []Match{{Pattern: []byte("OK")}}},
		},
		Aborts:     []Match{{Pattern: []byte("ERROR")}},
		OnComplete: func(r Result) { results <- r },
	}
	require.NoError(t, e.Run(script))

	lb.Put([]byte("ERROR\r"))

	select {
	case r := <-results:
		require.Equal(t, ResultAbort, r)
	default:
		t.Fatal("script did not abort synchronously")
	}
}
