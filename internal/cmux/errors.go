package cmux

import "errors"

var (
	// ErrBadFCS is reported through the engine's error callback when a
	// received frame's checksum doesn't match, and the frame is
	// discarded. It is only reported when Options.CRCCheck is set, as
	// supervisor.New sets it.
	ErrBadFCS = errors.New("cmux: frame checksum mismatch")

	// ErrNotConnected is returned by operations that require the bus to
	// be in the CONNECTED state.
	ErrNotConnected = errors.New("cmux: engine not connected")

	// ErrDLCIInUse is returned by OpenDLCI when the requested address
	// already has an open or opening channel.
	ErrDLCIInUse = errors.New("cmux: dlci already in use")

	// ErrInvalidDLCI is returned for DLCI addresses outside 1..63.
	ErrInvalidDLCI = errors.New("cmux: dlci address out of range")

	// ErrClosed is returned by operations on a DLCI pipe that has
	// already been closed.
	ErrClosed = errors.New("cmux: dlci closed")

	// ErrOverrun is returned when a frame cannot fit in the shared
	// transmit ring and the caller did not opt into partial DLCI data
	// acceptance: the frame is atomic, so nothing is enqueued.
	ErrOverrun = errors.New("cmux: transmit ring overrun")
)
