package cmux

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFCS8HeaderExample(t *testing.T) {
	got := 0xFF - crc8([]byte{0x03, 0x73}, fcsInit)
	require.Equal(t, byte(0x85), got)
}

func TestUAFrameOnDLCI0Decodes(t *testing.T) {
	var got []Frame
	d := newDecoder(true, func(f Frame) { got = append(got, f) }, nil)

	d.feed([]byte{0xF9, 0x03, 0x73, 0x01, 0xD7, 0xF9})

	require.Len(t, got, 1)
	require.Equal(t, uint8(0), got[0].DLCI)
	require.Equal(t, TypeUA, got[0].Type)
	require.True(t, got[0].CR)
	require.Empty(t, got[0].Data)
}

func TestDLCI1UAFrameDecodes(t *testing.T) {
	var got []Frame
	d := newDecoder(true, func(f Frame) { got = append(got, f) }, nil)

	d.feed([]byte{0xF9, 0x07, 0x73, 0x01, 0x15, 0xF9})

	require.Len(t, got, 1)
	require.Equal(t, uint8(1), got[0].DLCI)
	require.Equal(t, TypeUA, got[0].Type)
}

func TestDLCI1UIHFramesDecodeInOrder(t *testing.T) {
	var got []Frame
	d := newDecoder(true, func(f Frame) { got = append(got, f) }, nil)

	d.feed([]byte{0xF9, 0x07, 0xEF, 0x05, 0x41, 0x54, 0x30, 0xF9})
	d.feed([]byte{0xF9, 0x07, 0xEF, 0x05, 0x0D, 0x0A, 0x30, 0xF9})

	require.Len(t, got, 2)
	var payload []byte
	for _, f := range got {
		require.Equal(t, uint8(1), f.DLCI)
		require.Equal(t, TypeUIH, f.Type)
		payload = append(payload, f.Data...)
	}
	require.Equal(t, []byte{0x41, 0x54, 0x0D, 0x0A}, payload)
}

func TestResyncOnGarbageBeforeFlag(t *testing.T) {
	resyncs := 0
	d := newDecoder(true, func(Frame) {}, nil)
	d.onResync = func() { resyncs++ }

	d.feed([]byte{0x41, 0x54, 0x30, 0xF9})

	require.Equal(t, 1, resyncs)
}

func TestBadFCSIsDropped(t *testing.T) {
	var frames int
	var errs int
	d := newDecoder(true, func(Frame) { frames++ }, func(error) { errs++ })

	d.feed([]byte{0xF9, 0x03, 0x73, 0x01, 0x00, 0xF9})

	require.Equal(t, 0, frames)
	require.Equal(t, 1, errs)
}

func TestCMUXUIHRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dlci := uint8(rapid.IntRange(1, 63).Draw(rt, "dlci"))
		payload := rapid.SliceOfN(rapid.Byte(), 1, 1000).Draw(rt, "payload")

		wire := EncodeFrame(&Frame{DLCI: dlci, CR: true, Type: TypeUIH, Data: payload})

		var got []Frame
		d := newDecoder(true, func(f Frame) { got = append(got, f) }, nil)
		d.feed(wire)

		require.Len(rt, got, 1)
		require.Equal(rt, dlci, got[0].DLCI)
		require.Equal(rt, payload, got[0].Data)
	})
}
