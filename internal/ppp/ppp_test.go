package ppp

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestFCS16Example checks the specification's worked example. The FCS
// register's low byte is transmitted first (FCS_LO precedes FCS_HI in
// the wire form), so the two wire bytes in transmission order are
// 0xD1 then 0xB5.
func TestFCS16Example(t *testing.T) {
	fcs := computeFCS16([]byte{0xFF, 0x03, 0xC0, 0x21, 0x01, 0x01, 0x00, 0x04})
	require.Equal(t, byte(0xD1), byte(fcs))
	require.Equal(t, byte(0xB5), byte(fcs>>8))
}

type recordingIface struct {
	frames [][]byte
}

func (r *recordingIface) Recv(frame []byte) {
	r.frames = append(r.frames, frame)
}

func TestPPPReceiveLiteralVector(t *testing.T) {
	iface := &recordingIface{}
	f := NewFramer(iface)

	wire := []byte{
		0x7E, 0xFF, 0x7D, 0x23, 0xC0, 0x21,
		0x7D, 0x21, 0x7D, 0x21, 0x7D, 0x20, 0x7D, 0x24,
		0xD1, 0xB5, 0x7E,
	}
	for _, b := range wire {
		f.processReceivedByte(b)
	}

	require.Len(t, iface.frames, 1)
	require.Equal(t, []byte{0xC0, 0x21, 0x01, 0x01, 0x00, 0x04}, iface.frames[0])
}

func TestPPPTransmitLiteralVector(t *testing.T) {
	var enc txEncoder
	enc.start(Family(0xC021), []byte{0x01, 0x01, 0x00, 0x04})

	var got []byte
	for {
		b, ok := enc.next()
		if !ok {
			break
		}
		got = append(got, b)
	}

	want := []byte{
		0x7E, 0xFF, 0x7D, 0x23, 0xC0, 0x21,
		0x7D, 0x21, 0x7D, 0x21, 0x7D, 0x20, 0x7D, 0x24,
		0xD1, 0xB5, 0x7E,
	}
	require.Equal(t, want, got)
}

func wrapFrame(family Family, payload []byte) []byte {
	var enc txEncoder
	enc.start(family, payload)
	var out []byte
	for {
		b, ok := enc.next()
		if !ok {
			break
		}
		out = append(out, b)
	}
	return out
}

func TestPPPRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(rt, "payload")

		wire := wrapFrame(FamilyIPv4, payload)

		iface := &recordingIface{}
		f := NewFramer(iface)
		for _, b := range wire {
			f.processReceivedByte(b)
		}

		require.Len(rt, iface.frames, 1)
		require.Equal(rt, byte(0x00), iface.frames[0][0])
		require.Equal(rt, byte(0x21), iface.frames[0][1])
		require.Equal(rt, payload, iface.frames[0][2:])
	})
}

func TestPPPEscapeProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(rt, "payload")
		wire := wrapFrame(FamilyIPv6, payload)

		require.GreaterOrEqual(rt, len(wire), 2)
		inner := wire[1 : len(wire)-1]
		for i := 0; i < len(inner); i++ {
			b := inner[i]
			if b == 0x7E {
				rt.Fatalf("unescaped flag byte inside frame at %d", i)
			}
			if b == 0x7D {
				require.Less(rt, i+1, len(inner), "escape byte at end of frame")
				i++
				continue
			}
			if b < 0x20 {
				rt.Fatalf("unescaped control byte %#02x at %d", b, i)
			}
		}
	})
}
