package ppp

// txState names the per-byte transmit-wrapping automaton's states, one
// for each field of the wire frame plus an escaped variant for each
// byte-producing state.
type txState int

const (
	txIdle txState = iota
	txSOF
	txHdrFF
	txHdr7D
	txHdr23
	txProtoHi
	txEscProtoHi
	txProtoLo
	txEscProtoLo
	txData
	txEscData
	txFCSLo
	txEscFCSLo
	txFCSHi
	txEscFCSHi
	txEOF
)

// txEncoder steps the outbound byte-stuffing automaton one byte at a
// time, matching the ring-fill pattern used by the engine: a caller
// repeatedly calls next until it returns ok=false, stopping early is
// safe and simply leaves the encoder mid-frame for the next call.
type txEncoder struct {
	state txState

	protoHi, protoLo byte
	data             []byte
	pos              int

	fcs     uint16
	fcsLo   byte
	fcsHi   byte
	pending byte
}

func (t *txEncoder) start(family Family, data []byte) {
	t.protoHi = byte(family >> 8)
	t.protoLo = byte(family)
	t.data = data
	t.pos = 0
	t.fcs = fcs16Init
	t.fcs = fcs16Update(t.fcs, 0xFF)
	t.fcs = fcs16Update(t.fcs, 0x03)
	t.state = txSOF
}

// next returns the next wire byte, or ok=false once the frame (flags
// included) has been fully emitted.
func (t *txEncoder) next() (byte, bool) {
	for {
		switch t.state {
		case txIdle:
			return 0, false

		case txSOF:
			t.state = txHdrFF
			return 0x7E, true

		case txHdrFF:
			t.state = txHdr7D
			return 0xFF, true

		case txHdr7D:
			t.state = txHdr23
			return 0x7D, true

		case txHdr23:
			t.state = txProtoHi
			return 0x23, true

		case txProtoHi:
			b := t.protoHi
			t.fcs = fcs16Update(t.fcs, b)
			if needsEscape(b) {
				t.pending = b ^ 0x20
				t.state = txEscProtoHi
				return 0x7D, true
			}
			t.state = txProtoLo
			return b, true

		case txEscProtoHi:
			t.state = txProtoLo
			return t.pending, true

		case txProtoLo:
			b := t.protoLo
			t.fcs = fcs16Update(t.fcs, b)
			if needsEscape(b) {
				t.pending = b ^ 0x20
				t.state = txEscProtoLo
				return 0x7D, true
			}
			t.state = txData
			return b, true

		case txEscProtoLo:
			t.state = txData
			return t.pending, true

		case txData:
			if t.pos >= len(t.data) {
				final := fcs16Final(t.fcs)
				t.fcsLo = byte(final)
				t.fcsHi = byte(final >> 8)
				t.state = txFCSLo
				continue
			}
			b := t.data[t.pos]
			t.pos++
			t.fcs = fcs16Update(t.fcs, b)
			if needsEscape(b) {
				t.pending = b ^ 0x20
				t.state = txEscData
				return 0x7D, true
			}
			return b, true

		case txEscData:
			t.state = txData
			return t.pending, true

		case txFCSLo:
			b := t.fcsLo
			if needsEscape(b) {
				t.pending = b ^ 0x20
				t.state = txEscFCSLo
				return 0x7D, true
			}
			t.state = txFCSHi
			return b, true

		case txEscFCSLo:
			t.state = txFCSHi
			return t.pending, true

		case txFCSHi:
			b := t.fcsHi
			if needsEscape(b) {
				t.pending = b ^ 0x20
				t.state = txEscFCSHi
				return 0x7D, true
			}
			t.state = txEOF
			return b, true

		case txEscFCSHi:
			t.state = txEOF
			return t.pending, true

		case txEOF:
			t.state = txIdle
			return 0x7E, true
		}
	}
}
