package chat

import "bytes"

// Match describes one line pattern the chat engine can recognize: an
// expected response, an abort trigger, or an unsolicited report.
type Match struct {
	// Pattern is compared against the leading bytes of a line. An empty
	// Pattern matches any line.
	Pattern []byte
	// Separators, if non-empty, splits the line's remainder (after the
	// matched prefix) into additional argv fields.
	Separators []byte
	// Wildcards, when true, lets '?' in Pattern match any input byte.
	Wildcards bool
	// Callback receives argv[0] = the full matched line, argv[1:] = the
	// fields split out by Separators (nil if Separators is empty).
	Callback func(argv [][]byte, userData any)
}

// matches reports whether line satisfies m's pattern.
func (m Match) matches(line []byte) bool {
	if len(m.Pattern) > len(line) {
		return false
	}
	if !m.Wildcards {
		return bytes.Equal(line[:len(m.Pattern)], m.Pattern)
	}
	for i, want := range m.Pattern {
		if want == '?' {
			continue
		}
		if line[i] != want {
			return false
		}
	}
	return true
}

// argv builds the callback argument vector for a matched line.
func (m Match) argv(line []byte) [][]byte {
	argv := [][]byte{line}
	if len(m.Separators) == 0 {
		return argv
	}
	rest := line[len(m.Pattern):]
	argv = append(argv, bytes.FieldsFunc(rest, func(r rune) bool {
		return bytes.IndexRune(m.Separators, r) >= 0
	})...)
	return argv
}

// findMatch returns the index of the first matching entry in lists, in
// the order the lists are given (response > abort > unsolicited per the
// engine's priority), or -1 if none match.
func findMatch(line []byte, lists ...[]Match) (listIdx, matchIdx int) {
	for li, list := range lists {
		for mi, m := range list {
			if m.matches(line) {
				return li, mi
			}
		}
	}
	return -1, -1
}
