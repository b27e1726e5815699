package parser

import "regexp"

// bracketPattern matches private-mode sequences whose ESC was lost upstream.
var bracketPattern = regexp.MustCompile(`\[\?[0-9;]*[a-zA-Z]`)

type stripState uint8

const (
	stateGround stripState = iota
	stateEsc
	stateCSI
	stateCharset
	stateString    // OSC, DCS, SOS, PM, APC: runs until BEL or ST
	stateStringEsc // ESC seen inside a string
)

// stripper removes escape sequences and control characters from a byte
// stream, keeping \n, \r and \t. Its state survives across calls, so a
// sequence split between two chunks is removed whole.
type stripper struct {
	state stripState
	// osc is set when the current string sequence is an OSC, which BEL ends.
	osc bool
}

// strip appends the printable bytes of src to dst.
func (st *stripper) strip(dst, src []byte) []byte {
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch st.state {
		case stateGround:
			switch {
			case c == 0x1b:
				st.state = stateEsc
			case c == '\n' || c == '\r' || c == '\t':
				dst = append(dst, c)
			case c < 0x20 || c == 0x7f:
			default:
				dst = append(dst, c)
			}

		case stateEsc:
			switch {
			case c == '[':
				st.state = stateCSI
			case c == ']':
				st.state, st.osc = stateString, true
			case c == 'P' || c == 'X' || c == '^' || c == '_':
				st.state, st.osc = stateString, false
			case c == '(' || c == ')' || c == '*' || c == '+':
				st.state = stateCharset
			case c == 0x1b:
			case c < 0x20:
				// A control byte cancels the sequence and is handled normally.
				st.state = stateGround
				i--
			default:
				st.state = stateGround
			}

		case stateCSI:
			switch {
			case c >= 0x40 && c <= 0x7e:
				st.state = stateGround
			case c >= 0x20 && c <= 0x3f:
			default:
				st.state = stateGround
				i--
			}

		case stateCharset:
			st.state = stateGround

		case stateString:
			switch {
			case c == 0x07 && st.osc:
				st.state = stateGround
			case c == 0x1b:
				st.state = stateStringEsc
			}

		case stateStringEsc:
			if c == '\\' {
				st.state = stateGround
			} else {
				st.state = stateEsc
				i--
			}
		}
	}
	return dst
}

// StripANSI removes terminal escape sequences and control characters other
// than \n, \r and \t from s.
func StripANSI(s string) string {
	var st stripper
	out := st.strip(make([]byte, 0, len(s)), []byte(s))
	return bracketPattern.ReplaceAllString(string(out), "")
}
