package session

import "unicode/utf8"

// partialTail returns the length of an incomplete UTF-8 sequence at the end
// of b, or 0 when b ends on a rune boundary. Invalid bytes are never held
// back; they pass through as they are.
func partialTail(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if c < utf8.RuneSelf || utf8.FullRune(b[len(b)-i:]) {
			return 0
		}
		return i
	}
	return 0
}

// trimPartialHead drops continuation bytes left at the start of b when a
// bounded buffer has cut a rune in half.
func trimPartialHead(b []byte) []byte {
	for i := 0; i < utf8.UTFMax-1 && len(b) > 0 && !utf8.RuneStart(b[0]); i++ {
		b = b[1:]
	}
	return b
}
