// Package utils holds small text helpers shared by the remote channel
// renderers.
package utils

import (
	"regexp"
	"strings"
)

// CSI sequences (colors, cursor movement) and OSC sequences (titles,
// hyperlinks) terminated by BEL or ST.
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

// StripANSI removes ANSI escape sequences from a string.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// SanitizeInput removes escape sequences and control characters other than
// newline and tab, so tool input renders cleanly outside a terminal.
func SanitizeInput(s string) string {
	s = StripANSI(s)
	return strings.Map(func(r rune) rune {
		if (r < 0x20 && r != '\n' && r != '\t') || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
