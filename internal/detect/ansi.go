package detect

import (
	"regexp"
	"strings"
)

// ansiPattern matches CSI sequences (colors, cursor movement, private modes),
// OSC sequences terminated by BEL or ST, and two-byte escapes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// StripANSI removes ANSI escape sequences from s.
func StripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

// ContainsANSI reports whether s holds at least one ANSI escape sequence.
func ContainsANSI(s string) bool {
	return strings.Contains(s, "\x1b") && ansiPattern.MatchString(s)
}

// SplitLines splits a buffer snapshot into lines, normalising CRLF endings.
func SplitLines(buffer string) []string {
	buffer = strings.ReplaceAll(buffer, "\r\n", "\n")
	return strings.Split(buffer, "\n")
}
