package executor

import (
	"regexp"
	"strings"
)

var (
	ansiPattern      = regexp.MustCompile(`\x1b\[[0-9;]*[mKABC]`)
	byteCountPattern = regexp.MustCompile(`\b\d+ bytes\b`)
)

// StripANSI removes terminal escape sequences from tool output.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Classify maps one line of device-tool output to an event kind. Pure
// function, no I/O: the rules are testable without spawning a process.
//
// The rules follow esptool's output vocabulary: flash writes report
// "Writing at 0x... (NN %)", verification reports "Hash of data verified",
// chip probing reports "Connecting..." and "Chip is ...".
func Classify(line string) EventKind {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "writing at"),
		strings.Contains(line, "%"),
		byteCountPattern.MatchString(lower):
		return EventProgress

	case strings.Contains(lower, "error"),
		strings.Contains(lower, "failed"),
		strings.Contains(lower, "fatal"):
		return EventError

	case strings.Contains(lower, "hash of data"),
		strings.Contains(lower, "warning"):
		return EventWarning

	case strings.Contains(lower, "connecting"),
		strings.Contains(lower, "chip is"),
		strings.Contains(lower, "detecting chip"):
		return EventInfo

	case strings.Contains(lower, "compressed"),
		strings.Contains(lower, "wrote"):
		return EventSuccess
	}

	return EventOutput
}
