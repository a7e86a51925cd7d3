package executor

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want EventKind
	}{
		{"Writing at 0x00010000... (45 %)", EventProgress},
		{"Wrote 1024000 bytes (573440 compressed)", EventProgress},
		{"100 %", EventProgress},
		{"A fatal error occurred: Timed out waiting for packet header", EventError},
		{"Failed to connect to ESP32", EventError},
		{"Hash of data verified.", EventWarning},
		{"WARNING: Pre-release firmware", EventWarning},
		{"Connecting....", EventInfo},
		{"Chip is ESP32-D0WD-V3 (revision v3.0)", EventInfo},
		{"Detecting chip type... ESP32", EventInfo},
		{"Compressed 1024000 bytes to 573440...", EventProgress},
		{"Leaving...", EventOutput},
		{"Hard resetting via RTS pin...", EventOutput},
	}

	for _, tt := range tests {
		if got := Classify(tt.line); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.line, got, tt.want)
		}
	}
}

func TestClassify_ProgressBeatsSuccess(t *testing.T) {
	// Byte-count lines during a write are progress, not completion; the
	// terminal success event comes from the exit status.
	if got := Classify("Wrote 1024000 bytes at 0x0 in 12.4 seconds"); got != EventProgress {
		t.Errorf("expected progress for byte-count line, got %s", got)
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"\x1b[32mConnecting....\x1b[0m", "Connecting...."},
		{"\x1b[2K\x1b[1AWriting at 0x8000", "Writing at 0x8000"},
		{"plain text", "plain text"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := StripANSI(tt.in); got != tt.want {
			t.Errorf("StripANSI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
