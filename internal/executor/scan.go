package executor

import (
	"io"
	"strings"
)

// lineKind distinguishes how a piece of tool output was terminated.
type lineKind int

const (
	// lineComplete is a newline-terminated line.
	lineComplete lineKind = iota
	// lineOverwrite is a carriage-return-terminated line, the way esptool
	// redraws its progress percentage in place.
	lineOverwrite
	// linePartial is an unterminated fragment flushed early so the browser
	// sees long-running single-line output before it completes.
	linePartial
)

const (
	readChunkSize    = 128
	partialThreshold = 10
)

// streamLines consumes tool output in small chunks and emits lines as they
// form. Carriage returns without newlines are treated as in-place progress
// redraws; a growing buffer with no terminator at all is flushed as a
// partial. ANSI escapes are stripped before emission.
func streamLines(r io.Reader, emit func(text string, kind lineKind)) error {
	var (
		buffer      string
		lastPartial string
		chunk       = make([]byte, readChunkSize)
	)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buffer += string(chunk[:n])

			if len(buffer) > partialThreshold &&
				!strings.ContainsAny(buffer, "\n\r") {
				clean := StripANSI(buffer)
				if strings.TrimSpace(clean) != "" && clean != lastPartial {
					lastPartial = clean
					emit(clean, linePartial)
				}
			}

			for strings.ContainsAny(buffer, "\n\r") {
				var line string
				var kind lineKind
				nl := strings.IndexByte(buffer, '\n')
				cr := strings.IndexByte(buffer, '\r')
				switch {
				case cr < 0 || (nl >= 0 && nl < cr):
					line, buffer = buffer[:nl], buffer[nl+1:]
					kind = lineComplete
				case nl == cr+1:
					// CRLF pair: one complete line.
					line, buffer = buffer[:cr], buffer[cr+2:]
					kind = lineComplete
				default:
					line, buffer = buffer[:cr], buffer[cr+1:]
					kind = lineOverwrite
				}

				clean := StripANSI(line)
				if clean == "" {
					continue
				}
				if kind == lineOverwrite {
					if clean == lastPartial {
						continue
					}
					lastPartial = clean
				}
				emit(clean, kind)
			}
		}

		if err != nil {
			if rest := strings.TrimSpace(StripANSI(buffer)); rest != "" {
				emit(rest, lineComplete)
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
