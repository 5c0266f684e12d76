// Package detect decides readiness from captured pane text. Every
// predicate is a pure function over a bounded tail window of the
// capture; detection is fixed substring tests, nothing stateful.
package detect

import "strings"

// TailLines caps how much captured text the predicates inspect.
const TailLines = 40

// RelayMarker is printed by the relay gateway once login completes.
const RelayMarker = "-bash-baidu-ssl$"

// fatalPhrases are connection errors that cannot resolve on their own.
var fatalPhrases = []string{
	"Permission denied",
	"Connection refused",
	"No route to host",
	"Authentication failed",
}

// Tail returns the last n lines of text joined with newlines.
func Tail(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// lastNonEmptyLine returns the last line of the tail window that has
// visible content.
func lastNonEmptyLine(captured string) string {
	lines := strings.Split(Tail(captured, TailLines), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t\r")
		if line != "" {
			return line
		}
	}
	return ""
}

// RelayReady reports whether the relay gateway has finished interactive
// login.
func RelayReady(captured string) bool {
	return strings.Contains(Tail(captured, TailLines), RelayMarker)
}

// ShellReady reports whether the capture ends at a shell prompt.
func ShellReady(captured string) bool {
	line := lastNonEmptyLine(captured)
	if line == "" {
		return false
	}
	return strings.HasSuffix(line, "$") || strings.HasSuffix(line, "#")
}

// InContainer reports whether the prompt line names the container, i.e.
// the exec landed inside it.
func InContainer(captured, container string) bool {
	if container == "" {
		return false
	}
	line := lastNonEmptyLine(captured)
	if line == "" || !strings.Contains(line, container) {
		return false
	}
	return strings.HasSuffix(line, "$") || strings.HasSuffix(line, "#")
}

// FatalError scans the tail window for known fatal connection phrases.
// It returns the matched phrase.
func FatalError(captured string) (string, bool) {
	tail := Tail(captured, TailLines)
	for _, phrase := range fatalPhrases {
		if strings.Contains(tail, phrase) {
			return phrase, true
		}
	}
	return "", false
}
