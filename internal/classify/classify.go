// Package classify turns raw runner failure text into actionable error
// messages. The matching is deliberately dumb substring work: runner
// output is free-form and versions drift, so anything cleverer rots.
package classify

import "strings"

// Hints appended to classified failures.
const (
	HintDriverInit   = "hint: browser driver not initialized; run 'rfbrowser init' to install browser binaries"
	HintRebuildImage = "hint: rebuild the runner image so browser binaries are baked in"
)

// connectionRefusedPatterns match the ways a missing or dead browser driver
// surfaces, across operating systems and driver versions. Matched
// case-insensitively.
var connectionRefusedPatterns = []string{
	"connection refused",
	"econnrefused",
	"could not connect",
	"could not connect to the playwright process",
	"websocket error: connection refused",
	"failed to connect to the bus",
}

// Classify rewrites a failure message with remediation hints when the text
// indicates a known failure mode. message is the failure reason recorded so
// far; output is the captured runner output to scan as well. inContainer
// selects the extra container-specific hint. Unrecognized text is returned
// unchanged.
func Classify(message, output string, inContainer bool) string {
	if message == "" {
		return message
	}
	if !matchesConnectionRefused(message) && !matchesConnectionRefused(output) {
		return message
	}

	msg := message + "; " + HintDriverInit
	if inContainer {
		msg += "; " + HintRebuildImage
	}
	return msg
}

func matchesConnectionRefused(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range connectionRefusedPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
