package strategy

import (
	"regexp"
	"strings"
)

// maxErrorLen bounds every failure message surfaced to callers or logs.
const maxErrorLen = 512

// Absolute filesystem paths (unix style, optional drive prefix) are
// redacted from anything that leaves the strategy layer.
var absPathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:/[\w.@+~-]+)+/?`)

// sanitizeMessage strips absolute paths and truncates the message to a
// bounded length.
func sanitizeMessage(msg string) string {
	msg = absPathPattern.ReplaceAllString(msg, "[path]")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen] + "...(truncated)"
	}
	return msg
}
