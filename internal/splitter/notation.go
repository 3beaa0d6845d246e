package splitter

import (
	"fmt"
	"regexp"
	"strings"
)

// markerRe matches a trailing thread-position marker like "🧵 2 of 5" or
// "🧵 2/5". Only a marker at the very end of the segment counts.
var markerRe = regexp.MustCompile(`🧵\s*(\d+)\s*(of|/)\s*(\d+)\s*$`)

// FixNotation re-anchors a trailing thread marker behind exactly one blank
// line. Segments without a marker are returned unchanged.
//
// Idempotent: FixNotation(FixNotation(s)) == FixNotation(s).
func FixNotation(segment string) string {
	loc := markerRe.FindStringIndex(segment)
	if loc == nil {
		return segment
	}
	marker := strings.TrimSpace(segment[loc[0]:])
	body := strings.TrimSpace(segment[:loc[0]])
	if body == "" {
		return marker
	}
	return body + "\n\n" + marker
}

// EnsureMarker guarantees segment carries a correctly-spaced "🧵 i of n"
// marker. An existing marker is kept (respacing only); position counting
// is 1-based.
func EnsureMarker(segment string, i, n int) string {
	if markerRe.MatchString(segment) {
		return FixNotation(segment)
	}
	body := strings.TrimSpace(segment)
	marker := fmt.Sprintf("🧵 %d of %d", i, n)
	if body == "" {
		return marker
	}
	return body + "\n\n" + marker
}
