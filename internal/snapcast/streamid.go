package snapcast

import (
	"path"
	"strings"
)

// StreamIDFromSink derives the Snapcast stream id for a FIFO sink path.
//
// Sinks named zone<n> follow the server convention of capitalised stream
// ids, so /snapsinks/zone3 maps to Zone3. Any other basename is used as the
// stream id unchanged.
func StreamIDFromSink(sink string) string {
	base := path.Base(strings.TrimSpace(sink))
	if base == "." || base == "/" || base == "" {
		return ""
	}
	rest, ok := cutZonePrefix(base)
	if ok && isDigits(rest) {
		return "Zone" + rest
	}
	return base
}

func cutZonePrefix(s string) (string, bool) {
	if len(s) < 5 || !strings.EqualFold(s[:4], "zone") {
		return "", false
	}
	return s[4:], true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
