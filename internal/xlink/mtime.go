package xlink

import (
	"fmt"
	"strings"
	"time"
)

var mtimeLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05.000",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// parseMTime parses a manifest D/E-card timestamp into a comparable unix
// nanosecond value. Manifests in the wild use the ISO-8601-ish format
// fossil emits; we accept a short list of close variants.
func parseMTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, layout := range mtimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixNano(), nil
		}
	}
	return 0, fmt.Errorf("xlink: unparseable timestamp %q", s)
}
