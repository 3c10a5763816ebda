package consensus

import "strings"

// sycophancyWindow is how many leading characters of a challenge are scanned.
// Praise buried later in an otherwise substantive critique does not count.
const sycophancyWindow = 200

// DefaultSycophancyMarkers are the praise and agreement openers that flag a
// challenge as sycophantic. The list is configurable per engine.
var DefaultSycophancyMarkers = []string{
	"great answer",
	"great response",
	"great proposal",
	"excellent answer",
	"excellent proposal",
	"excellent point",
	"i agree",
	"i largely agree",
	"i fully agree",
	"i completely agree",
	"no significant flaws",
	"no major flaws",
	"this is a good",
	"well done",
}

// SycophancyDetector scans challenge openings for praise or agreement
// markers. Detection is case-insensitive, leading whitespace is stripped, and
// only the first sycophancyWindow characters are examined.
type SycophancyDetector struct {
	markers []string
}

// NewSycophancyDetector builds a detector. A nil or empty marker list falls
// back to the defaults.
func NewSycophancyDetector(markers []string) *SycophancyDetector {
	if len(markers) == 0 {
		markers = DefaultSycophancyMarkers
	}
	lowered := make([]string, len(markers))
	for i, m := range markers {
		lowered[i] = strings.ToLower(m)
	}
	return &SycophancyDetector{markers: lowered}
}

// Detect reports whether the challenge text opens sycophantically.
func (d *SycophancyDetector) Detect(text string) bool {
	window := strings.ToLower(strings.TrimSpace(text))
	if len(window) > sycophancyWindow {
		window = window[:sycophancyWindow]
	}
	for _, m := range d.markers {
		if strings.Contains(window, m) {
			return true
		}
	}
	return false
}
