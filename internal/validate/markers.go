package validate

import (
	"strings"

	"github.com/rivo/uniseg"
)

// MarkerClass groups the emoji markers the report may use.
type MarkerClass string

const (
	MarkerCritical MarkerClass = "critical"
	MarkerWarning  MarkerClass = "warning"
	MarkerSuccess  MarkerClass = "success"
)

// markers maps a grapheme cluster, with variation selectors stripped, to its class.
var markers = map[string]MarkerClass{
	"🔴": MarkerCritical,
	"🚨": MarkerCritical,
	"❌": MarkerCritical,
	"⛔": MarkerCritical,
	"⚠": MarkerWarning,
	"🟡": MarkerWarning,
	"🟠": MarkerWarning,
	"✅": MarkerSuccess,
	"🟢": MarkerSuccess,
	"🎉": MarkerSuccess,
}

// MarkerCount tallies marker emoji by class. The trophy used to name a
// winning arm is never counted.
type MarkerCount struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Success  int `json:"success"`
}

// Total returns the number of counted markers.
func (m MarkerCount) Total() int { return m.Critical + m.Warning + m.Success }

// CountMarkers walks the text by grapheme cluster so that multi-codepoint
// emoji count once.
func CountMarkers(text string) MarkerCount {
	var mc MarkerCount
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		cluster := strings.ReplaceAll(gr.Str(), "️", "")
		switch markers[cluster] {
		case MarkerCritical:
			mc.Critical++
		case MarkerWarning:
			mc.Warning++
		case MarkerSuccess:
			mc.Success++
		}
	}
	return mc
}
