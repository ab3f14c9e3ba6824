package report

import (
	"fmt"
	"time"
)

// Skipped is an experiment left out of the report and the reason.
type Skipped struct {
	Name   string
	Reason string
}

// Document is the dated callout: one section per flagged experiment plus the
// skipped list.
type Document struct {
	Date     string
	Sections []string
	Skipped  []Skipped
}

// Render produces the callout body. This is the text persisted and delivered.
func (r *Renderer) Render(doc Document) (string, error) {
	skipped := make([]string, 0, len(doc.Skipped))
	for _, s := range doc.Skipped {
		if s.Reason == "" {
			skipped = append(skipped, s.Name)
			continue
		}
		skipped = append(skipped, fmt.Sprintf("%s: %s", s.Name, s.Reason))
	}
	return r.render("document", map[string]interface{}{
		"date":         doc.Date,
		"sections":     doc.Sections,
		"has_sections": len(doc.Sections) > 0,
		"skipped":      skipped,
		"has_skipped":  len(skipped) > 0,
	})
}

// FileHeader is prepended to the body when the callout is written to a file.
func FileHeader(date string, generated time.Time) string {
	return fmt.Sprintf("# Experiment Callout - %s\n\n*Generated: %s*\n\n---\n\n", date, generated.Format(time.RFC3339))
}
