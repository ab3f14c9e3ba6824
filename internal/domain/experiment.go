package domain

import (
	"regexp"
	"strings"
)

// ExperimentStatus enumerates the lifecycle states of an experiment.
type ExperimentStatus string

const (
	StatusInExperiment ExperimentStatus = "in-experiment"
	StatusRamping      ExperimentStatus = "ramping"
	StatusConcluded    ExperimentStatus = "concluded"
	StatusUnknown      ExperimentStatus = "unknown"
)

// ParseExperimentStatus maps the registry's free-text status ("8. In experiment",
// "8. Ramping", "9. Launched") to a lifecycle state.
func ParseExperimentStatus(raw string) ExperimentStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	// strip an ordinal prefix such as "8. "
	if i := strings.Index(s, ". "); i > 0 && i <= 3 {
		s = s[i+2:]
	}
	switch {
	case s == "":
		return StatusUnknown
	case strings.Contains(s, "ramp"):
		return StatusRamping
	case strings.Contains(s, "in experiment"), strings.Contains(s, "running"):
		return StatusInExperiment
	case strings.Contains(s, "launch"), strings.Contains(s, "conclud"),
		strings.Contains(s, "shipped"), strings.Contains(s, "killed"), strings.Contains(s, "complete"):
		return StatusConcluded
	default:
		return StatusUnknown
	}
}

// IsActive reports whether results for the experiment are still being produced.
func (s ExperimentStatus) IsActive() bool {
	return s == StatusInExperiment || s == StatusRamping
}

// Arm is one non-control variant of an experiment.
type Arm struct {
	Name string `json:"name"`
}

// Experiment is a registry entry for a running experiment. Read-only to the pipeline.
type Experiment struct {
	ProjectName  string           `json:"project_name"`
	AnalysisID   string           `json:"analysis_id"`
	Status       ExperimentStatus `json:"status"`
	RawStatus    string           `json:"raw_status"`
	Rollout      string           `json:"rollout"`
	Arms         []Arm            `json:"arms"`
	BriefLink    string           `json:"brief_link"`
	AnalysisLink string           `json:"analysis_link"`
	BriefSummary string           `json:"brief_summary"`
	Details      string           `json:"details"`
	StatusNotes  string           `json:"status_notes"`
}

// HasAnalysis reports whether the experiment can be evaluated.
func (e Experiment) HasAnalysis() bool { return e.AnalysisID != "" }

// IsMultiArm reports whether more than one treatment arm is being compared.
func (e Experiment) IsMultiArm() bool { return len(e.Arms) > 1 }

// ArmNames returns the arm names in registry order.
func (e Experiment) ArmNames() []string {
	out := make([]string, 0, len(e.Arms))
	for _, a := range e.Arms {
		out = append(out, a.Name)
	}
	return out
}

var (
	analysisIDQuery = regexp.MustCompile(`analysisId=([a-f0-9\-]+)`)
	analysisIDPath  = regexp.MustCompile(`/analysis/([a-f0-9\-]+)`)
)

// ExtractAnalysisID pulls the analysis identifier out of an analysis link.
// Returns "" when the link carries none.
func ExtractAnalysisID(link string) string {
	if link == "" {
		return ""
	}
	if m := analysisIDQuery.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	if m := analysisIDPath.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	return ""
}

// Brief is the design document context for an experiment.
type Brief struct {
	ProjectName string            `json:"project_name"`
	Status      string            `json:"status"`
	Rollout     string            `json:"rollout"`
	Summary     string            `json:"summary"`
	Details     string            `json:"details"`
	StatusNotes string            `json:"status_notes"`
	BriefLink   string            `json:"brief_link"`
	Sections    map[string]string `json:"sections,omitempty"`
}

// Text returns the brief content used as reasoning context.
func (b Brief) Text() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{b.Summary, b.Details, b.StatusNotes} {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
		}
	}
	return strings.Join(parts, "\n\n")
}

// ArmsFromResults returns the distinct non-control arms present in results,
// in order of first appearance.
func ArmsFromResults(results []MetricResult) []Arm {
	seen := make(map[string]bool)
	var arms []Arm
	for _, r := range results {
		if r.Arm == "" || strings.EqualFold(r.Arm, "control") || seen[r.Arm] {
			continue
		}
		seen[r.Arm] = true
		arms = append(arms, Arm{Name: r.Arm})
	}
	return arms
}
