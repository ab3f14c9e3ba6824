package validate

import (
	"github.com/ignite/experiment-callouts/internal/classify"
	"github.com/ignite/experiment-callouts/internal/domain"
)

// ExpectFor builds the content expectations for one classified experiment.
func ExpectFor(exp domain.Experiment, cls classify.Classification) ExperimentExpectation {
	ee := ExperimentExpectation{
		Name:  exp.ProjectName,
		Tiers: make(map[domain.MetricType][]string),
	}
	seen := make(map[string]bool)
	for _, f := range cls.Flags {
		name := f.Result.MetricName
		ee.Tiers[f.Tier()] = appendUnique(ee.Tiers[f.Tier()], name)
		if f.Severity == domain.SeverityCritical && !seen[name] {
			seen[name] = true
			ee.Critical = append(ee.Critical, name)
		}
	}
	return ee
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
