package agent

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/ignite/experiment-callouts/internal/domain"
)

//go:embed policy.md
var defaultPolicy string

// requiredPolicySections must appear in every policy document.
var requiredPolicySections = []string{"## Rules", "## Output Format"}

// Policy is the system prompt given to the model.
type Policy struct {
	Text string
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() Policy { return Policy{Text: defaultPolicy} }

// LoadPolicy reads a policy document from path. An empty path returns the
// embedded policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, &domain.ConfigurationError{Problems: []string{fmt.Sprintf("policy %s: %v", path, err)}}
	}
	p := Policy{Text: string(raw)}
	if problems := p.Validate(); len(problems) > 0 {
		return Policy{}, &domain.ConfigurationError{Problems: problems}
	}
	return p, nil
}

// Validate lists what is wrong with the policy.
func (p Policy) Validate() []string {
	if strings.TrimSpace(p.Text) == "" {
		return []string{"policy is empty"}
	}
	var problems []string
	for _, s := range requiredPolicySections {
		if !strings.Contains(p.Text, s) {
			problems = append(problems, fmt.Sprintf("policy is missing section %q", s))
		}
	}
	return problems
}
