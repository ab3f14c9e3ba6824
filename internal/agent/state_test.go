package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/experiment-callouts/internal/domain"
)

func TestRunState_TransitionsDoNotAlias(t *testing.T) {
	start := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	s0 := newRunState(start)
	s1 := s0.WithMessages(Message{Role: RoleUser, Content: "a"})
	s2 := s1.WithMessages(Message{Role: RoleUser, Content: "b"})
	s2b := s1.WithMessages(Message{Role: RoleUser, Content: "c"})

	assert.Empty(t, s0.Messages)
	require.Len(t, s1.Messages, 1)
	assert.Equal(t, "b", s2.Messages[1].Content)
	assert.Equal(t, "c", s2b.Messages[1].Content)

	s3 := s2.WithObservations(
		Observation{Tool: ToolBrief},
		Observation{Tool: ToolBrief, Skipped: true},
		Observation{Tool: ToolClassify, Primed: true},
	).NextIteration().Terminate(TerminationStop)
	assert.Equal(t, 1, s3.ToolCalls)
	assert.Len(t, s3.Observations, 3)
	assert.Equal(t, 1, s3.Iterations)
	assert.Equal(t, TerminationStop, s3.Termination)
	assert.Equal(t, TerminationContinue, s2.Termination)
	assert.Equal(t, 5*time.Second, s3.Elapsed(start.Add(5*time.Second)))
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed, StateBudgetExceeded} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateInit, StateDeciding, StateActing, StateObserving, StateValidating} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestBudget_Exceeded(t *testing.T) {
	b := DefaultBudget()
	start := time.Now()
	s := newRunState(start)

	_, over := b.exceeded(s, start)
	assert.False(t, over)

	s.Iterations = 20
	which, over := b.exceeded(s, start)
	assert.True(t, over)
	assert.Equal(t, "iterations", which)

	s.Iterations, s.ToolCalls = 0, 30
	which, _ = b.exceeded(s, start)
	assert.Equal(t, "tool calls", which)

	s.ToolCalls = 0
	which, _ = b.exceeded(s, start.Add(301*time.Second))
	assert.Equal(t, "time", which)
}

func TestBudget_Validate(t *testing.T) {
	assert.Empty(t, DefaultBudget().Validate())
	problems := Budget{MaxValidationRetries: -1}.Validate()
	assert.Len(t, problems, 6)
}

func TestPolicy(t *testing.T) {
	assert.Empty(t, DefaultPolicy().Validate())
	assert.Contains(t, DefaultPolicy().Text, "## Output Format")

	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	dir := t.TempDir()
	good := filepath.Join(dir, "good.md")
	require.NoError(t, os.WriteFile(good, []byte("# Callouts\n\n## Rules\n- be brief\n\n## Output Format\n- markdown\n"), 0o644))
	p, err = LoadPolicy(good)
	require.NoError(t, err)
	assert.Contains(t, p.Text, "be brief")

	bad := filepath.Join(dir, "bad.md")
	require.NoError(t, os.WriteFile(bad, []byte("# Callouts\n"), 0o644))
	_, err = LoadPolicy(bad)
	assert.True(t, domain.IsConfigurationError(err))

	_, err = LoadPolicy(filepath.Join(dir, "missing.md"))
	assert.True(t, domain.IsConfigurationError(err))
}
