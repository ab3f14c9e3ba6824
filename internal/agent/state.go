package agent

import (
	"time"
)

// State is a step of the orchestration state machine.
type State string

const (
	StateInit           State = "init"
	StateDeciding       State = "deciding"
	StateActing         State = "acting"
	StateObserving      State = "observing"
	StateValidating     State = "validating"
	StateDone           State = "done"
	StateFailed         State = "failed"
	StateBudgetExceeded State = "budget-exceeded"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateBudgetExceeded
}

// Termination is why a run stopped.
type Termination string

const (
	TerminationContinue       Termination = "continue"
	TerminationStop           Termination = "stop"
	TerminationBudgetExceeded Termination = "budget-exceeded"
	TerminationFailed         Termination = "failed"
)

// Observation is the recorded outcome of one tool call.
type Observation struct {
	CallID  string        `json:"call_id"`
	Tool    string        `json:"tool"`
	Output  string        `json:"output"`
	Err     string        `json:"error,omitempty"`
	Skipped bool          `json:"skipped,omitempty"`
	Primed  bool          `json:"primed,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// RunState is the history of one run. Every transition returns a new value;
// slices are never shared for writing, so earlier snapshots stay valid.
type RunState struct {
	Messages     []Message
	Observations []Observation
	Iterations   int
	ToolCalls    int
	Started      time.Time
	Termination  Termination
}

func newRunState(start time.Time) RunState {
	return RunState{Started: start, Termination: TerminationContinue}
}

// WithMessages returns a copy with msgs appended.
func (s RunState) WithMessages(msgs ...Message) RunState {
	next := s
	next.Messages = append(append(make([]Message, 0, len(s.Messages)+len(msgs)), s.Messages...), msgs...)
	return next
}

// WithObservations returns a copy with obs appended and the tool-call
// counter advanced for every call that actually ran.
func (s RunState) WithObservations(obs ...Observation) RunState {
	next := s
	next.Observations = append(append(make([]Observation, 0, len(s.Observations)+len(obs)), s.Observations...), obs...)
	for _, o := range obs {
		if !o.Skipped && !o.Primed {
			next.ToolCalls++
		}
	}
	return next
}

// NextIteration returns a copy with the iteration counter advanced.
func (s RunState) NextIteration() RunState {
	next := s
	next.Iterations++
	return next
}

// Terminate returns a copy with the termination flag set.
func (s RunState) Terminate(t Termination) RunState {
	next := s
	next.Termination = t
	return next
}

// Elapsed is the wall-clock time since the run started.
func (s RunState) Elapsed(now time.Time) time.Duration { return now.Sub(s.Started) }

// Budget bounds one run.
type Budget struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxToolCalls  int           `yaml:"max_tool_calls"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	// MaxValidationRetries is how often a rejected report is sent back.
	MaxValidationRetries int `yaml:"max_validation_retries"`
	// MaxParallelTools bounds concurrent tool calls within one step.
	MaxParallelTools int `yaml:"max_parallel_tools"`
}

// DefaultBudget is 20 iterations, 30 tool calls and 300 seconds.
func DefaultBudget() Budget {
	return Budget{
		MaxIterations:        20,
		MaxToolCalls:         30,
		MaxDuration:          300 * time.Second,
		CallTimeout:          90 * time.Second,
		MaxValidationRetries: 2,
		MaxParallelTools:     4,
	}
}

// Validate lists every invalid budget field.
func (b Budget) Validate() []string {
	var problems []string
	if b.MaxIterations <= 0 {
		problems = append(problems, "budget.max_iterations must be positive")
	}
	if b.MaxToolCalls <= 0 {
		problems = append(problems, "budget.max_tool_calls must be positive")
	}
	if b.MaxDuration <= 0 {
		problems = append(problems, "budget.max_duration must be positive")
	}
	if b.CallTimeout <= 0 {
		problems = append(problems, "budget.call_timeout must be positive")
	}
	if b.MaxValidationRetries < 0 {
		problems = append(problems, "budget.max_validation_retries must not be negative")
	}
	if b.MaxParallelTools <= 0 {
		problems = append(problems, "budget.max_parallel_tools must be positive")
	}
	return problems
}

// exceeded reports which budget, if any, the state has used up.
func (b Budget) exceeded(s RunState, now time.Time) (string, bool) {
	switch {
	case s.Iterations >= b.MaxIterations:
		return "iterations", true
	case s.ToolCalls >= b.MaxToolCalls:
		return "tool calls", true
	case s.Elapsed(now) >= b.MaxDuration:
		return "time", true
	default:
		return "", false
	}
}
