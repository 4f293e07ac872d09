package batch

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a batch.
// The values are ordered by execution progress; see Order.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Order returns the lifecycle rank of a status, used for regression checks.
// Unknown statuses rank below idle.
func (s Status) Order() int {
	switch s {
	case StatusIdle:
		return 1
	case StatusStarting:
		return 2
	case StatusRunning:
		return 3
	case StatusStopping:
		return 4
	case StatusCompleted:
		return 5
	case StatusError:
		return 6
	default:
		return 0
	}
}

// Terminal reports whether the status ends an execution. Terminal states are
// soft-terminal: a fresh running event with zero progress starts a new execution.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Active reports whether a batch is in the middle of an execution.
// While active, snapshot polling for the batch is suspended because the live
// stream is authoritative for the real-time fields.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// Valid reports whether s is one of the known lifecycle statuses.
func (s Status) Valid() bool {
	return s.Order() > 0
}

// StepResult is one step's outcome inside an execution. Steps are unique per
// name within a batch; completing a step overwrites its running placeholder.
type StepResult struct {
	Name      string          `json:"name"`
	Order     int             `json:"order"`
	Status    string          `json:"status"`
	Passed    bool            `json:"passed"`
	DurationS float64         `json:"duration_s"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Done reports whether the step has finished (passed or failed).
func (r StepResult) Done() bool {
	return r.Status == "completed" || r.Status == "failed"
}

// Batch is the unit of reconciliation: one trackable test run target with its
// own lifecycle. Descriptive fields (Name, Sequence, Params) come from REST
// snapshots; the remaining fields are real-time and owned by the reconciler.
type Batch struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Sequence string            `json:"sequence,omitempty"`
	Params   map[string]string `json:"params,omitempty"`

	Status        Status       `json:"status"`
	Progress      float64      `json:"progress"`
	CurrentStep   string       `json:"current_step,omitempty"`
	StepIndex     int          `json:"step_index,omitempty"`
	TotalSteps    int          `json:"total_steps,omitempty"`
	ExecutionID   string       `json:"execution_id,omitempty"`
	LastRunPassed *bool        `json:"last_run_passed,omitempty"`
	Steps         []StepResult `json:"steps,omitempty"`
	ElapsedS      float64      `json:"elapsed_s,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at,omitempty"`
}

// UpsertStep inserts or replaces the step result with the same name. Entries
// stay in insertion order so the step list mirrors execution order.
func (b *Batch) UpsertStep(r StepResult) {
	for i := range b.Steps {
		if b.Steps[i].Name == r.Name {
			b.Steps[i] = r
			return
		}
	}
	b.Steps = append(b.Steps, r)
}

// DoneSteps counts steps that have finished, passed or failed.
func (b *Batch) DoneSteps() int {
	n := 0
	for _, s := range b.Steps {
		if s.Done() {
			n++
		}
	}
	return n
}

// ResetExecution clears per-execution state for a new execution attempt.
func (b *Batch) ResetExecution(executionID string) {
	b.ExecutionID = executionID
	b.Steps = nil
	b.Progress = 0
	b.CurrentStep = ""
	b.StepIndex = 0
	b.TotalSteps = 0
	b.ElapsedS = 0
}

// Clone returns a deep copy safe to hand to readers while the reconciler
// keeps mutating the original.
func (b *Batch) Clone() Batch {
	out := *b
	if b.Steps != nil {
		out.Steps = make([]StepResult, len(b.Steps))
		copy(out.Steps, b.Steps)
	}
	if b.Params != nil {
		out.Params = make(map[string]string, len(b.Params))
		for k, v := range b.Params {
			out.Params[k] = v
		}
	}
	if b.LastRunPassed != nil {
		v := *b.LastRunPassed
		out.LastRunPassed = &v
	}
	return out
}
