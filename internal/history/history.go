package history

import (
	"context"
	"time"
)

// RunEvent records one finished sequence execution, exported to external
// analytics/statistics systems after every sequence_complete.
type RunEvent struct {
	BatchID     string    `json:"batch_id"`
	BatchName   string    `json:"batch_name,omitempty"`
	ExecutionID string    `json:"execution_id"`
	Passed      bool      `json:"passed"`
	ElapsedS    float64   `json:"elapsed_s"`
	StepsTotal  int       `json:"steps_total"`
	StepsFailed int       `json:"steps_failed"`
	CompletedAt time.Time `json:"completed_at"`
}

// Sink is a destination for run history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e RunEvent) error
}
