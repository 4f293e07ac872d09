// Package reconciler owns the authoritative in-memory state for every
// subscribed batch. It is the sole mutator of that state: the stream read
// loop feeds it one event at a time and every update is applied atomically
// under a single lock, so readers never observe a torn record.
package reconciler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/stationd/internal/batch"
	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/wire"
)

// Notifier receives user-facing messages for error and warning conditions.
// Implementations are owned by a UI collaborator (toast sink, CLI printer).
type Notifier interface {
	Notify(batchID, level, message string)
}

// Invalidator is the "mark stale / refetch" signal issued to the surrounding
// data-fetching layer when server-side aggregate state may have changed.
type Invalidator interface {
	InvalidateStats()
	InvalidateList()
}

// RunResult summarizes a finished execution, emitted on sequence_complete.
type RunResult struct {
	BatchID     string
	ExecutionID string
	Passed      bool
	ElapsedS    float64
	StepsTotal  int
	StepsFailed int
	CompletedAt time.Time
}

// Reconciler applies stream events to per-batch state while enforcing the
// ordering and regression invariants:
//
//   - progress is monotonically non-decreasing within one execution
//   - completed/error are soft-terminal; only a fresh running event with
//     zero progress (a new execution) escapes them
//   - step and sequence events from a superseded execution are discarded
//   - reaching completed forces progress to 1.0
//
// Stale and malformed events are dropped, never surfaced as errors.
type Reconciler struct {
	mu            sync.RWMutex
	batches       map[string]*batch.Batch
	expectInitial map[string]bool
	logs          map[string]*logRing

	logger      *slog.Logger
	notifier    Notifier
	invalidator Invalidator
	onRun       func(RunResult)
}

// New constructs an empty reconciler. Each application session gets its own
// instance; there is no package-level state.
func New(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		batches:       make(map[string]*batch.Batch),
		expectInitial: make(map[string]bool),
		logs:          make(map[string]*logRing),
		logger:        logger,
	}
}

// SetNotifier wires the user-facing message sink. Passing nil disables it.
func (r *Reconciler) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// SetInvalidator wires the cache-invalidation signal. Passing nil disables it.
func (r *Reconciler) SetInvalidator(inv Invalidator) {
	r.mu.Lock()
	r.invalidator = inv
	r.mu.Unlock()
}

// SetRunHook registers a callback invoked after every sequence_complete,
// outside the state lock. Used by the session to persist run history.
func (r *Reconciler) SetRunHook(fn func(RunResult)) {
	r.mu.Lock()
	r.onRun = fn
	r.mu.Unlock()
}

// ExpectInitial marks ids whose next status event is an authoritative push
// that bypasses all regression guards. Called when a subscribe is issued or
// acknowledged; right after (re)connecting the server is the source of truth.
func (r *Reconciler) ExpectInitial(ids ...string) {
	r.mu.Lock()
	for _, id := range ids {
		r.expectInitial[id] = true
	}
	r.mu.Unlock()
}

// Batch returns a copy of the live record for id, if one exists.
func (r *Reconciler) Batch(id string) (batch.Batch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	if !ok {
		return batch.Batch{}, false
	}
	return b.Clone(), true
}

// Batches returns copies of all live records.
func (r *Reconciler) Batches() []batch.Batch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]batch.Batch, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, b.Clone())
	}
	return out
}

// Status returns the live status for id, if a live record exists.
func (r *Reconciler) Status(id string) (batch.Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	if !ok {
		return "", false
	}
	return b.Status, true
}

// Apply processes one stream event. It never returns an error: transport
// problems are the monitor's concern and data-level anomalies (stale events,
// unparsable payloads) are logged and dropped without touching other batches.
func (r *Reconciler) Apply(msg wire.Message) {
	switch msg.Type {
	case wire.TypeStatus:
		r.applyStatus(msg)
	case wire.TypeStepStart:
		r.applyStepStart(msg)
	case wire.TypeStepComplete:
		r.applyStepComplete(msg)
	case wire.TypeSequenceComplete:
		r.applySequenceComplete(msg)
	case wire.TypeLog:
		r.applyLog(msg)
	case wire.TypeError:
		r.applyError(msg)
	case wire.TypeSubscribed:
		r.applySubscribed(msg)
	case wire.TypeUnsubscribed:
		// ack only, nothing to reconcile
	case wire.TypeBatchCreated, wire.TypeBatchDeleted:
		// list-level signals: forwarded, never merged into per-batch state
		r.mu.RLock()
		inv := r.invalidator
		r.mu.RUnlock()
		if inv != nil {
			inv.InvalidateList()
		}
		metrics.IncEventApplied(string(msg.Type))
	case wire.TypeHeartbeat:
		// liveness only, handled by the connection monitor
	default:
		r.logger.Debug("ignoring unknown event type", "type", msg.Type, "batch", msg.BatchID)
		metrics.IncEventDiscarded("unknown_type")
	}
}

func (r *Reconciler) applyStatus(msg wire.Message) {
	var data wire.StatusData
	if err := msg.DecodeData(&data); err != nil {
		r.dropMalformed(msg, err)
		return
	}
	status := batch.Status(data.Status)
	if !status.Valid() {
		r.logger.Warn("dropping status event with unknown status", "batch", msg.BatchID, "status", data.Status)
		metrics.IncEventDiscarded("invalid_status")
		return
	}

	r.mu.Lock()
	b := r.get(msg.BatchID)
	initial := data.Initial || r.expectInitial[msg.BatchID]
	delete(r.expectInitial, msg.BatchID)

	if initial {
		// Authoritative push right after a subscribe ack: the server is the
		// source of truth, so overwrite without regression checks. A changed
		// execution id still starts a new execution: the old run's steps must
		// not leak into the new one.
		if data.ExecutionID != "" && data.ExecutionID != b.ExecutionID {
			b.ResetExecution(data.ExecutionID)
		}
		b.Status = status
		b.Progress = data.Progress
		b.ExecutionID = data.ExecutionID
		b.CurrentStep = data.CurrentStep
		b.StepIndex = data.StepIndex
		if data.TotalSteps > 0 {
			b.TotalSteps = data.TotalSteps
		}
		if data.LastRunPassed != nil {
			v := *data.LastRunPassed
			b.LastRunPassed = &v
		}
		if status == batch.StatusCompleted {
			b.Progress = 1
		}
		b.UpdatedAt = time.Now().UTC()
		r.mu.Unlock()
		metrics.IncEventApplied(string(msg.Type))
		return
	}

	if b.Status.Terminal() {
		switch {
		case status == batch.StatusError:
			// error is always accepted
		case status == batch.StatusRunning && data.Progress == 0:
			// explicit new execution escapes the terminal state
			b.ResetExecution(data.ExecutionID)
		default:
			r.mu.Unlock()
			metrics.IncEventDiscarded("status_regression")
			return
		}
	} else if status == batch.StatusRunning && data.Progress == 0 &&
		data.ExecutionID != "" && data.ExecutionID != b.ExecutionID {
		// new execution announced via status rather than step_start
		b.ResetExecution(data.ExecutionID)
	}

	b.Status = status
	if data.ExecutionID != "" {
		b.ExecutionID = data.ExecutionID
	}
	// progress never regresses within one execution
	if data.Progress > b.Progress {
		b.Progress = data.Progress
	}
	if status == batch.StatusCompleted {
		b.Progress = 1
	}
	if data.CurrentStep != "" {
		b.CurrentStep = data.CurrentStep
		b.StepIndex = data.StepIndex
	}
	if data.TotalSteps > 0 {
		b.TotalSteps = data.TotalSteps
	}
	b.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()
	metrics.IncEventApplied(string(msg.Type))
}

func (r *Reconciler) applyStepStart(msg wire.Message) {
	var data wire.StepStartData
	if err := msg.DecodeData(&data); err != nil {
		r.dropMalformed(msg, err)
		return
	}

	r.mu.Lock()
	b := r.get(msg.BatchID)
	if data.ExecutionID != b.ExecutionID {
		// a different execution id on step_start means a new run began
		b.ResetExecution(data.ExecutionID)
	}
	b.Status = batch.StatusRunning
	b.CurrentStep = data.Step
	b.StepIndex = data.StepIndex
	if data.TotalSteps > 0 {
		b.TotalSteps = data.TotalSteps
	}
	b.UpsertStep(batch.StepResult{
		Name:   data.Step,
		Order:  data.StepIndex,
		Status: "running",
	})
	b.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()
	metrics.IncEventApplied(string(msg.Type))
}

func (r *Reconciler) applyStepComplete(msg wire.Message) {
	var data wire.StepCompleteData
	if err := msg.DecodeData(&data); err != nil {
		r.dropMalformed(msg, err)
		return
	}

	r.mu.Lock()
	b := r.get(msg.BatchID)
	if data.ExecutionID != b.ExecutionID {
		// the event belongs to a superseded execution
		r.mu.Unlock()
		metrics.IncEventDiscarded("stale_execution")
		return
	}

	stepStatus := "completed"
	if !data.Passed {
		stepStatus = "failed"
	}
	b.UpsertStep(batch.StepResult{
		Name:      data.Step,
		Order:     data.StepIndex,
		Status:    stepStatus,
		Passed:    data.Passed,
		DurationS: data.DurationS,
		Result:    data.Result,
	})

	total := b.TotalSteps
	if total <= 0 {
		total = len(b.Steps)
	}
	if total > 0 {
		progress := float64(b.DoneSteps()) / float64(total)
		if progress > 1 {
			progress = 1
		}
		// clamp non-decreasing
		if progress > b.Progress {
			b.Progress = progress
		}
	}
	b.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	if data.Passed {
		r.logger.Info("step passed", "batch", msg.BatchID, "step", data.Step, "duration_s", data.DurationS)
		r.appendLog(msg.BatchID, "info", "step "+data.Step+" passed")
	} else {
		r.logger.Warn("step failed", "batch", msg.BatchID, "step", data.Step, "duration_s", data.DurationS)
		r.appendLog(msg.BatchID, "warning", "step "+data.Step+" failed")
	}
	metrics.IncEventApplied(string(msg.Type))
}

func (r *Reconciler) applySequenceComplete(msg wire.Message) {
	var data wire.SequenceCompleteData
	if err := msg.DecodeData(&data); err != nil {
		r.dropMalformed(msg, err)
		return
	}

	r.mu.Lock()
	b := r.get(msg.BatchID)
	if b.ExecutionID != "" && data.ExecutionID != "" && data.ExecutionID != b.ExecutionID {
		r.mu.Unlock()
		metrics.IncEventDiscarded("stale_execution")
		return
	}
	if data.ExecutionID != "" {
		b.ExecutionID = data.ExecutionID
	}

	// the event's step array is authoritative for the finished run
	steps := make([]batch.StepResult, 0, len(data.Steps))
	failed := 0
	for _, s := range data.Steps {
		if !s.Passed {
			failed++
		}
		steps = append(steps, batch.StepResult{
			Name:      s.Step,
			Order:     s.StepIndex,
			Status:    s.Status,
			Passed:    s.Passed,
			DurationS: s.DurationS,
			Result:    s.Result,
		})
	}
	b.Steps = steps
	passed := data.Passed
	b.LastRunPassed = &passed
	b.ElapsedS = data.ElapsedS
	b.Status = batch.StatusCompleted
	b.Progress = 1
	b.CurrentStep = ""
	b.UpdatedAt = time.Now().UTC()
	result := RunResult{
		BatchID:     msg.BatchID,
		ExecutionID: b.ExecutionID,
		Passed:      data.Passed,
		ElapsedS:    data.ElapsedS,
		StepsTotal:  len(steps),
		StepsFailed: failed,
		CompletedAt: time.Now().UTC(),
	}
	inv := r.invalidator
	onRun := r.onRun
	r.mu.Unlock()

	r.logger.Info("sequence complete", "batch", msg.BatchID, "passed", data.Passed, "elapsed_s", data.ElapsedS)
	if data.Passed {
		r.appendLog(msg.BatchID, "info", "sequence completed: pass")
	} else {
		r.appendLog(msg.BatchID, "warning", "sequence completed: fail")
	}
	metrics.IncEventApplied(string(msg.Type))
	metrics.ObserveRunCompleted(data.Passed, data.ElapsedS)
	if inv != nil {
		// server-side aggregate statistics changed
		inv.InvalidateStats()
	}
	if onRun != nil {
		onRun(result)
	}
}

func (r *Reconciler) applyLog(msg wire.Message) {
	var data wire.LogData
	if err := msg.DecodeData(&data); err != nil {
		r.dropMalformed(msg, err)
		return
	}
	r.appendLog(msg.BatchID, data.Level, data.Message)
	metrics.IncEventApplied(string(msg.Type))
}

func (r *Reconciler) applyError(msg wire.Message) {
	var data wire.ErrorData
	if err := msg.DecodeData(&data); err != nil {
		r.dropMalformed(msg, err)
		return
	}
	// an error event does not change batch status by itself
	r.logger.Error("batch error event", "batch", msg.BatchID, "message", data.Message)
	r.appendLog(msg.BatchID, "error", data.Message)
	r.mu.RLock()
	n := r.notifier
	r.mu.RUnlock()
	if n != nil {
		n.Notify(msg.BatchID, "error", data.Message)
	}
	metrics.IncEventApplied(string(msg.Type))
}

func (r *Reconciler) applySubscribed(msg wire.Message) {
	var data wire.AckData
	if len(msg.Data) > 0 {
		if err := msg.DecodeData(&data); err != nil {
			r.dropMalformed(msg, err)
			return
		}
	}
	ids := data.IDs
	if len(ids) == 0 && msg.BatchID != "" {
		ids = []string{msg.BatchID}
	}
	r.ExpectInitial(ids...)
	metrics.IncEventApplied(string(msg.Type))
}

// get returns the live record for id, creating an idle one on first sight.
// Callers must hold r.mu.
func (r *Reconciler) get(id string) *batch.Batch {
	b, ok := r.batches[id]
	if !ok {
		b = &batch.Batch{ID: id, Status: batch.StatusIdle}
		r.batches[id] = b
	}
	return b
}

func (r *Reconciler) dropMalformed(msg wire.Message, err error) {
	r.logger.Warn("dropping malformed event", "type", msg.Type, "batch", msg.BatchID, "error", err)
	metrics.IncEventDiscarded("malformed")
}
