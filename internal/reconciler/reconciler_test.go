package reconciler

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stationd/internal/batch"
	"github.com/loykin/stationd/internal/wire"
)

type mockNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockNotifier) Notify(batchID, level, message string) {
	m.mu.Lock()
	m.calls = append(m.calls, batchID+"/"+level+"/"+message)
	m.mu.Unlock()
}

type mockInvalidator struct {
	mu    sync.Mutex
	stats int
	list  int
}

func (m *mockInvalidator) InvalidateStats() {
	m.mu.Lock()
	m.stats++
	m.mu.Unlock()
}

func (m *mockInvalidator) InvalidateList() {
	m.mu.Lock()
	m.list++
	m.mu.Unlock()
}

func event(t *testing.T, typ wire.MessageType, batchID string, payload any) wire.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return wire.Message{Type: typ, BatchID: batchID, Data: data}
}

func statusEvent(t *testing.T, batchID, status string, progress float64, execID string) wire.Message {
	t.Helper()
	return event(t, wire.TypeStatus, batchID, wire.StatusData{
		Status: status, Progress: progress, ExecutionID: execID,
	})
}

func TestStatusEventCreatesBatch(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "running", 0.25, "exec-1"))

	b, ok := r.Batch("b1")
	require.True(t, ok)
	assert.Equal(t, batch.StatusRunning, b.Status)
	assert.Equal(t, 0.25, b.Progress)
	assert.Equal(t, "exec-1", b.ExecutionID)
}

func TestProgressNeverDecreases(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "running", 0.6, "exec-1"))
	// late frame from the same execution
	r.Apply(statusEvent(t, "b1", "running", 0.3, "exec-1"))

	b, _ := r.Batch("b1")
	assert.Equal(t, 0.6, b.Progress, "progress must be monotonic within one execution")
}

func TestTerminalStatusNotRegressedByLateEvent(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "running", 0.9, "exec-1"))
	r.Apply(statusEvent(t, "b1", "completed", 1, "exec-1"))
	// a buffered running frame arrives after completion
	r.Apply(statusEvent(t, "b1", "running", 0.95, "exec-1"))

	b, _ := r.Batch("b1")
	assert.Equal(t, batch.StatusCompleted, b.Status)
	assert.Equal(t, 1.0, b.Progress)
}

func TestErrorEscapesTerminalState(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "completed", 1, "exec-1"))
	r.Apply(statusEvent(t, "b1", "error", 0, "exec-1"))

	b, _ := r.Batch("b1")
	assert.Equal(t, batch.StatusError, b.Status)
}

func TestFreshRunEscapesTerminalState(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "completed", 1, "exec-1"))
	r.Apply(statusEvent(t, "b1", "running", 0, "exec-2"))

	b, _ := r.Batch("b1")
	assert.Equal(t, batch.StatusRunning, b.Status)
	assert.Equal(t, "exec-2", b.ExecutionID)
	assert.Equal(t, 0.0, b.Progress)
	assert.Empty(t, b.Steps, "a new execution starts with a clean step list")
}

func TestCompletedForcesFullProgress(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "running", 0.7, "exec-1"))
	r.Apply(statusEvent(t, "b1", "completed", 0.7, "exec-1"))

	b, _ := r.Batch("b1")
	assert.Equal(t, 1.0, b.Progress, "completed implies full progress")
}

func TestInitialPushBypassesGuards(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "completed", 1, "exec-1"))

	// authoritative push after a resubscribe may legitimately report less
	r.Apply(event(t, wire.TypeStatus, "b1", wire.StatusData{
		Status: "running", Progress: 0.4, ExecutionID: "exec-2", Initial: true,
	}))

	b, _ := r.Batch("b1")
	assert.Equal(t, batch.StatusRunning, b.Status)
	assert.Equal(t, 0.4, b.Progress)
	assert.Equal(t, "exec-2", b.ExecutionID)
}

func TestInitialPushWithNewExecutionClearsSteps(t *testing.T) {
	r := New(nil)
	r.Apply(event(t, wire.TypeSequenceComplete, "b1", wire.SequenceCompleteData{
		ExecutionID: "exec-1", Passed: true, ElapsedS: 30,
		Steps: []wire.SequenceStepData{
			{Step: "flash", Status: "completed", Passed: true},
			{Step: "boot", Status: "completed", Passed: true},
			{Step: "selftest", Status: "completed", Passed: true},
		},
	}))

	// authoritative push after a reconnect announces a fresh execution
	r.ExpectInitial("b1")
	r.Apply(event(t, wire.TypeStatus, "b1", wire.StatusData{
		Status: "running", Progress: 0, ExecutionID: "exec-2", TotalSteps: 3,
	}))

	b, _ := r.Batch("b1")
	require.Empty(t, b.Steps, "old run's steps must not leak into the new one")
	require.Equal(t, 0.0, b.Progress)

	r.Apply(event(t, wire.TypeStepComplete, "b1", wire.StepCompleteData{
		ExecutionID: "exec-2", Step: "flash", StepIndex: 0, Passed: true,
	}))

	b, _ = r.Batch("b1")
	require.Len(t, b.Steps, 1)
	assert.InDelta(t, 1.0/3.0, b.Progress, 1e-9)
}

func TestExpectInitialConsumedOnce(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "completed", 1, "exec-1"))

	r.ExpectInitial("b1")
	r.Apply(statusEvent(t, "b1", "running", 0.4, "exec-2"))
	b, _ := r.Batch("b1")
	require.Equal(t, 0.4, b.Progress)

	// the bypass is single-shot: the next regressing frame is dropped again
	r.Apply(statusEvent(t, "b1", "running", 0.1, "exec-2"))
	b, _ = r.Batch("b1")
	assert.Equal(t, 0.4, b.Progress)
}

func TestSubscribedAckArmsInitialBypass(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "completed", 1, "exec-1"))

	r.Apply(event(t, wire.TypeSubscribed, "", wire.AckData{IDs: []string{"b1"}}))
	r.Apply(statusEvent(t, "b1", "running", 0.2, "exec-2"))

	b, _ := r.Batch("b1")
	assert.Equal(t, batch.StatusRunning, b.Status)
	assert.Equal(t, 0.2, b.Progress)
}

func TestStepCompleteFromStaleExecutionDiscarded(t *testing.T) {
	r := New(nil)
	r.Apply(event(t, wire.TypeStepStart, "b1", wire.StepStartData{
		ExecutionID: "exec-2", Step: "flash", StepIndex: 0, TotalSteps: 2,
	}))

	// completion of a step from the superseded run
	r.Apply(event(t, wire.TypeStepComplete, "b1", wire.StepCompleteData{
		ExecutionID: "exec-1", Step: "old-step", Passed: true,
	}))

	b, _ := r.Batch("b1")
	require.Len(t, b.Steps, 1)
	assert.Equal(t, "flash", b.Steps[0].Name)
	assert.Equal(t, 0.0, b.Progress, "stale completion must not advance progress")
}

func TestStepCompleteAdvancesProgress(t *testing.T) {
	r := New(nil)
	r.Apply(event(t, wire.TypeStepStart, "b1", wire.StepStartData{
		ExecutionID: "exec-1", Step: "flash", StepIndex: 0, TotalSteps: 4,
	}))
	r.Apply(event(t, wire.TypeStepComplete, "b1", wire.StepCompleteData{
		ExecutionID: "exec-1", Step: "flash", StepIndex: 0, Passed: true, DurationS: 1.5,
	}))

	b, _ := r.Batch("b1")
	assert.Equal(t, 0.25, b.Progress)
	require.Len(t, b.Steps, 1)
	assert.Equal(t, "completed", b.Steps[0].Status)
	assert.True(t, b.Steps[0].Passed)
}

func TestStepStartWithNewExecutionResetsState(t *testing.T) {
	r := New(nil)
	r.Apply(event(t, wire.TypeStepStart, "b1", wire.StepStartData{
		ExecutionID: "exec-1", Step: "flash", TotalSteps: 2,
	}))
	r.Apply(event(t, wire.TypeStepComplete, "b1", wire.StepCompleteData{
		ExecutionID: "exec-1", Step: "flash", Passed: true,
	}))
	r.Apply(event(t, wire.TypeStepStart, "b1", wire.StepStartData{
		ExecutionID: "exec-2", Step: "flash", TotalSteps: 2,
	}))

	b, _ := r.Batch("b1")
	assert.Equal(t, "exec-2", b.ExecutionID)
	assert.Equal(t, 0.0, b.Progress)
	require.Len(t, b.Steps, 1)
	assert.Equal(t, "running", b.Steps[0].Status)
}

func TestSequenceCompleteSetsFinalState(t *testing.T) {
	r := New(nil)
	inv := &mockInvalidator{}
	r.SetInvalidator(inv)

	var results []RunResult
	r.SetRunHook(func(res RunResult) { results = append(results, res) })

	r.Apply(event(t, wire.TypeStepStart, "b1", wire.StepStartData{
		ExecutionID: "exec-1", Step: "flash", TotalSteps: 2,
	}))
	r.Apply(event(t, wire.TypeSequenceComplete, "b1", wire.SequenceCompleteData{
		ExecutionID: "exec-1",
		Passed:      false,
		ElapsedS:    12.5,
		Steps: []wire.SequenceStepData{
			{Step: "flash", StepIndex: 0, Status: "completed", Passed: true, DurationS: 3},
			{Step: "probe", StepIndex: 1, Status: "failed", Passed: false, DurationS: 9},
		},
	}))

	b, _ := r.Batch("b1")
	assert.Equal(t, batch.StatusCompleted, b.Status)
	assert.Equal(t, 1.0, b.Progress)
	assert.Equal(t, 12.5, b.ElapsedS)
	require.NotNil(t, b.LastRunPassed)
	assert.False(t, *b.LastRunPassed)
	require.Len(t, b.Steps, 2)
	assert.Equal(t, "probe", b.Steps[1].Name)

	assert.Equal(t, 1, inv.stats, "a finished run invalidates cached stats")
	require.Len(t, results, 1)
	assert.Equal(t, "b1", results[0].BatchID)
	assert.Equal(t, 2, results[0].StepsTotal)
	assert.Equal(t, 1, results[0].StepsFailed)
}

func TestSequenceCompleteFromStaleExecutionDiscarded(t *testing.T) {
	r := New(nil)
	r.Apply(event(t, wire.TypeStepStart, "b1", wire.StepStartData{
		ExecutionID: "exec-2", Step: "flash", TotalSteps: 2,
	}))
	r.Apply(event(t, wire.TypeSequenceComplete, "b1", wire.SequenceCompleteData{
		ExecutionID: "exec-1", Passed: true, ElapsedS: 3,
	}))

	b, _ := r.Batch("b1")
	assert.Equal(t, batch.StatusRunning, b.Status)
	assert.Nil(t, b.LastRunPassed)
}

func TestStaleEventsDoNotLeakAcrossBatches(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "running", 0.5, "exec-a"))
	r.Apply(statusEvent(t, "b2", "running", 0.8, "exec-b"))

	// stale step completion for b1 must leave b2 untouched
	r.Apply(event(t, wire.TypeStepComplete, "b1", wire.StepCompleteData{
		ExecutionID: "exec-old", Step: "x", Passed: true,
	}))

	b2, _ := r.Batch("b2")
	assert.Equal(t, 0.8, b2.Progress)
	assert.Equal(t, "exec-b", b2.ExecutionID)
}

func TestErrorEventNotifiesWithoutChangingStatus(t *testing.T) {
	r := New(nil)
	n := &mockNotifier{}
	r.SetNotifier(n)

	r.Apply(statusEvent(t, "b1", "running", 0.5, "exec-1"))
	r.Apply(event(t, wire.TypeError, "b1", wire.ErrorData{Message: "fixture jam"}))

	b, _ := r.Batch("b1")
	assert.Equal(t, batch.StatusRunning, b.Status, "error events alone never change status")
	require.Len(t, n.calls, 1)
	assert.Equal(t, "b1/error/fixture jam", n.calls[0])

	logs := r.Logs("b1", 10)
	require.Len(t, logs, 1)
	assert.Equal(t, "error", logs[0].Level)
}

func TestLogEventAppendsToRing(t *testing.T) {
	r := New(nil)
	r.Apply(event(t, wire.TypeLog, "b1", wire.LogData{Level: "info", Message: "homing axis"}))
	r.Apply(event(t, wire.TypeLog, "b1", wire.LogData{Level: "warning", Message: "retrying probe"}))

	logs := r.Logs("b1", 10)
	require.Len(t, logs, 2)
	assert.Equal(t, "homing axis", logs[0].Message)
	assert.Equal(t, "retrying probe", logs[1].Message)
}

func TestBatchDeletedSignalsListInvalidation(t *testing.T) {
	r := New(nil)
	inv := &mockInvalidator{}
	r.SetInvalidator(inv)

	r.Apply(wire.Message{Type: wire.TypeBatchCreated, BatchID: "b9"})
	r.Apply(wire.Message{Type: wire.TypeBatchDeleted, BatchID: "b9"})

	assert.Equal(t, 2, inv.list)
	_, ok := r.Batch("b9")
	assert.False(t, ok, "list-level signals never create per-batch state")
}

func TestMalformedPayloadDropped(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "running", 0.5, "exec-1"))
	r.Apply(wire.Message{Type: wire.TypeStatus, BatchID: "b1", Data: json.RawMessage(`{"progress":"half"}`)})
	r.Apply(wire.Message{Type: wire.TypeStepComplete, BatchID: "b1", Data: json.RawMessage(`[1,2]`)})

	b, _ := r.Batch("b1")
	assert.Equal(t, 0.5, b.Progress, "malformed events must not corrupt state")
}

func TestUnknownStatusDropped(t *testing.T) {
	r := New(nil)
	r.Apply(statusEvent(t, "b1", "running", 0.5, "exec-1"))
	r.Apply(statusEvent(t, "b1", "warp", 0.9, "exec-1"))

	b, _ := r.Batch("b1")
	assert.Equal(t, batch.StatusRunning, b.Status)
	assert.Equal(t, 0.5, b.Progress)
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	r := New(nil)
	r.Apply(wire.Message{Type: "telemetry", BatchID: "b1"})
	_, ok := r.Batch("b1")
	assert.False(t, ok)
}

func TestReadersReceiveCopies(t *testing.T) {
	r := New(nil)
	r.Apply(event(t, wire.TypeStepStart, "b1", wire.StepStartData{
		ExecutionID: "exec-1", Step: "flash", TotalSteps: 2,
	}))

	b, _ := r.Batch("b1")
	b.Steps[0].Name = "mutated"

	again, _ := r.Batch("b1")
	assert.Equal(t, "flash", again.Steps[0].Name)
}
