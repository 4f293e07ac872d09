package reconciler

import (
	"strconv"
	"testing"
)

func TestLogRingOverwritesOldest(t *testing.T) {
	lr := newLogRing()
	for i := 0; i < logRingCapacity+10; i++ {
		lr.append(LogLine{Message: strconv.Itoa(i)})
	}

	lines := lr.tail(0)
	if len(lines) != logRingCapacity {
		t.Fatalf("expected %d lines, got %d", logRingCapacity, len(lines))
	}
	if lines[0].Message != "10" {
		t.Fatalf("oldest surviving line should be 10, got %s", lines[0].Message)
	}
	if lines[len(lines)-1].Message != strconv.Itoa(logRingCapacity+9) {
		t.Fatalf("newest line wrong: %s", lines[len(lines)-1].Message)
	}
}

func TestLogRingTailLimit(t *testing.T) {
	lr := newLogRing()
	for i := 0; i < 5; i++ {
		lr.append(LogLine{Message: strconv.Itoa(i)})
	}
	lines := lr.tail(3)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0].Message != "2" || lines[2].Message != "4" {
		t.Fatalf("tail should return the newest lines oldest-first: %v", lines)
	}
}

func TestLogsUnknownBatch(t *testing.T) {
	r := New(nil)
	if lines := r.Logs("nope", 10); lines != nil {
		t.Fatalf("expected nil for unknown batch, got %v", lines)
	}
}
