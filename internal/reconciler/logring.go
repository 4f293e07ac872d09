package reconciler

import (
	"sync"
	"time"
)

const logRingCapacity = 200

// LogLine is one entry of a batch's recent log buffer.
type LogLine struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// logRing is a fixed-capacity buffer of the most recent log lines for one
// batch. Old lines are overwritten once the capacity is reached.
type logRing struct {
	mu    sync.Mutex
	lines []LogLine
	next  int
	full  bool
}

func newLogRing() *logRing {
	return &logRing{lines: make([]LogLine, logRingCapacity)}
}

func (lr *logRing) append(line LogLine) {
	lr.mu.Lock()
	lr.lines[lr.next] = line
	lr.next = (lr.next + 1) % len(lr.lines)
	if lr.next == 0 {
		lr.full = true
	}
	lr.mu.Unlock()
}

// tail returns up to n lines, oldest first.
func (lr *logRing) tail(n int) []LogLine {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	var ordered []LogLine
	if lr.full {
		ordered = append(ordered, lr.lines[lr.next:]...)
		ordered = append(ordered, lr.lines[:lr.next]...)
	} else {
		ordered = append(ordered, lr.lines[:lr.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// appendLog records a log line in the batch's ring buffer.
func (r *Reconciler) appendLog(batchID, level, message string) {
	r.mu.Lock()
	ring, ok := r.logs[batchID]
	if !ok {
		ring = newLogRing()
		r.logs[batchID] = ring
	}
	r.mu.Unlock()
	ring.append(LogLine{At: time.Now().UTC(), Level: level, Message: message})
}

// Logs returns up to n recent log lines for a batch, oldest first.
func (r *Reconciler) Logs(batchID string, n int) []LogLine {
	r.mu.RLock()
	ring, ok := r.logs[batchID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return ring.tail(n)
}
