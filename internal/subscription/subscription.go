// Package subscription reference-counts interest in per-batch update streams
// so multiple consumers can subscribe and unsubscribe independently without
// one consumer's cleanup killing another's active subscription.
package subscription

import (
	"log/slog"
	"sort"
	"sync"
)

// Sender issues subscription control requests on the event stream. The
// connection monitor implements it; send failures while disconnected are
// expected and recovered by resubscription on reconnect.
type Sender interface {
	SendSubscribe(ids []string) error
	SendUnsubscribe(ids []string) error
	Connected() bool
}

// Manager tracks per-batch subscriber counts. A batch is subscribed on the
// wire while its count is above zero; the count never goes negative.
type Manager struct {
	mu     sync.Mutex
	refs   map[string]int
	sender Sender
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{refs: make(map[string]int), logger: logger}
}

// SetSender wires the stream used for subscribe/unsubscribe requests.
func (m *Manager) SetSender(s Sender) {
	m.mu.Lock()
	m.sender = s
	m.mu.Unlock()
}

// Subscribe increments the count for every id and, when the connection is
// open, sends a subscribe request for the full given list. Duplicate
// subscribe requests are deliberately not filtered: the server treats a
// subscription as a set, and resending is cheaper than risking a subscribe
// that was swallowed by a connection that was not open at an earlier call.
func (m *Manager) Subscribe(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range ids {
		m.refs[id]++
	}
	sender := m.sender
	m.mu.Unlock()

	if sender != nil && sender.Connected() {
		if err := sender.SendSubscribe(ids); err != nil {
			m.logger.Debug("subscribe request failed, will resubscribe on reconnect", "error", err)
		}
	}
}

// Unsubscribe decrements the count for every id and sends an unsubscribe
// request only for ids whose count reaches exactly zero. Ids already at zero
// are no-ops.
func (m *Manager) Unsubscribe(ids []string) {
	if len(ids) == 0 {
		return
	}
	var drop []string
	m.mu.Lock()
	for _, id := range ids {
		n, ok := m.refs[id]
		if !ok || n == 0 {
			continue
		}
		n--
		if n == 0 {
			delete(m.refs, id)
			drop = append(drop, id)
		} else {
			m.refs[id] = n
		}
	}
	sender := m.sender
	m.mu.Unlock()

	if len(drop) > 0 && sender != nil && sender.Connected() {
		if err := sender.SendUnsubscribe(drop); err != nil {
			m.logger.Debug("unsubscribe request failed", "error", err)
		}
	}
}

// ActiveIDs returns all ids with a non-zero count, sorted. The connection
// monitor resubscribes these after a reconnect.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.refs))
	for id := range m.refs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the current subscriber count for id.
func (m *Manager) Count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[id]
}
