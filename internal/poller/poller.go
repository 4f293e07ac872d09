// Package poller drives periodic snapshot refetching and compensates for
// event-stream outages by tightening the poll interval while the stream is
// down (fallback polling).
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/stream"
)

// Settings holds the polling cadence knobs.
type Settings struct {
	Interval         time.Duration // normal list-snapshot interval
	FallbackInterval time.Duration // materially shorter, used while fallback is active
	ActivationDelay  time.Duration // sustained-loss threshold before fallback engages
}

func DefaultSettings() Settings {
	return Settings{
		Interval:         30 * time.Second,
		FallbackInterval: 3 * time.Second,
		ActivationDelay:  5 * time.Second,
	}
}

// Poller runs the snapshot refresh loop. Its fallback state machine:
//
//	inactive -> (connection lost, sustained >= ActivationDelay) -> active
//	active   -> (connection restored) -> inactive + one immediate refetch
//
// The short activation delay prevents flapping on brief connection blips.
type Poller struct {
	settings Settings
	logger   *slog.Logger
	refresh  func(ctx context.Context)

	mu      sync.Mutex
	active  bool
	down    bool
	pending *time.Timer

	kick chan struct{}
}

// New constructs a poller around a refresh function. The refresh function
// fetches list-level snapshots and aggregate statistics; polling suppression
// for individual active batches happens inside it, not here.
func New(settings Settings, refresh func(ctx context.Context), logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Interval <= 0 {
		settings.Interval = DefaultSettings().Interval
	}
	if settings.FallbackInterval <= 0 {
		settings.FallbackInterval = DefaultSettings().FallbackInterval
	}
	if settings.ActivationDelay <= 0 {
		settings.ActivationDelay = DefaultSettings().ActivationDelay
	}
	return &Poller{
		settings: settings,
		logger:   logger,
		refresh:  refresh,
		kick:     make(chan struct{}, 1),
	}
}

// Active reports whether fallback polling is currently engaged.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Kick requests an immediate refresh out of cycle.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// OnConnectionStatus is registered as a stream status observer. Connection
// loss arms the activation timer; recovery disarms it and, if fallback was
// engaged, forces one immediate refetch to resynchronize after the outage.
func (p *Poller) OnConnectionStatus(s stream.Status) {
	switch s {
	case stream.StatusConnected:
		p.mu.Lock()
		p.down = false
		if p.pending != nil {
			p.pending.Stop()
			p.pending = nil
		}
		wasActive := p.active
		p.active = false
		p.mu.Unlock()
		if wasActive {
			p.logger.Info("event stream recovered, fallback polling off")
			metrics.SetFallbackActive(false)
			p.Kick()
		}
	case stream.StatusDisconnected, stream.StatusError:
		p.mu.Lock()
		p.down = true
		if !p.active && p.pending == nil {
			p.pending = time.AfterFunc(p.settings.ActivationDelay, p.activate)
		}
		p.mu.Unlock()
	case stream.StatusConnecting:
		// transient, keep whatever state we are in
	}
}

func (p *Poller) activate() {
	p.mu.Lock()
	p.pending = nil
	// Stop on an already-fired timer cannot unschedule it: the callback may
	// run after a recovery stopped the timer. The stream must still be down.
	if p.active || !p.down {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.mu.Unlock()
	p.logger.Warn("event stream still down, fallback polling on",
		"interval", p.settings.FallbackInterval)
	metrics.SetFallbackActive(true)
	p.Kick()
}

// Run executes the poll loop until ctx is canceled. One refresh happens
// immediately so a fresh session has data before the first tick.
func (p *Poller) Run(ctx context.Context) {
	p.refresh(ctx)
	metrics.IncSnapshotPoll()

	timer := time.NewTimer(p.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		p.refresh(ctx)
		metrics.IncSnapshotPoll()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.interval())
	}
}

func (p *Poller) interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return p.settings.FallbackInterval
	}
	return p.settings.Interval
}
