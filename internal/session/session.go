// Package session is the composition root of the agent: it owns the event
// stream monitor, the reconciler, the subscription manager, the fallback
// poller, the snapshot client and the persistence hooks, and exposes the
// merged batch views that every consumer (HTTP API, CLI, embedding code)
// reads.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/stationd/internal/batch"
	"github.com/loykin/stationd/internal/history"
	"github.com/loykin/stationd/internal/poller"
	"github.com/loykin/stationd/internal/reconciler"
	"github.com/loykin/stationd/internal/store"
	"github.com/loykin/stationd/internal/stream"
	"github.com/loykin/stationd/internal/subscription"
	"github.com/loykin/stationd/pkg/client"
)

// ErrNotFound is returned when a batch is unknown to both the snapshot cache
// and the live state.
var ErrNotFound = errors.New("batch not found")

// statsTTL bounds how long a cached stats response is served without a
// refetch even when nothing invalidated it.
const statsTTL = 30 * time.Second

// Settings collects everything a session needs. Store and Sinks are
// optional; a session without them simply keeps no local state across
// restarts and records no run history.
type Settings struct {
	Client client.Config
	Stream stream.Settings
	Poll   poller.Settings
	Store  store.Store
	Sinks  []history.Sink
	Logger *slog.Logger
}

// Session ties the stream, reconciler, poller and snapshot client together.
type Session struct {
	logger  *slog.Logger
	client  *client.Client
	rec     *reconciler.Reconciler
	subs    *subscription.Manager
	monitor *stream.Monitor
	poller  *poller.Poller
	store   store.Store
	sinks   []history.Sink

	mu         sync.RWMutex
	snapshots  map[string]batch.Batch
	stats      client.Stats
	statsAt    time.Time
	statsStale bool

	settingsMu sync.RWMutex
	settings   map[string]string

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// New wires a session from settings. Call Start to begin streaming and
// polling, and Close to tear everything down.
func New(s Settings) *Session {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if s.Client.Logger == nil {
		s.Client.Logger = logger
	}

	sess := &Session{
		logger:    logger,
		client:    client.New(s.Client),
		store:     s.Store,
		sinks:     s.Sinks,
		snapshots: make(map[string]batch.Batch),
		settings:  make(map[string]string),
	}

	sess.rec = reconciler.New(logger)
	sess.rec.SetInvalidator(sess)
	sess.rec.SetRunHook(sess.onRun)

	sess.monitor = stream.NewMonitor(s.Stream, logger)
	sess.monitor.SetHandler(sess.rec.Apply)

	sess.subs = subscription.NewManager(logger)
	sess.subs.SetSender(sess.monitor)

	// After every (re)connect the server replays an authoritative status for
	// each subscribed batch, so those pushes bypass the regression guards.
	sess.monitor.SetOnConnect(func() {
		ids := sess.subs.ActiveIDs()
		if len(ids) == 0 {
			return
		}
		sess.rec.ExpectInitial(ids...)
		if err := sess.monitor.SendSubscribe(ids); err != nil {
			logger.Warn("resubscribe after reconnect failed", "error", err)
		}
	})

	sess.poller = poller.New(s.Poll, sess.refresh, logger)
	sess.monitor.OnStatus(sess.poller.OnConnectionStatus)

	return sess
}

// SetNotifier forwards operator-facing notifications from the reconciler.
func (s *Session) SetNotifier(n reconciler.Notifier) {
	s.rec.SetNotifier(n)
}

// Start seeds local state from the store, connects the event stream and
// launches the snapshot poller. It returns after the goroutines are running;
// use Close to stop them.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.store != nil {
		if err := s.seed(ctx); err != nil {
			cancel()
			return err
		}
	}

	s.monitor.Connect(runCtx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poller.Run(runCtx)
	}()
	return nil
}

// Close stops the stream and poller and closes the store.
func (s *Session) Close() error {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.monitor.Close()
	s.wg.Wait()
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Session) seed(ctx context.Context) error {
	if err := s.store.EnsureSchema(ctx); err != nil {
		return err
	}
	recs, err := s.store.ListBatches(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, rec := range recs {
		s.snapshots[rec.ID] = batch.Batch{
			ID:            rec.ID,
			Name:          rec.Name,
			Status:        batch.Status(rec.Status),
			Progress:      rec.Progress,
			ExecutionID:   rec.ExecutionID,
			LastRunPassed: rec.LastRunPassed,
			ElapsedS:      rec.ElapsedS,
			UpdatedAt:     rec.UpdatedAt,
		}
	}
	s.mu.Unlock()

	settings, err := s.store.LoadSettings(ctx)
	if err != nil {
		return err
	}
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
	return nil
}

// refresh fetches the full batch list from the REST API and replaces the
// snapshot cache. Live records are left alone: the merge step keeps their
// real-time fields in front of whatever the snapshot says.
func (s *Session) refresh(ctx context.Context) {
	batches, err := s.client.ListBatches(ctx)
	if err != nil {
		s.logger.Warn("snapshot refresh failed", "error", err)
		return
	}

	next := make(map[string]batch.Batch, len(batches))
	for _, b := range batches {
		next[b.ID] = b
	}
	s.mu.Lock()
	s.snapshots = next
	s.mu.Unlock()

	if s.store != nil {
		for _, b := range batches {
			if live, ok := s.rec.Batch(b.ID); ok {
				b = batch.Merge(b, &live)
			}
			if err := s.store.UpsertBatch(ctx, recordFrom(b)); err != nil {
				s.logger.Warn("persist batch state failed", "batch", b.ID, "error", err)
			}
		}
	}
}

// Batch returns the merged view of one batch. A batch unknown to both the
// snapshot cache and the live state is fetched once from the REST API before
// giving up.
func (s *Session) Batch(ctx context.Context, id string) (batch.Batch, error) {
	s.mu.RLock()
	snap, haveSnap := s.snapshots[id]
	s.mu.RUnlock()

	live, haveLive := s.rec.Batch(id)

	if !haveSnap {
		fetched, err := s.client.GetBatch(ctx, id)
		if err == nil {
			s.mu.Lock()
			s.snapshots[id] = fetched
			s.mu.Unlock()
			snap, haveSnap = fetched, true
		}
	}

	switch {
	case haveSnap && haveLive:
		return batch.Merge(snap, &live), nil
	case haveSnap:
		return snap.Clone(), nil
	case haveLive:
		return live.Clone(), nil
	default:
		return batch.Batch{}, ErrNotFound
	}
}

// Batches returns the merged views of every known batch, sorted by ID. The
// result covers the union of the snapshot cache and live state so a batch
// seen only through events still shows up.
func (s *Session) Batches() []batch.Batch {
	s.mu.RLock()
	merged := make(map[string]batch.Batch, len(s.snapshots))
	for id, snap := range s.snapshots {
		merged[id] = snap
	}
	s.mu.RUnlock()

	for _, live := range s.rec.Batches() {
		live := live
		if snap, ok := merged[live.ID]; ok {
			merged[live.ID] = batch.Merge(snap, &live)
		} else {
			merged[live.ID] = live
		}
	}

	out := make([]batch.Batch, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Logs returns up to n recent log lines for a batch, oldest first.
func (s *Session) Logs(id string, n int) []reconciler.LogLine {
	return s.rec.Logs(id, n)
}

// Stats returns the run counters, served from cache until a completed run
// invalidates it or the cache ages out.
func (s *Session) Stats(ctx context.Context) (client.Stats, error) {
	s.mu.RLock()
	fresh := !s.statsStale && time.Since(s.statsAt) < statsTTL && !s.statsAt.IsZero()
	cached := s.stats
	s.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	stats, err := s.client.GetStats(ctx)
	if err != nil {
		return client.Stats{}, err
	}
	s.mu.Lock()
	s.stats = stats
	s.statsAt = time.Now()
	s.statsStale = false
	s.mu.Unlock()
	return stats, nil
}

// InvalidateStats marks the cached stats as stale so the next Stats call
// refetches. Implements the reconciler's Invalidator.
func (s *Session) InvalidateStats() {
	s.mu.Lock()
	s.statsStale = true
	s.mu.Unlock()
}

// InvalidateList requests an immediate snapshot refresh.
func (s *Session) InvalidateList() {
	s.poller.Kick()
}

// Subscribe registers interest in the given batches. Newly pushed initial
// status events for them are applied unconditionally.
func (s *Session) Subscribe(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.rec.ExpectInitial(ids...)
	s.subs.Subscribe(ids)
}

// Unsubscribe releases interest in the given batches.
func (s *Session) Unsubscribe(ids []string) {
	s.subs.Unsubscribe(ids)
}

// Subscriptions returns the currently referenced batch IDs, sorted.
func (s *Session) Subscriptions() []string {
	return s.subs.ActiveIDs()
}

// StartRun asks the station service to start the batch's sequence.
func (s *Session) StartRun(ctx context.Context, id string) error {
	if err := s.client.StartRun(ctx, id); err != nil {
		return err
	}
	s.poller.Kick()
	return nil
}

// StopRun asks the station service to stop the batch's running sequence.
func (s *Session) StopRun(ctx context.Context, id string) error {
	if err := s.client.StopRun(ctx, id); err != nil {
		return err
	}
	s.poller.Kick()
	return nil
}

// ConnectionStatus reports the event stream state.
func (s *Session) ConnectionStatus() stream.Status {
	return s.monitor.Status()
}

// LastSeen reports when the last frame arrived on the stream.
func (s *Session) LastSeen() time.Time {
	return s.monitor.LastSeen()
}

// FallbackActive reports whether the poller is in fast fallback mode.
func (s *Session) FallbackActive() bool {
	return s.poller.Active()
}

// Settings returns a copy of the operator settings map.
func (s *Session) Settings() map[string]string {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out
}

// PutSetting stores one operator setting, persisting it when a store is
// configured.
func (s *Session) PutSetting(ctx context.Context, key, value string) error {
	if s.store != nil {
		if err := s.store.SaveSetting(ctx, key, value); err != nil {
			return err
		}
	}
	s.settingsMu.Lock()
	s.settings[key] = value
	s.settingsMu.Unlock()
	return nil
}

// onRun records a completed run to the store and every history sink. It runs
// on the reconciler's dispatch path, so the slow parts go to a goroutine.
func (s *Session) onRun(res reconciler.RunResult) {
	b, ok := s.rec.Batch(res.BatchID)
	name := ""
	if ok {
		name = b.Name
	}
	event := history.RunEvent{
		BatchID:     res.BatchID,
		BatchName:   name,
		ExecutionID: res.ExecutionID,
		Passed:      res.Passed,
		ElapsedS:    res.ElapsedS,
		StepsTotal:  res.StepsTotal,
		StepsFailed: res.StepsFailed,
		CompletedAt: time.Now().UTC(),
	}

	// A sequence_complete landing mid-shutdown must not race Close's Wait.
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.wg.Add(1)
	s.closeMu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.store != nil && ok {
			if err := s.store.UpsertBatch(ctx, recordFrom(b)); err != nil {
				s.logger.Warn("persist run state failed", "batch", res.BatchID, "error", err)
			}
		}
		for _, sink := range s.sinks {
			if err := sink.Send(ctx, event); err != nil {
				s.logger.Warn("history sink send failed", "batch", res.BatchID, "error", err)
			}
		}
	}()
}

func recordFrom(b batch.Batch) store.Record {
	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return store.Record{
		ID:            b.ID,
		Name:          b.Name,
		Status:        string(b.Status),
		Progress:      b.Progress,
		ExecutionID:   b.ExecutionID,
		LastRunPassed: b.LastRunPassed,
		ElapsedS:      b.ElapsedS,
		UpdatedAt:     updated,
	}
}
