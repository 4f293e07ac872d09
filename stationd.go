// Package stationd is the embeddable facade over the station agent: the
// reconciled batch views, the local HTTP API, the run-history sinks and the
// metrics helpers, built from a single TOML config.
package stationd

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stationd/internal/batch"
	"github.com/loykin/stationd/internal/config"
	"github.com/loykin/stationd/internal/history"
	historyfactory "github.com/loykin/stationd/internal/history/factory"
	"github.com/loykin/stationd/internal/logger"
	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/reconciler"
	"github.com/loykin/stationd/internal/server"
	"github.com/loykin/stationd/internal/session"
	"github.com/loykin/stationd/internal/store"
	storefactory "github.com/loykin/stationd/internal/store/factory"
	"github.com/loykin/stationd/internal/stream"
	"github.com/loykin/stationd/pkg/client"
)

type Batch = batch.Batch

type Status = batch.Status

type StepResult = batch.StepResult

type Stats = client.Stats

type BatchStats = client.BatchStats

type LogLine = reconciler.LogLine

type RunEvent = history.RunEvent

type HistorySink = history.Sink

type Config = config.FileConfig

// ErrNotFound is returned by Agent.Batch for unknown batches.
var ErrNotFound = session.ErrNotFound

// Agent wraps a running session behind a stable public surface.
type Agent struct{ inner *session.Session }

// LoadConfig parses a TOML config file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// New builds an agent from config: logger, state store, history sinks,
// snapshot client, event stream and poller. Call Start to begin.
func New(cfg *Config) (*Agent, error) {
	log := logger.New(cfg.Log)

	var st store.Store
	if cfg.Store.DSN != "" {
		var err error
		st, err = storefactory.NewFromDSN(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
	}

	sinks := make([]history.Sink, 0, len(cfg.History))
	for _, h := range cfg.History {
		sink, err := historyfactory.NewSinkFromDSN(h.DSN)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	clientCfg := client.Config{
		BaseURL:  cfg.Remote.BaseURL,
		Timeout:  cfg.Remote.Timeout,
		Logger:   log,
		Insecure: cfg.Remote.Insecure,
	}
	if cfg.Remote.CACert != "" || cfg.Remote.ClientCert != "" {
		clientCfg.TLS = &client.TLSClientConfig{
			Enabled:    true,
			CACert:     cfg.Remote.CACert,
			ClientCert: cfg.Remote.ClientCert,
			ClientKey:  cfg.Remote.ClientKey,
		}
	}

	sess := session.New(session.Settings{
		Client: clientCfg,
		Stream: cfg.StreamSettings(),
		Poll:   cfg.PollSettings(),
		Store:  st,
		Sinks:  sinks,
		Logger: log,
	})
	return &Agent{inner: sess}, nil
}

func (a *Agent) Start(ctx context.Context) error { return a.inner.Start(ctx) }
func (a *Agent) Close() error                    { return a.inner.Close() }

func (a *Agent) Batch(ctx context.Context, id string) (Batch, error) {
	return a.inner.Batch(ctx, id)
}
func (a *Agent) Batches() []Batch                { return a.inner.Batches() }
func (a *Agent) Logs(id string, n int) []LogLine { return a.inner.Logs(id, n) }
func (a *Agent) Stats(ctx context.Context) (Stats, error) {
	return a.inner.Stats(ctx)
}

func (a *Agent) Subscribe(ids ...string)   { a.inner.Subscribe(ids) }
func (a *Agent) Unsubscribe(ids ...string) { a.inner.Unsubscribe(ids) }
func (a *Agent) Subscriptions() []string   { return a.inner.Subscriptions() }

func (a *Agent) StartRun(ctx context.Context, id string) error {
	return a.inner.StartRun(ctx, id)
}
func (a *Agent) StopRun(ctx context.Context, id string) error {
	return a.inner.StopRun(ctx, id)
}

func (a *Agent) ConnectionStatus() stream.Status { return a.inner.ConnectionStatus() }
func (a *Agent) LastSeen() time.Time             { return a.inner.LastSeen() }
func (a *Agent) FallbackActive() bool            { return a.inner.FallbackActive() }

func (a *Agent) Settings() map[string]string { return a.inner.Settings() }
func (a *Agent) PutSetting(ctx context.Context, key, value string) error {
	return a.inner.PutSetting(ctx, key, value)
}

// NewHTTPServer starts an HTTP server exposing the agent's API.
func NewHTTPServer(addr, basePath string, a *Agent) (*http.Server, error) {
	return server.NewServer(addr, basePath, a.inner)
}

// NewRouterHandler returns the agent's API as an http.Handler for mounting
// into an existing server or mux.
func NewRouterHandler(basePath string, a *Agent) http.Handler {
	return server.NewRouter(a.inner, basePath).Handler()
}

// NewHistorySink builds a run-history sink from a DSN.
func NewHistorySink(dsn string) (HistorySink, error) {
	return historyfactory.NewSinkFromDSN(dsn)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
