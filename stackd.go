package stackd

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/ravel-hq/stackd/internal/config"
	"github.com/ravel-hq/stackd/internal/history"
	"github.com/ravel-hq/stackd/internal/history/clickhouse"
	"github.com/ravel-hq/stackd/internal/metrics"
	"github.com/ravel-hq/stackd/internal/orchestrator"
	"github.com/ravel-hq/stackd/internal/registry"
	iapi "github.com/ravel-hq/stackd/internal/server"
	"github.com/ravel-hq/stackd/internal/store"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Descriptor = registry.Descriptor

type ServiceStatus = orchestrator.ServiceStatus

type AggregateStatus = orchestrator.AggregateStatus

type BatchResult = orchestrator.BatchResult

type Event = orchestrator.Event

type Observer = orchestrator.Observer

type ObserverFunc = orchestrator.ObserverFunc

type StoreConfig = store.Config

type HistoryConfig = history.Config

type HistorySink = history.Sink

type OrchestratorConfig = orchestrator.Config

// Options configures an embedded stack.
type Options struct {
	Services     []Descriptor
	Store        StoreConfig
	Orchestrator OrchestratorConfig
}

// Stack is a thin facade over internal/orchestrator.Orchestrator.
// It provides a stable public API for embedding.

type Stack struct{ inner *orchestrator.Orchestrator }

// New validates the service set, opens the snapshot store and builds an
// orchestrator. Call Initialize to restore state and auto-start services.
func New(opts Options) (*Stack, error) {
	reg, err := registry.New(opts.Services)
	if err != nil {
		return nil, err
	}
	st, err := store.CreateStore(opts.Store)
	if err != nil {
		return nil, err
	}
	return &Stack{inner: orchestrator.New(opts.Orchestrator.Defaults(), reg, st)}, nil
}

func (s *Stack) Initialize(ctx context.Context) error { return s.inner.Initialize(ctx) }
func (s *Stack) Start(id string) error                { return s.inner.StartService(id) }
func (s *Stack) Stop(id string) error                 { return s.inner.StopService(id) }
func (s *Stack) Restart(id string) error              { return s.inner.RestartService(id) }
func (s *Stack) ResetCircuit(id string) error         { return s.inner.ResetCircuitBreaker(id) }
func (s *Stack) Cleanup(id string) error              { return s.inner.CleanupService(id) }
func (s *Stack) Kill(id string, force bool) error     { return s.inner.KillProcess(id, force) }
func (s *Stack) Status(id string) (ServiceStatus, error) {
	return s.inner.Status(id)
}
func (s *Stack) StatusAll() AggregateStatus { return s.inner.StatusAll() }
func (s *Stack) Logs(id string, lines int) (stdout, stderr []string, err error) {
	return s.inner.Logs(id, lines)
}
func (s *Stack) StartBatch(ids []string) []BatchResult  { return s.inner.StartBatch(ids) }
func (s *Stack) StopBatch(ids []string) []BatchResult   { return s.inner.StopBatch(ids) }
func (s *Stack) Subscribe(obs Observer) (cancel func()) { return s.inner.Subscribe(obs) }
func (s *Stack) Shutdown(ctx context.Context)           { s.inner.Shutdown(ctx) }

// AttachHistory forwards lifecycle events to a history sink. The returned
// cancel func detaches the sink.
func (s *Stack) AttachHistory(sink HistorySink) (cancel func()) {
	return s.inner.Subscribe(orchestrator.HistorySinkObserver(sink))
}

// NewClickHouseHistory opens a ClickHouse-backed history sink.
func NewClickHouseHistory(addr, table string) (HistorySink, error) {
	return clickhouse.New(addr, table)
}

func LoadConfig(path string) (*cfg.Config, error) {
	return cfg.Load(path)
}

// NewFromConfig builds a stack from a loaded configuration file.
func NewFromConfig(c *cfg.Config) (*Stack, error) {
	st, err := store.CreateStore(c.Store)
	if err != nil {
		return nil, err
	}
	return &Stack{inner: orchestrator.New(c.Orchestrator, c.Registry, st)}, nil
}

// NewHTTPServer starts an HTTP server exposing the control API for the stack.
func NewHTTPServer(addr, basePath string, s *Stack) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it runs
// in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
