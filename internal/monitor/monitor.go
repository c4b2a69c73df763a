package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tracekit/varwatch/internal/protocol"
	"github.com/tracekit/varwatch/internal/vars"
)

// Options configures a Monitor.
type Options struct {
	// Logger receives diagnostics from the cache, gateway and engine.
	// Nil disables logging.
	Logger *zap.Logger

	// QueueSize bounds the cache's pending request queue. Zero means
	// the default.
	QueueSize int

	// MaxHistorySamples bounds each variable's history buffer. Zero
	// means DefaultMaxHistorySamples.
	MaxHistorySamples int
}

// Monitor ties the variable cache, the mutation gateway and the
// sampling engine together behind one façade. It is the type callers
// are expected to hold.
type Monitor struct {
	client  protocol.Client
	cache   *vars.Cache
	gateway *vars.Gateway
	engine  *Engine
}

// New creates a monitor over the given backend client.
func New(client protocol.Client, opts Options) *Monitor {
	cache := vars.NewCache(client, vars.Config{
		QueueSize: opts.QueueSize,
		Logger:    opts.Logger,
	})

	return &Monitor{
		client:  client,
		cache:   cache,
		gateway: vars.NewGateway(cache),
		engine: NewEngine(cache, EngineConfig{
			MaxHistorySamples: opts.MaxHistorySamples,
			Logger:            opts.Logger,
		}),
	}
}

// Evaluate resolves an expression and returns its current value,
// creating the tracked variable on first use.
func (m *Monitor) Evaluate(ctx context.Context, expression string, ec protocol.EvalContext) (vars.Value, error) {
	return m.cache.Evaluate(ctx, expression, ec)
}

// Resolve ensures an expression is tracked and returns its handle
// without fetching a fresh value.
func (m *Monitor) Resolve(ctx context.Context, expression string, ec protocol.EvalContext) (int, error) {
	return m.cache.Resolve(ctx, expression, ec)
}

// ExpandChildren lists the children of a compound variable by handle.
func (m *Monitor) ExpandChildren(ctx context.Context, handle int) ([]vars.ChildInfo, error) {
	return m.cache.ExpandChildren(ctx, handle)
}

// StartSampling begins periodic sampling at the given interval in
// milliseconds, clamped to the supported range.
func (m *Monitor) StartSampling(intervalMs int) {
	m.engine.Start(time.Duration(intervalMs) * time.Millisecond)
}

// StopSampling cancels periodic sampling.
func (m *Monitor) StopSampling() {
	m.engine.Stop()
}

// PauseSampling suspends sample recording without cancelling the tick.
func (m *Monitor) PauseSampling() {
	m.engine.Pause()
}

// ResumeSampling re-enables sample recording after a pause.
func (m *Monitor) ResumeSampling() {
	m.engine.Resume()
}

// IsSampling reports whether a sampling tick is scheduled.
func (m *Monitor) IsSampling() bool {
	return m.engine.IsSampling()
}

// SamplingState returns the engine state.
func (m *Monitor) SamplingState() State {
	return m.engine.State()
}

// GetHistoricalData returns up to maxSamples recent samples for a
// variable in chronological order.
func (m *Monitor) GetHistoricalData(variable string, maxSamples int) []Sample {
	return m.engine.HistoricalData(variable, maxSamples)
}

// GetLatestSample returns the most recent sample for a variable.
func (m *Monitor) GetLatestSample(variable string) (Sample, bool) {
	return m.engine.LatestSample(variable)
}

// GetSamplingStats returns a copy of the aggregate sampling statistics.
func (m *Monitor) GetSamplingStats() SamplingStats {
	return m.engine.Stats()
}

// ClearHistory drops all recorded history.
func (m *Monitor) ClearHistory() {
	m.engine.ClearHistory()
}

// SetChildValue assigns a new value to a named child of a compound
// variable and returns the backend-confirmed value.
func (m *Monitor) SetChildValue(ctx context.Context, parentHandle int, childName, literal string) (string, error) {
	return m.gateway.SetChildValue(ctx, parentHandle, childName, literal)
}

// SetRootValue assigns a new value to a root expression and returns the
// backend-confirmed value.
func (m *Monitor) SetRootValue(ctx context.Context, expression, literal string) (string, error) {
	return m.gateway.SetRootValue(ctx, expression, literal)
}

// ConfigureTrigger registers a conditional trigger.
func (m *Monitor) ConfigureTrigger(t Trigger) error {
	return m.engine.ConfigureTrigger(t)
}

// ClearTriggers removes all registered triggers.
func (m *Monitor) ClearTriggers() {
	m.engine.ClearTriggers()
}

// ConfigureAdaptiveSampling sets the adaptive interval tuning.
func (m *Monitor) ConfigureAdaptiveSampling(cfg AdaptiveConfig) {
	m.engine.ConfigureAdaptive(cfg)
}

// ConfigurePerformanceLimits sets the memory bounding parameters.
func (m *Monitor) ConfigurePerformanceLimits(cfg PerfConfig) {
	m.engine.ConfigurePerf(cfg)
}

// ExportHistory serializes recorded history in the given format.
func (m *Monitor) ExportHistory(format ExportFormat, variable string, maxSamples int) ([]byte, error) {
	return m.engine.ExportHistory(format, variable, maxSamples)
}

// SendCommand passes a raw command through to the backend and returns
// its textual output verbatim.
func (m *Monitor) SendCommand(ctx context.Context, command string) (string, error) {
	return m.client.RawCommand(ctx, command)
}

// SetHandlers sets the engine event handlers.
func (m *Monitor) SetHandlers(h Handlers) {
	m.engine.SetHandlers(h)
}

// Collector returns a Prometheus collector over the sampling engine.
func (m *Monitor) Collector() *Collector {
	return NewCollector(m.engine)
}

// ClearCache drops all tracked variables, deleting them on the backend
// when deleteAll is set.
func (m *Monitor) ClearCache(ctx context.Context, deleteAll bool) error {
	return m.cache.Clear(ctx, deleteAll)
}

// Close stops sampling and shuts down the cache queue.
func (m *Monitor) Close() {
	m.engine.Stop()
	m.cache.Close()
}
