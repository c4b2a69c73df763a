package monitor

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracekit/varwatch/internal/protocol"
	"github.com/tracekit/varwatch/internal/vars"
)

// State is the sampling engine lifecycle state.
type State int

const (
	// StateStopped means no tick is scheduled.
	StateStopped State = iota
	// StateRunning means the periodic tick is live.
	StateRunning
	// StatePaused means the tick still runs but sample recording is
	// suspended; triggers keep evaluating so a resume trigger can fire.
	StatePaused
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Sampling interval bounds. Start clamps requested intervals into this
// range.
const (
	MinSampleInterval = time.Millisecond
	MaxSampleInterval = time.Second
)

// DefaultMaxHistorySamples bounds each variable's history buffer unless
// configured otherwise.
const DefaultMaxHistorySamples = 1000

// Handlers contains callbacks for engine events. All callbacks are
// invoked outside engine locks.
type Handlers struct {
	// OnStateChanged is called when the engine state changes.
	OnStateChanged func(old, new State)

	// OnTrigger is called when a trigger fires.
	OnTrigger func(variable, value string, action TriggerAction)

	// OnError is called when sampling halts on connection loss. It is
	// invoked at most once per Start.
	OnError func(err error)
}

// EngineConfig configures a sampling engine.
type EngineConfig struct {
	// MaxHistorySamples bounds each variable's history buffer. Zero
	// means DefaultMaxHistorySamples.
	MaxHistorySamples int

	// Logger receives engine diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// Engine drives the periodic sampling tick against one variable cache.
// Ticks never overlap: each tick completes or fails before the next is
// scheduled.
type Engine struct {
	cache  *vars.Cache
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	interval   time.Duration
	cancel     context.CancelFunc
	loopDone   chan struct{}
	connLost   bool
	maxHistory int

	history       map[string]*HistoryBuffer
	latest        map[string]Sample
	stats         SamplingStats
	recordedTicks int64

	triggers []*Trigger
	adaptive adaptiveState
	perf     PerfConfig
	interned map[string]string

	handlersMu sync.RWMutex
	handlers   Handlers
}

// firedTrigger carries one firing out of the locked section.
type firedTrigger struct {
	variable string
	value    string
	action   TriggerAction
}

// NewEngine creates a sampling engine over the given cache.
func NewEngine(cache *vars.Cache, cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxHistory := cfg.MaxHistorySamples
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistorySamples
	}

	return &Engine{
		cache:      cache,
		logger:     logger.Named("monitor"),
		interval:   10 * time.Millisecond,
		maxHistory: maxHistory,
		history:    make(map[string]*HistoryBuffer),
		latest:     make(map[string]Sample),
		interned:   make(map[string]string),
		adaptive:   adaptiveState{cfg: DefaultAdaptiveConfig()},
	}
}

// SetHandlers sets the engine event handlers.
func (e *Engine) SetHandlers(h Handlers) {
	e.handlersMu.Lock()
	e.handlers = h
	e.handlersMu.Unlock()
}

// Start begins periodic sampling at the given interval, clamped to the
// supported range. Calling Start while running replaces the existing
// tick with the new interval.
func (e *Engine) Start(interval time.Duration) {
	interval = clampInterval(interval)

	// Replace any existing tick.
	e.mu.Lock()
	cancel, done := e.cancel, e.loopDone
	e.cancel, e.loopDone = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	loopDone := make(chan struct{})

	e.mu.Lock()
	e.interval = interval
	e.cancel = cancelFn
	e.loopDone = loopDone
	e.connLost = false
	old := e.state
	e.state = StateRunning
	e.mu.Unlock()

	e.logger.Info("sampling started", zap.Duration("interval", interval))
	e.notifyState(old, StateRunning)

	go e.run(ctx, loopDone)
}

// Stop cancels the periodic tick and drops the fast-access sample
// cache. History buffers are retained until explicitly cleared. An
// already-in-flight backend call is allowed to complete and is then
// discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.loopDone
	e.cancel, e.loopDone = nil, nil
	old := e.state
	e.state = StateStopped
	e.latest = make(map[string]Sample)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if old != StateStopped {
		e.logger.Info("sampling stopped")
		e.notifyState(old, StateStopped)
	}
}

// Pause suspends sample recording without cancelling the tick.
func (e *Engine) Pause() {
	e.transition(StateRunning, StatePaused)
}

// Resume re-enables sample recording after a pause.
func (e *Engine) Resume() {
	e.transition(StatePaused, StateRunning)
}

// transition moves from one state to another if currently in from.
func (e *Engine) transition(from, to State) {
	e.mu.Lock()
	if e.state != from {
		e.mu.Unlock()
		return
	}
	e.state = to
	e.mu.Unlock()
	e.notifyState(from, to)
}

// IsSampling reports whether a tick is scheduled (running or paused).
func (e *Engine) IsSampling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != StateStopped
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Interval returns the current sampling interval.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// Stats returns a copy of the aggregate sampling statistics.
func (e *Engine) Stats() SamplingStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// HistoricalData returns up to maxSamples of the most recent samples
// for a variable in chronological order. maxSamples <= 0 returns all.
func (e *Engine) HistoricalData(variable string, maxSamples int) []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, ok := e.history[variable]
	if !ok {
		return nil
	}
	return buf.Samples(maxSamples)
}

// LatestSample returns the most recent sample for a variable from the
// fast-access cache.
func (e *Engine) LatestSample(variable string) (Sample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.latest[variable]
	return s, ok
}

// Variables returns the names of all variables with recorded history,
// sorted.
func (e *Engine) Variables() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.history))
	for name := range e.history {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearHistory drops all history buffers and the fast-access cache.
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = make(map[string]*HistoryBuffer)
	e.latest = make(map[string]Sample)
	e.interned = make(map[string]string)
}

// ConfigureTrigger registers a conditional trigger.
func (e *Engine) ConfigureTrigger(t Trigger) error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Action == "" {
		t.Action = ActionSample
	}

	e.mu.Lock()
	e.triggers = append(e.triggers, &t)
	e.mu.Unlock()

	e.logger.Info("trigger configured",
		zap.String("variable", t.Variable),
		zap.String("condition", string(t.Condition)),
		zap.Duration("debounce", t.Debounce))
	return nil
}

// ClearTriggers removes all registered triggers.
func (e *Engine) ClearTriggers() {
	e.mu.Lock()
	e.triggers = nil
	e.mu.Unlock()
}

// ConfigureAdaptive sets the adaptive sampling parameters. Zero-valued
// fields fall back to defaults.
func (e *Engine) ConfigureAdaptive(cfg AdaptiveConfig) {
	def := DefaultAdaptiveConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.ChangeThreshold <= 0 {
		cfg.ChangeThreshold = def.ChangeThreshold
	}
	if cfg.AdjustmentFactor <= 0 || cfg.AdjustmentFactor >= 1 {
		cfg.AdjustmentFactor = def.AdjustmentFactor
	}
	if cfg.Stability <= 0 {
		cfg.Stability = def.Stability
	}

	e.mu.Lock()
	e.adaptive = adaptiveState{cfg: cfg}
	e.mu.Unlock()
}

// ConfigurePerf sets the memory bounding parameters.
func (e *Engine) ConfigurePerf(cfg PerfConfig) {
	e.mu.Lock()
	e.perf = cfg
	e.mu.Unlock()
}

// run is the tick loop. One tick fully completes before the next is
// scheduled.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(e.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		e.tick(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}
		timer.Reset(e.Interval())
	}
}

// tick executes one sampling cycle.
func (e *Engine) tick(ctx context.Context) {
	now := time.Now()

	if _, err := e.cache.RefreshAll(ctx); err != nil {
		e.tickFailed(err)
		return
	}

	snap, err := e.cache.Snapshot(ctx)
	if err != nil {
		e.tickFailed(err)
		return
	}

	values := make(map[string]string, len(snap))
	for _, vs := range snap {
		values[vs.Name] = vs.Value
	}

	var fires []firedTrigger

	e.mu.Lock()
	recording := e.state == StateRunning

	if recording {
		e.record(now, snap)
	}

	for _, t := range e.triggers {
		value, ok := values[t.Variable]
		if !ok {
			continue
		}
		if t.eval(now, value) {
			fires = append(fires, firedTrigger{variable: t.Variable, value: value, action: t.Action})
		}
	}

	if recording {
		next := e.adaptive.adjust(now, e.interval, values)
		if next != e.interval {
			e.logger.Debug("adaptive interval adjusted",
				zap.Duration("from", e.interval),
				zap.Duration("to", next))
			e.interval = next
		}

		if e.perf.Enabled && e.perf.MaxMemoryBytes > 0 {
			if used := estimateMemory(e.history, e.interned); used > e.perf.MaxMemoryBytes {
				for _, buf := range e.history {
					buf.TrimTo(e.maxHistory / 2)
				}
				e.interned = make(map[string]string)
				e.logger.Warn("memory limit exceeded, history trimmed",
					zap.Int("estimatedBytes", used),
					zap.Int("limitBytes", e.perf.MaxMemoryBytes))
			}
		}
	}
	e.mu.Unlock()

	forceSample := false
	for _, f := range fires {
		e.logger.Info("trigger fired",
			zap.String("variable", f.variable),
			zap.String("value", f.value),
			zap.String("action", string(f.action)))
		e.notifyTrigger(f)

		switch f.action {
		case ActionSample:
			forceSample = true
		case ActionPause:
			e.Pause()
		case ActionResume:
			e.Resume()
		}
	}

	if forceSample {
		e.sampleOnce(ctx)
	}
}

// sampleOnce performs one immediate extra sample outside the periodic
// schedule (trigger action).
func (e *Engine) sampleOnce(ctx context.Context) {
	if _, err := e.cache.RefreshAll(ctx); err != nil {
		e.tickFailed(err)
		return
	}
	snap, err := e.cache.Snapshot(ctx)
	if err != nil {
		e.tickFailed(err)
		return
	}

	e.mu.Lock()
	if e.state == StateRunning {
		e.record(time.Now(), snap)
	}
	e.mu.Unlock()
}

// record appends one sample per observed variable. Caller holds e.mu.
func (e *Engine) record(now time.Time, snap []vars.VarState) {
	e.recordedTicks++

	for _, vs := range snap {
		s := Sample{
			Timestamp: now,
			Value:     e.intern(vs.Value),
			Type:      vs.Type,
			Handle:    vs.Handle,
		}

		buf := e.history[vs.Name]
		if buf == nil {
			buf = NewHistoryBuffer(e.maxHistory)
			e.history[vs.Name] = buf
		}

		if prev, ok := buf.Last(); ok {
			if rate, valid := deriveRate(prev, s); valid {
				s.ChangeRate = rate
				s.HasRate = true
			}
		}

		buf.Append(s)
		e.latest[vs.Name] = s
	}

	e.stats.observeTick(now, len(snap), e.recordedTicks)
}

// tickFailed counts and logs a per-tick failure. The timer keeps
// running unless the connection itself is gone.
func (e *Engine) tickFailed(err error) {
	e.mu.Lock()
	e.stats.ErrorCount++
	e.mu.Unlock()

	if protocol.IsConnectionLost(err) {
		e.haltOnConnectionLoss(err)
		return
	}

	e.logger.Warn("sampling tick failed", zap.Error(err))
}

// haltOnConnectionLoss stops tick scheduling and surfaces the error
// exactly once. Called from the tick loop itself, so it must not wait
// for the loop to exit.
func (e *Engine) haltOnConnectionLoss(err error) {
	e.mu.Lock()
	if e.connLost {
		e.mu.Unlock()
		return
	}
	e.connLost = true
	cancel := e.cancel
	e.cancel, e.loopDone = nil, nil
	old := e.state
	e.state = StateStopped
	e.latest = make(map[string]Sample)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.logger.Error("connection lost, sampling halted", zap.Error(err))
	if old != StateStopped {
		e.notifyState(old, StateStopped)
	}
	e.notifyError(err)
}

// intern dedupes repeated value strings. Caller holds e.mu.
func (e *Engine) intern(value string) string {
	if s, ok := e.interned[value]; ok {
		return s
	}
	e.interned[value] = value
	return value
}

// deriveRate computes the numeric derivative between two samples.
func deriveRate(prev, cur Sample) (float64, bool) {
	elapsed := cur.Timestamp.Sub(prev.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0, false
	}

	p, perr := strconv.ParseFloat(prev.Value, 64)
	c, cerr := strconv.ParseFloat(cur.Value, 64)
	if perr != nil || cerr != nil {
		return 0, false
	}

	return (c - p) / elapsed, true
}

// clampInterval bounds an interval to the supported range.
func clampInterval(interval time.Duration) time.Duration {
	if interval < MinSampleInterval {
		return MinSampleInterval
	}
	if interval > MaxSampleInterval {
		return MaxSampleInterval
	}
	return interval
}

// notifyState invokes the state change handler outside locks.
func (e *Engine) notifyState(old, new State) {
	e.handlersMu.RLock()
	handler := e.handlers.OnStateChanged
	e.handlersMu.RUnlock()

	if handler != nil && old != new {
		handler(old, new)
	}
}

// notifyTrigger invokes the trigger handler outside locks.
func (e *Engine) notifyTrigger(f firedTrigger) {
	e.handlersMu.RLock()
	handler := e.handlers.OnTrigger
	e.handlersMu.RUnlock()

	if handler != nil {
		handler(f.variable, f.value, f.action)
	}
}

// notifyError invokes the error handler outside locks.
func (e *Engine) notifyError(err error) {
	e.handlersMu.RLock()
	handler := e.handlers.OnError
	e.handlersMu.RUnlock()

	if handler != nil {
		handler(err)
	}
}
