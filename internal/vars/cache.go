package vars

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tracekit/varwatch/internal/protocol"
)

// ErrEmptyExpression is returned when resolution is attempted with an
// empty expression.
var ErrEmptyExpression = errors.New("vars: empty expression")

// Value is the result of evaluating an expression.
type Value struct {
	// Value is the textual representation.
	Value string

	// Type is the reported type, may be empty.
	Type string

	// Handle is the opaque reference for further operations.
	Handle int
}

// ChildInfo describes one expanded child.
type ChildInfo struct {
	// Name is the member fragment, disambiguated for duplicates.
	Name string

	// Value is the child's textual value.
	Value string

	// Type is the child's type.
	Type string

	// Handle is the child's opaque reference.
	Handle int

	// HasChildren indicates the child itself is expandable.
	HasChildren bool
}

// VarState is one tracked variable's published value after a refresh.
type VarState struct {
	// Name is the source expression of the variable.
	Name string

	// Value is the current textual value.
	Value string

	// Type is the current type.
	Type string

	// Handle is the opaque reference.
	Handle int
}

// Config configures a Cache.
type Config struct {
	// QueueSize bounds the serialized request queue. Zero means the
	// default (64).
	QueueSize int

	// Logger receives cache diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// Cache owns the mapping between opaque handles and backend tracked
// variables on one connection. All state is mutated only inside
// queue-serialized jobs, so no lock is needed beyond queue ordering.
type Cache struct {
	client protocol.Client
	queue  *requestQueue
	logger *zap.Logger

	vars       map[string]*TrackedVariable // by backend name
	byHandle   map[int]*TrackedVariable
	order      []string // insertion order of backend names
	nextHandle int
	changes    changeList
}

// NewCache creates a cache over the given backend client.
func NewCache(client protocol.Client, cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Cache{
		client:     client,
		queue:      newRequestQueue(cfg.QueueSize),
		logger:     logger.Named("vars"),
		vars:       make(map[string]*TrackedVariable),
		byHandle:   make(map[int]*TrackedVariable),
		nextHandle: 1,
	}
}

// Close shuts down the request queue. In-flight work completes; queued
// work fails with ErrQueueClosed.
func (c *Cache) Close() {
	c.queue.Close()
}

// Resolve returns the handle for expression in the given context,
// creating a tracked variable on the backend if none exists. Repeated
// resolution of the same expression and context is idempotent.
func (c *Cache) Resolve(ctx context.Context, expression string, ec protocol.EvalContext) (int, error) {
	var (
		handle int
		err    error
	)
	if qerr := c.queue.Do(ctx, func() {
		var v *TrackedVariable
		v, err = c.resolve(ctx, expression, ec)
		if err == nil {
			handle = v.Handle
		}
	}); qerr != nil {
		return 0, qerr
	}
	return handle, err
}

// Evaluate returns the current value of expression, creating or
// refreshing its tracked variable as needed. Calls against the same
// connection are serialized in submission order.
func (c *Cache) Evaluate(ctx context.Context, expression string, ec protocol.EvalContext) (Value, error) {
	var (
		val Value
		err error
	)
	if qerr := c.queue.Do(ctx, func() {
		val, err = c.evaluate(ctx, expression, ec)
	}); qerr != nil {
		return Value{}, qerr
	}
	return val, err
}

// RefreshAll issues one bulk update for all live tracked variables and
// applies the returned change-list. It returns false when any member
// reported scope loss or a type change, in which case the entire
// change-list cache was invalidated and the batch abandoned.
func (c *Cache) RefreshAll(ctx context.Context) (bool, error) {
	var (
		ok  bool
		err error
	)
	if qerr := c.queue.Do(ctx, func() {
		ok, err = c.refreshAll(ctx)
	}); qerr != nil {
		return false, qerr
	}
	return ok, err
}

// ExpandChildren returns the ordered children of a compound variable,
// serving from cache when the current change-list cycle is still valid.
func (c *Cache) ExpandChildren(ctx context.Context, handle int) ([]ChildInfo, error) {
	var (
		children []ChildInfo
		err      error
	)
	if qerr := c.queue.Do(ctx, func() {
		v, ok := c.byHandle[handle]
		if !ok {
			err = fmt.Errorf("vars: unknown handle %d", handle)
			return
		}
		children, err = c.expandChildren(ctx, v)
	}); qerr != nil {
		return nil, qerr
	}
	return children, err
}

// Clear drops the change-list cache. When deleteAll is set it also
// deletes every tracked variable on the backend and resets to empty.
func (c *Cache) Clear(ctx context.Context, deleteAll bool) error {
	var err error
	if qerr := c.queue.Do(ctx, func() {
		err = c.clear(ctx, deleteAll)
	}); qerr != nil {
		return qerr
	}
	return err
}

// Snapshot returns the published values of all tracked variables in
// insertion order.
func (c *Cache) Snapshot(ctx context.Context) ([]VarState, error) {
	var states []VarState
	if qerr := c.queue.Do(ctx, func() {
		states = make([]VarState, 0, len(c.order))
		for _, name := range c.order {
			v := c.vars[name]
			states = append(states, VarState{
				Name:   v.Expression,
				Value:  v.Value,
				Type:   v.Type,
				Handle: v.Handle,
			})
		}
	}); qerr != nil {
		return nil, qerr
	}
	return states, nil
}

// resolve finds or creates the tracked variable for an expression.
// Runs on the queue.
func (c *Cache) resolve(ctx context.Context, expression string, ec protocol.EvalContext) (*TrackedVariable, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, ErrEmptyExpression
	}

	key := identityKey(expression, ec)
	if v, ok := c.vars[key]; ok {
		if v.stale {
			if err := c.recreate(ctx, v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}

	rec, err := c.client.Create(ctx, key, expression, ec)
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", expression, err)
	}

	v := &TrackedVariable{
		ProtocolName: key,
		Expression:   expression,
		Context:      ec,
		Type:         rec.Type,
		Value:        rec.Value,
		IsCompound:   rec.Kind != protocol.KindScalar,
	}
	c.register(v)

	c.logger.Debug("tracked variable created",
		zap.String("expression", expression),
		zap.Int("handle", v.Handle))

	return v, nil
}

// evaluate is the primary read path. Runs on the queue.
func (c *Cache) evaluate(ctx context.Context, expression string, ec protocol.EvalContext) (Value, error) {
	key := identityKey(expression, ec)

	v, ok := c.vars[key]
	if !ok {
		created, err := c.resolve(ctx, expression, ec)
		if err != nil {
			return Value{}, err
		}
		return valueOf(created), nil
	}

	if v.stale {
		if err := c.recreate(ctx, v); err != nil {
			return Value{}, err
		}
		return valueOf(v), nil
	}

	// Already refreshed this cycle: skip the round-trip entirely.
	if c.changes.has(key) {
		return valueOf(v), nil
	}

	deltas, err := c.client.Update(ctx, key)
	if err != nil {
		if protocol.IsNotFound(err) {
			// Gone on the backend: recreate once, then surface.
			if rerr := c.recreate(ctx, v); rerr != nil {
				return Value{}, fmt.Errorf("recreate %q: %w", expression, rerr)
			}
			return valueOf(v), nil
		}
		return Value{}, fmt.Errorf("update %q: %w", expression, err)
	}

	for _, d := range deltas {
		if d.Name != key {
			continue
		}
		if !d.InScope || d.TypeChanged {
			c.changes.invalidate()
			if rerr := c.recreate(ctx, v); rerr != nil {
				return Value{}, fmt.Errorf("recreate %q: %w", expression, rerr)
			}
			return valueOf(v), nil
		}
		c.apply(v, d)
		c.changes.record(d)
	}

	return valueOf(v), nil
}

// refreshAll applies one bulk change-list. Runs on the queue.
func (c *Cache) refreshAll(ctx context.Context) (bool, error) {
	if len(c.vars) == 0 {
		c.changes.begin()
		return true, nil
	}

	deltas, err := c.client.Update(ctx, "*")
	if err != nil {
		return false, fmt.Errorf("bulk update: %w", err)
	}

	c.changes.begin()
	for _, d := range deltas {
		if !d.InScope || d.TypeChanged {
			// Conservative invariant: one lost member poisons the
			// whole cycle. Abandon the batch.
			c.changes.invalidate()
			if v, ok := c.vars[d.Name]; ok {
				v.stale = true
			}
			c.logger.Debug("change-list invalidated",
				zap.String("name", d.Name),
				zap.Bool("typeChanged", d.TypeChanged))
			return false, nil
		}

		v, ok := c.vars[d.Name]
		if !ok {
			continue
		}
		c.apply(v, d)
		c.changes.record(d)
	}

	return true, nil
}

// expandChildren lists and registers the children of v. Runs on the
// queue.
func (c *Cache) expandChildren(ctx context.Context, v *TrackedVariable) ([]ChildInfo, error) {
	if !v.IsCompound {
		return nil, nil
	}

	// A genuine cache hit is only possible while the change-list cycle
	// is valid.
	if v.children != nil && c.changes.valid() {
		return childInfos(v), nil
	}

	kids, err := c.client.ListChildren(ctx, v.ProtocolName)
	if err != nil {
		return nil, fmt.Errorf("list children of %q: %w", v.Expression, err)
	}

	c.removeChildren(v)

	seen := make(map[string]int)
	for _, k := range kids {
		fragment := k.Exp
		if isAllDigits(fragment) {
			fragment = "[" + fragment + "]"
		}

		// Duplicate anonymous members get a disambiguating suffix.
		n := seen[fragment]
		seen[fragment] = n + 1
		if n > 0 {
			fragment = fmt.Sprintf("%s#%d", fragment, n)
		}

		child := &TrackedVariable{
			ProtocolName: k.Name,
			Expression:   childExpression(v.Expression, fragment),
			Context:      v.Context,
			Type:         k.Type,
			Value:        k.Value,
			IsCompound:   k.NumChildren > 0,
			parent:       v,
		}
		c.register(child)
		v.children = append(v.children, &childEntry{fragment: fragment, variable: child})
	}

	return childInfos(v), nil
}

// clear drops caches and optionally all tracked variables. Runs on the
// queue.
func (c *Cache) clear(ctx context.Context, deleteAll bool) error {
	if !deleteAll {
		c.changes.invalidate()
		return nil
	}

	for _, name := range c.order {
		v := c.vars[name]
		if v.parent != nil {
			continue // child variables die with their root
		}
		if err := c.client.Delete(ctx, name); err != nil {
			if protocol.IsConnectionLost(err) {
				return err
			}
			c.logger.Debug("delete during clear failed",
				zap.String("name", name), zap.Error(err))
		}
	}

	c.vars = make(map[string]*TrackedVariable)
	c.byHandle = make(map[int]*TrackedVariable)
	c.order = nil
	c.changes.invalidate()
	return nil
}

// recreate supersedes a tracked variable under the same backend name.
// Runs on the queue.
func (c *Cache) recreate(ctx context.Context, v *TrackedVariable) error {
	c.removeChildren(v)

	if err := c.client.Delete(ctx, v.ProtocolName); err != nil {
		if protocol.IsConnectionLost(err) {
			return err
		}
		// Already gone is the common case here.
		if !protocol.IsNotFound(err) {
			c.logger.Debug("delete before recreate failed",
				zap.String("name", v.ProtocolName), zap.Error(err))
		}
	}

	rec, err := c.client.Create(ctx, v.ProtocolName, v.Expression, v.Context)
	if err != nil {
		return fmt.Errorf("create %q: %w", v.Expression, err)
	}

	v.Value = rec.Value
	v.Type = rec.Type
	v.IsCompound = rec.Kind != protocol.KindScalar
	v.stale = false

	return nil
}

// apply copies a delta into a tracked variable.
func (c *Cache) apply(v *TrackedVariable, d protocol.Delta) {
	v.Value = d.Value
	if d.Type != "" {
		v.Type = d.Type
	}
	if d.NumChildren > 0 {
		v.IsCompound = true
	}
}

// register assigns a handle and adds v to the lookup tables.
func (c *Cache) register(v *TrackedVariable) {
	v.Handle = c.nextHandle
	c.nextHandle++
	c.vars[v.ProtocolName] = v
	c.byHandle[v.Handle] = v
	c.order = append(c.order, v.ProtocolName)
}

// removeChildren unregisters all descendants of v.
func (c *Cache) removeChildren(v *TrackedVariable) {
	for _, entry := range v.children {
		child := entry.variable
		c.removeChildren(child)
		delete(c.vars, child.ProtocolName)
		delete(c.byHandle, child.Handle)
		for i, name := range c.order {
			if name == child.ProtocolName {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	v.children = nil
}

// childInfos maps v's child entries to the consumer-facing form.
func childInfos(v *TrackedVariable) []ChildInfo {
	infos := make([]ChildInfo, 0, len(v.children))
	for _, entry := range v.children {
		child := entry.variable
		infos = append(infos, ChildInfo{
			Name:        entry.fragment,
			Value:       child.Value,
			Type:        child.Type,
			Handle:      child.Handle,
			HasChildren: child.IsCompound,
		})
	}
	return infos
}

// valueOf maps a tracked variable to the consumer-facing form.
func valueOf(v *TrackedVariable) Value {
	return Value{Value: v.Value, Type: v.Type, Handle: v.Handle}
}
