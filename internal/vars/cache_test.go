package vars

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tracekit/varwatch/internal/protocol"
)

// seedVar seeds the fake backend's answer for one expression.
type seedVar struct {
	value    string
	typ      string
	numchild int
}

// fakeBackend is an in-memory protocol.Client. It tracks call counts
// and the maximum number of concurrent in-flight calls so tests can
// assert the queue's serialization guarantee.
type fakeBackend struct {
	mu       sync.Mutex
	seeds    map[string]seedVar         // by expression
	children map[string][]protocol.Child // by expression
	live     map[string]string          // backend name -> expression
	values   map[string]string          // backend name -> current value
	missing  map[string]bool            // backend names reporting not_found
	pending  []protocol.Delta           // returned by Update("*")

	createCalls int
	updateCalls int
	deleteCalls int
	listCalls   int
	assignCalls int

	callDelay   time.Duration
	inFlight    int32
	maxInFlight int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		seeds:    make(map[string]seedVar),
		children: make(map[string][]protocol.Child),
		live:     make(map[string]string),
		values:   make(map[string]string),
		missing:  make(map[string]bool),
	}
}

func (f *fakeBackend) seed(expression, value, typ string, numchild int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeds[expression] = seedVar{value: value, typ: typ, numchild: numchild}
}

func (f *fakeBackend) enter() {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		m := atomic.LoadInt32(&f.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxInFlight, m, n) {
			break
		}
	}
	if f.callDelay > 0 {
		time.Sleep(f.callDelay)
	}
}

func (f *fakeBackend) exit() {
	atomic.AddInt32(&f.inFlight, -1)
}

func (f *fakeBackend) Create(ctx context.Context, name, expression string, ec protocol.EvalContext) (protocol.Record, error) {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	seed, ok := f.seeds[expression]
	if !ok {
		return protocol.Record{}, &protocol.CommandError{Command: "create", Code: "invalid", Message: "cannot evaluate " + expression}
	}

	f.live[name] = expression
	f.values[name] = seed.value
	delete(f.missing, name)

	kind := protocol.KindScalar
	if seed.numchild > 0 {
		kind = protocol.KindCompound
	}
	return protocol.Record{
		Name:        name,
		Value:       seed.value,
		Type:        seed.typ,
		Kind:        kind,
		NumChildren: seed.numchild,
	}, nil
}

func (f *fakeBackend) Update(ctx context.Context, name string) ([]protocol.Delta, error) {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateCalls++
	if name == "*" {
		return append([]protocol.Delta(nil), f.pending...), nil
	}

	if f.missing[name] {
		return nil, &protocol.NotFoundError{Name: name}
	}
	if _, ok := f.live[name]; !ok {
		return nil, &protocol.NotFoundError{Name: name}
	}
	return []protocol.Delta{{Name: name, Value: f.values[name], InScope: true}}, nil
}

func (f *fakeBackend) ListChildren(ctx context.Context, name string) ([]protocol.Child, error) {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	expression, ok := f.live[name]
	if !ok {
		return nil, &protocol.NotFoundError{Name: name}
	}

	kids := append([]protocol.Child(nil), f.children[expression]...)
	for _, k := range kids {
		f.live[k.Name] = k.Exp
		f.values[k.Name] = k.Value
	}
	return kids, nil
}

func (f *fakeBackend) Delete(ctx context.Context, name string) error {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleteCalls++
	if _, ok := f.live[name]; !ok {
		return &protocol.NotFoundError{Name: name}
	}
	delete(f.live, name)
	delete(f.values, name)
	return nil
}

func (f *fakeBackend) Assign(ctx context.Context, name, literal string) (string, error) {
	f.enter()
	defer f.exit()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.assignCalls++
	if _, ok := f.live[name]; !ok {
		return "", &protocol.NotFoundError{Name: name}
	}
	f.values[name] = literal
	return literal, nil
}

func (f *fakeBackend) RawCommand(ctx context.Context, command string) (string, error) {
	f.enter()
	defer f.exit()
	return "ok: " + command, nil
}

func (f *fakeBackend) counts() (creates, updates, deletes, lists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.updateCalls, f.deleteCalls, f.listCalls
}

func newTestCache(f *fakeBackend) *Cache {
	return NewCache(f, Config{})
}

func TestResolveIdempotent(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("counter", "42", "int", 0)

	cache := newTestCache(backend)
	defer cache.Close()
	ctx := context.Background()

	h1, err := cache.Resolve(ctx, "counter", protocol.GlobalContext())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	h2, err := cache.Resolve(ctx, "counter", protocol.GlobalContext())
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if h1 != h2 {
		t.Errorf("handles differ: %d vs %d", h1, h2)
	}

	// A different context is a different identity.
	h3, err := cache.Resolve(ctx, "counter", protocol.FrameContext(1, 0))
	if err != nil {
		t.Fatalf("Resolve in frame: %v", err)
	}
	if h3 == h1 {
		t.Error("frame-context handle should differ from global")
	}

	creates, _, _, _ := backend.counts()
	if creates != 2 {
		t.Errorf("createCalls = %d, want 2", creates)
	}
}

func TestResolveEmptyExpression(t *testing.T) {
	cache := newTestCache(newFakeBackend())
	defer cache.Close()

	if _, err := cache.Resolve(context.Background(), "  ", protocol.GlobalContext()); err != ErrEmptyExpression {
		t.Errorf("err = %v, want ErrEmptyExpression", err)
	}
}

func TestEvaluateSkipsRefreshedVariables(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("counter", "1", "int", 0)

	cache := newTestCache(backend)
	defer cache.Close()
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, "counter", protocol.GlobalContext()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	key := identityKey("counter", protocol.GlobalContext())
	backend.mu.Lock()
	backend.pending = []protocol.Delta{{Name: key, Value: "5", InScope: true}}
	backend.mu.Unlock()

	ok, err := cache.RefreshAll(ctx)
	if err != nil || !ok {
		t.Fatalf("RefreshAll = %v, %v", ok, err)
	}
	_, updatesAfterRefresh, _, _ := backend.counts()

	val, err := cache.Evaluate(ctx, "counter", protocol.GlobalContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if val.Value != "5" {
		t.Errorf("value = %q, want 5", val.Value)
	}

	_, updates, _, _ := backend.counts()
	if updates != updatesAfterRefresh {
		t.Errorf("Evaluate issued a redundant update: %d -> %d", updatesAfterRefresh, updates)
	}
}

func TestRefreshAllInvalidatesWholeCache(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("a", "1", "int", 0)
	backend.seed("b", "2", "int", 0)

	cache := newTestCache(backend)
	defer cache.Close()
	ctx := context.Background()

	for _, expr := range []string{"a", "b"} {
		if _, err := cache.Resolve(ctx, expr, protocol.GlobalContext()); err != nil {
			t.Fatalf("Resolve %s: %v", expr, err)
		}
	}

	keyA := identityKey("a", protocol.GlobalContext())
	keyB := identityKey("b", protocol.GlobalContext())
	backend.mu.Lock()
	backend.pending = []protocol.Delta{
		{Name: keyA, Value: "10", InScope: true},
		{Name: keyB, InScope: false}, // scope loss poisons the cycle
	}
	backend.mu.Unlock()

	ok, err := cache.RefreshAll(ctx)
	if err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if ok {
		t.Fatal("RefreshAll should report invalidation")
	}

	// The whole change-list is gone: even the variable whose delta was
	// fine must round-trip again.
	_, updatesBefore, _, _ := backend.counts()
	if _, err := cache.Evaluate(ctx, "a", protocol.GlobalContext()); err != nil {
		t.Fatalf("Evaluate a: %v", err)
	}
	_, updatesAfter, _, _ := backend.counts()
	if updatesAfter == updatesBefore {
		t.Error("Evaluate should have hit the backend after invalidation")
	}

	// The out-of-scope variable is recreated under the same name.
	createsBefore, _, _, _ := backend.counts()
	if _, err := cache.Evaluate(ctx, "b", protocol.GlobalContext()); err != nil {
		t.Fatalf("Evaluate b: %v", err)
	}
	createsAfter, _, _, _ := backend.counts()
	if createsAfter != createsBefore+1 {
		t.Errorf("createCalls = %d, want %d (recreate)", createsAfter, createsBefore+1)
	}
}

func TestEvaluateRecreatesOnceOnNotFound(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("counter", "7", "int", 0)

	cache := newTestCache(backend)
	defer cache.Close()
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, "counter", protocol.GlobalContext()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	key := identityKey("counter", protocol.GlobalContext())
	backend.mu.Lock()
	backend.missing[key] = true
	backend.mu.Unlock()

	val, err := cache.Evaluate(ctx, "counter", protocol.GlobalContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if val.Value != "7" {
		t.Errorf("value = %q, want 7", val.Value)
	}

	creates, _, _, _ := backend.counts()
	if creates != 2 {
		t.Errorf("createCalls = %d, want 2", creates)
	}
}

func TestExpandChildren(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("pt", "{...}", "struct point", 4)
	backend.children["pt"] = []protocol.Child{
		{Exp: "<anonymous>", Name: "c_anon0", Value: "1", Type: "int"},
		{Exp: "<anonymous>", Name: "c_anon1", Value: "2", Type: "int"},
		{Exp: "0", Name: "c_idx0", Value: "3", Type: "int"},
		{Exp: "x", Name: "c_x", Value: "1.5", Type: "double", NumChildren: 2},
	}

	cache := newTestCache(backend)
	defer cache.Close()
	ctx := context.Background()

	handle, err := cache.Resolve(ctx, "pt", protocol.GlobalContext())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Open a valid cycle so the second expansion can be a cache hit.
	if _, err := cache.RefreshAll(ctx); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}

	children, err := cache.ExpandChildren(ctx, handle)
	if err != nil {
		t.Fatalf("ExpandChildren: %v", err)
	}

	wantNames := []string{"<anonymous>", "<anonymous>#1", "[0]", "x"}
	if len(children) != len(wantNames) {
		t.Fatalf("got %d children, want %d", len(children), len(wantNames))
	}
	seenHandles := make(map[int]bool)
	for i, child := range children {
		if child.Name != wantNames[i] {
			t.Errorf("child[%d].Name = %q, want %q", i, child.Name, wantNames[i])
		}
		if child.Handle == 0 || seenHandles[child.Handle] {
			t.Errorf("child[%d] has duplicate or zero handle %d", i, child.Handle)
		}
		seenHandles[child.Handle] = true
	}
	if !children[3].HasChildren {
		t.Error("child x should be expandable")
	}

	// Second expansion within the same valid cycle serves from cache.
	_, _, _, listsBefore := backend.counts()
	if _, err := cache.ExpandChildren(ctx, handle); err != nil {
		t.Fatalf("ExpandChildren again: %v", err)
	}
	_, _, _, listsAfter := backend.counts()
	if listsAfter != listsBefore {
		t.Errorf("listCalls = %d, want %d (cache hit)", listsAfter, listsBefore)
	}
}

func TestExpandChildrenScalar(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("n", "3", "int", 0)

	cache := newTestCache(backend)
	defer cache.Close()
	ctx := context.Background()

	handle, err := cache.Resolve(ctx, "n", protocol.GlobalContext())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	children, err := cache.ExpandChildren(ctx, handle)
	if err != nil {
		t.Fatalf("ExpandChildren: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("scalar should have no children, got %d", len(children))
	}
}

func TestClearDeleteAll(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("pt", "{...}", "struct point", 1)
	backend.seed("n", "3", "int", 0)
	backend.children["pt"] = []protocol.Child{
		{Exp: "x", Name: "c_x", Value: "1.5", Type: "double"},
	}

	cache := newTestCache(backend)
	defer cache.Close()
	ctx := context.Background()

	handle, err := cache.Resolve(ctx, "pt", protocol.GlobalContext())
	if err != nil {
		t.Fatalf("Resolve pt: %v", err)
	}
	if _, err := cache.Resolve(ctx, "n", protocol.GlobalContext()); err != nil {
		t.Fatalf("Resolve n: %v", err)
	}
	if _, err := cache.ExpandChildren(ctx, handle); err != nil {
		t.Fatalf("ExpandChildren: %v", err)
	}

	if err := cache.Clear(ctx, true); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	// Only root variables are deleted on the backend; children die with
	// their roots.
	_, _, deletes, _ := backend.counts()
	if deletes != 2 {
		t.Errorf("deleteCalls = %d, want 2", deletes)
	}

	snap, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("snapshot not empty after clear: %d entries", len(snap))
	}
}

func TestSnapshotOrder(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("a", "1", "int", 0)
	backend.seed("b", "2", "int", 0)
	backend.seed("c", "3", "int", 0)

	cache := newTestCache(backend)
	defer cache.Close()
	ctx := context.Background()

	for _, expr := range []string{"c", "a", "b"} {
		if _, err := cache.Resolve(ctx, expr, protocol.GlobalContext()); err != nil {
			t.Fatalf("Resolve %s: %v", expr, err)
		}
	}

	snap, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	want := []string{"c", "a", "b"}
	if len(snap) != len(want) {
		t.Fatalf("got %d entries, want %d", len(snap), len(want))
	}
	for i, state := range snap {
		if state.Name != want[i] {
			t.Errorf("snap[%d].Name = %q, want %q", i, state.Name, want[i])
		}
	}
}

func TestCacheSerializesBackendCalls(t *testing.T) {
	backend := newFakeBackend()
	backend.callDelay = time.Millisecond
	for i := 0; i < 8; i++ {
		backend.seed(fmt.Sprintf("v%d", i), "0", "int", 0)
	}

	cache := newTestCache(backend)
	defer cache.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			expr := fmt.Sprintf("v%d", i)
			if _, err := cache.Evaluate(ctx, expr, protocol.GlobalContext()); err != nil {
				t.Errorf("Evaluate %s: %v", expr, err)
			}
		}(i)
	}
	wg.Wait()

	if max := atomic.LoadInt32(&backend.maxInFlight); max != 1 {
		t.Errorf("maxInFlight = %d, want 1", max)
	}
}

func TestCacheClosedQueue(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("n", "1", "int", 0)

	cache := newTestCache(backend)
	cache.Close()

	if _, err := cache.Evaluate(context.Background(), "n", protocol.GlobalContext()); err != ErrQueueClosed {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
}
