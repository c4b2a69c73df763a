package vars

import (
	"context"
	"errors"
	"testing"

	"github.com/tracekit/varwatch/internal/protocol"
)

func TestSetRootValueReadYourWrite(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("counter", "1", "int", 0)

	cache := newTestCache(backend)
	defer cache.Close()
	gateway := NewGateway(cache)
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, "counter", protocol.GlobalContext()); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	key := identityKey("counter", protocol.GlobalContext())
	backend.mu.Lock()
	backend.pending = []protocol.Delta{{Name: key, Value: "1", InScope: true}}
	backend.mu.Unlock()
	if ok, err := cache.RefreshAll(ctx); err != nil || !ok {
		t.Fatalf("RefreshAll = %v, %v", ok, err)
	}

	confirmed, err := gateway.SetRootValue(ctx, "counter", "42")
	if err != nil {
		t.Fatalf("SetRootValue: %v", err)
	}
	if confirmed != "42" {
		t.Errorf("confirmed = %q, want 42", confirmed)
	}

	// A read in the same cycle sees the written value without another
	// backend round-trip.
	_, updatesBefore, _, _ := backend.counts()
	val, err := cache.Evaluate(ctx, "counter", protocol.GlobalContext())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if val.Value != "42" {
		t.Errorf("value = %q, want 42", val.Value)
	}
	_, updatesAfter, _, _ := backend.counts()
	if updatesAfter != updatesBefore {
		t.Error("read after write should not round-trip within a valid cycle")
	}
}

func TestSetRootValueCreatesOnDemand(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("flag", "0", "int", 0)

	cache := newTestCache(backend)
	defer cache.Close()
	gateway := NewGateway(cache)

	confirmed, err := gateway.SetRootValue(context.Background(), "flag", "1")
	if err != nil {
		t.Fatalf("SetRootValue: %v", err)
	}
	if confirmed != "1" {
		t.Errorf("confirmed = %q, want 1", confirmed)
	}

	creates, _, _, _ := backend.counts()
	if creates != 1 {
		t.Errorf("createCalls = %d, want 1", creates)
	}
}

func TestSetChildValue(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("pt", "{...}", "struct point", 2)
	backend.children["pt"] = []protocol.Child{
		{Exp: "x", Name: "c_x", Value: "1.5", Type: "double"},
		{Exp: "y", Name: "c_y", Value: "2.5", Type: "double"},
	}

	cache := newTestCache(backend)
	defer cache.Close()
	gateway := NewGateway(cache)
	ctx := context.Background()

	handle, err := cache.Resolve(ctx, "pt", protocol.GlobalContext())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// The child mapping is expanded lazily by the mutation itself.
	confirmed, err := gateway.SetChildValue(ctx, handle, "y", "9.0")
	if err != nil {
		t.Fatalf("SetChildValue: %v", err)
	}
	if confirmed != "9.0" {
		t.Errorf("confirmed = %q, want 9.0", confirmed)
	}
}

func TestSetChildValueUnknownChild(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("pt", "{...}", "struct point", 2)
	backend.children["pt"] = []protocol.Child{
		{Exp: "x", Name: "c_x", Value: "1.5", Type: "double"},
		{Exp: "y", Name: "c_y", Value: "2.5", Type: "double"},
	}

	cache := newTestCache(backend)
	defer cache.Close()
	gateway := NewGateway(cache)
	ctx := context.Background()

	handle, err := cache.Resolve(ctx, "pt", protocol.GlobalContext())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	_, err = gateway.SetChildValue(ctx, handle, "z", "0")
	var notFound *protocol.ChildNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ChildNotFoundError, got %v", err)
	}
	if notFound.Child != "z" || notFound.Parent != "pt" {
		t.Errorf("error = %+v", notFound)
	}
	if len(notFound.Available) != 2 || notFound.Available[0] != "x" || notFound.Available[1] != "y" {
		t.Errorf("available = %v, want [x y]", notFound.Available)
	}
}

func TestSetValueRejectsMalformedLiterals(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("n", "1", "int", 0)

	cache := newTestCache(backend)
	defer cache.Close()
	gateway := NewGateway(cache)
	ctx := context.Background()

	for _, literal := range []string{"", "   ", "4\n2", "4\r2"} {
		_, err := gateway.SetRootValue(ctx, "n", literal)
		var malformed *protocol.MalformedLiteralError
		if !errors.As(err, &malformed) {
			t.Errorf("literal %q: expected MalformedLiteralError, got %v", literal, err)
		}
	}

	// Rejection happens before any backend traffic.
	creates, updates, _, _ := backend.counts()
	if creates != 0 || updates != 0 || backend.assignCalls != 0 {
		t.Errorf("backend was called for malformed literals: creates=%d updates=%d assigns=%d",
			creates, updates, backend.assignCalls)
	}
}
