package vars

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tracekit/varwatch/internal/protocol"
)

// Gateway performs safe runtime value assignment against the backend
// using the cache's identity mapping. Mutations share the cache's
// serialized request queue, so an assign can never race a refresh on
// the same identity. Assigning while the target runs relies on the
// backend's assign primitive being safe on a live target; that
// guarantee is external to this layer.
type Gateway struct {
	cache  *Cache
	logger *zap.Logger
}

// NewGateway creates a mutation gateway over the given cache.
func NewGateway(cache *Cache) *Gateway {
	return &Gateway{
		cache:  cache,
		logger: cache.logger.Named("mutate"),
	}
}

// SetChildValue assigns a literal to a named child of the parent handle
// and returns the backend-confirmed value. The cached child value is
// updated so reads before the next refresh stay consistent.
func (g *Gateway) SetChildValue(ctx context.Context, parentHandle int, childName, literal string) (string, error) {
	if err := validateLiteral(literal); err != nil {
		return "", err
	}

	var (
		confirmed string
		err       error
	)
	if qerr := g.cache.queue.Do(ctx, func() {
		confirmed, err = g.setChildValue(ctx, parentHandle, childName, literal)
	}); qerr != nil {
		return "", qerr
	}
	return confirmed, err
}

// SetRootValue assigns a literal to the tracked variable for an
// expression, creating it if needed, and returns the confirmed value.
func (g *Gateway) SetRootValue(ctx context.Context, expression, literal string) (string, error) {
	if err := validateLiteral(literal); err != nil {
		return "", err
	}

	var (
		confirmed string
		err       error
	)
	if qerr := g.cache.queue.Do(ctx, func() {
		confirmed, err = g.setRootValue(ctx, expression, literal)
	}); qerr != nil {
		return "", qerr
	}
	return confirmed, err
}

// setChildValue runs on the queue.
func (g *Gateway) setChildValue(ctx context.Context, parentHandle int, childName, literal string) (string, error) {
	parent, ok := g.cache.byHandle[parentHandle]
	if !ok {
		return "", fmt.Errorf("vars: unknown handle %d", parentHandle)
	}

	// The child mapping is built lazily; expand if this parent has
	// never been expanded.
	if parent.children == nil {
		if _, err := g.cache.expandChildren(ctx, parent); err != nil {
			return "", err
		}
	}

	var child *TrackedVariable
	available := make([]string, 0, len(parent.children))
	for _, entry := range parent.children {
		available = append(available, entry.fragment)
		if entry.fragment == childName {
			child = entry.variable
		}
	}
	if child == nil {
		return "", &protocol.ChildNotFoundError{
			Parent:    parent.Expression,
			Child:     childName,
			Available: available,
		}
	}

	return g.assign(ctx, child, literal)
}

// setRootValue runs on the queue.
func (g *Gateway) setRootValue(ctx context.Context, expression, literal string) (string, error) {
	if _, err := g.cache.evaluate(ctx, expression, protocol.GlobalContext()); err != nil {
		return "", err
	}

	v := g.cache.vars[identityKey(expression, protocol.GlobalContext())]
	return g.assign(ctx, v, literal)
}

// assign issues the backend write and updates the cache optimistically.
func (g *Gateway) assign(ctx context.Context, v *TrackedVariable, literal string) (string, error) {
	confirmed, err := g.cache.client.Assign(ctx, v.ProtocolName, literal)
	if err != nil {
		return "", fmt.Errorf("assign %q: %w", v.Expression, err)
	}

	v.Value = confirmed
	if g.cache.changes.valid() {
		g.cache.changes.record(protocol.Delta{
			Name:    v.ProtocolName,
			Value:   confirmed,
			Type:    v.Type,
			InScope: true,
		})
	}

	g.logger.Info("value assigned",
		zap.String("expression", v.Expression),
		zap.String("value", confirmed))

	return confirmed, nil
}

// validateLiteral rejects literals that cannot be sent as a single
// protocol argument, before any backend call is made.
func validateLiteral(literal string) error {
	if strings.TrimSpace(literal) == "" {
		return &protocol.MalformedLiteralError{Literal: literal, Reason: "empty"}
	}
	if strings.ContainsAny(literal, "\r\n") {
		return &protocol.MalformedLiteralError{Literal: literal, Reason: "contains line break"}
	}
	return nil
}
