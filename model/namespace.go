package model

import (
	"context"
	"sync"
)

var (
	namespaceMu      sync.RWMutex
	defaultNamespace string
)

// SetDefaultNamespace sets the process-wide namespace applied to keys that
// do not carry one. It returns the namespace so the call can be chained at
// startup.
func SetDefaultNamespace(namespace string) string {
	namespaceMu.Lock()
	defer namespaceMu.Unlock()
	defaultNamespace = namespace
	return namespace
}

// DefaultNamespace returns the process-wide default namespace.
func DefaultNamespace() string {
	namespaceMu.RLock()
	defer namespaceMu.RUnlock()
	return defaultNamespace
}

type namespaceKey struct{}

// ContextWithNamespace returns a context whose namespace overrides the
// process default for operations run with it.
func ContextWithNamespace(ctx context.Context, namespace string) context.Context {
	return context.WithValue(ctx, namespaceKey{}, namespace)
}

// NamespaceFromContext returns the namespace in effect on ctx: the context's
// override when set, the process default otherwise.
func NamespaceFromContext(ctx context.Context) string {
	if ns, ok := ctx.Value(namespaceKey{}).(string); ok {
		return ns
	}
	return DefaultNamespace()
}

// ResolveNamespace returns the namespace an adapter should store key under:
// the key's own namespace when it has one, else the namespace in effect on
// ctx.
func ResolveNamespace(ctx context.Context, key *Key) string {
	if ns := key.Namespace(); ns != "" {
		return ns
	}
	return NamespaceFromContext(ctx)
}
