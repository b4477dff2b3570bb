package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry holds registered capabilities and the scope bindings that route
// manifests to them. Bindings are either exact ("ui.theme") or prefix
// ("ui." matches every ui.* scope); exact bindings win.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	scopes       map[string]string
	prefixes     map[string]string
	logger       *zap.Logger
}

// NewRegistry creates an empty capability registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
		scopes:       make(map[string]string),
		prefixes:     make(map[string]string),
		logger:       logger,
	}
}

// Register adds a capability under its name
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return fmt.Errorf("capability cannot be nil")
	}

	name := c.Name()
	if name == "" {
		return fmt.Errorf("capability name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	r.capabilities[name] = c
	r.logger.Info("Capability registered", zap.String("capability", name))
	return nil
}

// Bind routes an exact scope to a registered capability
func (r *Registry) Bind(scope, capabilityName string) error {
	if scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[capabilityName]; !exists {
		return fmt.Errorf("%w: %s", ErrCapabilityNotFound, capabilityName)
	}

	r.scopes[scope] = capabilityName
	r.logger.Info("Scope bound",
		zap.String("scope", scope),
		zap.String("capability", capabilityName))
	return nil
}

// BindPrefix routes every scope sharing a prefix to a registered capability
func (r *Registry) BindPrefix(prefix, capabilityName string) error {
	if prefix == "" {
		return fmt.Errorf("prefix cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[capabilityName]; !exists {
		return fmt.Errorf("%w: %s", ErrCapabilityNotFound, capabilityName)
	}

	r.prefixes[prefix] = capabilityName
	r.logger.Info("Scope prefix bound",
		zap.String("prefix", prefix),
		zap.String("capability", capabilityName))
	return nil
}

// Resolve returns the capability bound to a scope, trying exact bindings
// before prefix bindings. A scope with no binding returns
// ErrCapabilityNotFound; callers treat that as "queue for the runner".
func (r *Registry) Resolve(scope string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.scopes[scope]; ok {
		return r.capabilities[name], nil
	}

	for prefix, name := range r.prefixes {
		if strings.HasPrefix(scope, prefix) {
			return r.capabilities[name], nil
		}
	}

	return nil, fmt.Errorf("%w: no binding for scope %s", ErrCapabilityNotFound, scope)
}

// Has reports whether any capability serves the scope
func (r *Registry) Has(scope string) bool {
	_, err := r.Resolve(scope)
	return err == nil
}

// BoundScopes returns the exactly bound scopes in sorted order
func (r *Registry) BoundScopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scopes := make([]string, 0, len(r.scopes))
	for scope := range r.scopes {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// Count returns the number of registered capabilities
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.capabilities)
}

// Clear removes all capabilities and bindings. Intended for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.capabilities = make(map[string]Capability)
	r.scopes = make(map[string]string)
	r.prefixes = make(map[string]string)
}
