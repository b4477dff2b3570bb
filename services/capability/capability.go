// Package capability defines the pluggable mutation interface the governance
// core executes manifests through, and the registry that binds scopes to
// implementations. Scopes with no bound capability queue to the out-of-process
// runner instead of executing in the gateway.
package capability

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/TitaniumShinobi/vsi-governance/models"
)

var (
	// ErrCapabilityNotFound is returned when no capability serves a scope
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrAlreadyRegistered is returned when registering a duplicate capability name
	ErrAlreadyRegistered = errors.New("capability already registered")
)

// Capability applies, reverses, and previews state changes for the scopes it
// is bound to. Implementations must be safe for concurrent use.
type Capability interface {
	// Name identifies the capability in bindings and logs
	Name() string

	// Execute applies the manifest's proposed state and returns an
	// execution result payload
	Execute(ctx context.Context, m *models.Manifest) (json.RawMessage, error)

	// Rollback restores the state captured in the manifest's CurrentState
	Rollback(ctx context.Context, m *models.Manifest) error

	// Preview describes what Execute would change without applying anything
	Preview(ctx context.Context, m *models.Manifest) (json.RawMessage, error)
}
