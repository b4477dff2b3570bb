package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/models"
)

// StateStore abstracts where construct-visible state documents live. Keys are
// (constructID, scope, target); values are opaque JSON documents.
type StateStore interface {
	Get(ctx context.Context, constructID, scope, target string) (json.RawMessage, error)
	Put(ctx context.Context, constructID, scope, target string, state json.RawMessage) error
	Delete(ctx context.Context, constructID, scope, target string) error
}

// StatePatch applies a manifest's proposed JSON document over a StateStore.
// It is the built-in capability for scopes whose state is a plain document,
// such as ui.theme or ui.layout.
type StatePatch struct {
	store  StateStore
	logger *zap.Logger
}

// NewStatePatch creates a StatePatch capability backed by the given store
func NewStatePatch(store StateStore, logger *zap.Logger) *StatePatch {
	return &StatePatch{
		store:  store,
		logger: logger,
	}
}

// Name implements Capability
func (s *StatePatch) Name() string {
	return "statepatch"
}

// Execute applies the proposed state to the manifest's target. Create,
// update, and rename all write the proposed document; delete removes the
// target. Rename additionally removes the old document when the proposed
// state carries a "renamed_from" field.
func (s *StatePatch) Execute(ctx context.Context, m *models.Manifest) (json.RawMessage, error) {
	switch m.Action {
	case "delete":
		if err := s.store.Delete(ctx, m.ConstructID, m.Scope, m.Target); err != nil {
			return nil, fmt.Errorf("failed to delete %s/%s: %w", m.Scope, m.Target, err)
		}
	case "rename":
		if err := s.store.Put(ctx, m.ConstructID, m.Scope, m.Target, m.ProposedState); err != nil {
			return nil, fmt.Errorf("failed to write %s/%s: %w", m.Scope, m.Target, err)
		}
		if from := renamedFrom(m.ProposedState); from != "" && from != m.Target {
			if err := s.store.Delete(ctx, m.ConstructID, m.Scope, from); err != nil {
				s.logger.Warn("Failed to remove renamed source",
					zap.String("scope", m.Scope),
					zap.String("target", from),
					zap.Error(err))
			}
		}
	default:
		if err := s.store.Put(ctx, m.ConstructID, m.Scope, m.Target, m.ProposedState); err != nil {
			return nil, fmt.Errorf("failed to write %s/%s: %w", m.Scope, m.Target, err)
		}
	}

	result, err := json.Marshal(map[string]interface{}{
		"applied":    true,
		"capability": s.Name(),
		"scope":      m.Scope,
		"target":     m.Target,
		"action":     m.Action,
		"applied_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return result, nil
}

// Rollback restores the state captured at proposal time. A manifest that
// created its target is rolled back by deleting it; anything else restores
// the previous document.
func (s *StatePatch) Rollback(ctx context.Context, m *models.Manifest) error {
	if m.Action == "create" || len(m.CurrentState) == 0 {
		if err := s.store.Delete(ctx, m.ConstructID, m.Scope, m.Target); err != nil {
			return fmt.Errorf("failed to remove %s/%s: %w", m.Scope, m.Target, err)
		}
		return nil
	}

	if err := s.store.Put(ctx, m.ConstructID, m.Scope, m.Target, m.CurrentState); err != nil {
		return fmt.Errorf("failed to restore %s/%s: %w", m.Scope, m.Target, err)
	}
	return nil
}

// Preview diffs the live document against the proposed one without writing
func (s *StatePatch) Preview(ctx context.Context, m *models.Manifest) (json.RawMessage, error) {
	current, err := s.store.Get(ctx, m.ConstructID, m.Scope, m.Target)
	if err != nil {
		// Fall back to the snapshot captured at proposal time
		current = m.CurrentState
	}
	if m.Action == "delete" {
		return PreviewDiff(current, nil)
	}
	return PreviewDiff(current, m.ProposedState)
}

func renamedFrom(proposed json.RawMessage) string {
	var doc struct {
		RenamedFrom string `json:"renamed_from"`
	}
	if err := json.Unmarshal(proposed, &doc); err != nil {
		return ""
	}
	return doc.RenamedFrom
}

// MemoryStateStore is an in-memory StateStore for tests and embedded
// single-process deployments
type MemoryStateStore struct {
	mu   sync.RWMutex
	docs map[string]json.RawMessage
}

// NewMemoryStateStore creates an empty in-memory state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		docs: make(map[string]json.RawMessage),
	}
}

func stateKey(constructID, scope, target string) string {
	return constructID + "/" + scope + "/" + target
}

// Get returns the document stored for the key
func (s *MemoryStateStore) Get(ctx context.Context, constructID, scope, target string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[stateKey(constructID, scope, target)]
	if !ok {
		return nil, fmt.Errorf("no state for %s", stateKey(constructID, scope, target))
	}
	out := make(json.RawMessage, len(doc))
	copy(out, doc)
	return out, nil
}

// Put stores a copy of the document
func (s *MemoryStateStore) Put(ctx context.Context, constructID, scope, target string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := make(json.RawMessage, len(state))
	copy(doc, state)
	s.docs[stateKey(constructID, scope, target)] = doc
	return nil
}

// Delete removes the document. Deleting a missing document is not an error.
func (s *MemoryStateStore) Delete(ctx context.Context, constructID, scope, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, stateKey(constructID, scope, target))
	return nil
}

// Keys returns the stored keys in sorted order. Intended for tests.
func (s *MemoryStateStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.docs))
	for key := range s.docs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
