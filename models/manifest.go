package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ManifestStatus represents the lifecycle state of a change manifest
type ManifestStatus string

const (
	StatusProposed   ManifestStatus = "proposed"
	StatusApproved   ManifestStatus = "approved"
	StatusRejected   ManifestStatus = "rejected"
	StatusQueued     ManifestStatus = "queued"
	StatusExecuting  ManifestStatus = "executing"
	StatusExecuted   ManifestStatus = "executed"
	StatusFailed     ManifestStatus = "failed"
	StatusRolledBack ManifestStatus = "rolled_back"
	StatusExpired    ManifestStatus = "expired"
)

// StatusTransitions defines the legal transitions out of each status.
// Executed is not terminal: it has exactly one exit, rollback.
var StatusTransitions = map[ManifestStatus][]ManifestStatus{
	StatusProposed:   {StatusApproved, StatusRejected, StatusQueued, StatusExecuted, StatusFailed, StatusExpired},
	StatusApproved:   {StatusRejected, StatusQueued, StatusExecuted, StatusFailed, StatusExpired},
	StatusQueued:     {StatusExecuting, StatusExecuted, StatusFailed, StatusExpired},
	StatusExecuting:  {StatusExecuted, StatusFailed},
	StatusExecuted:   {StatusRolledBack},
	StatusRejected:   {},
	StatusFailed:     {},
	StatusRolledBack: {},
	StatusExpired:    {},
}

// CanTransitionTo returns true if the transition from the current status to target is legal.
func (s ManifestStatus) CanTransitionTo(target ManifestStatus) bool {
	validTargets, ok := StatusTransitions[s]
	if !ok {
		return false
	}
	for _, valid := range validTargets {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status has no outgoing transitions.
func (s ManifestStatus) IsTerminal() bool {
	return len(StatusTransitions[s]) == 0
}

// IsPending returns true if the manifest still awaits a decision or execution.
func (s ManifestStatus) IsPending() bool {
	return s == StatusProposed || s == StatusApproved || s == StatusQueued
}

// Expirable returns true if the status is subject to the expiry deadline.
// Executing manifests are in flight on the runner and run to completion.
func (s ManifestStatus) Expirable() bool {
	return s == StatusProposed || s == StatusApproved || s == StatusQueued
}

// Valid returns true if the status is a known lifecycle state.
func (s ManifestStatus) Valid() bool {
	_, ok := StatusTransitions[s]
	return ok
}

// RiskLevel classifies the blast radius of a proposed change
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevels lists all risk levels from lowest to highest.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Valid returns true if the risk level is one of the known tiers.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Manifest represents one proposed, reversible state change by a construct.
// Manifests are never deleted; their status records the full decision history.
type Manifest struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	ConstructID   string          `json:"construct_id" db:"construct_id"`
	UserID        string          `json:"user_id" db:"user_id"` // proposer
	Scope         string          `json:"scope" db:"scope"`
	Target        string          `json:"target" db:"target"`
	Action        string          `json:"action" db:"action"`
	CurrentState  json.RawMessage `json:"current_state,omitempty" db:"current_state"`
	ProposedState json.RawMessage `json:"proposed_state" db:"proposed_state"`
	Rationale     string          `json:"rationale" db:"rationale"`
	RiskLevel     RiskLevel       `json:"risk_level" db:"risk_level"`
	Status        ManifestStatus  `json:"status" db:"status"`
	Version       int             `json:"version" db:"version"` // optimistic concurrency guard

	JobID         *uuid.UUID      `json:"job_id,omitempty" db:"job_id"`
	Result        json.RawMessage `json:"result,omitempty" db:"result"`
	FailureReason *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	PreviewData   json.RawMessage `json:"preview_data,omitempty" db:"preview_data"`
	PreviewedAt   *time.Time      `json:"previewed_at,omitempty" db:"previewed_at"`

	ApprovedBy   *string    `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty" db:"approved_at"`
	RejectedBy   *string    `json:"rejected_by,omitempty" db:"rejected_by"`
	RejectedAt   *time.Time `json:"rejected_at,omitempty" db:"rejected_at"`
	RejectReason *string    `json:"reject_reason,omitempty" db:"reject_reason"`
	QueuedAt     *time.Time `json:"queued_at,omitempty" db:"queued_at"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty" db:"executed_at"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty" db:"rolled_back_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// TableName returns the table name for the Manifest model
func (Manifest) TableName() string {
	return "manifests"
}

// NewManifest creates a Manifest in the proposed state with a risk-derived expiry.
func NewManifest(constructID, userID, scope, target, action string, risk RiskLevel, ttl time.Duration) *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		ID:          uuid.New(),
		ConstructID: constructID,
		UserID:      userID,
		Scope:       scope,
		Target:      target,
		Action:      action,
		RiskLevel:   risk,
		Status:      StatusProposed,
		Version:     1,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// IsExpired returns true if the manifest sits in an expirable status past its deadline.
func (m *Manifest) IsExpired(now time.Time) bool {
	return m.Status.Expirable() && now.After(m.ExpiresAt)
}

// Previewed returns true if a preview was recorded for this manifest.
func (m *Manifest) Previewed() bool {
	return m.PreviewedAt != nil
}

// ManifestSummary is the trimmed listing form of a manifest.
type ManifestSummary struct {
	ID          uuid.UUID      `json:"id"`
	ConstructID string         `json:"construct_id"`
	UserID      string         `json:"user_id"`
	Scope       string         `json:"scope"`
	Target      string         `json:"target"`
	Action      string         `json:"action"`
	Rationale   string         `json:"rationale"`
	RiskLevel   RiskLevel      `json:"risk_level"`
	Status      ManifestStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Summary returns the listing form of the manifest.
func (m *Manifest) Summary() ManifestSummary {
	return ManifestSummary{
		ID:          m.ID,
		ConstructID: m.ConstructID,
		UserID:      m.UserID,
		Scope:       m.Scope,
		Target:      m.Target,
		Action:      m.Action,
		Rationale:   m.Rationale,
		RiskLevel:   m.RiskLevel,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
	}
}
