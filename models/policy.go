package models

import (
	"fmt"
	"time"
)

// PolicyGate describes what a construct must clear before a change executes
type PolicyGate struct {
	RequiresApproval bool `json:"requires_approval"`
	RequiresPreview  bool `json:"requires_preview"`
}

// DefaultGate returns the gate applied when a permitted scope has no explicit rule.
// Higher risk tiers demand more ceremony.
func DefaultGate(risk RiskLevel) PolicyGate {
	switch risk {
	case RiskLow:
		return PolicyGate{}
	case RiskMedium:
		return PolicyGate{RequiresApproval: true}
	default:
		return PolicyGate{RequiresApproval: true, RequiresPreview: true}
	}
}

// RuleKey builds the rules map key for a scope and risk level.
func RuleKey(scope string, risk RiskLevel) string {
	return fmt.Sprintf("%s/%s", scope, risk)
}

// ConstructPolicy represents the permission document for one construct:
// which scopes it may touch and which gates apply per scope and risk level.
// The manifest service only ever reads policies.
type ConstructPolicy struct {
	ConstructID     string                `json:"construct_id" db:"construct_id"`
	PermittedScopes []string              `json:"permitted_scopes" db:"permitted_scopes"`
	Rules           map[string]PolicyGate `json:"rules" db:"rules"` // keyed by RuleKey(scope, risk)
	UpdatedAt       time.Time             `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ConstructPolicy model
func (ConstructPolicy) TableName() string {
	return "construct_policies"
}

// EmptyPolicy returns the deny-all policy used for unknown constructs.
func EmptyPolicy(constructID string) *ConstructPolicy {
	return &ConstructPolicy{
		ConstructID:     constructID,
		PermittedScopes: []string{},
		Rules:           map[string]PolicyGate{},
		UpdatedAt:       time.Now().UTC(),
	}
}

// PermitsScope returns true if the construct may propose changes in the scope.
func (p *ConstructPolicy) PermitsScope(scope string) bool {
	for _, s := range p.PermittedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// GateFor resolves the effective gate for a scope and risk level: the explicit
// rule when one exists, otherwise the risk-tier default.
func (p *ConstructPolicy) GateFor(scope string, risk RiskLevel) PolicyGate {
	if gate, ok := p.Rules[RuleKey(scope, risk)]; ok {
		return gate
	}
	return DefaultGate(risk)
}

// PermissionSet is the fully resolved view of a construct's permissions:
// every permitted scope crossed with every risk level, defaults applied.
type PermissionSet struct {
	ConstructID string                `json:"construct_id"`
	Scopes      []string              `json:"scopes"`
	Gates       map[string]PolicyGate `json:"gates"` // keyed by RuleKey(scope, risk)
}

// Resolve expands the policy into its effective permission set.
func (p *ConstructPolicy) Resolve() PermissionSet {
	set := PermissionSet{
		ConstructID: p.ConstructID,
		Scopes:      append([]string{}, p.PermittedScopes...),
		Gates:       make(map[string]PolicyGate, len(p.PermittedScopes)*len(RiskLevels)),
	}
	for _, scope := range p.PermittedScopes {
		for _, risk := range RiskLevels {
			set.Gates[RuleKey(scope, risk)] = p.GateFor(scope, risk)
		}
	}
	return set
}
