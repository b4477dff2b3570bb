package manifest

import (
	"encoding/json"

	"github.com/TitaniumShinobi/vsi-governance/models"
)

// ProposeRequest carries everything needed to open a manifest
type ProposeRequest struct {
	ConstructID   string
	UserID        string
	Scope         string
	Target        string
	Action        string
	CurrentState  json.RawMessage
	ProposedState json.RawMessage
	Rationale     string
	RiskLevel     models.RiskLevel
}

// ProposeResult pairs the stored manifest with the policy gates that apply
// to it, so the proposer learns up front whether approval or a preview
// stands between the proposal and execution.
type ProposeResult struct {
	Manifest         *models.Manifest
	RequiresApproval bool
	RequiresPreview  bool
}

// ExecuteResult reports the outcome of an execute call. Queued is true when
// no in-process capability serves the scope and the manifest was handed to
// the runner instead of executing synchronously.
type ExecuteResult struct {
	Manifest *models.Manifest
	Queued   bool
}

// JobReport is the runner's completion report for a spooled job
type JobReport struct {
	Success       bool
	Result        json.RawMessage
	FailureReason string
}
