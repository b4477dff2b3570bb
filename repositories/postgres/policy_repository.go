package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	"go.uber.org/zap"
)

// PolicyRepository implements the repositories.PolicyRepository interface.
// Scopes and rules live in JSONB columns; one row per construct.
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

// GetByConstructID retrieves the policy document for a construct
func (r *PolicyRepository) GetByConstructID(ctx context.Context, constructID string) (*models.ConstructPolicy, error) {
	query := `
		SELECT construct_id, permitted_scopes, rules, updated_at
		FROM construct_policies
		WHERE construct_id = $1
	`

	executor := GetExecutor(ctx, r.db)

	policy := &models.ConstructPolicy{}
	var scopes, rules []byte

	err := executor.QueryRowContext(ctx, query, constructID).Scan(
		&policy.ConstructID,
		&scopes,
		&rules,
		&policy.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("policy for construct %s: %w", constructID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get construct policy: %w", err)
	}

	if err := unmarshalPolicy(policy, scopes, rules); err != nil {
		return nil, err
	}

	return policy, nil
}

// Upsert creates or replaces a construct's policy document
func (r *PolicyRepository) Upsert(ctx context.Context, policy *models.ConstructPolicy) error {
	query := `
		INSERT INTO construct_policies (construct_id, permitted_scopes, rules, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (construct_id)
		DO UPDATE SET permitted_scopes = $2, rules = $3, updated_at = $4
	`

	scopes, err := json.Marshal(policy.PermittedScopes)
	if err != nil {
		return fmt.Errorf("failed to marshal permitted scopes: %w", err)
	}
	rules, err := json.Marshal(policy.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal policy rules: %w", err)
	}

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		policy.ConstructID,
		scopes,
		rules,
		policy.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert construct policy: %w", err)
	}

	r.logger.Debug("construct policy upserted", zap.String("construct_id", policy.ConstructID))
	return nil
}

// List retrieves all construct policies
func (r *PolicyRepository) List(ctx context.Context) ([]*models.ConstructPolicy, error) {
	query := `
		SELECT construct_id, permitted_scopes, rules, updated_at
		FROM construct_policies
		ORDER BY construct_id ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query construct policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.ConstructPolicy
	for rows.Next() {
		policy := &models.ConstructPolicy{}
		var scopes, rules []byte
		if err := rows.Scan(&policy.ConstructID, &scopes, &rules, &policy.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan construct policy: %w", err)
		}
		if err := unmarshalPolicy(policy, scopes, rules); err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating construct policy rows: %w", err)
	}

	return policies, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *PolicyRepository) WithTx(tx repositories.Transaction) repositories.PolicyRepository {
	return &PolicyRepository{
		db:     r.db,
		logger: r.logger,
	}
}

func unmarshalPolicy(policy *models.ConstructPolicy, scopes, rules []byte) error {
	if err := json.Unmarshal(scopes, &policy.PermittedScopes); err != nil {
		return fmt.Errorf("failed to unmarshal permitted scopes: %w", err)
	}
	if err := json.Unmarshal(rules, &policy.Rules); err != nil {
		return fmt.Errorf("failed to unmarshal policy rules: %w", err)
	}
	return nil
}
