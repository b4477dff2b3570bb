package permission

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	"github.com/TitaniumShinobi/vsi-governance/services"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML document applied at startup when VSI_POLICY_FILE is set.
type seedFile struct {
	Constructs []seedConstruct `yaml:"constructs"`
}

type seedConstruct struct {
	ConstructID     string     `yaml:"construct_id"`
	PermittedScopes []string   `yaml:"permitted_scopes"`
	Rules           []seedRule `yaml:"rules"`
}

type seedRule struct {
	Scope            string `yaml:"scope"`
	Risk             string `yaml:"risk"`
	RequiresApproval bool   `yaml:"requires_approval"`
	RequiresPreview  bool   `yaml:"requires_preview"`
}

// LoadSeedFile parses a YAML policy seed file into policy documents.
func LoadSeedFile(path string) ([]*models.ConstructPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse policy seed file: %w", err)
	}

	now := time.Now().UTC()
	policies := make([]*models.ConstructPolicy, 0, len(seed.Constructs))
	for _, sc := range seed.Constructs {
		if sc.ConstructID == "" {
			return nil, fmt.Errorf("policy seed entry missing construct_id")
		}

		policy := &models.ConstructPolicy{
			ConstructID:     sc.ConstructID,
			PermittedScopes: sc.PermittedScopes,
			Rules:           make(map[string]models.PolicyGate, len(sc.Rules)),
			UpdatedAt:       now,
		}
		for _, rule := range sc.Rules {
			risk := models.RiskLevel(rule.Risk)
			if !risk.Valid() {
				return nil, fmt.Errorf("policy seed for %s: unknown risk level %q", sc.ConstructID, rule.Risk)
			}
			policy.Rules[models.RuleKey(rule.Scope, risk)] = models.PolicyGate{
				RequiresApproval: rule.RequiresApproval,
				RequiresPreview:  rule.RequiresPreview,
			}
		}
		policies = append(policies, policy)
	}

	return policies, nil
}

// SeedFromFile loads a YAML policy seed file and upserts every construct
// policy it defines in one transaction, so a bad entry leaves the stored
// policies untouched. Called once at startup; an empty path is a no-op.
func (s *PermissionService) SeedFromFile(ctx context.Context, txManager repositories.TransactionManager, path string) error {
	if path == "" {
		return nil
	}

	policies, err := LoadSeedFile(path)
	if err != nil {
		return err
	}

	err = services.WithTransaction(ctx, txManager, func(ctx context.Context, tx repositories.Transaction) error {
		repo := s.policyRepo.WithTx(tx)
		for _, policy := range policies {
			if err := repo.Upsert(tx.Context(), policy); err != nil {
				return fmt.Errorf("failed to seed policy for %s: %w", policy.ConstructID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, policy := range policies {
		s.cache.Invalidate(policy.ConstructID)
	}

	s.logger.Info("seeded construct policies from file",
		zap.String("path", path),
		zap.Int("count", len(policies)))
	return nil
}
