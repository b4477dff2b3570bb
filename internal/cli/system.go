package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/TitaniumShinobi/vsi-governance/models"
)

// vocabulary mirrors the gateway's closed-vocabulary payload.
type vocabulary struct {
	Scopes      []string           `json:"scopes"`
	ActionTypes []string           `json:"action_types"`
	RiskLevels  []models.RiskLevel `json:"risk_levels"`
}

var permissionsCmd = &cobra.Command{
	Use:   "permissions <construct-id>",
	Short: "Show a construct's resolved permission set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var set models.PermissionSet
		if err := newClient().get(cmd.Context(), "/api/v1/permissions/"+args[0], &set); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(set)
		}

		fmt.Printf("Construct %s may touch %d scope(s):\n", set.ConstructID, len(set.Scopes))
		keys := make([]string, 0, len(set.Gates))
		for k := range set.Gates {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			gate := set.Gates[k]
			fmt.Printf("  %-40s approval=%v preview=%v\n", k, gate.RequiresApproval, gate.RequiresPreview)
		}
		return nil
	},
}

var scopesCmd = &cobra.Command{
	Use:   "scopes",
	Short: "Show the scope, action, and risk vocabularies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var vocab vocabulary
		if err := newClient().get(cmd.Context(), "/api/v1/scopes", &vocab); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(vocab)
		}

		fmt.Println("Scopes:")
		for _, s := range vocab.Scopes {
			fmt.Printf("  %s\n", s)
		}
		fmt.Println("Actions:")
		for _, a := range vocab.ActionTypes {
			fmt.Printf("  %s\n", a)
		}
		fmt.Println("Risk levels:")
		for _, r := range vocab.RiskLevels {
			fmt.Printf("  %s\n", r)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status including runner liveness",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status map[string]interface{}
		if err := newClient().get(cmd.Context(), "/api/v1/status", &status); err != nil {
			return err
		}
		return outputJSON(status)
	},
}

func init() {
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(scopesCmd)
	rootCmd.AddCommand(statusCmd)
}
