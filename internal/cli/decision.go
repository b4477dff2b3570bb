package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TitaniumShinobi/vsi-governance/models"
)

var rejectReason string

// executeResponse mirrors the gateway's execute payload.
type executeResponse struct {
	Manifest *models.Manifest `json:"manifest"`
	Queued   bool             `json:"queued"`
}

var approveCmd = &cobra.Command{
	Use:   "approve <manifest-id>",
	Short: "Approve a proposed manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var m models.Manifest
		if err := newClient().post(cmd.Context(), "/api/v1/manifests/"+args[0]+"/approve", nil, &m); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(m)
		}
		fmt.Printf("Approved %s\n", m.ID)
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <manifest-id>",
	Short: "Reject a manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body map[string]string
		if rejectReason != "" {
			body = map[string]string{"reason": rejectReason}
		}
		var m models.Manifest
		if err := newClient().post(cmd.Context(), "/api/v1/manifests/"+args[0]+"/reject", body, &m); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(m)
		}
		fmt.Printf("Rejected %s\n", m.ID)
		return nil
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute <manifest-id>",
	Short: "Execute a manifest, or queue it for the runner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp executeResponse
		if err := newClient().post(cmd.Context(), "/api/v1/manifests/"+args[0]+"/execute", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(resp)
		}
		if resp.Queued {
			fmt.Printf("Queued %s for the runner (job %s)\n", resp.Manifest.ID, resp.Manifest.JobID)
			return nil
		}
		fmt.Printf("Executed %s (%s)\n", resp.Manifest.ID, resp.Manifest.Status)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <manifest-id>",
	Short: "Reverse an executed manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var m models.Manifest
		if err := newClient().post(cmd.Context(), "/api/v1/manifests/"+args[0]+"/rollback", nil, &m); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(m)
		}
		fmt.Printf("Rolled back %s\n", m.ID)
		return nil
	},
}

func init() {
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the manifest is being rejected")

	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(rollbackCmd)
}
