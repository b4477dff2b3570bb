package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TitaniumShinobi/vsi-governance/models"
)

var (
	proposeConstruct string
	proposeScope     string
	proposeTarget    string
	proposeAction    string
	proposeRationale string
	proposeRisk      string
	proposeCurrent   string
	proposeProposed  string

	listConstruct string
	listLimit     int
	listOffset    int
)

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose a change manifest on behalf of a construct",
	Long: `Propose a change manifest. State payloads are inline JSON or
@path/to/file to read JSON from disk. Delete actions need no proposed state.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := readStateArg(proposeCurrent)
		if err != nil {
			return fmt.Errorf("current state: %w", err)
		}
		proposed, err := readStateArg(proposeProposed)
		if err != nil {
			return fmt.Errorf("proposed state: %w", err)
		}

		body := map[string]interface{}{
			"construct_id": proposeConstruct,
			"scope":        proposeScope,
			"target":       proposeTarget,
			"action":       proposeAction,
			"rationale":    proposeRationale,
			"risk_level":   proposeRisk,
		}
		if current != nil {
			body["current_state"] = current
		}
		if proposed != nil {
			body["proposed_state"] = proposed
		}

		var result struct {
			Manifest         models.Manifest `json:"manifest"`
			RequiresApproval bool            `json:"requires_approval"`
			RequiresPreview  bool            `json:"requires_preview"`
		}
		if err := newClient().post(cmd.Context(), "/api/v1/manifests", body, &result); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(result)
		}
		m := result.Manifest
		fmt.Printf("Proposed manifest %s (%s, expires %s)\n",
			m.ID, m.RiskLevel, m.ExpiresAt.Format("2006-01-02 15:04 MST"))
		if result.RequiresApproval {
			fmt.Println("Approval required before execution.")
		}
		if result.RequiresPreview {
			fmt.Println("Preview required before execution.")
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List manifests awaiting a decision or execution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var summaries []models.ManifestSummary
		if err := newClient().get(cmd.Context(), "/api/v1/manifests/pending", &summaries); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(summaries)
		}
		printSummaries(summaries)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List a construct's manifests, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listConstruct == "" {
			return fmt.Errorf("--construct is required")
		}
		path := fmt.Sprintf("/api/v1/manifests?construct_id=%s&limit=%d&offset=%d",
			listConstruct, listLimit, listOffset)

		var summaries []models.ManifestSummary
		if err := newClient().get(cmd.Context(), path, &summaries); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(summaries)
		}
		printSummaries(summaries)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <manifest-id>",
	Short: "Show one manifest in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var m models.Manifest
		if err := newClient().get(cmd.Context(), "/api/v1/manifests/"+args[0], &m); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(m)
		}
		printManifest(&m)
		return nil
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <manifest-id>",
	Short: "Compute and record what executing the manifest would change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var m models.Manifest
		if err := newClient().get(cmd.Context(), "/api/v1/manifests/"+args[0]+"/preview", &m); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(m)
		}
		fmt.Printf("Preview recorded for %s\n", m.ID)
		if len(m.PreviewData) > 0 {
			var pretty map[string]interface{}
			if err := json.Unmarshal(m.PreviewData, &pretty); err == nil {
				_ = outputJSON(pretty)
			} else {
				fmt.Println(string(m.PreviewData))
			}
		}
		return nil
	},
}

// readStateArg parses a state flag: empty means absent, @path reads a
// file, anything else is taken as inline JSON.
func readStateArg(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "@") {
		raw, err := os.ReadFile(strings.TrimPrefix(s, "@"))
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	}
	return json.RawMessage(s), nil
}

func printSummaries(summaries []models.ManifestSummary) {
	if len(summaries) == 0 {
		fmt.Println("No manifests.")
		return
	}
	for _, s := range summaries {
		fmt.Printf("%s  %-11s %-8s %s %s %s (%s)\n",
			s.ID, s.Status, s.RiskLevel, s.ConstructID, s.Scope, s.Target, s.Action)
	}
}

func printManifest(m *models.Manifest) {
	fmt.Printf("ID:         %s\n", m.ID)
	fmt.Printf("Construct:  %s (proposed by %s)\n", m.ConstructID, m.UserID)
	fmt.Printf("Change:     %s %s/%s\n", m.Action, m.Scope, m.Target)
	fmt.Printf("Status:     %s (version %d)\n", m.Status, m.Version)
	fmt.Printf("Risk:       %s\n", m.RiskLevel)
	fmt.Printf("Rationale:  %s\n", m.Rationale)
	fmt.Printf("Created:    %s\n", m.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if m.Status.Expirable() {
		fmt.Printf("Expires:    %s\n", m.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
	}
	if m.ApprovedBy != nil {
		fmt.Printf("Approved:   by %s at %s\n", *m.ApprovedBy, m.ApprovedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if m.RejectedBy != nil {
		reason := ""
		if m.RejectReason != nil {
			reason = " (" + *m.RejectReason + ")"
		}
		fmt.Printf("Rejected:   by %s at %s%s\n", *m.RejectedBy, m.RejectedAt.Format("2006-01-02 15:04:05 MST"), reason)
	}
	if m.JobID != nil {
		fmt.Printf("Job:        %s\n", *m.JobID)
	}
	if m.ExecutedAt != nil {
		fmt.Printf("Executed:   %s\n", m.ExecutedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if m.FailureReason != nil {
		fmt.Printf("Failure:    %s\n", *m.FailureReason)
	}
	if m.RolledBackAt != nil {
		fmt.Printf("Rolled back: %s\n", m.RolledBackAt.Format("2006-01-02 15:04:05 MST"))
	}
}

func init() {
	proposeCmd.Flags().StringVar(&proposeConstruct, "construct", "", "construct ID (required)")
	proposeCmd.Flags().StringVar(&proposeScope, "scope", "", "change scope (required)")
	proposeCmd.Flags().StringVar(&proposeTarget, "target", "", "target identifier within the scope (required)")
	proposeCmd.Flags().StringVar(&proposeAction, "action", "update", "action type")
	proposeCmd.Flags().StringVar(&proposeRationale, "rationale", "", "why the construct wants this change (required)")
	proposeCmd.Flags().StringVar(&proposeRisk, "risk", "medium", "risk level: low, medium, high, critical")
	proposeCmd.Flags().StringVar(&proposeCurrent, "current", "", "current state JSON (inline or @file)")
	proposeCmd.Flags().StringVar(&proposeProposed, "proposed", "", "proposed state JSON (inline or @file)")
	_ = proposeCmd.MarkFlagRequired("construct")
	_ = proposeCmd.MarkFlagRequired("scope")
	_ = proposeCmd.MarkFlagRequired("target")
	_ = proposeCmd.MarkFlagRequired("rationale")

	listCmd.Flags().StringVar(&listConstruct, "construct", "", "construct ID (required)")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum manifests to return")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "number of manifests to skip")

	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(previewCmd)
}
