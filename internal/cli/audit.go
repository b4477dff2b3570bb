package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TitaniumShinobi/vsi-governance/models"
)

var (
	auditLimit  int
	auditOffset int
)

// auditPage mirrors the gateway's paginated audit payload.
type auditPage struct {
	ConstructID string               `json:"construct_id"`
	Entries     []*models.AuditEntry `json:"entries"`
	Total       int64                `json:"total"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

var auditCmd = &cobra.Command{
	Use:   "audit <construct-id>",
	Short: "Show a construct's audit trail, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/v1/audit/%s?limit=%d&offset=%d", args[0], auditLimit, auditOffset)

		var page auditPage
		if err := newClient().get(cmd.Context(), path, &page); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(page)
		}
		printEntries(page.Entries)
		fmt.Printf("%d of %d entries\n", len(page.Entries), page.Total)
		return nil
	},
}

var trailCmd = &cobra.Command{
	Use:   "trail <manifest-id>",
	Short: "Show the full audit history of one manifest, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var entries []*models.AuditEntry
		if err := newClient().get(cmd.Context(), "/api/v1/manifests/"+args[0]+"/audit", &entries); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(entries)
		}
		printEntries(entries)
		return nil
	},
}

func printEntries(entries []*models.AuditEntry) {
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %-18s %s manifest=%s actor=%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Event, e.ConstructID, e.ManifestID, e.UserID)
	}
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries to return")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "number of entries to skip")

	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(trailCmd)
}
