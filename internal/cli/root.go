// Package cli implements vsictl, the operator command line for the
// governance gateway. Every command talks to the gateway's HTTP API;
// nothing here touches the database or the spool directly.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	jsonOutput bool
	serverURL  string
	authToken  string
	userID     string

	rootCmd = &cobra.Command{
		Use:   "vsictl",
		Short: "vsictl - construct change governance",
		Long: `Vsictl drives the governance gateway: inspect pending manifests,
preview what they would change, approve or reject them, and trigger
execution or rollback. It also reads a construct's audit trail and
resolved permissions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOrDefault("VSI_SERVER", "http://localhost:8080"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("VSI_TOKEN"), "bearer token minted by the upstream gateway")
	rootCmd.PersistentFlags().StringVar(&userID, "user", os.Getenv("VSI_USER"), "user ID sent as header identity (development mode)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// outputJSON prints v as indented JSON to stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
