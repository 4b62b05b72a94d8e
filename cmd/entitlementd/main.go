package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "entitlementd",
	Short:   "EntitleFox - subscription entitlement reconciliation",
	Long:    `EntitleFox reconciles Google Play, App Store and Stripe subscription events into one entitlement per user.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reverifyCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "EntitleFox %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
