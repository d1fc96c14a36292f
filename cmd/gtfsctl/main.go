// Command gtfsctl is the operator CLI: it submits tasks to a running
// gtfsd cluster (import/export/validate/merge/split/clone/delete) and
// polls their status, plus a standalone realtime-fetch debug command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "gtfsctl",
	Short:        "GTFS backend operator CLI",
	Long:         "Submits and inspects async GTFS tasks against a gtfsd cluster",
	SilenceUsage: true,
}

var (
	configPath string
	userID     string
	agencyID   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "gtfsd.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "gtfsctl", "user id attributed to submitted tasks")
	rootCmd.PersistentFlags().StringVar(&agencyID, "agency", "", "agency id attributed to submitted tasks")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(validateMobilityDataCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(realtimeFetchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
