package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/transitops/gtfs-core/model"
)

var importCmd = &cobra.Command{
	Use:   "import <archive.zip>",
	Short: "Submits a GTFS static archive for import",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var (
	importAgencyGroup     string
	importName            string
	importDescription     string
	importReplaceExisting bool
)

func init() {
	importCmd.Flags().StringVar(&importAgencyGroup, "agency-group", "", "tenant agency group the feed belongs to")
	importCmd.Flags().StringVar(&importName, "name", "", "human-readable feed name")
	importCmd.Flags().StringVar(&importDescription, "description", "", "feed description")
	importCmd.Flags().BoolVar(&importReplaceExisting, "replace-existing", false, "replace the currently active feed for this agency group")
}

func runImport(cmd *cobra.Command, args []string) error {
	archive, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}

	c, err := newClients()
	if err != nil {
		return err
	}
	defer c.Close()

	taskID, err := c.orchestrator.Enqueue(context.Background(), model.TaskImportGTFS, map[string]any{
		"archive_base64":   base64.StdEncoding.EncodeToString(archive),
		"agency_group":     importAgencyGroup,
		"name":             importName,
		"description":      importDescription,
		"replace_existing": importReplaceExisting,
	}, userID, agencyID)
	if err != nil {
		return err
	}

	fmt.Println(taskID)
	return nil
}
