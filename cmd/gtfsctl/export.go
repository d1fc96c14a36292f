package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transitops/gtfs-core/model"
)

var exportCmd = &cobra.Command{
	Use:   "export <feed-id>",
	Short: "Submits a GTFS static export for a feed",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

var exportRouteIDs []string

func init() {
	exportCmd.Flags().StringSliceVar(&exportRouteIDs, "route-id", nil, "restrict the export to these route ids (repeatable)")
}

func runExport(cmd *cobra.Command, args []string) error {
	c, err := newClients()
	if err != nil {
		return err
	}
	defer c.Close()

	input := map[string]any{"feed_id": args[0]}
	if len(exportRouteIDs) > 0 {
		routeIDs := make([]any, len(exportRouteIDs))
		for i, id := range exportRouteIDs {
			routeIDs[i] = id
		}
		input["route_ids"] = routeIDs
	}

	taskID, err := c.orchestrator.Enqueue(context.Background(), model.TaskExportGTFS, input, userID, agencyID)
	if err != nil {
		return err
	}

	fmt.Println(taskID)
	return nil
}
