package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transitops/gtfs-core/model"
)

var validateCmd = &cobra.Command{
	Use:   "validate <feed-id>",
	Short: "Submits a native validation run for a feed",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	c, err := newClients()
	if err != nil {
		return err
	}
	defer c.Close()

	taskID, err := c.orchestrator.Enqueue(context.Background(), model.TaskValidateGTFS, map[string]any{
		"feed_id": args[0],
	}, userID, agencyID)
	if err != nil {
		return err
	}

	fmt.Println(taskID)
	return nil
}

var validateMobilityDataCmd = &cobra.Command{
	Use:   "validate-mobilitydata <feed-id>",
	Short: "Submits a containerized reference-validator run for a feed",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidateMobilityData,
}

var validateHostFeedPath string

func init() {
	validateMobilityDataCmd.Flags().StringVar(&validateHostFeedPath, "host-feed-path", "", "path to the feed archive on the host running the validator container")
	_ = validateMobilityDataCmd.MarkFlagRequired("host-feed-path")
}

func runValidateMobilityData(cmd *cobra.Command, args []string) error {
	c, err := newClients()
	if err != nil {
		return err
	}
	defer c.Close()

	taskID, err := c.orchestrator.Enqueue(context.Background(), model.TaskValidateGTFSMobilityData, map[string]any{
		"feed_id":        args[0],
		"host_feed_path": validateHostFeedPath,
	}, userID, agencyID)
	if err != nil {
		return err
	}

	fmt.Println(taskID)
	return nil
}
