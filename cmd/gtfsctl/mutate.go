package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transitops/gtfs-core/model"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <source-feed-ids...>",
	Short: "Submits a merge of multiple feeds into one",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMerge,
}

var (
	mergeTargetAgency string
	mergeName         string
	mergeDescription  string
	mergeStrategy     string
	mergeActivate     bool
)

func init() {
	mergeCmd.Flags().StringVar(&mergeTargetAgency, "target-agency", "", "agency group the merged feed belongs to")
	mergeCmd.Flags().StringVar(&mergeName, "name", "", "merged feed name")
	mergeCmd.Flags().StringVar(&mergeDescription, "description", "", "merged feed description")
	mergeCmd.Flags().StringVar(&mergeStrategy, "strategy", "auto_prefix", "id collision strategy (auto_prefix|fail_on_conflict)")
	mergeCmd.Flags().BoolVar(&mergeActivate, "activate", false, "activate the merged feed once the merge completes")
}

func runMerge(cmd *cobra.Command, args []string) error {
	c, err := newClients()
	if err != nil {
		return err
	}
	defer c.Close()

	sources := make([]any, len(args))
	for i, a := range args {
		sources[i] = a
	}

	taskID, err := c.orchestrator.Enqueue(context.Background(), model.TaskMergeAgencies, map[string]any{
		"sources":       sources,
		"target_agency": mergeTargetAgency,
		"name":          mergeName,
		"description":   mergeDescription,
		"strategy":      mergeStrategy,
		"activate":      mergeActivate,
	}, userID, agencyID)
	if err != nil {
		return err
	}

	fmt.Println(taskID)
	return nil
}

var splitCmd = &cobra.Command{
	Use:   "split <source-feed-id>",
	Short: "Submits a split of a subset of routes into a new feed",
	Args:  cobra.ExactArgs(1),
	RunE:  runSplit,
}

var (
	splitRouteIDs         []string
	splitNewAgencyGroup   string
	splitNewFeedName      string
	splitNewFeedDesc      string
	splitRemoveFromSource bool
	splitActivate         bool
)

func init() {
	splitCmd.Flags().StringSliceVar(&splitRouteIDs, "route-id", nil, "route ids to move into the new feed (repeatable)")
	splitCmd.Flags().StringVar(&splitNewAgencyGroup, "new-agency-group", "", "agency group the new feed belongs to")
	splitCmd.Flags().StringVar(&splitNewFeedName, "new-feed-name", "", "new feed name")
	splitCmd.Flags().StringVar(&splitNewFeedDesc, "new-feed-description", "", "new feed description")
	splitCmd.Flags().BoolVar(&splitRemoveFromSource, "remove-from-source", false, "remove the split routes from the source feed")
	splitCmd.Flags().BoolVar(&splitActivate, "activate", false, "activate the new feed once the split completes")
	_ = splitCmd.MarkFlagRequired("route-id")
}

func runSplit(cmd *cobra.Command, args []string) error {
	c, err := newClients()
	if err != nil {
		return err
	}
	defer c.Close()

	routeIDs := make([]any, len(splitRouteIDs))
	for i, id := range splitRouteIDs {
		routeIDs[i] = id
	}

	taskID, err := c.orchestrator.Enqueue(context.Background(), model.TaskSplitAgency, map[string]any{
		"source_feed":          args[0],
		"route_ids":            routeIDs,
		"new_agency_group":     splitNewAgencyGroup,
		"new_feed_name":        splitNewFeedName,
		"new_feed_description": splitNewFeedDesc,
		"remove_from_source":   splitRemoveFromSource,
		"activate":             splitActivate,
	}, userID, agencyID)
	if err != nil {
		return err
	}

	fmt.Println(taskID)
	return nil
}

var cloneCmd = &cobra.Command{
	Use:   "clone <source-feed-id>",
	Short: "Submits a clone of an existing feed",
	Args:  cobra.ExactArgs(1),
	RunE:  runClone,
}

var (
	cloneTargetAgency string
	cloneName         string
	cloneDescription  string
	cloneActivate     bool
)

func init() {
	cloneCmd.Flags().StringVar(&cloneTargetAgency, "target-agency", "", "agency group the clone belongs to")
	cloneCmd.Flags().StringVar(&cloneName, "name", "", "clone feed name")
	cloneCmd.Flags().StringVar(&cloneDescription, "description", "", "clone feed description")
	cloneCmd.Flags().BoolVar(&cloneActivate, "activate", false, "activate the clone once it completes")
}

func runClone(cmd *cobra.Command, args []string) error {
	c, err := newClients()
	if err != nil {
		return err
	}
	defer c.Close()

	taskID, err := c.orchestrator.Enqueue(context.Background(), model.TaskCloneFeed, map[string]any{
		"source":        args[0],
		"target_agency": cloneTargetAgency,
		"name":          cloneName,
		"description":   cloneDescription,
		"activate":      cloneActivate,
	}, userID, agencyID)
	if err != nil {
		return err
	}

	fmt.Println(taskID)
	return nil
}

var deleteCmd = &cobra.Command{
	Use:   "delete [feed-id]",
	Short: "Submits a deletion of a feed, or every feed in an agency group with --agency-group",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDelete,
}

var deleteAgencyGroup string

func init() {
	deleteCmd.Flags().StringVar(&deleteAgencyGroup, "agency-group", "", "delete every feed in this agency group instead of a single feed id")
}

func runDelete(cmd *cobra.Command, args []string) error {
	c, err := newClients()
	if err != nil {
		return err
	}
	defer c.Close()

	kind := model.TaskDeleteFeed
	feedID := ""
	if len(args) > 0 {
		feedID = args[0]
	}
	if deleteAgencyGroup != "" {
		kind = model.TaskDeleteAgency
	}

	taskID, err := c.orchestrator.Enqueue(context.Background(), kind, map[string]any{
		"feed_id":      feedID,
		"agency_group": deleteAgencyGroup,
	}, userID, agencyID)
	if err != nil {
		return err
	}

	fmt.Println(taskID)
	return nil
}
