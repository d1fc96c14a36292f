package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/realtime"
	"github.com/transitops/gtfs-core/storage"
)

// realtimeFetchCmd is a debug command, not a task: there is no
// persistent FeedSource registry yet (see DESIGN.md), so the source to
// fetch is described entirely by flags instead of looked up by id.
var realtimeFetchCmd = &cobra.Command{
	Use:   "realtime-fetch <url>",
	Short: "Fetches one GTFS-Realtime URL once and prints the decoded snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runRealtimeFetch,
}

var (
	realtimeSourceName string
	realtimeAuthHeader string
	realtimeAuthToken  string
	realtimeDemoFeedID string
)

func init() {
	realtimeFetchCmd.Flags().StringVar(&realtimeSourceName, "name", "debug", "label attached to the fetched source in the output")
	realtimeFetchCmd.Flags().StringVar(&realtimeAuthHeader, "auth-header", "", "HTTP header name used to authenticate the request")
	realtimeFetchCmd.Flags().StringVar(&realtimeAuthToken, "auth-token", "", "HTTP header value used to authenticate the request")
	realtimeFetchCmd.Flags().StringVar(&realtimeDemoFeedID, "demo-feed-id", "", "feed id to interpolate synthetic vehicle positions from, forcing demo mode")
}

func runRealtimeFetch(cmd *cobra.Command, args []string) error {
	c, err := newClients()
	if err != nil {
		return err
	}
	defer c.Close()

	var reader storage.FeedReader
	demoMode := realtimeDemoFeedID != ""
	if demoMode {
		reader, err = c.storage.GetReader(realtimeDemoFeedID)
		if err != nil {
			return fmt.Errorf("loading feed reader for demo mode: %w", err)
		}
	}

	cfg := c.cfg.Realtime
	cfg.DemoMode = demoMode
	fetcher := realtime.NewFetcher(cfg, reader, c.log)

	source := model.FeedSource{
		ID:         "debug",
		Name:       realtimeSourceName,
		URL:        args[0],
		AuthHeader: realtimeAuthHeader,
		AuthToken:  realtimeAuthToken,
		Enabled:    true,
	}

	snap, err := fetcher.Fetch(context.Background(), []model.FeedSource{source})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))
	return nil
}
