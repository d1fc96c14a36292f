package mutate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitops/gtfs-core/importer"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/mutate"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
	"github.com/transitops/gtfs-core/testutil"
)

type mutateHarness struct {
	storage  storage.Storage
	registry storage.FeedRegistry
	orch     *task.Orchestrator
}

func newMutateHarness(t *testing.T) *mutateHarness {
	s := testutil.BuildStorage(t, "sqlite")
	registry := testutil.BuildFeedRegistry(t, s)
	taskStore := testutil.BuildTaskStore(t, s)
	orch := testutil.BuildOrchestrator(taskStore)
	return &mutateHarness{storage: s, registry: registry, orch: orch}
}

func (h *mutateHarness) importFeed(t *testing.T, agencyGroup string, files map[string][]string) *model.Feed {
	imp := &importer.Importer{
		Storage:      h.storage,
		Registry:     h.registry,
		Orchestrator: h.orch,
		Log:          testutil.NewTestLogger(),
	}
	taskID, err := h.orch.Enqueue(context.Background(), model.TaskImportGTFS, map[string]any{}, "tester", agencyGroup)
	require.NoError(t, err)
	feed, err := imp.Run(context.Background(), taskID, testutil.BuildZip(t, files), importer.Options{AgencyGroup: agencyGroup})
	require.NoError(t, err)
	return feed
}

func twoRouteFeedFiles() map[string][]string {
	return map[string][]string{
		"agency.txt": {
			"agency_id,agency_name,agency_url,agency_timezone",
			"a1,Example Transit,http://example.com,America/New_York",
		},
		"routes.txt": {
			"route_id,agency_id,route_short_name,route_type",
			"r1,a1,1,3",
			"r2,a1,2,3",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"s1,First St,40.0,-73.0",
			"s2,Second St,40.1,-73.1",
		},
		"calendar.txt": {
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"wk,1,1,1,1,1,0,0,20260101,20261231",
		},
		"trips.txt": {
			"trip_id,route_id,service_id",
			"t1,r1,wk",
			"t2,r2,wk",
		},
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"t1,08:00:00,08:00:00,s1,1",
			"t1,08:10:00,08:10:00,s2,2",
			"t2,09:00:00,09:00:00,s1,1",
			"t2,09:10:00,09:10:00,s2,2",
		},
	}
}

func TestClonerRunCopiesFeed(t *testing.T) {
	h := newMutateHarness(t)
	source := h.importFeed(t, "agency-1", twoRouteFeedFiles())

	cl := mutate.NewCloner(h.storage, h.registry, h.orch, testutil.NewTestLogger())
	taskID, err := h.orch.Enqueue(context.Background(), model.TaskCloneFeed, map[string]any{}, "tester", "agency-2")
	require.NoError(t, err)

	clone, err := cl.Run(context.Background(), taskID, mutate.CloneOptions{
		Source:       source.ID,
		TargetAgency: "agency-2",
		Name:         "Cloned Feed",
	})
	require.NoError(t, err)

	assert.NotEqual(t, source.ID, clone.ID)
	assert.Equal(t, "agency-2", clone.AgencyGroup)
	assert.Equal(t, source.TotalRoutes, clone.TotalRoutes)
	assert.Equal(t, source.TotalTrips, clone.TotalTrips)

	reader, err := h.storage.GetReader(clone.ID)
	require.NoError(t, err)
	routes, err := reader.Routes()
	require.NoError(t, err)
	assert.Len(t, routes, 2)
}

func TestSplitterRunMovesRoutes(t *testing.T) {
	h := newMutateHarness(t)
	source := h.importFeed(t, "agency-1", twoRouteFeedFiles())

	sp := mutate.NewSplitter(h.storage, h.registry, h.orch, testutil.NewTestLogger())
	taskID, err := h.orch.Enqueue(context.Background(), model.TaskSplitAgency, map[string]any{}, "tester", "agency-1")
	require.NoError(t, err)

	newFeed, err := sp.Run(context.Background(), taskID, mutate.SplitOptions{
		SourceFeed:       source.ID,
		RouteIDs:         []string{"r2"},
		NewAgencyGroup:   "agency-2",
		NewFeedName:      "Split Feed",
		RemoveFromSource: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "agency-2", newFeed.AgencyGroup)
	assert.Equal(t, 1, newFeed.TotalRoutes)

	reader, err := h.storage.GetReader(newFeed.ID)
	require.NoError(t, err)
	routes, err := reader.Routes()
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "r2", routes[0].ID)
}

func TestMergerRunCombinesFeeds(t *testing.T) {
	h := newMutateHarness(t)
	first := h.importFeed(t, "agency-1", twoRouteFeedFiles())
	second := h.importFeed(t, "agency-2", twoRouteFeedFiles())

	m := mutate.NewMerger(h.storage, h.registry, h.orch, testutil.NewTestLogger())
	taskID, err := h.orch.Enqueue(context.Background(), model.TaskMergeAgencies, map[string]any{}, "tester", "agency-3")
	require.NoError(t, err)

	merged, err := m.Run(context.Background(), taskID, mutate.MergeOptions{
		Sources:      []string{first.ID, second.ID},
		TargetAgency: "agency-3",
		Name:         "Merged Feed",
		Strategy:     mutate.AutoPrefix,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, merged.TotalRoutes)
	assert.Equal(t, 4, merged.TotalTrips)
}

func TestDeleterRunRemovesFeed(t *testing.T) {
	h := newMutateHarness(t)
	feed := h.importFeed(t, "agency-1", twoRouteFeedFiles())

	d := mutate.NewDeleter(h.storage, h.registry, h.orch, testutil.NewTestLogger())
	taskID, err := h.orch.Enqueue(context.Background(), model.TaskDeleteFeed, map[string]any{}, "tester", "agency-1")
	require.NoError(t, err)

	err = d.Run(context.Background(), taskID, mutate.DeleteOptions{FeedID: feed.ID})
	require.NoError(t, err)

	_, err = h.registry.Get(feed.ID)
	require.Error(t, err)
}
