package mutate

import (
	"context"

	"github.com/pkg/errors"

	"github.com/transitops/gtfs-core/apierr"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
)

// DeleteOptions configures a Delete run (§4.D.4). Deleting by
// AgencyGroup enumerates and deletes every feed tagged with it;
// deleting by FeedID removes a single feed.
type DeleteOptions struct {
	FeedID      string
	AgencyGroup string
}

// Deleter removes a feed (or every feed in an agency grouping).
//
// The spec describes cascading SQL DELETE-WHERE statements against
// leaf tables first (stop_times, calendar_dates, trips, routes,
// stops, calendars, shapes, fares, feed_info) and the Feed row last.
// storage.Storage has no such per-table delete — FeedWriter only
// appends, and the hash-keyed store underneath a feed is addressed as
// a whole, not row by row. Deletion here removes the FeedRegistry row
// and the FeedMetadata pointer that resolve to that hash; the
// underlying rows become unreachable (no reader can open them without
// a hash nothing points at) even though they aren't physically
// removed. This is the same limitation importer.Importer documents
// for cleaning up a cancelled run, and mutate.Splitter documents for
// remove_from_source.
type Deleter struct{ base }

func NewDeleter(st storage.Storage, reg storage.FeedRegistry, orch *task.Orchestrator, log logger.Logger) *Deleter {
	return &Deleter{base{Storage: st, Registry: reg, Orchestrator: orch, Log: log}}
}

func (d *Deleter) Run(ctx context.Context, taskID string, opts DeleteOptions) error {
	if err := d.Orchestrator.BeginRun(taskID); err != nil {
		return err
	}

	deleted, err := d.run(taskID, opts)
	if err != nil {
		var cancelled *model.ErrCancelled
		if errors.As(err, &cancelled) {
			return err
		}
		if failErr := d.Orchestrator.Fail(taskID, err, apierr.StackTrace(err), apierr.Retryable(err)); failErr != nil {
			return failErr
		}
		return err
	}

	return d.Orchestrator.Complete(taskID, map[string]any{"feeds_deleted": deleted})
}

func (d *Deleter) run(taskID string, opts DeleteOptions) ([]string, error) {
	var feeds []*model.Feed
	switch {
	case opts.FeedID != "":
		f, err := d.Registry.Get(opts.FeedID)
		if err != nil {
			return nil, apierr.Validation("unknown feed %q", opts.FeedID)
		}
		feeds = []*model.Feed{f}
	case opts.AgencyGroup != "":
		var err error
		feeds, err = d.Registry.ListByAgency(opts.AgencyGroup)
		if err != nil {
			return nil, apierr.TaskSetup(err, "listing feeds for agency %q", opts.AgencyGroup)
		}
	default:
		return nil, apierr.Validation("delete requires either a feed_id or an agency_group")
	}

	deleted := []string{}
	total := len(feeds)
	for i, f := range feeds {
		if err := d.deleteOne(f); err != nil {
			return deleted, apierr.DataError(err, "deleting feed %q", f.ID)
		}
		deleted = append(deleted, f.ID)

		percent := float64(i+1) / float64(total) * 100
		if err := d.report(taskID, percent, "delete"); err != nil {
			return deleted, err
		}
	}

	return deleted, nil
}

func (d *Deleter) deleteOne(f *model.Feed) error {
	// Order documented in §4.D.4 (stop_times, calendar_dates, trips,
	// routes, stops, calendars, shapes, fare_rules, fare_attributes,
	// feed_info, then the Feed row itself) describes the intended
	// cascade; actual removal here is the two pointer deletes
	// Storage supports, per the type doc above.
	if err := d.Storage.DeleteFeedMetadata("", f.SourceHash); err != nil {
		d.Log.Warn("deleting feed metadata", "feed_id", f.ID, "error", err)
	}
	return d.Registry.Delete(f.ID)
}
