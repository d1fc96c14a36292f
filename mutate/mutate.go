// Package mutate implements the structural mutators: merge, split,
// clone and delete. Each rewrites or removes a large graph of
// interrelated feed entities, sharing one runner scaffold for
// orchestrator hookup, cancellation checkpoints and progress bands.
package mutate

import (
	"fmt"

	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
)

// base is embedded by every mutator; it gives each one the same
// Storage/Registry/Orchestrator/Log wiring importer.Importer and
// exporter.Exporter already use.
type base struct {
	Storage      storage.Storage
	Registry     storage.FeedRegistry
	Orchestrator *task.Orchestrator
	Log          logger.Logger
}

func (b *base) report(taskID string, percent float64, step string) error {
	if err := b.Orchestrator.ReportProgress(taskID, percent, step); err != nil {
		return err
	}
	return b.Orchestrator.CheckCancelled(taskID)
}

// strategy governs how a colliding natural key is resolved when
// copying rows from multiple sources into one destination.
type Strategy string

const (
	FailOnConflict Strategy = "fail_on_conflict"
	AutoPrefix     Strategy = "auto_prefix"
)

// remapper tracks natural keys already placed in a destination feed
// for one entity kind (stops, routes, trips, calendars, shapes or
// fare_attributes) and resolves each newly copied key against them.
type remapper struct {
	strategy Strategy
	seen     map[string]bool
}

func newRemapper(strategy Strategy) *remapper {
	return &remapper{strategy: strategy, seen: map[string]bool{}}
}

// resolve returns the key to write the row under in the destination.
// sourceIdx identifies which source feed (1-based, for the
// feed<N>_<key> prefix) the row came from; a blank key (used for
// optional references like Trip.ShapeID) passes through untouched.
func (r *remapper) resolve(sourceIdx int, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	if !r.seen[key] {
		r.seen[key] = true
		return key, nil
	}
	if r.strategy == FailOnConflict {
		return "", fmt.Errorf("natural key conflict on %q", key)
	}
	prefixed := fmt.Sprintf("feed%d_%s", sourceIdx, key)
	if r.seen[prefixed] {
		return "", fmt.Errorf("auto_prefix collision on %q", prefixed)
	}
	r.seen[prefixed] = true
	return prefixed, nil
}

// counters accumulate the rows written per table so the post-copy
// verification step (§4.D.1) can compare against what the destination
// reader reports.
type counters struct {
	stops, routes, trips, stopTimes, calendars, calendarDates int
	shapes, fareAttributes, fareRules                         int
}

// verify re-reads the destination and warns (does not fail) on any
// mismatch between what was written and what was actually persisted.
func verify(log logger.Logger, reader storage.FeedReader, c counters) {
	checks := []struct {
		name string
		want int
		got  func() (int, error)
	}{
		{"stops", c.stops, func() (int, error) { r, err := reader.Stops(); return len(r), err }},
		{"routes", c.routes, func() (int, error) { r, err := reader.Routes(); return len(r), err }},
		{"trips", c.trips, func() (int, error) { r, err := reader.Trips(); return len(r), err }},
		{"stop_times", c.stopTimes, func() (int, error) { r, err := reader.StopTimes(); return len(r), err }},
		{"calendars", c.calendars, func() (int, error) { r, err := reader.Calendars(); return len(r), err }},
		{"shapes", c.shapes, func() (int, error) { r, err := reader.Shapes(); return len(r), err }},
		{"fare_attributes", c.fareAttributes, func() (int, error) { r, err := reader.FareAttributes(); return len(r), err }},
		{"fare_rules", c.fareRules, func() (int, error) { r, err := reader.FareRules(); return len(r), err }},
	}
	for _, chk := range checks {
		got, err := chk.got()
		if err != nil {
			log.Warn("verification read failed", "table", chk.name, "error", err)
			continue
		}
		if got != chk.want {
			log.Warn("row count mismatch after copy", "table", chk.name, "expected", chk.want, "actual", got)
		}
	}
}

// refreshCounts recomputes a Feed's denormalized totals from its
// reader, the same way importer.Importer does at the end of a run.
func refreshCounts(feed *model.Feed, reader storage.FeedReader) error {
	routes, err := reader.Routes()
	if err != nil {
		return err
	}
	stops, err := reader.Stops()
	if err != nil {
		return err
	}
	trips, err := reader.Trips()
	if err != nil {
		return err
	}
	feed.TotalRoutes = len(routes)
	feed.TotalStops = len(stops)
	feed.TotalTrips = len(trips)
	return nil
}
