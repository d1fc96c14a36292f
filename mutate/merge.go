package mutate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/transitops/gtfs-core/apierr"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
)

// MergeOptions configures a Merge run (§4.D.1).
type MergeOptions struct {
	Sources      []string // source feed IDs, copied in this order
	TargetAgency string
	Name         string
	Description  string
	Strategy     Strategy
	Activate     bool
}

// Merger copies N source feeds into one new destination feed,
// remapping any natural key that collides across sources.
type Merger struct{ base }

func NewMerger(st storage.Storage, reg storage.FeedRegistry, orch *task.Orchestrator, log logger.Logger) *Merger {
	return &Merger{base{Storage: st, Registry: reg, Orchestrator: orch, Log: log}}
}

const (
	bandMergeCopy   = 90
	bandMergeVerify = 97
)

func (m *Merger) Run(ctx context.Context, taskID string, opts MergeOptions) (*model.Feed, error) {
	if err := m.Orchestrator.BeginRun(taskID); err != nil {
		return nil, err
	}

	feed, err := m.run(taskID, opts)
	if err != nil {
		var cancelled *model.ErrCancelled
		if errors.As(err, &cancelled) {
			return nil, err
		}
		if failErr := m.Orchestrator.Fail(taskID, err, apierr.StackTrace(err), apierr.Retryable(err)); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}

	result := map[string]any{"feed_id": feed.ID, "sources": opts.Sources}
	if err := m.Orchestrator.Complete(taskID, result); err != nil {
		return nil, err
	}
	return feed, nil
}

func (m *Merger) run(taskID string, opts MergeOptions) (*model.Feed, error) {
	if len(opts.Sources) == 0 {
		return nil, apierr.Validation("merge requires at least one source feed")
	}
	if opts.Strategy == "" {
		opts.Strategy = FailOnConflict
	}

	destHash := uuid.NewString()
	writer, err := m.Storage.GetWriter(destHash)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening destination writer")
	}

	stopRemap := newRemapper(opts.Strategy)
	serviceRemap := newRemapper(opts.Strategy)
	shapeRemap := newRemapper(opts.Strategy)
	routeRemap := newRemapper(opts.Strategy)
	tripRemap := newRemapper(opts.Strategy)
	fareRemap := newRemapper(opts.Strategy)
	fareRuleSeen := map[string]bool{}

	var c counters
	var timezone string
	agencySeen := map[string]bool{}

	if err := writer.BeginTrips(); err != nil {
		return nil, apierr.TaskSetup(err, "beginning trips")
	}
	if err := writer.BeginStopTimes(); err != nil {
		return nil, apierr.TaskSetup(err, "beginning stop_times")
	}

	for i, srcID := range opts.Sources {
		sourceIdx := i + 1

		reader, err := m.Storage.GetReader(srcID)
		if err != nil {
			return nil, apierr.TaskSetup(err, "opening source %q", srcID)
		}

		// Agencies aren't part of the spec's merge copy order, but a
		// feed with zero agency rows isn't one an importer could ever
		// have produced, so every source's agencies are carried
		// through verbatim (deduplicated by agency_id, first write
		// wins, no remap).
		agencies, err := reader.Agencies()
		if err != nil {
			return nil, apierr.DataError(err, "reading agencies from %q", srcID)
		}
		for _, a := range agencies {
			if agencySeen[a.ID] {
				continue
			}
			agencySeen[a.ID] = true
			if timezone == "" {
				timezone = a.Timezone
			}
			if err := writer.WriteAgency(a); err != nil {
				return nil, apierr.DataError(err, "writing agency %q", a.ID)
			}
		}

		stops, err := reader.Stops()
		if err != nil {
			return nil, apierr.DataError(err, "reading stops from %q", srcID)
		}
		localStop := map[string]string{}
		for _, s := range stops {
			origID := s.ID
			newID, err := stopRemap.resolve(sourceIdx, origID)
			if err != nil {
				return nil, apierr.DataError(err, "remapping stop %q", origID)
			}
			localStop[origID] = newID
			// Assumes parent_station rows precede their children in
			// stops.txt, as GTFS conventionally orders them; a child
			// listed first keeps its original (unmapped) parent
			// reference, a pre-existing limitation of the
			// single-pass copy.
			if s.ParentStation != "" {
				if mapped, ok := localStop[s.ParentStation]; ok {
					s.ParentStation = mapped
				}
			}
			s.ID = newID
			if err := writer.WriteStop(s); err != nil {
				return nil, apierr.DataError(err, "writing stop %q", newID)
			}
			if err := copyCustomFields(reader, writer, "stops", origID, newID); err != nil {
				return nil, err
			}
			c.stops++
		}

		calendars, err := reader.Calendars()
		if err != nil {
			return nil, apierr.DataError(err, "reading calendars from %q", srcID)
		}
		localService := map[string]string{}
		for _, cal := range calendars {
			newID, err := serviceRemap.resolve(sourceIdx, cal.ServiceID)
			if err != nil {
				return nil, apierr.DataError(err, "remapping service %q", cal.ServiceID)
			}
			localService[cal.ServiceID] = newID
			cal.ServiceID = newID
			if err := writer.WriteCalendar(cal); err != nil {
				return nil, apierr.DataError(err, "writing calendar %q", newID)
			}
			c.calendars++
		}
		calendarDates, err := reader.CalendarDates()
		if err != nil {
			return nil, apierr.DataError(err, "reading calendar_dates from %q", srcID)
		}
		for _, cd := range calendarDates {
			newID, ok := localService[cd.ServiceID]
			if !ok {
				continue
			}
			cd.ServiceID = newID
			if err := writer.WriteCalendarDate(cd); err != nil {
				return nil, apierr.DataError(err, "writing calendar_date")
			}
			c.calendarDates++
		}

		shapes, err := reader.Shapes()
		if err != nil {
			return nil, apierr.DataError(err, "reading shapes from %q", srcID)
		}
		localShape := map[string]string{}
		for _, sh := range shapes {
			newID, ok := localShape[sh.ID]
			if !ok {
				var err error
				newID, err = shapeRemap.resolve(sourceIdx, sh.ID)
				if err != nil {
					return nil, apierr.DataError(err, "remapping shape %q", sh.ID)
				}
				localShape[sh.ID] = newID
			}
			sh.ID = newID
			if err := writer.WriteShapePoint(sh); err != nil {
				return nil, apierr.DataError(err, "writing shape point %q", newID)
			}
			c.shapes++
		}

		routes, err := reader.Routes()
		if err != nil {
			return nil, apierr.DataError(err, "reading routes from %q", srcID)
		}
		localRoute := map[string]string{}
		for _, r := range routes {
			origID := r.ID
			newID, err := routeRemap.resolve(sourceIdx, origID)
			if err != nil {
				return nil, apierr.DataError(err, "remapping route %q", origID)
			}
			localRoute[origID] = newID
			r.ID = newID
			if err := writer.WriteRoute(r); err != nil {
				return nil, apierr.DataError(err, "writing route %q", newID)
			}
			if err := copyCustomFields(reader, writer, "routes", origID, newID); err != nil {
				return nil, err
			}
			c.routes++
		}

		trips, err := reader.Trips()
		if err != nil {
			return nil, apierr.DataError(err, "reading trips from %q", srcID)
		}
		localTrip := map[string]string{}
		for _, t := range trips {
			newID, err := tripRemap.resolve(sourceIdx, t.ID)
			if err != nil {
				return nil, apierr.DataError(err, "remapping trip %q", t.ID)
			}
			localTrip[t.ID] = newID
			t.ID = newID
			t.RouteID = localRoute[t.RouteID]
			t.ServiceID = localService[t.ServiceID]
			if t.ShapeID != "" {
				t.ShapeID = localShape[t.ShapeID]
			}
			if err := writer.WriteTrip(t); err != nil {
				return nil, apierr.DataError(err, "writing trip %q", newID)
			}
			c.trips++
		}

		stopTimes, err := reader.StopTimes()
		if err != nil {
			return nil, apierr.DataError(err, "reading stop_times from %q", srcID)
		}
		for _, st := range stopTimes {
			newTrip, ok := localTrip[st.TripID]
			if !ok {
				continue
			}
			newStop, ok := localStop[st.StopID]
			if !ok {
				continue
			}
			st.TripID = newTrip
			st.StopID = newStop
			if err := writer.WriteStopTime(st); err != nil {
				return nil, apierr.DataError(err, "writing stop_time")
			}
			c.stopTimes++
		}

		fareAttrs, err := reader.FareAttributes()
		if err != nil {
			return nil, apierr.DataError(err, "reading fare_attributes from %q", srcID)
		}
		localFare := map[string]string{}
		for _, fa := range fareAttrs {
			newID, err := fareRemap.resolve(sourceIdx, fa.FareID)
			if err != nil {
				return nil, apierr.DataError(err, "remapping fare %q", fa.FareID)
			}
			localFare[fa.FareID] = newID
			fa.FareID = newID
			if err := writer.WriteFareAttribute(fa); err != nil {
				return nil, apierr.DataError(err, "writing fare_attribute %q", newID)
			}
			c.fareAttributes++
		}

		fareRules, err := reader.FareRules()
		if err != nil {
			return nil, apierr.DataError(err, "reading fare_rules from %q", srcID)
		}
		for _, fr := range fareRules {
			newFare, ok := localFare[fr.FareID]
			if !ok {
				continue
			}
			fr.FareID = newFare
			if fr.RouteID != "" {
				fr.RouteID = localRoute[fr.RouteID]
			}
			dedupKey := fmt.Sprintf("%s\x00%s\x00%s\x00%s", fr.FareID, fr.RouteID, fr.OriginID, fr.DestinationID)
			if fareRuleSeen[dedupKey] {
				continue
			}
			fareRuleSeen[dedupKey] = true
			if err := writer.WriteFareRule(fr); err != nil {
				return nil, apierr.DataError(err, "writing fare_rule")
			}
			c.fareRules++
		}

		if i == 0 {
			if info, err := reader.FeedInfo(); err == nil && info != nil {
				if err := writer.WriteFeedInfo(*info); err != nil {
					return nil, apierr.DataError(err, "writing feed_info")
				}
			}
		}
	}

	if err := writer.EndTrips(); err != nil {
		return nil, apierr.TaskSetup(err, "ending trips")
	}
	if err := writer.EndStopTimes(); err != nil {
		return nil, apierr.TaskSetup(err, "ending stop_times")
	}
	if err := writer.Close(); err != nil {
		return nil, apierr.TaskSetup(err, "closing destination writer")
	}
	if err := m.report(taskID, bandMergeCopy, "copy"); err != nil {
		return nil, err
	}

	destReader, err := m.Storage.GetReader(destHash)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening destination reader for verification")
	}
	verify(m.Log, destReader, c)
	if err := m.report(taskID, bandMergeVerify, "verify"); err != nil {
		return nil, err
	}

	if err := m.Storage.WriteFeedMetadata(&storage.FeedMetadata{
		Hash:        destHash,
		Timezone:    timezone,
		RetrievedAt: time.Now().UTC(),
	}); err != nil {
		return nil, apierr.TaskSetup(err, "writing feed metadata")
	}

	feed := &model.Feed{
		ID:          destHash,
		AgencyGroup: opts.TargetAgency,
		Name:        opts.Name,
		Description: opts.Description,
		SourceHash:  destHash,
		TotalRoutes: c.routes,
		TotalStops:  c.stops,
		TotalTrips:  c.trips,
	}
	if err := m.Registry.Create(feed); err != nil {
		return nil, apierr.TaskSetup(err, "registering merged feed")
	}
	if opts.Activate {
		if err := m.Registry.SetActive(destHash, true); err != nil {
			return nil, apierr.TaskSetup(err, "activating merged feed")
		}
	}

	return feed, nil
}

// copyCustomFields carries a preserved custom-field row through under
// its remapped key, if the source had any.
func copyCustomFields(reader storage.FeedReader, writer storage.FeedWriter, table string, origKey string, newKey string) error {
	fields, err := reader.CustomFields(table, origKey)
	if err != nil {
		return apierr.DataError(err, "reading custom fields for %s %q", table, origKey)
	}
	if len(fields) == 0 {
		return nil
	}
	if err := writer.WriteCustomFields(table, newKey, fields); err != nil {
		return apierr.DataError(err, "writing custom fields for %s %q", table, newKey)
	}
	return nil
}
