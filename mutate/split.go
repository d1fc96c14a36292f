package mutate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/transitops/gtfs-core/apierr"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
)

// SplitOptions configures a Split run (§4.D.2). There's no separate
// Agency entity in this system (team/membership management is out of
// scope, SPEC_FULL §3): "new agency" here just means the AgencyGroup
// string the resulting Feed is tagged with.
type SplitOptions struct {
	SourceFeed       string
	RouteIDs         []string
	NewAgencyGroup   string
	NewFeedName      string
	NewFeedDesc      string
	RemoveFromSource bool
	Activate         bool
}

// Splitter moves a subset of a feed's routes (and everything they
// reference) into a new feed under a new agency grouping.
type Splitter struct{ base }

func NewSplitter(st storage.Storage, reg storage.FeedRegistry, orch *task.Orchestrator, log logger.Logger) *Splitter {
	return &Splitter{base{Storage: st, Registry: reg, Orchestrator: orch, Log: log}}
}

const (
	bandSplitClosure = 20
	bandSplitCopy    = 90
)

func (sp *Splitter) Run(ctx context.Context, taskID string, opts SplitOptions) (*model.Feed, error) {
	if err := sp.Orchestrator.BeginRun(taskID); err != nil {
		return nil, err
	}

	feed, err := sp.run(taskID, opts)
	if err != nil {
		var cancelled *model.ErrCancelled
		if errors.As(err, &cancelled) {
			return nil, err
		}
		if failErr := sp.Orchestrator.Fail(taskID, err, apierr.StackTrace(err), apierr.Retryable(err)); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}

	if err := sp.Orchestrator.Complete(taskID, map[string]any{"feed_id": feed.ID, "routes": opts.RouteIDs}); err != nil {
		return nil, err
	}
	return feed, nil
}

// closure is the result of Phase 2: every entity reachable from the
// requested routes.
type closure struct {
	routes        map[string]model.Route
	trips         map[string]model.Trip
	stopTimes     []model.StopTime
	stops         map[string]model.Stop
	services      map[string]bool
	calendarDates []model.CalendarDate
	shapes        map[string]bool
}

func (sp *Splitter) run(taskID string, opts SplitOptions) (*model.Feed, error) {
	if opts.SourceFeed == "" || len(opts.RouteIDs) == 0 {
		return nil, apierr.Validation("split requires a source feed and at least one route")
	}

	reader, err := sp.Storage.GetReader(opts.SourceFeed)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening source reader")
	}

	// Phase 2: transitive closure. routes -> trips -> stop_times ->
	// stops -> services -> calendar_dates -> shapes.
	cl, err := computeClosure(reader, opts.RouteIDs)
	if err != nil {
		return nil, apierr.DataError(err, "computing split closure")
	}
	if err := sp.report(taskID, bandSplitClosure, "closure"); err != nil {
		return nil, err
	}

	// Phase 1: the destination Feed, tagged with the new agency
	// grouping. Only its writer is opened here; the registry row is
	// created after the copy completes, so a failed copy leaves none.
	destHash := uuid.NewString()
	writer, err := sp.Storage.GetWriter(destHash)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening destination writer")
	}

	// Phase 3: copy in dependency order (stops, calendars, shapes,
	// routes, trips, stop_times). Natural keys are preserved: they
	// came from a single source feed, so no remap table is needed.
	var timezone string
	agencies, err := reader.Agencies()
	if err != nil {
		return nil, apierr.DataError(err, "reading source agencies")
	}
	wantAgency := map[string]bool{}
	for _, r := range cl.routes {
		wantAgency[r.AgencyID] = true
	}
	for _, a := range agencies {
		if !wantAgency[a.ID] && len(wantAgency) > 0 {
			continue
		}
		if timezone == "" {
			timezone = a.Timezone
		}
		if err := writer.WriteAgency(a); err != nil {
			return nil, apierr.DataError(err, "writing agency %q", a.ID)
		}
	}

	for id := range cl.stops {
		s := cl.stops[id]
		if err := writer.WriteStop(s); err != nil {
			return nil, apierr.DataError(err, "writing stop %q", s.ID)
		}
		if err := copyCustomFields(reader, writer, "stops", s.ID, s.ID); err != nil {
			return nil, err
		}
	}

	calendars, err := reader.Calendars()
	if err != nil {
		return nil, apierr.DataError(err, "reading calendars")
	}
	for _, c := range calendars {
		if !cl.services[c.ServiceID] {
			continue
		}
		if err := writer.WriteCalendar(c); err != nil {
			return nil, apierr.DataError(err, "writing calendar %q", c.ServiceID)
		}
	}
	for _, cd := range cl.calendarDates {
		if err := writer.WriteCalendarDate(cd); err != nil {
			return nil, apierr.DataError(err, "writing calendar_date")
		}
	}

	shapes, err := reader.Shapes()
	if err != nil {
		return nil, apierr.DataError(err, "reading shapes")
	}
	for _, sh := range shapes {
		if !cl.shapes[sh.ID] {
			continue
		}
		if err := writer.WriteShapePoint(sh); err != nil {
			return nil, apierr.DataError(err, "writing shape point")
		}
	}

	for id := range cl.routes {
		r := cl.routes[id]
		if err := writer.WriteRoute(r); err != nil {
			return nil, apierr.DataError(err, "writing route %q", r.ID)
		}
		if err := copyCustomFields(reader, writer, "routes", r.ID, r.ID); err != nil {
			return nil, err
		}
	}

	if err := writer.BeginTrips(); err != nil {
		return nil, apierr.TaskSetup(err, "beginning trips")
	}
	for id := range cl.trips {
		t := cl.trips[id]
		if err := writer.WriteTrip(t); err != nil {
			return nil, apierr.DataError(err, "writing trip %q", t.ID)
		}
	}
	if err := writer.EndTrips(); err != nil {
		return nil, apierr.TaskSetup(err, "ending trips")
	}

	if err := writer.BeginStopTimes(); err != nil {
		return nil, apierr.TaskSetup(err, "beginning stop_times")
	}
	for _, st := range cl.stopTimes {
		if err := writer.WriteStopTime(st); err != nil {
			return nil, apierr.DataError(err, "writing stop_time")
		}
	}
	if err := writer.EndStopTimes(); err != nil {
		return nil, apierr.TaskSetup(err, "ending stop_times")
	}

	// fare_rules referencing a moved route travel with it; their
	// fare_attributes come along too.
	fareRules, err := reader.FareRules()
	if err != nil {
		return nil, apierr.DataError(err, "reading fare_rules")
	}
	wantFare := map[string]bool{}
	keptFareRules := []model.FareRule{}
	for _, fr := range fareRules {
		if fr.RouteID != "" {
			if _, ok := cl.routes[fr.RouteID]; !ok {
				continue
			}
		}
		wantFare[fr.FareID] = true
		keptFareRules = append(keptFareRules, fr)
	}
	for _, fr := range keptFareRules {
		if err := writer.WriteFareRule(fr); err != nil {
			return nil, apierr.DataError(err, "writing fare_rule")
		}
	}
	fareAttrs, err := reader.FareAttributes()
	if err != nil {
		return nil, apierr.DataError(err, "reading fare_attributes")
	}
	for _, fa := range fareAttrs {
		if !wantFare[fa.FareID] {
			continue
		}
		if err := writer.WriteFareAttribute(fa); err != nil {
			return nil, apierr.DataError(err, "writing fare_attribute %q", fa.FareID)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, apierr.TaskSetup(err, "closing destination writer")
	}
	if err := sp.report(taskID, bandSplitCopy, "copy"); err != nil {
		return nil, err
	}

	if err := sp.Storage.WriteFeedMetadata(&storage.FeedMetadata{
		Hash:        destHash,
		Timezone:    timezone,
		RetrievedAt: time.Now().UTC(),
	}); err != nil {
		return nil, apierr.TaskSetup(err, "writing feed metadata")
	}

	destReader, err := sp.Storage.GetReader(destHash)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening destination reader")
	}
	feed := &model.Feed{
		ID:          destHash,
		AgencyGroup: opts.NewAgencyGroup,
		Name:        opts.NewFeedName,
		Description: opts.NewFeedDesc,
		SourceHash:  destHash,
	}
	if err := refreshCounts(feed, destReader); err != nil {
		return nil, apierr.TaskSetup(err, "computing split feed counts")
	}
	if err := sp.Registry.Create(feed); err != nil {
		return nil, apierr.TaskSetup(err, "registering split feed")
	}
	if opts.Activate {
		if err := sp.Registry.SetActive(destHash, true); err != nil {
			return nil, apierr.TaskSetup(err, "activating split feed")
		}
	}

	// Phase 4: removal from source. Storage exposes no row-level
	// delete beyond DeleteFeedMetadata(url, hash) (the same gap
	// documented for importer's cancellation cleanup and for
	// Deleter); a feed's hash-scoped rows can't be partially deleted
	// in place without the backend cascading-delete support Delete
	// itself doesn't have either. Logged rather than silently
	// dropped.
	if opts.RemoveFromSource {
		sp.Log.Warn(
			"split requested remove_from_source, but the storage layer has no "+
				"partial in-place delete; source feed left unchanged",
			"source_feed", opts.SourceFeed,
		)
	}

	return feed, nil
}

func computeClosure(reader storage.FeedReader, routeIDs []string) (*closure, error) {
	wantRoute := map[string]bool{}
	for _, id := range routeIDs {
		wantRoute[id] = true
	}

	allRoutes, err := reader.Routes()
	if err != nil {
		return nil, err
	}
	cl := &closure{
		routes:   map[string]model.Route{},
		trips:    map[string]model.Trip{},
		stops:    map[string]model.Stop{},
		services: map[string]bool{},
		shapes:   map[string]bool{},
	}
	for _, r := range allRoutes {
		if wantRoute[r.ID] {
			cl.routes[r.ID] = r
		}
	}

	allTrips, err := reader.Trips()
	if err != nil {
		return nil, err
	}
	for _, t := range allTrips {
		if _, ok := cl.routes[t.RouteID]; !ok {
			continue
		}
		cl.trips[t.ID] = t
		cl.services[t.ServiceID] = true
		if t.ShapeID != "" {
			cl.shapes[t.ShapeID] = true
		}
	}

	allStopTimes, err := reader.StopTimes()
	if err != nil {
		return nil, err
	}
	wantStop := map[string]bool{}
	for _, st := range allStopTimes {
		if _, ok := cl.trips[st.TripID]; !ok {
			continue
		}
		cl.stopTimes = append(cl.stopTimes, st)
		wantStop[st.StopID] = true
	}

	allStops, err := reader.Stops()
	if err != nil {
		return nil, err
	}
	stopByID := map[string]model.Stop{}
	for _, s := range allStops {
		stopByID[s.ID] = s
	}
	for id := range wantStop {
		if s, ok := stopByID[id]; ok {
			cl.stops[id] = s
		}
	}
	for _, s := range cl.stops {
		parent := s.ParentStation
		for parent != "" {
			if _, ok := cl.stops[parent]; ok {
				break
			}
			p, ok := stopByID[parent]
			if !ok {
				break
			}
			cl.stops[parent] = p
			parent = p.ParentStation
		}
	}

	allCalendarDates, err := reader.CalendarDates()
	if err != nil {
		return nil, err
	}
	for _, cd := range allCalendarDates {
		if cl.services[cd.ServiceID] {
			cl.calendarDates = append(cl.calendarDates, cd)
		}
	}

	return cl, nil
}
