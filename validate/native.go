// Package validate implements the native GTFS rule engine
// (validate.Validator) and, in the mobilitydata subpackage, the
// containerized reference-validator wrapper.
package validate

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/transitops/gtfs-core/apierr"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is one finding from a validation run.
type Issue struct {
	Severity   Severity
	Category   string
	Message    string
	EntityType string
	EntityID   string
	Details    map[string]any
}

// Result accumulates every Issue from a run.
type Result struct {
	Issues []Issue
}

func (r *Result) add(sev Severity, category, entityType, entityID, msg string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{
		Severity:   sev,
		Category:   category,
		Message:    fmt.Sprintf(msg, args...),
		EntityType: entityType,
		EntityID:   entityID,
	})
}

// IsValid is true iff no issue carries SeverityError.
func (r *Result) IsValid() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			return false
		}
	}
	return true
}

func (r *Result) ErrorCount() int {
	n := 0
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Preferences enables or disables individual rule groups. The zero
// value isn't usable directly; use DefaultPreferences (all rules on,
// per §4.E.1).
type Preferences struct {
	Routes          bool
	Stops           bool
	Calendars       bool
	CalendarDates   bool
	FareAttributes  bool
	FeedInfo        bool
	Trips           bool
	Shapes          bool
	StopTimes       bool
}

func DefaultPreferences() Preferences {
	return Preferences{
		Routes: true, Stops: true, Calendars: true, CalendarDates: true,
		FareAttributes: true, FeedInfo: true, Trips: true, Shapes: true, StopTimes: true,
	}
}

// Validator runs the native rule engine against a stored feed.
type Validator struct {
	Storage      storage.Storage
	Orchestrator *task.Orchestrator
	Log          logger.Logger
}

const (
	bandRoutesStops = 30
	bandCalendars   = 45
	bandTripsShapes = 65
	bandStopTimes   = 95
	bandFinalize    = 100
)

func (v *Validator) Run(ctx context.Context, taskID string, feedID string, prefs Preferences) (*Result, error) {
	if err := v.Orchestrator.BeginRun(taskID); err != nil {
		return nil, err
	}

	result, err := v.run(taskID, feedID, prefs)
	if err != nil {
		var cancelled *model.ErrCancelled
		if errors.As(err, &cancelled) {
			return nil, err
		}
		if failErr := v.Orchestrator.Fail(taskID, err, apierr.StackTrace(err), apierr.Retryable(err)); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}

	if err := v.Orchestrator.Complete(taskID, map[string]any{
		"is_valid":    result.IsValid(),
		"error_count": result.ErrorCount(),
		"issue_count": len(result.Issues),
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (v *Validator) run(taskID string, feedID string, prefs Preferences) (*Result, error) {
	reader, err := v.Storage.GetReader(feedID)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening feed reader")
	}

	result := &Result{}

	agencies, err := reader.Agencies()
	if err != nil {
		return nil, apierr.DataError(err, "reading agencies")
	}
	agencyTimezoneSet := map[string]bool{}
	for _, a := range agencies {
		agencyTimezoneSet[a.ID] = a.Timezone != ""
	}

	if prefs.Routes {
		routes, err := reader.Routes()
		if err != nil {
			return nil, apierr.DataError(err, "reading routes")
		}
		validateRoutes(result, routes, agencyTimezoneSet)
	}
	if prefs.Stops {
		stops, err := reader.Stops()
		if err != nil {
			return nil, apierr.DataError(err, "reading stops")
		}
		validateStops(result, stops)
	}
	if err := v.report(taskID, bandRoutesStops, "routes_stops"); err != nil {
		return nil, err
	}

	calendars, err := reader.Calendars()
	if err != nil {
		return nil, apierr.DataError(err, "reading calendars")
	}
	calendarDates, err := reader.CalendarDates()
	if err != nil {
		return nil, apierr.DataError(err, "reading calendar_dates")
	}
	services := map[string]bool{}
	for _, c := range calendars {
		services[c.ServiceID] = true
	}
	for _, cd := range calendarDates {
		services[cd.ServiceID] = true
	}
	if prefs.Calendars {
		validateCalendars(result, calendars)
	}
	if prefs.CalendarDates {
		validateCalendarDates(result, calendarDates)
	}
	if prefs.FareAttributes {
		fareAttrs, err := reader.FareAttributes()
		if err != nil {
			return nil, apierr.DataError(err, "reading fare_attributes")
		}
		validateFareAttributes(result, fareAttrs)
	}
	if prefs.FeedInfo {
		info, err := reader.FeedInfo()
		if err != nil {
			return nil, apierr.DataError(err, "reading feed_info")
		}
		validateFeedInfo(result, info)
	}
	if err := v.report(taskID, bandCalendars, "calendars"); err != nil {
		return nil, err
	}

	shapes, err := reader.Shapes()
	if err != nil {
		return nil, apierr.DataError(err, "reading shapes")
	}
	shapeIDs := map[string]bool{}
	for _, s := range shapes {
		shapeIDs[s.ID] = true
	}
	if prefs.Shapes {
		validateShapes(result, shapes)
	}
	if prefs.Trips {
		trips, err := reader.Trips()
		if err != nil {
			return nil, apierr.DataError(err, "reading trips")
		}
		validateTrips(result, trips, services, shapeIDs)
	}
	if err := v.report(taskID, bandTripsShapes, "trips_shapes"); err != nil {
		return nil, err
	}

	if prefs.StopTimes {
		trips, err := reader.Trips()
		if err != nil {
			return nil, apierr.DataError(err, "reading trips")
		}
		stops, err := reader.Stops()
		if err != nil {
			return nil, apierr.DataError(err, "reading stops")
		}
		stopTimes, err := reader.StopTimes()
		if err != nil {
			return nil, apierr.DataError(err, "reading stop_times")
		}
		validateStopTimes(result, stopTimes, trips, stops)
	}
	if err := v.report(taskID, bandStopTimes, "stop_times"); err != nil {
		return nil, err
	}
	if err := v.report(taskID, bandFinalize, "finalize"); err != nil {
		return nil, err
	}

	return result, nil
}

func (v *Validator) report(taskID string, percent float64, step string) error {
	if err := v.Orchestrator.ReportProgress(taskID, percent, step); err != nil {
		return err
	}
	return v.Orchestrator.CheckCancelled(taskID)
}

func validateRoutes(r *Result, routes []model.Route, agencyTz map[string]bool) {
	seen := map[string]bool{}
	for _, rt := range routes {
		if rt.ID == "" {
			r.add(SeverityError, "route", "route", rt.ID, "missing route_id")
		}
		if seen[rt.ID] {
			r.add(SeverityError, "route", "route", rt.ID, "duplicate route_id %q", rt.ID)
		}
		seen[rt.ID] = true
		if rt.ShortName == "" && rt.LongName == "" {
			r.add(SeverityError, "route", "route", rt.ID, "route %q missing both route_short_name and route_long_name", rt.ID)
		}
		if rt.AgencyID != "" && !agencyTz[rt.AgencyID] {
			r.add(SeverityWarning, "route", "route", rt.ID, "route %q references agency %q with no agency_timezone", rt.ID, rt.AgencyID)
		}
	}
}

func validateStops(r *Result, stops []model.Stop) {
	seen := map[string]bool{}
	for _, s := range stops {
		if s.ID == "" {
			r.add(SeverityError, "stop", "stop", s.ID, "missing stop_id")
		}
		if seen[s.ID] {
			r.add(SeverityError, "stop", "stop", s.ID, "duplicate stop_id %q", s.ID)
		}
		seen[s.ID] = true
		if s.LocationType == model.LocationTypeStop && s.Name == "" {
			r.add(SeverityError, "stop", "stop", s.ID, "stop %q missing stop_name", s.ID)
		}
	}
}

func validateCalendars(r *Result, calendars []model.Calendar) {
	for _, c := range calendars {
		if c.ServiceID == "" || c.StartDate == "" || c.EndDate == "" {
			r.add(SeverityError, "calendar", "calendar", c.ServiceID, "calendar %q missing required fields", c.ServiceID)
		}
	}
}

func validateCalendarDates(r *Result, dates []model.CalendarDate) {
	for _, cd := range dates {
		if cd.ServiceID == "" || cd.Date == "" {
			r.add(SeverityError, "calendar_date", "calendar_date", cd.ServiceID, "calendar_date missing required fields")
		}
	}
}

func validateFareAttributes(r *Result, fares []model.FareAttribute) {
	for _, f := range fares {
		if f.FareID == "" || f.CurrencyType == "" {
			r.add(SeverityError, "fare_attribute", "fare_attribute", f.FareID, "fare_attribute %q missing required fields", f.FareID)
		}
	}
}

func validateFeedInfo(r *Result, info *model.FeedInfo) {
	if info == nil {
		return
	}
	if info.PublisherName == "" || info.PublisherURL == "" || info.Lang == "" {
		r.add(SeverityError, "feed_info", "feed_info", "", "feed_info missing required fields")
	}
}

func validateTrips(r *Result, trips []model.Trip, services map[string]bool, shapes map[string]bool) {
	seen := map[string]bool{}
	for _, t := range trips {
		if t.ID == "" || t.RouteID == "" || t.ServiceID == "" {
			r.add(SeverityError, "trip", "trip", t.ID, "trip %q missing required fields", t.ID)
		}
		if seen[t.ID] {
			r.add(SeverityError, "trip", "trip", t.ID, "duplicate trip_id %q", t.ID)
		}
		seen[t.ID] = true
		if !services[t.ServiceID] {
			r.add(SeverityError, "trip", "trip", t.ID, "trip %q references unknown service_id %q", t.ID, t.ServiceID)
		}
		if t.ShapeID != "" && !shapes[t.ShapeID] {
			r.add(SeverityError, "trip", "trip", t.ID, "trip %q references unknown shape_id %q", t.ID, t.ShapeID)
		}
	}
}

// validateShapes checks the three shape rules: required fields,
// strictly increasing shape_pt_sequence per shape, and (when
// shape_dist_traveled is present) that the delta between consecutive
// points is within 20% of the Haversine distance between them.
func validateShapes(r *Result, shapes []model.Shape) {
	byShape := map[string][]model.Shape{}
	for _, s := range shapes {
		if s.ID == "" {
			r.add(SeverityError, "shape", "shape", s.ID, "missing shape_id")
			continue
		}
		byShape[s.ID] = append(byShape[s.ID], s)
	}

	for id, pts := range byShape {
		sort.Slice(pts, func(i, j int) bool { return pts[i].Sequence < pts[j].Sequence })

		haveDist, missingDist := 0, 0
		for i, p := range pts {
			if p.DistTraveled != 0 {
				haveDist++
			} else {
				missingDist++
			}
			if i == 0 {
				continue
			}
			if pts[i-1].Sequence >= p.Sequence {
				r.add(SeverityError, "shape", "shape", id, "shape %q: shape_pt_sequence not strictly increasing at %d", id, p.Sequence)
			}
		}

		if haveDist > 0 && missingDist > 0 {
			r.add(SeverityWarning, "shape", "shape", id, "shape %q: shape_dist_traveled present on some points but not all", id)
		}

		if haveDist == len(pts) && len(pts) > 1 {
			for i := 1; i < len(pts); i++ {
				expected := haversine(pts[i-1].Lat, pts[i-1].Lon, pts[i].Lat, pts[i].Lon)
				actual := pts[i].DistTraveled - pts[i-1].DistTraveled
				if expected == 0 {
					continue
				}
				delta := math.Abs(actual-expected) / expected
				if delta > 0.2 {
					r.add(SeverityWarning, "shape", "shape", id,
						"shape %q: shape_dist_traveled delta at sequence %d differs from geodesic distance by %.0f%%",
						id, pts[i].Sequence, delta*100)
				}
			}
		}
	}
}

const earthRadiusMeters = 6371000.0

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// validateStopTimes emulates the five aggregate queries §4.E.1
// describes (required fields, trip-reference validity, stop-
// reference validity, sequence monotonicity via a windowed lag()
// comparison, row totals) as Go-side aggregate passes over
// reader.StopTimes() rather than literal SQL: storage.Storage doesn't
// expose a generic way to run an arbitrary aggregate query against
// whichever of the three backends is in use, and the 5 results here
// are the same shape those queries would produce — a single counted
// issue per violated property, not one issue per row.
func validateStopTimes(r *Result, stopTimes []model.StopTime, trips []model.Trip, stops []model.Stop) {
	tripIDs := map[string]bool{}
	for _, t := range trips {
		tripIDs[t.ID] = true
	}
	stopIDs := map[string]bool{}
	for _, s := range stops {
		stopIDs[s.ID] = true
	}

	missingFields, badTripRef, badStopRef := 0, 0, 0
	byTrip := map[string][]model.StopTime{}
	for _, st := range stopTimes {
		if st.TripID == "" || st.StopID == "" || st.Arrival == "" || st.Departure == "" {
			missingFields++
		}
		if st.TripID != "" && !tripIDs[st.TripID] {
			badTripRef++
		}
		if st.StopID != "" && !stopIDs[st.StopID] {
			badStopRef++
		}
		byTrip[st.TripID] = append(byTrip[st.TripID], st)
	}

	if missingFields > 0 {
		r.add(SeverityError, "stop_time", "stop_time", "", "%d stop_times rows missing required fields", missingFields)
	}
	if badTripRef > 0 {
		r.add(SeverityError, "stop_time", "stop_time", "", "%d stop_times rows reference an unknown trip_id", badTripRef)
	}
	if badStopRef > 0 {
		r.add(SeverityError, "stop_time", "stop_time", "", "%d stop_times rows reference an unknown stop_id", badStopRef)
	}

	nonMonotonic := 0
	for _, rows := range byTrip {
		sort.Slice(rows, func(i, j int) bool { return rows[i].StopSequence < rows[j].StopSequence })
		for i := 1; i < len(rows); i++ {
			// the windowed lag(stop_sequence) comparison: each row's
			// sequence must exceed the previous row for the same trip.
			if rows[i-1].StopSequence >= rows[i].StopSequence {
				nonMonotonic++
			}
		}
	}
	if nonMonotonic > 0 {
		r.add(SeverityWarning, "stop_time", "stop_time", "", "%d stop_times rows have non-increasing stop_sequence within their trip", nonMonotonic)
	}

	r.add(SeverityInfo, "stop_time", "stop_time", "", "%d stop_times rows validated", len(stopTimes))
}
