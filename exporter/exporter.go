// Package exporter re-serializes a stored GTFS feed back into a static
// archive: one CSV file per table, with any custom fields preserved
// during import folded back in as extra trailing columns.
package exporter

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/transitops/gtfs-core/apierr"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
)

// Options configures one export run.
type Options struct {
	// RouteIDs, if non-empty, restricts the export to the given
	// routes and everything they transitively reference (trips,
	// stop_times, services, shapes, stops, fare rules). Agencies are
	// narrowed to those the kept routes name (all agencies when none
	// match) and fare_attributes to the fares the kept fare rules
	// reference; feed_info is always exported in full.
	RouteIDs []string
}

// Exporter runs Feed Export jobs.
type Exporter struct {
	Storage      storage.Storage
	Orchestrator *task.Orchestrator
	Log          logger.Logger
}

const (
	bandRead     = 20
	bandFilter   = 30
	bandAgency   = 35
	bandRoutes   = 40
	bandStops    = 50
	bandCalendar = 60
	bandShapes   = 70
	bandTrips    = 80
	bandStopTimes = 95
	bandFinalize = 100
)

// Run reads feedID's data back out and returns a zipped GTFS static
// archive.
func (exp *Exporter) Run(ctx context.Context, taskID string, feedID string, opts Options) ([]byte, error) {
	if err := exp.Orchestrator.BeginRun(taskID); err != nil {
		return nil, err
	}

	archive, err := exp.run(taskID, feedID, opts)
	if err != nil {
		var cancelled *model.ErrCancelled
		if errors.As(err, &cancelled) {
			return nil, err
		}
		if failErr := exp.Orchestrator.Fail(taskID, err, apierr.StackTrace(err), apierr.Retryable(err)); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}

	if err := exp.Orchestrator.Complete(taskID, map[string]any{"bytes": len(archive)}); err != nil {
		return nil, err
	}
	return archive, nil
}

func (exp *Exporter) run(taskID string, feedID string, opts Options) ([]byte, error) {
	reader, err := exp.Storage.GetReader(feedID)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening feed reader")
	}

	data, err := readAll(reader)
	if err != nil {
		return nil, apierr.DataError(err, "reading feed")
	}
	if err := exp.report(taskID, bandRead, "read"); err != nil {
		return nil, err
	}

	if len(opts.RouteIDs) > 0 {
		data = filterByRoutes(data, opts.RouteIDs)
	}
	if err := exp.report(taskID, bandFilter, "filter"); err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)

	if err := writeAgency(zw, reader, data.agencies); err != nil {
		return nil, apierr.DataError(err, "writing agency.txt")
	}
	if err := exp.report(taskID, bandAgency, "agency"); err != nil {
		return nil, err
	}

	if err := writeRoutes(zw, reader, data.routes); err != nil {
		return nil, apierr.DataError(err, "writing routes.txt")
	}
	if err := exp.report(taskID, bandRoutes, "routes"); err != nil {
		return nil, err
	}

	if err := writeStops(zw, reader, data.stops); err != nil {
		return nil, apierr.DataError(err, "writing stops.txt")
	}
	if err := exp.report(taskID, bandStops, "stops"); err != nil {
		return nil, err
	}

	if err := writeCalendar(zw, reader, data.calendars); err != nil {
		return nil, apierr.DataError(err, "writing calendar.txt")
	}
	if len(data.calendarDates) > 0 {
		if err := writeCalendarDates(zw, data.calendarDates); err != nil {
			return nil, apierr.DataError(err, "writing calendar_dates.txt")
		}
	}
	if err := exp.report(taskID, bandCalendar, "calendar"); err != nil {
		return nil, err
	}

	if len(data.shapes) > 0 {
		if err := writeShapes(zw, reader, data.shapes); err != nil {
			return nil, apierr.DataError(err, "writing shapes.txt")
		}
	}
	if err := exp.report(taskID, bandShapes, "shapes"); err != nil {
		return nil, err
	}

	if err := writeTrips(zw, reader, data.trips); err != nil {
		return nil, apierr.DataError(err, "writing trips.txt")
	}
	if err := exp.report(taskID, bandTrips, "trips"); err != nil {
		return nil, err
	}

	if err := writeStopTimes(zw, data.stopTimes); err != nil {
		return nil, apierr.DataError(err, "writing stop_times.txt")
	}
	if err := exp.report(taskID, bandStopTimes, "stop_times"); err != nil {
		return nil, err
	}

	if len(data.fareAttributes) > 0 {
		if err := writeFareAttributes(zw, data.fareAttributes); err != nil {
			return nil, apierr.DataError(err, "writing fare_attributes.txt")
		}
	}
	if len(data.fareRules) > 0 {
		if err := writeFareRules(zw, data.fareRules); err != nil {
			return nil, apierr.DataError(err, "writing fare_rules.txt")
		}
	}
	if data.feedInfo != nil {
		if err := writeFeedInfo(zw, *data.feedInfo); err != nil {
			return nil, apierr.DataError(err, "writing feed_info.txt")
		}
	}

	if err := zw.Close(); err != nil {
		return nil, apierr.TaskSetup(err, "closing archive")
	}
	if err := exp.report(taskID, bandFinalize, "finalize"); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (exp *Exporter) report(taskID string, percent float64, step string) error {
	if err := exp.Orchestrator.ReportProgress(taskID, percent, step); err != nil {
		return err
	}
	return exp.Orchestrator.CheckCancelled(taskID)
}

// feedData is every entity pulled out of a FeedReader, held in memory
// so route-scoped filtering can be applied before any CSV is written.
type feedData struct {
	agencies       []model.Agency
	routes         []model.Route
	stops          []model.Stop
	trips          []model.Trip
	stopTimes      []model.StopTime
	calendars      []model.Calendar
	calendarDates  []model.CalendarDate
	shapes         []model.Shape
	fareAttributes []model.FareAttribute
	fareRules      []model.FareRule
	feedInfo       *model.FeedInfo
}

func readAll(reader storage.FeedReader) (*feedData, error) {
	d := &feedData{}
	var err error

	if d.agencies, err = reader.Agencies(); err != nil {
		return nil, fmt.Errorf("reading agencies: %w", err)
	}
	if d.routes, err = reader.Routes(); err != nil {
		return nil, fmt.Errorf("reading routes: %w", err)
	}
	if d.stops, err = reader.Stops(); err != nil {
		return nil, fmt.Errorf("reading stops: %w", err)
	}
	if d.trips, err = reader.Trips(); err != nil {
		return nil, fmt.Errorf("reading trips: %w", err)
	}
	if d.stopTimes, err = reader.StopTimes(); err != nil {
		return nil, fmt.Errorf("reading stop_times: %w", err)
	}
	if d.calendars, err = reader.Calendars(); err != nil {
		return nil, fmt.Errorf("reading calendars: %w", err)
	}
	if d.calendarDates, err = reader.CalendarDates(); err != nil {
		return nil, fmt.Errorf("reading calendar_dates: %w", err)
	}
	if d.shapes, err = reader.Shapes(); err != nil {
		return nil, fmt.Errorf("reading shapes: %w", err)
	}
	if d.fareAttributes, err = reader.FareAttributes(); err != nil {
		return nil, fmt.Errorf("reading fare_attributes: %w", err)
	}
	if d.fareRules, err = reader.FareRules(); err != nil {
		return nil, fmt.Errorf("reading fare_rules: %w", err)
	}
	if d.feedInfo, err = reader.FeedInfo(); err != nil {
		return nil, fmt.Errorf("reading feed_info: %w", err)
	}

	return d, nil
}

// filterByRoutes restricts d to the given routes and everything they
// transitively reference. It's a lighter, export-local version of the
// reference closure a structural split needs: good enough to produce
// a self-consistent archive, without requiring the split mutator to
// exist first.
func filterByRoutes(d *feedData, routeIDs []string) *feedData {
	wantRoute := map[string]bool{}
	for _, id := range routeIDs {
		wantRoute[id] = true
	}

	routes := []model.Route{}
	wantAgency := map[string]bool{}
	for _, r := range d.routes {
		if wantRoute[r.ID] {
			routes = append(routes, r)
			wantAgency[r.AgencyID] = true
		}
	}

	trips := []model.Trip{}
	wantTrip := map[string]bool{}
	wantService := map[string]bool{}
	wantShape := map[string]bool{}
	for _, t := range d.trips {
		if !wantRoute[t.RouteID] {
			continue
		}
		trips = append(trips, t)
		wantTrip[t.ID] = true
		wantService[t.ServiceID] = true
		if t.ShapeID != "" {
			wantShape[t.ShapeID] = true
		}
	}

	stopTimes := []model.StopTime{}
	wantStop := map[string]bool{}
	for _, st := range d.stopTimes {
		if !wantTrip[st.TripID] {
			continue
		}
		stopTimes = append(stopTimes, st)
		wantStop[st.StopID] = true
	}

	stops := []model.Stop{}
	for _, s := range d.stops {
		if wantStop[s.ID] {
			stops = append(stops, s)
		}
	}
	// parent stations of any included stop must also be included.
	stopByID := map[string]model.Stop{}
	for _, s := range d.stops {
		stopByID[s.ID] = s
	}
	for _, s := range stops {
		parent := s.ParentStation
		for parent != "" && !wantStop[parent] {
			wantStop[parent] = true
			p, ok := stopByID[parent]
			if !ok {
				break
			}
			stops = append(stops, p)
			parent = p.ParentStation
		}
	}

	calendars := []model.Calendar{}
	for _, c := range d.calendars {
		if wantService[c.ServiceID] {
			calendars = append(calendars, c)
		}
	}
	calendarDates := []model.CalendarDate{}
	for _, cd := range d.calendarDates {
		if wantService[cd.ServiceID] {
			calendarDates = append(calendarDates, cd)
		}
	}

	shapes := []model.Shape{}
	for _, sh := range d.shapes {
		if wantShape[sh.ID] {
			shapes = append(shapes, sh)
		}
	}

	fareRules := []model.FareRule{}
	wantFare := map[string]bool{}
	for _, fr := range d.fareRules {
		if fr.RouteID != "" && !wantRoute[fr.RouteID] {
			continue
		}
		fareRules = append(fareRules, fr)
		wantFare[fr.FareID] = true
	}
	fareAttributes := []model.FareAttribute{}
	for _, fa := range d.fareAttributes {
		if wantFare[fa.FareID] {
			fareAttributes = append(fareAttributes, fa)
		}
	}

	agencies := []model.Agency{}
	for _, a := range d.agencies {
		if wantAgency[a.ID] {
			agencies = append(agencies, a)
		}
	}
	if len(agencies) == 0 {
		// route-less agency_id (single-agency feed omitting the
		// column) still needs its one agency exported.
		agencies = d.agencies
	}

	return &feedData{
		agencies:       agencies,
		routes:         routes,
		stops:          stops,
		trips:          trips,
		stopTimes:      stopTimes,
		calendars:      calendars,
		calendarDates:  calendarDates,
		shapes:         shapes,
		fareAttributes: fareAttributes,
		fareRules:      fareRules,
		feedInfo:       d.feedInfo,
	}
}

// newFile opens a zip entry and a csv.Writer over it.
func newFile(zw *zip.Writer, name string) (*csv.Writer, error) {
	w, err := zw.Create(name)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", name, err)
	}
	return csv.NewWriter(w), nil
}

// customColumns gathers every column preserved via WriteCustomFields
// across rows, returning it sorted (for a stable header) along with
// each row's fields keyed by natural key.
func customColumns(reader storage.FeedReader, table string, keys []string) ([]string, map[string]model.CustomFields, error) {
	colSet := map[string]bool{}
	byKey := map[string]model.CustomFields{}

	for _, key := range keys {
		fields, err := reader.CustomFields(table, key)
		if err != nil {
			return nil, nil, fmt.Errorf("reading custom fields for %s %q: %w", table, key, err)
		}
		if len(fields) == 0 {
			continue
		}
		byKey[key] = fields
		for col := range fields {
			colSet[col] = true
		}
	}

	cols := make([]string, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, byKey, nil
}

func appendCustom(row []string, cols []string, fields model.CustomFields) []string {
	for _, c := range cols {
		row = append(row, fields[c])
	}
	return row
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}
