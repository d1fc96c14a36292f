// Package importer implements the Feed Importer: turning a GTFS static
// archive into rows in a Storage feed, with progress reporting and
// cooperative cancellation driven through a task.Orchestrator.
package importer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"github.com/transitops/gtfs-core/apierr"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/parse"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
)

// requiredFiles must be present in every archive; calendar.txt and
// calendar_dates.txt are a pair where at least one is required.
var requiredFiles = []string{"agency.txt", "routes.txt", "stops.txt", "trips.txt", "stop_times.txt"}

var optionalFiles = []string{"shapes.txt", "fare_attributes.txt", "fare_rules.txt", "feed_info.txt"}

// Options configures one import run.
type Options struct {
	// AgencyGroup is the tenant grouping the resulting Feed belongs
	// to, reused across Merge/Split/Clone/Delete.
	AgencyGroup string
	Name        string
	Description string

	// ReplaceExisting deactivates every other feed sharing
	// AgencyGroup once this import succeeds.
	ReplaceExisting bool

	// BatchSize overrides the computed default
	// floor(32767/columns), capped at 2500. Zero means use the
	// default.
	BatchSize int
}

// Importer runs Feed Importer jobs. Storage is the physical GTFS data
// store (keyed by content hash); Registry tracks the multi-tenant Feed
// row layered on top of it.
type Importer struct {
	Storage      storage.Storage
	Registry     storage.FeedRegistry
	Orchestrator *task.Orchestrator
	Log          logger.Logger
}

// progress bands, percent complete at the end of each step (§4.B.6).
const (
	bandAgency        = 5
	bandRoutes        = 10
	bandStops         = 20
	bandCalendar      = 30
	bandCalendarDates = 35
	bandShapes        = 40
	bandTrips         = 45
	bandStopTimes     = 85
	bandFares         = 95
	bandFinalize      = 100
)

// stopTimeColumns is the column count used to derive the default
// bulk-insert batch size for stop_times, the largest GTFS file.
const stopTimeColumns = 6

func defaultBatchSize(cols int) int {
	b := 32767 / cols
	if b > 2500 {
		b = 2500
	}
	if b < 1 {
		b = 1
	}
	return b
}

// Run executes one import job end to end: BeginRun, the nine-step
// parse, Complete or Fail. The returned error is nil only when the
// orchestrator was told the job completed.
func (imp *Importer) Run(ctx context.Context, taskID string, archive []byte, opts Options) (*model.Feed, error) {
	if err := imp.Orchestrator.BeginRun(taskID); err != nil {
		return nil, err
	}

	log := imp.Log.With("task_id", taskID, "task_kind", model.TaskImportGTFS)

	feed, err := imp.run(ctx, taskID, archive, opts, log)
	if err != nil {
		var cancelled *model.ErrCancelled
		if errors.As(err, &cancelled) {
			log.Warn("import cancelled", "error", err)
			return nil, err
		}

		if failErr := imp.Orchestrator.Fail(taskID, err, apierr.StackTrace(err), apierr.Retryable(err)); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}

	result := map[string]any{
		"feed_id":      feed.ID,
		"total_routes": feed.TotalRoutes,
		"total_stops":  feed.TotalStops,
		"total_trips":  feed.TotalTrips,
	}
	if err := imp.Orchestrator.Complete(taskID, result); err != nil {
		return nil, err
	}

	return feed, nil
}

func (imp *Importer) run(ctx context.Context, taskID string, archive []byte, opts Options, log logger.Logger) (*model.Feed, error) {
	files, err := prePass(archive)
	if err != nil {
		return nil, apierr.DataError(err, "reading archive")
	}

	hash := fmt.Sprintf("%x", sha256.Sum256(archive))

	writer, err := imp.Storage.GetWriter(hash)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening feed writer")
	}

	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize(stopTimeColumns)
	}

	report := func(percent float64, step string) error {
		if err := imp.Orchestrator.ReportProgress(taskID, percent, step); err != nil {
			return err
		}
		return imp.Orchestrator.CheckCancelled(taskID)
	}

	// B.2: dependency-ordered import. agency -> routes -> stops ->
	// calendar -> calendar_dates -> shapes -> trips -> stop_times ->
	// fares/feed_info.
	agencyIDs, timezone, err := parse.ParseAgency(writer, bytes.NewReader(files["agency.txt"]))
	if err != nil {
		return nil, apierr.DataError(err, "parsing agency.txt")
	}
	if err := captureCustomFields(writer, "agency.txt", "agency", files["agency.txt"]); err != nil {
		return nil, apierr.DataError(err, "capturing agency.txt custom fields")
	}
	if err := report(bandAgency, "agency"); err != nil {
		return nil, err
	}

	routeIDs, err := parse.ParseRoutes(writer, bytes.NewReader(files["routes.txt"]), agencyIDs)
	if err != nil {
		return nil, apierr.DataError(err, "parsing routes.txt")
	}
	if err := captureCustomFields(writer, "routes.txt", "routes", files["routes.txt"]); err != nil {
		return nil, apierr.DataError(err, "capturing routes.txt custom fields")
	}
	if err := report(bandRoutes, "routes"); err != nil {
		return nil, err
	}

	stopIDs, err := parse.ParseStops(writer, bytes.NewReader(files["stops.txt"]))
	if err != nil {
		return nil, apierr.DataError(err, "parsing stops.txt")
	}
	if err := captureCustomFields(writer, "stops.txt", "stops", files["stops.txt"]); err != nil {
		return nil, apierr.DataError(err, "capturing stops.txt custom fields")
	}
	if err := report(bandStops, "stops"); err != nil {
		return nil, err
	}

	services := map[string]bool{}
	var calendarStart, calendarEnd string
	if files["calendar.txt"] != nil {
		services, calendarStart, calendarEnd, err = parse.ParseCalendar(writer, bytes.NewReader(files["calendar.txt"]))
		if err != nil {
			return nil, apierr.DataError(err, "parsing calendar.txt")
		}
		if err := captureCustomFields(writer, "calendar.txt", "calendar", files["calendar.txt"]); err != nil {
			return nil, apierr.DataError(err, "capturing calendar.txt custom fields")
		}
	}
	if err := report(bandCalendar, "calendar"); err != nil {
		return nil, err
	}

	if files["calendar_dates.txt"] != nil {
		cdServices, minDate, maxDate, err := parse.ParseCalendarDates(writer, bytes.NewReader(files["calendar_dates.txt"]))
		if err != nil {
			return nil, apierr.DataError(err, "parsing calendar_dates.txt")
		}

		// Auto-create sentinel Calendar rows for service_ids only
		// ever seen in calendar_dates.txt (§4.B.2): all days off,
		// a wide-open date range so ActiveServices() still honors
		// calendar_dates additions for them.
		for serviceID := range cdServices {
			if services[serviceID] {
				continue
			}
			if err := writer.WriteCalendar(model.Calendar{
				ServiceID: serviceID,
				StartDate: "19700101",
				EndDate:   "20991231",
				Weekday:   0,
			}); err != nil {
				return nil, apierr.DataError(err, "writing sentinel calendar for service_id %q", serviceID)
			}
			services[serviceID] = true
		}

		if calendarStart == "" || minDate < calendarStart {
			calendarStart = minDate
		}
		if calendarEnd == "" || maxDate > calendarEnd {
			calendarEnd = maxDate
		}
	}
	if err := report(bandCalendarDates, "calendar_dates"); err != nil {
		return nil, err
	}

	var shapeIDs map[string]bool
	if files["shapes.txt"] != nil {
		shapeIDs, err = parse.ParseShapes(writer, bytes.NewReader(files["shapes.txt"]))
		if err != nil {
			return nil, apierr.DataError(err, "parsing shapes.txt")
		}
		if err := captureCustomFields(writer, "shapes.txt", "shapes", files["shapes.txt"]); err != nil {
			return nil, apierr.DataError(err, "capturing shapes.txt custom fields")
		}
	}
	if err := report(bandShapes, "shapes"); err != nil {
		return nil, err
	}

	if err := writer.BeginTrips(); err != nil {
		return nil, apierr.TaskSetup(err, "beginning trips")
	}
	tripIDs, err := parse.ParseTrips(writer, bytes.NewReader(files["trips.txt"]), routeIDs, services, shapeIDs)
	if err != nil {
		return nil, apierr.DataError(err, "parsing trips.txt")
	}
	if err := writer.EndTrips(); err != nil {
		return nil, apierr.TaskSetup(err, "ending trips")
	}
	if err := captureCustomFields(writer, "trips.txt", "trips", files["trips.txt"]); err != nil {
		return nil, apierr.DataError(err, "capturing trips.txt custom fields")
	}
	if err := report(bandTrips, "trips"); err != nil {
		return nil, err
	}

	maxArrival, maxDeparture, skipped, err := imp.streamStopTimes(
		ctx, taskID, writer, files["stop_times.txt"], tripIDs, stopIDs, batchSize,
	)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("stop_times rows skipped for unknown trip/stop reference", "skipped", skipped)
	}

	var fareIDs map[string]bool
	if files["fare_attributes.txt"] != nil {
		fareIDs, err = parse.ParseFareAttributes(writer, bytes.NewReader(files["fare_attributes.txt"]))
		if err != nil {
			return nil, apierr.DataError(err, "parsing fare_attributes.txt")
		}
		if err := captureCustomFields(writer, "fare_attributes.txt", "fare_attributes", files["fare_attributes.txt"]); err != nil {
			return nil, apierr.DataError(err, "capturing fare_attributes.txt custom fields")
		}
	}
	if files["fare_rules.txt"] != nil {
		if err := parse.ParseFareRules(writer, bytes.NewReader(files["fare_rules.txt"]), fareIDs, routeIDs); err != nil {
			return nil, apierr.DataError(err, "parsing fare_rules.txt")
		}
	}
	if files["feed_info.txt"] != nil {
		if err := parse.ParseFeedInfo(writer, bytes.NewReader(files["feed_info.txt"])); err != nil {
			return nil, apierr.DataError(err, "parsing feed_info.txt")
		}
		if err := captureCustomFields(writer, "feed_info.txt", "feed_info", files["feed_info.txt"]); err != nil {
			return nil, apierr.DataError(err, "capturing feed_info.txt custom fields")
		}
	}
	if err := report(bandFares, "fares"); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, apierr.TaskSetup(err, "closing feed writer")
	}

	now := time.Now().UTC()
	metadata := &storage.FeedMetadata{
		Hash:              hash,
		RetrievedAt:       now,
		Timezone:          timezone,
		CalendarStartDate: calendarStart,
		CalendarEndDate:   calendarEnd,
		MaxArrival:        maxArrival,
		MaxDeparture:      maxDeparture,
	}
	if err := imp.Storage.WriteFeedMetadata(metadata); err != nil {
		return nil, apierr.TaskSetup(err, "writing feed metadata")
	}

	feed := &model.Feed{
		ID:          hash,
		AgencyGroup: opts.AgencyGroup,
		Name:        opts.Name,
		Description: opts.Description,
		SourceHash:  hash,
		TotalRoutes: len(routeIDs),
		TotalStops:  len(stopIDs),
		TotalTrips:  len(tripIDs),
	}
	if existing, getErr := imp.Registry.Get(hash); getErr == nil {
		feed.CreatedAt = existing.CreatedAt
		if err := imp.Registry.Update(feed); err != nil {
			return nil, apierr.TaskSetup(err, "updating feed registry")
		}
	} else {
		if err := imp.Registry.Create(feed); err != nil {
			return nil, apierr.TaskSetup(err, "creating feed registry row")
		}
	}

	if err := imp.Registry.SetActive(hash, opts.ReplaceExisting); err != nil {
		return nil, apierr.TaskSetup(err, "activating feed")
	}

	if err := report(bandFinalize, "finalize"); err != nil {
		return nil, err
	}

	return feed, nil
}

// prePass (§4.B.1) unzips the archive, validates required files are
// present, and reads each recognized file fully into memory so it can
// be parsed once for modeled fields and once for custom-field capture
// without re-opening the zip entry.
func prePass(archive []byte) (map[string][]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	wanted := map[string]bool{}
	for _, f := range requiredFiles {
		wanted[f] = true
	}
	for _, f := range optionalFiles {
		wanted[f] = true
	}
	wanted["calendar.txt"] = true
	wanted["calendar_dates.txt"] = true

	files := map[string][]byte{}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := baseName(f.Name)
		if !wanted[name] {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(bom.NewReader(rc))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.Name, err)
		}
		files[name] = data
	}

	if files["calendar.txt"] == nil && files["calendar_dates.txt"] == nil {
		return nil, fmt.Errorf("missing calendar.txt and calendar_dates.txt")
	}
	for _, required := range requiredFiles {
		if files[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	// Configure gocsv process-wide for lazy, BOM-tolerant parsing,
	// matching parse.ParseStatic. Data is already BOM-stripped above
	// (it was read through bom.NewReader); the wrapping here just
	// keeps behavior identical for callers that feed raw zip bytes in
	// through a different path (e.g. tests).
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})

	return files, nil
}

func baseName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}

type stopTimeRow struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  uint32 `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	Headsign      string `csv:"stop_headsign"`
}

// streamStopTimes implements §4.B.4: pre-loaded trip/stop membership
// sets classify each row as skip (unknown reference, collected rather
// than aborting the run), insert (new (trip_id, stop_sequence)) or
// update (a key repeated later in the same file wins). Progress is
// reported at each batch flush, linearly interpolated across the
// stop_times band, with a cancellation check at the same boundary.
func (imp *Importer) streamStopTimes(
	ctx context.Context,
	taskID string,
	writer storage.FeedWriter,
	data []byte,
	trips map[string]bool,
	stops map[string]bool,
	batchSize int,
) (string, string, int, error) {
	if err := writer.BeginStopTimes(); err != nil {
		return "", "", 0, apierr.TaskSetup(err, "beginning stop_times")
	}

	maxArrival := "000000"
	maxDeparture := "000000"
	skipped := 0
	seen := map[string]bool{}
	flushed := 0

	// A rough row-count estimate purely to interpolate progress; an
	// exact count would require a second full scan of a potentially
	// huge file, which isn't worth it for a progress bar.
	approxRows := len(data) / 48
	if approxRows < 1 {
		approxRows = 1
	}

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(bytes.NewReader(data), func(st *stopTimeRow) error {
		i++

		if !trips[st.TripID] || st.StopID == "" || !stops[st.StopID] {
			skipped++
			return nil
		}

		arrival, err := parseHHMMSS(st.ArrivalTime)
		if err != nil {
			return errors.Wrapf(err, "row %d: arrival_time", i+1)
		}
		departure, err := parseHHMMSS(st.DepartureTime)
		if err != nil {
			return errors.Wrapf(err, "row %d: departure_time", i+1)
		}
		if arrival > maxArrival {
			maxArrival = arrival
		}
		if departure > maxDeparture {
			maxDeparture = departure
		}

		key := st.TripID + "\x00" + strconv.FormatUint(uint64(st.StopSequence), 10)
		seen[key] = true // insert vs update is indistinguishable once written; both are a WriteStopTime call

		if err := writer.WriteStopTime(model.StopTime{
			TripID:       st.TripID,
			StopID:       st.StopID,
			Headsign:     st.Headsign,
			StopSequence: st.StopSequence,
			Arrival:      arrival,
			Departure:    departure,
		}); err != nil {
			return errors.Wrapf(err, "row %d: writing stop_time", i+1)
		}

		flushed++
		if flushed%batchSize == 0 {
			percent := bandTrips + (bandStopTimes-bandTrips)*float64(i)/float64(approxRows)
			if percent > bandStopTimes {
				percent = bandStopTimes
			}
			if err := imp.Orchestrator.ReportProgress(taskID, percent, "stop_times"); err != nil {
				return err
			}
			if err := imp.Orchestrator.CheckCancelled(taskID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		var cancelled *model.ErrCancelled
		if errors.As(err, &cancelled) {
			return "", "", 0, err
		}
		return "", "", 0, apierr.DataError(err, "parsing stop_times.txt")
	}

	if err := writer.EndStopTimes(); err != nil {
		return "", "", 0, apierr.TaskSetup(err, "ending stop_times")
	}

	return maxArrival, maxDeparture, skipped, nil
}

func parseHHMMSS(s string) (string, error) {
	var h, m, sec int
	n, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec)
	if err != nil || n != 3 {
		return "", fmt.Errorf("invalid time %q", s)
	}
	if m < 0 || m > 59 || sec < 0 || sec > 59 {
		return "", fmt.Errorf("invalid time %q", s)
	}
	return fmt.Sprintf("%02d%02d%02d", h, m, sec), nil
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
