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

// CloneOptions configures a Clone run (§4.D.3): a Merge with exactly
// one source, natural keys preserved verbatim.
type CloneOptions struct {
	Source       string
	TargetAgency string
	Name         string
	Description  string
	Activate     bool // defaults off, per spec
}

// Cloner copies one feed's rows into a new feed, unchanged.
type Cloner struct{ base }

func NewCloner(st storage.Storage, reg storage.FeedRegistry, orch *task.Orchestrator, log logger.Logger) *Cloner {
	return &Cloner{base{Storage: st, Registry: reg, Orchestrator: orch, Log: log}}
}

func (cl *Cloner) Run(ctx context.Context, taskID string, opts CloneOptions) (*model.Feed, error) {
	if err := cl.Orchestrator.BeginRun(taskID); err != nil {
		return nil, err
	}

	feed, err := cl.run(taskID, opts)
	if err != nil {
		var cancelled *model.ErrCancelled
		if errors.As(err, &cancelled) {
			return nil, err
		}
		if failErr := cl.Orchestrator.Fail(taskID, err, apierr.StackTrace(err), apierr.Retryable(err)); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}

	if err := cl.Orchestrator.Complete(taskID, map[string]any{"feed_id": feed.ID}); err != nil {
		return nil, err
	}
	return feed, nil
}

func (cl *Cloner) run(taskID string, opts CloneOptions) (*model.Feed, error) {
	if opts.Source == "" {
		return nil, apierr.Validation("clone requires a source feed")
	}

	reader, err := cl.Storage.GetReader(opts.Source)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening source reader")
	}

	destHash := uuid.NewString()
	writer, err := cl.Storage.GetWriter(destHash)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening destination writer")
	}

	var timezone string
	if err := copyVerbatim(reader, writer, &timezone); err != nil {
		return nil, err
	}
	if err := cl.report(taskID, bandMergeCopy, "copy"); err != nil {
		return nil, err
	}

	if err := cl.Storage.WriteFeedMetadata(&storage.FeedMetadata{
		Hash:        destHash,
		Timezone:    timezone,
		RetrievedAt: time.Now().UTC(),
	}); err != nil {
		return nil, apierr.TaskSetup(err, "writing feed metadata")
	}

	source, err := cl.Registry.Get(opts.Source)
	name, desc, agency := opts.Name, opts.Description, opts.TargetAgency
	if err == nil {
		if name == "" {
			name = source.Name
		}
		if desc == "" {
			desc = source.Description
		}
		if agency == "" {
			agency = source.AgencyGroup
		}
	}

	destReader, err := cl.Storage.GetReader(destHash)
	if err != nil {
		return nil, apierr.TaskSetup(err, "opening destination reader")
	}
	feed := &model.Feed{
		ID:          destHash,
		AgencyGroup: agency,
		Name:        name,
		Description: desc,
		SourceHash:  destHash,
	}
	if err := refreshCounts(feed, destReader); err != nil {
		return nil, apierr.TaskSetup(err, "computing cloned feed counts")
	}
	if err := cl.Registry.Create(feed); err != nil {
		return nil, apierr.TaskSetup(err, "registering cloned feed")
	}
	if opts.Activate {
		if err := cl.Registry.SetActive(destHash, true); err != nil {
			return nil, apierr.TaskSetup(err, "activating cloned feed")
		}
	}

	return feed, nil
}

// copyVerbatim streams every entity from reader to writer unchanged,
// used by Clone where no natural key ever collides (there's only one
// source).
func copyVerbatim(reader storage.FeedReader, writer storage.FeedWriter, timezone *string) error {
	agencies, err := reader.Agencies()
	if err != nil {
		return apierr.DataError(err, "reading agencies")
	}
	for _, a := range agencies {
		if *timezone == "" {
			*timezone = a.Timezone
		}
		if err := writer.WriteAgency(a); err != nil {
			return apierr.DataError(err, "writing agency %q", a.ID)
		}
	}

	stops, err := reader.Stops()
	if err != nil {
		return apierr.DataError(err, "reading stops")
	}
	for _, s := range stops {
		if err := writer.WriteStop(s); err != nil {
			return apierr.DataError(err, "writing stop %q", s.ID)
		}
		if err := copyCustomFields(reader, writer, "stops", s.ID, s.ID); err != nil {
			return err
		}
	}

	calendars, err := reader.Calendars()
	if err != nil {
		return apierr.DataError(err, "reading calendars")
	}
	for _, c := range calendars {
		if err := writer.WriteCalendar(c); err != nil {
			return apierr.DataError(err, "writing calendar %q", c.ServiceID)
		}
	}
	calendarDates, err := reader.CalendarDates()
	if err != nil {
		return apierr.DataError(err, "reading calendar_dates")
	}
	for _, cd := range calendarDates {
		if err := writer.WriteCalendarDate(cd); err != nil {
			return apierr.DataError(err, "writing calendar_date")
		}
	}

	shapes, err := reader.Shapes()
	if err != nil {
		return apierr.DataError(err, "reading shapes")
	}
	for _, sh := range shapes {
		if err := writer.WriteShapePoint(sh); err != nil {
			return apierr.DataError(err, "writing shape point")
		}
	}

	routes, err := reader.Routes()
	if err != nil {
		return apierr.DataError(err, "reading routes")
	}
	for _, r := range routes {
		if err := writer.WriteRoute(r); err != nil {
			return apierr.DataError(err, "writing route %q", r.ID)
		}
		if err := copyCustomFields(reader, writer, "routes", r.ID, r.ID); err != nil {
			return err
		}
	}

	if err := writer.BeginTrips(); err != nil {
		return apierr.TaskSetup(err, "beginning trips")
	}
	trips, err := reader.Trips()
	if err != nil {
		return apierr.DataError(err, "reading trips")
	}
	for _, t := range trips {
		if err := writer.WriteTrip(t); err != nil {
			return apierr.DataError(err, "writing trip %q", t.ID)
		}
	}
	if err := writer.EndTrips(); err != nil {
		return apierr.TaskSetup(err, "ending trips")
	}

	if err := writer.BeginStopTimes(); err != nil {
		return apierr.TaskSetup(err, "beginning stop_times")
	}
	stopTimes, err := reader.StopTimes()
	if err != nil {
		return apierr.DataError(err, "reading stop_times")
	}
	for _, st := range stopTimes {
		if err := writer.WriteStopTime(st); err != nil {
			return apierr.DataError(err, "writing stop_time")
		}
	}
	if err := writer.EndStopTimes(); err != nil {
		return apierr.TaskSetup(err, "ending stop_times")
	}

	fareAttrs, err := reader.FareAttributes()
	if err != nil {
		return apierr.DataError(err, "reading fare_attributes")
	}
	for _, fa := range fareAttrs {
		if err := writer.WriteFareAttribute(fa); err != nil {
			return apierr.DataError(err, "writing fare_attribute %q", fa.FareID)
		}
	}
	fareRules, err := reader.FareRules()
	if err != nil {
		return apierr.DataError(err, "reading fare_rules")
	}
	for _, fr := range fareRules {
		if err := writer.WriteFareRule(fr); err != nil {
			return apierr.DataError(err, "writing fare_rule")
		}
	}
	if info, err := reader.FeedInfo(); err == nil && info != nil {
		if err := writer.WriteFeedInfo(*info); err != nil {
			return apierr.DataError(err, "writing feed_info")
		}
	}

	return writer.Close()
}
