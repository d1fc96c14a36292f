package exporter

import (
	"archive/zip"
	"strconv"
	"time"

	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
)

func writeAgency(zw *zip.Writer, reader storage.FeedReader, rows []model.Agency) error {
	keys := make([]string, len(rows))
	for i, a := range rows {
		keys[i] = a.ID
	}
	custom, byKey, err := customColumns(reader, "agency", keys)
	if err != nil {
		return err
	}

	w, err := newFile(zw, "agency.txt")
	if err != nil {
		return err
	}
	header := append([]string{"agency_id", "agency_name", "agency_url", "agency_timezone"}, custom...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, a := range rows {
		row := []string{a.ID, a.Name, a.URL, a.Timezone}
		row = appendCustom(row, custom, byKey[a.ID])
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeRoutes(zw *zip.Writer, reader storage.FeedReader, rows []model.Route) error {
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.ID
	}
	custom, byKey, err := customColumns(reader, "routes", keys)
	if err != nil {
		return err
	}

	w, err := newFile(zw, "routes.txt")
	if err != nil {
		return err
	}
	header := append([]string{
		"route_id", "agency_id", "route_short_name", "route_long_name",
		"route_desc", "route_type", "route_url", "route_color", "route_text_color",
	}, custom...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		row := []string{
			r.ID, r.AgencyID, r.ShortName, r.LongName,
			r.Desc, strconv.Itoa(int(r.Type)), r.URL, r.Color, r.TextColor,
		}
		row = appendCustom(row, custom, byKey[r.ID])
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeStops(zw *zip.Writer, reader storage.FeedReader, rows []model.Stop) error {
	keys := make([]string, len(rows))
	for i, s := range rows {
		keys[i] = s.ID
	}
	custom, byKey, err := customColumns(reader, "stops", keys)
	if err != nil {
		return err
	}

	w, err := newFile(zw, "stops.txt")
	if err != nil {
		return err
	}
	header := append([]string{
		"stop_id", "stop_code", "stop_name", "stop_desc", "stop_lat", "stop_lon",
		"stop_url", "location_type", "parent_station", "platform_code",
	}, custom...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range rows {
		row := []string{
			s.ID, s.Code, s.Name, s.Desc, ftoa(s.Lat), ftoa(s.Lon),
			s.URL, strconv.Itoa(int(s.LocationType)), s.ParentStation, s.PlatformCode,
		}
		row = appendCustom(row, custom, byKey[s.ID])
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeTrips(zw *zip.Writer, reader storage.FeedReader, rows []model.Trip) error {
	keys := make([]string, len(rows))
	for i, t := range rows {
		keys[i] = t.ID
	}
	custom, byKey, err := customColumns(reader, "trips", keys)
	if err != nil {
		return err
	}

	w, err := newFile(zw, "trips.txt")
	if err != nil {
		return err
	}
	header := append([]string{
		"route_id", "service_id", "trip_id", "trip_headsign",
		"trip_short_name", "direction_id", "shape_id",
	}, custom...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, t := range rows {
		row := []string{
			t.RouteID, t.ServiceID, t.ID, t.Headsign,
			t.ShortName, strconv.Itoa(int(t.DirectionID)), t.ShapeID,
		}
		row = appendCustom(row, custom, byKey[t.ID])
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeStopTimes(zw *zip.Writer, rows []model.StopTime) error {
	w, err := newFile(zw, "stop_times.txt")
	if err != nil {
		return err
	}
	// No custom-field merge here: captureCustomFields never scans
	// stop_times.txt on import (too costly for too little benefit), so
	// there's nothing to round-trip.
	if err := w.Write([]string{
		"trip_id", "arrival_time", "departure_time", "stop_id", "stop_sequence", "stop_headsign",
	}); err != nil {
		return err
	}
	for _, st := range rows {
		row := []string{
			st.TripID, formatGTFSTime(st.Arrival), formatGTFSTime(st.Departure),
			st.StopID, strconv.FormatUint(uint64(st.StopSequence), 10), st.Headsign,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// formatGTFSTime turns the internal "HHMMSS" storage format back into
// GTFS's "H:MM:SS" wire format.
func formatGTFSTime(hhmmss string) string {
	if len(hhmmss) != 6 {
		return hhmmss
	}
	return hhmmss[0:2] + ":" + hhmmss[2:4] + ":" + hhmmss[4:6]
}

func writeCalendar(zw *zip.Writer, reader storage.FeedReader, rows []model.Calendar) error {
	keys := make([]string, len(rows))
	for i, c := range rows {
		keys[i] = c.ServiceID
	}
	custom, byKey, err := customColumns(reader, "calendar", keys)
	if err != nil {
		return err
	}

	w, err := newFile(zw, "calendar.txt")
	if err != nil {
		return err
	}
	header := append([]string{
		"service_id", "monday", "tuesday", "wednesday", "thursday",
		"friday", "saturday", "sunday", "start_date", "end_date",
	}, custom...)
	if err := w.Write(header); err != nil {
		return err
	}
	// parse.ParseCalendar sets each bit using the stdlib's
	// time.Weekday values (Sunday=0 .. Saturday=6), not GTFS's
	// column order; mirror that here rather than the header order.
	gtfsWeekdays := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday,
	}
	for _, c := range rows {
		row := []string{c.ServiceID}
		for _, day := range gtfsWeekdays {
			if c.Weekday&(1<<uint(day)) != 0 {
				row = append(row, "1")
			} else {
				row = append(row, "0")
			}
		}
		row = append(row, c.StartDate, c.EndDate)
		row = appendCustom(row, custom, byKey[c.ServiceID])
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeCalendarDates(zw *zip.Writer, rows []model.CalendarDate) error {
	w, err := newFile(zw, "calendar_dates.txt")
	if err != nil {
		return err
	}
	if err := w.Write([]string{"service_id", "date", "exception_type"}); err != nil {
		return err
	}
	for _, cd := range rows {
		row := []string{cd.ServiceID, cd.Date, strconv.Itoa(int(cd.ExceptionType))}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeShapes(zw *zip.Writer, reader storage.FeedReader, rows []model.Shape) error {
	keys := make([]string, len(rows))
	for i, s := range rows {
		keys[i] = s.ID
	}
	custom, byKey, err := customColumns(reader, "shapes", keys)
	if err != nil {
		return err
	}

	w, err := newFile(zw, "shapes.txt")
	if err != nil {
		return err
	}
	header := append([]string{
		"shape_id", "shape_pt_lat", "shape_pt_lon", "shape_pt_sequence", "shape_dist_traveled",
	}, custom...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range rows {
		row := []string{
			s.ID, ftoa(s.Lat), ftoa(s.Lon),
			strconv.FormatUint(uint64(s.Sequence), 10), ftoa(s.DistTraveled),
		}
		row = appendCustom(row, custom, byKey[s.ID])
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeFareAttributes(zw *zip.Writer, rows []model.FareAttribute) error {
	w, err := newFile(zw, "fare_attributes.txt")
	if err != nil {
		return err
	}
	if err := w.Write([]string{
		"fare_id", "price", "currency_type", "payment_method", "transfers", "transfer_duration", "agency_id",
	}); err != nil {
		return err
	}
	for _, f := range rows {
		row := []string{
			f.FareID, ftoa(f.Price), f.CurrencyType,
			strconv.Itoa(int(f.PaymentMethod)), strconv.Itoa(int(f.Transfers)),
			itoa(f.TransferDuration), f.AgencyID,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeFareRules(zw *zip.Writer, rows []model.FareRule) error {
	w, err := newFile(zw, "fare_rules.txt")
	if err != nil {
		return err
	}
	if err := w.Write([]string{"fare_id", "route_id", "origin_id", "destination_id", "contains_id"}); err != nil {
		return err
	}
	for _, f := range rows {
		row := []string{f.FareID, f.RouteID, f.OriginID, f.DestinationID, f.ContainsID}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeFeedInfo(zw *zip.Writer, f model.FeedInfo) error {
	w, err := newFile(zw, "feed_info.txt")
	if err != nil {
		return err
	}
	if err := w.Write([]string{
		"feed_publisher_name", "feed_publisher_url", "feed_lang",
		"feed_start_date", "feed_end_date", "feed_version",
	}); err != nil {
		return err
	}
	row := []string{f.PublisherName, f.PublisherURL, f.Lang, f.StartDate, f.EndDate, f.Version}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
