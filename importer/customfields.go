package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/spkg/bom"

	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
)

// knownFields lists, per GTFS file, the header names the modeled
// schema already understands. Anything else present in the file's
// header is a custom field to preserve verbatim.
var knownFields = map[string]map[string]bool{
	"agency.txt": {
		"agency_id": true, "agency_name": true, "agency_url": true, "agency_timezone": true,
	},
	"routes.txt": {
		"route_id": true, "agency_id": true, "route_short_name": true, "route_long_name": true,
		"route_desc": true, "route_type": true, "route_url": true, "route_color": true, "route_text_color": true,
	},
	"stops.txt": {
		"stop_id": true, "stop_code": true, "stop_name": true, "stop_desc": true,
		"stop_lat": true, "stop_lon": true, "stop_url": true,
		"location_type": true, "parent_station": true, "platform_code": true,
	},
	"trips.txt": {
		"trip_id": true, "route_id": true, "service_id": true, "trip_headsign": true,
		"trip_short_name": true, "direction_id": true, "shape_id": true,
	},
	"calendar.txt": {
		"service_id": true, "start_date": true, "end_date": true,
		"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
		"friday": true, "saturday": true, "sunday": true,
	},
	"shapes.txt": {
		"shape_id": true, "shape_pt_lat": true, "shape_pt_lon": true,
		"shape_pt_sequence": true, "shape_dist_traveled": true,
	},
	"fare_attributes.txt": {
		"fare_id": true, "price": true, "currency_type": true, "payment_method": true,
		"transfers": true, "transfer_duration": true, "agency_id": true,
	},
	"fare_rules.txt": {
		"fare_id": true, "route_id": true, "origin_id": true, "destination_id": true, "contains_id": true,
	},
	"feed_info.txt": {
		"feed_publisher_name": true, "feed_publisher_url": true, "feed_lang": true,
		"feed_start_date": true, "feed_end_date": true, "feed_version": true,
	},
}

// naturalKeyColumn names the header column that identifies a row
// within a file, used as the natural key WriteCustomFields rows are
// stored under. stop_times.txt and calendar_dates.txt are deliberately
// excluded: both can run into the millions of rows in a large feed and
// custom columns on them are rare in practice, so a second full pass
// over them isn't worth the cost of this otherwise-generic capture.
var naturalKeyColumn = map[string]string{
	"agency.txt":          "agency_id",
	"routes.txt":          "route_id",
	"stops.txt":           "stop_id",
	"trips.txt":           "trip_id",
	"calendar.txt":        "service_id",
	"shapes.txt":          "shape_id",
	"fare_attributes.txt": "fare_id",
	"fare_rules.txt":      "fare_id",
	"feed_info.txt":       "feed_publisher_name",
}

// captureCustomFields re-reads data (already consumed once by the
// file's gocsv parser) and writes any column not in knownFields[file]
// to the writer under table (the modeled table name, e.g. "stops")
// keyed by each row's natural key column.
func captureCustomFields(writer storage.FeedWriter, file string, table string, data []byte) error {
	known := knownFields[file]
	keyCol := naturalKeyColumn[file]
	if known == nil || keyCol == "" {
		return nil
	}

	r := csv.NewReader(bom.NewReader(bytes.NewReader(data)))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s header: %w", file, err)
	}

	extraIdx := []int{}
	keyIdx := -1
	for i, h := range header {
		if h == keyCol {
			keyIdx = i
		}
		if !known[h] {
			extraIdx = append(extraIdx, i)
		}
	}
	if len(extraIdx) == 0 || keyIdx == -1 {
		return nil
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s row: %w", file, err)
		}
		if keyIdx >= len(row) {
			continue
		}

		fields := model.CustomFields{}
		for _, idx := range extraIdx {
			if idx < len(row) && row[idx] != "" {
				fields[header[idx]] = row[idx]
			}
		}
		if len(fields) == 0 {
			continue
		}

		if err := writer.WriteCustomFields(table, row[keyIdx], fields); err != nil {
			return fmt.Errorf("writing custom fields for %s: %w", file, err)
		}
	}

	return nil
}
