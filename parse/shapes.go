package parse

import (
	"fmt"
	"io"
	"strconv"

	"github.com/gocarina/gocsv"

	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
)

type ShapeCSV struct {
	ID           string `csv:"shape_id"`
	Lat          string `csv:"shape_pt_lat"`
	Lon          string `csv:"shape_pt_lon"`
	Sequence     uint32 `csv:"shape_pt_sequence"`
	DistTraveled string `csv:"shape_dist_traveled"`
}

// ParseShapes reads shapes.txt, returning the set of distinct shape_id
// values seen so trips.txt can validate its optional shape_id column.
// Unlike stop_times, rows aren't required to be presented in sequence
// order; shape_pt_sequence strictly increasing per shape_id is a
// validator rule (validateShapes in validate/native.go), not a
// parse-time requirement.
func ParseShapes(writer storage.FeedWriter, data io.Reader) (map[string]bool, error) {
	shapeCsv := []*ShapeCSV{}
	if err := gocsv.Unmarshal(data, &shapeCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling shapes csv: %w", err)
	}

	shapes := map[string]bool{}
	for i, s := range shapeCsv {
		if s.ID == "" {
			return nil, fmt.Errorf("missing shape_id (row %d)", i+1)
		}
		shapes[s.ID] = true

		lat, err := strconv.ParseFloat(s.Lat, 64)
		if err != nil {
			return nil, fmt.Errorf("shape_id '%s': invalid shape_pt_lat: %w", s.ID, err)
		}
		lon, err := strconv.ParseFloat(s.Lon, 64)
		if err != nil {
			return nil, fmt.Errorf("shape_id '%s': invalid shape_pt_lon: %w", s.ID, err)
		}

		var dist float64
		if s.DistTraveled != "" {
			dist, err = strconv.ParseFloat(s.DistTraveled, 64)
			if err != nil {
				return nil, fmt.Errorf("shape_id '%s': invalid shape_dist_traveled: %w", s.ID, err)
			}
		}

		err = writer.WriteShapePoint(model.Shape{
			ID:           s.ID,
			Sequence:     s.Sequence,
			Lat:          lat,
			Lon:          lon,
			DistTraveled: dist,
		})
		if err != nil {
			return nil, fmt.Errorf("writing shape point: %w", err)
		}
	}

	return shapes, nil
}
