package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
)

type FareRuleCSV struct {
	FareID        string `csv:"fare_id"`
	RouteID       string `csv:"route_id"`
	OriginID      string `csv:"origin_id"`
	DestinationID string `csv:"destination_id"`
	ContainsID    string `csv:"contains_id"`
}

// ParseFareRules reads fare_rules.txt. fares and routes are the sets
// produced by ParseFareAttributes and ParseRoutes; either may be empty
// (but not nil) when the corresponding file was absent, in which case
// any reference in fare_rules.txt is an error.
func ParseFareRules(writer storage.FeedWriter, data io.Reader, fares map[string]bool, routes map[string]bool) error {
	ruleCsv := []*FareRuleCSV{}
	if err := gocsv.Unmarshal(data, &ruleCsv); err != nil {
		return fmt.Errorf("unmarshaling fare_rules csv: %w", err)
	}

	for i, r := range ruleCsv {
		if r.FareID == "" {
			return fmt.Errorf("missing fare_id (row %d)", i+1)
		}
		if !fares[r.FareID] {
			return fmt.Errorf("unknown fare_id '%s' (row %d)", r.FareID, i+1)
		}
		if r.RouteID != "" && !routes[r.RouteID] {
			return fmt.Errorf("unknown route_id '%s' (row %d)", r.RouteID, i+1)
		}

		err := writer.WriteFareRule(model.FareRule{
			FareID:        r.FareID,
			RouteID:       r.RouteID,
			OriginID:      r.OriginID,
			DestinationID: r.DestinationID,
			ContainsID:    r.ContainsID,
		})
		if err != nil {
			return fmt.Errorf("writing fare_rule: %w", err)
		}
	}

	return nil
}
