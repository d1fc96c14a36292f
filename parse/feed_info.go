package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
)

type FeedInfoCSV struct {
	PublisherName string `csv:"feed_publisher_name"`
	PublisherURL  string `csv:"feed_publisher_url"`
	Lang          string `csv:"feed_lang"`
	StartDate     string `csv:"feed_start_date"`
	EndDate       string `csv:"feed_end_date"`
	Version       string `csv:"feed_version"`
}

// ParseFeedInfo reads feed_info.txt, which the GTFS spec limits to a
// single data row.
func ParseFeedInfo(writer storage.FeedWriter, data io.Reader) error {
	infoCsv := []*FeedInfoCSV{}
	if err := gocsv.Unmarshal(data, &infoCsv); err != nil {
		return fmt.Errorf("unmarshaling feed_info csv: %w", err)
	}

	if len(infoCsv) == 0 {
		return nil
	}
	if len(infoCsv) > 1 {
		return fmt.Errorf("feed_info.txt must have exactly one data row, found %d", len(infoCsv))
	}

	f := infoCsv[0]
	if f.PublisherName == "" {
		return fmt.Errorf("missing feed_publisher_name")
	}
	if f.PublisherURL == "" {
		return fmt.Errorf("missing feed_publisher_url")
	}
	if f.Lang == "" {
		return fmt.Errorf("missing feed_lang")
	}

	return writer.WriteFeedInfo(model.FeedInfo{
		PublisherName: f.PublisherName,
		PublisherURL:  f.PublisherURL,
		Lang:          f.Lang,
		StartDate:     f.StartDate,
		EndDate:       f.EndDate,
		Version:       f.Version,
	})
}
