// Package realtime fetches and decodes GTFS-Realtime protobuf feeds
// for an agency's configured sources (§4.F). It's distinct from the
// root package's realtime.go, which folds already-fetched feeds
// into static departure predictions; this package is the
// upstream half: HTTP retrieval, source grouping/pacing, and
// enum-to-string normalization, producing a snapshot a caller can feed
// to that merge step or serve directly.
package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"github.com/transitops/gtfs-core/apierr"
	"github.com/transitops/gtfs-core/config"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/model"
	"github.com/transitops/gtfs-core/storage"
)

// minURLPacing is the delay enforced between fetches of distinct URLs
// within one Fetch call, to avoid hammering an upstream across an
// agency's several sources in a tight loop.
const minURLPacing = 2 * time.Second

type VehiclePosition struct {
	FeedSourceID     string
	FeedSourceName   string
	TripID           string
	RouteID          string
	VehicleID        string
	VehicleLabel     string
	Lat              float32
	Lon              float32
	Bearing          float32
	Speed            float32
	CurrentStopSeq   uint32
	StopID           string
	CurrentStatus    string
	CongestionLevel  string
	OccupancyStatus  string
	Timestamp        uint64
}

type StopTimeUpdateEntry struct {
	StopSequence         uint32
	StopID               string
	ArrivalDelay         int32
	DepartureDelay       int32
	ScheduleRelationship string
}

type TripUpdate struct {
	FeedSourceID   string
	FeedSourceName string
	TripID         string
	RouteID        string
	VehicleID      string
	Timestamp      uint64
	StopTimeUpdates []StopTimeUpdateEntry
}

type ServiceAlert struct {
	FeedSourceID     string
	FeedSourceName   string
	Cause            string
	Effect           string
	HeaderText       string
	DescriptionText  string
	InformedRouteIDs []string
	InformedTripIDs  []string
	InformedStopIDs  []string
}

// Extension carries an experimental GTFS-Realtime field
// (trip_modifications, shape, stop) that this binding version may or
// may not define. Presence is feature-detected via reflection at
// fetch time rather than assumed at compile time, per §4.F's
// tolerance requirement.
type Extension struct {
	FeedSourceID   string
	FeedSourceName string
	Kind           string
	Description    string
}

// Snapshot is the result of one Fetch call across every requested
// source.
type Snapshot struct {
	FetchedAt        time.Time
	VehiclePositions []VehiclePosition
	TripUpdates      []TripUpdate
	ServiceAlerts    []ServiceAlert
	Extensions       []Extension

	// SourceErrors maps a FeedSource.ID to the error fetching or
	// parsing it hit. A source with no entry succeeded (which
	// includes a 304 Not Modified response — no new entities, not an
	// error).
	SourceErrors map[string]error

	// URLsFetched is every distinct URL actually requested, for the
	// "no duplicate fetches across sources sharing a URL" invariant.
	URLsFetched []string
}

type Fetcher struct {
	Client   *http.Client
	Log      logger.Logger
	DemoMode bool

	// Reader supplies the shapes and trips demo mode interpolates
	// synthetic vehicle positions along. Unused (and may be nil) when
	// DemoMode is false.
	Reader storage.FeedReader
}

func NewFetcher(cfg config.RealtimeConfig, reader storage.FeedReader, log logger.Logger) *Fetcher {
	timeout := cfg.ClientTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		Client:   &http.Client{Timeout: timeout},
		Log:      log,
		DemoMode: cfg.DemoMode,
		Reader:   reader,
	}
}

// Fetch retrieves and decodes every enabled source, grouping sources
// that share a URL into a single upstream GET. Pacing (minURLPacing)
// is only applied between distinct URLs, never within a group.
func (f *Fetcher) Fetch(ctx context.Context, sources []model.FeedSource) (*Snapshot, error) {
	snap := &Snapshot{
		FetchedAt:    time.Now().UTC(),
		SourceErrors: map[string]error{},
	}

	byURL := map[string][]model.FeedSource{}
	var urls []string
	for _, s := range sources {
		if !s.Enabled {
			continue
		}
		if _, ok := byURL[s.URL]; !ok {
			urls = append(urls, s.URL)
		}
		byURL[s.URL] = append(byURL[s.URL], s)
	}
	sort.Strings(urls)
	snap.URLsFetched = urls

	for i, url := range urls {
		if i > 0 {
			select {
			case <-ctx.Done():
				return snap, ctx.Err()
			case <-time.After(minURLPacing):
			}
		}

		group := byURL[url]
		f.fetchGroup(ctx, url, group, snap)
	}

	return snap, nil
}

func (f *Fetcher) fetchGroup(ctx context.Context, url string, group []model.FeedSource, snap *Snapshot) {
	if f.DemoMode {
		f.fetchDemo(group, snap)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		f.recordGroupError(group, snap, apierr.TaskSetup(err, "building request for %s", url))
		return
	}
	cacheSource := group[0]
	if cacheSource.ETag != "" {
		req.Header.Set("If-None-Match", cacheSource.ETag)
	}
	if cacheSource.LastModified != "" {
		req.Header.Set("If-Modified-Since", cacheSource.LastModified)
	}
	for _, s := range group {
		if s.AuthHeader != "" && s.AuthToken != "" {
			req.Header.Set(s.AuthHeader, s.AuthToken)
			break
		}
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		f.recordGroupError(group, snap, apierr.Transient(err, "fetching %s", url))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		f.recordGroupError(group, snap, apierr.Transient(nil, "upstream %s returned 429", url))
		return
	}
	if resp.StatusCode == http.StatusNotModified {
		return
	}
	if resp.StatusCode != http.StatusOK {
		f.recordGroupError(group, snap, apierr.Transient(nil, "upstream %s returned %d", url, resp.StatusCode))
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.recordGroupError(group, snap, apierr.Transient(err, "reading body from %s", url))
		return
	}

	msg := &gtfsproto.FeedMessage{}
	if err := proto.Unmarshal(body, msg); err != nil {
		f.recordGroupError(group, snap, apierr.DataError(err, "unmarshaling protobuf from %s", url))
		return
	}

	for idx := range group {
		group[idx].ETag = resp.Header.Get("ETag")
		group[idx].LastModified = resp.Header.Get("Last-Modified")
	}

	for _, src := range group {
		decodeEntities(msg.GetEntity(), src, snap)
	}
}

func (f *Fetcher) recordGroupError(group []model.FeedSource, snap *Snapshot, err error) {
	for _, s := range group {
		snap.SourceErrors[s.ID] = err
	}
	if f.Log != nil {
		f.Log.Warn("realtime fetch failed", "url", group[0].URL, "sources", len(group), "error", err)
	}
}

func decodeEntities(entities []*gtfsproto.FeedEntity, src model.FeedSource, snap *Snapshot) {
	for _, e := range entities {
		if vp := e.GetVehicle(); vp != nil {
			snap.VehiclePositions = append(snap.VehiclePositions, decodeVehiclePosition(vp, src))
		}
		if tu := e.GetTripUpdate(); tu != nil {
			snap.TripUpdates = append(snap.TripUpdates, decodeTripUpdate(tu, src))
		}
		if al := e.GetAlert(); al != nil {
			snap.ServiceAlerts = append(snap.ServiceAlerts, decodeAlert(al, src))
		}
		snap.Extensions = append(snap.Extensions, detectExtensions(e, src)...)
	}
}

func decodeVehiclePosition(vp *gtfsproto.VehiclePosition, src model.FeedSource) VehiclePosition {
	out := VehiclePosition{
		FeedSourceID:   src.ID,
		FeedSourceName: src.Name,
		StopID:         vp.GetStopId(),
		CurrentStopSeq: vp.GetCurrentStopSequence(),
		Timestamp:      vp.GetTimestamp(),
	}
	if t := vp.GetTrip(); t != nil {
		out.TripID = t.GetTripId()
		out.RouteID = t.GetRouteId()
	}
	if v := vp.GetVehicle(); v != nil {
		out.VehicleID = v.GetId()
		out.VehicleLabel = v.GetLabel()
	}
	if p := vp.GetPosition(); p != nil {
		out.Lat = p.GetLatitude()
		out.Lon = p.GetLongitude()
		out.Bearing = p.GetBearing()
		out.Speed = p.GetSpeed()
	}
	out.CurrentStatus = lowerEnumName(vp.GetCurrentStatus())
	out.CongestionLevel = lowerEnumName(vp.GetCongestionLevel())
	out.OccupancyStatus = lowerEnumName(vp.GetOccupancyStatus())
	return out
}

func decodeTripUpdate(tu *gtfsproto.TripUpdate, src model.FeedSource) TripUpdate {
	out := TripUpdate{
		FeedSourceID:   src.ID,
		FeedSourceName: src.Name,
		Timestamp:      tu.GetTimestamp(),
	}
	if t := tu.GetTrip(); t != nil {
		out.TripID = t.GetTripId()
		out.RouteID = t.GetRouteId()
	}
	if v := tu.GetVehicle(); v != nil {
		out.VehicleID = v.GetId()
	}
	for _, stu := range tu.GetStopTimeUpdate() {
		out.StopTimeUpdates = append(out.StopTimeUpdates, StopTimeUpdateEntry{
			StopSequence:         stu.GetStopSequence(),
			StopID:               stu.GetStopId(),
			ArrivalDelay:         stu.GetArrival().GetDelay(),
			DepartureDelay:       stu.GetDeparture().GetDelay(),
			ScheduleRelationship: lowerEnumName(stu.GetScheduleRelationship()),
		})
	}
	return out
}

func decodeAlert(al *gtfsproto.Alert, src model.FeedSource) ServiceAlert {
	out := ServiceAlert{
		FeedSourceID:    src.ID,
		FeedSourceName:  src.Name,
		Cause:           lowerEnumName(al.GetCause()),
		Effect:          lowerEnumName(al.GetEffect()),
		HeaderText:      translatedText(al.GetHeaderText()),
		DescriptionText: translatedText(al.GetDescriptionText()),
	}
	for _, ie := range al.GetInformedEntity() {
		if ie.GetRouteId() != "" {
			out.InformedRouteIDs = append(out.InformedRouteIDs, ie.GetRouteId())
		}
		if ie.GetStopId() != "" {
			out.InformedStopIDs = append(out.InformedStopIDs, ie.GetStopId())
		}
		if t := ie.GetTrip(); t != nil && t.GetTripId() != "" {
			out.InformedTripIDs = append(out.InformedTripIDs, t.GetTripId())
		}
	}
	return out
}

func translatedText(ts *gtfsproto.TranslatedString) string {
	if ts == nil {
		return ""
	}
	for _, tr := range ts.GetTranslation() {
		if tr.GetLanguage() == "" || tr.GetLanguage() == "en" {
			return tr.GetText()
		}
	}
	if len(ts.GetTranslation()) > 0 {
		return ts.GetTranslation()[0].GetText()
	}
	return ""
}

// lowerEnumName lowercases a protobuf enum's generated String() form
// (e.g. "IN_TRANSIT_TO" -> "in_transit_to"), which is how §4.F's
// translator normalizes GTFS-realtime numeric codes into stable
// string names without this package hardcoding every enum's integer
// values itself.
func lowerEnumName(v fmt.Stringer) string {
	s := v.String()
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// detectExtensions feature-detects the experimental
// trip_modifications/shape/stop fields on a FeedEntity by name via
// reflection rather than referencing them directly, since a given
// protobuf bindings build may or may not compile them in. A field
// that isn't present in this build is silently skipped, matching
// §4.F's "tolerate missing fields, don't catch exceptions at parse
// time" requirement.
func detectExtensions(e *gtfsproto.FeedEntity, src model.FeedSource) []Extension {
	var out []Extension
	v := reflect.ValueOf(e)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return out
	}
	elem := v.Elem()
	if elem.Kind() != reflect.Struct {
		return out
	}
	for _, name := range []string{"TripModifications", "Shape", "Stop"} {
		field := elem.FieldByName(name)
		if !field.IsValid() {
			continue
		}
		if field.Kind() == reflect.Ptr && field.IsNil() {
			continue
		}
		out = append(out, Extension{
			FeedSourceID:   src.ID,
			FeedSourceName: src.Name,
			Kind:           name,
			Description:    fmt.Sprintf("%+v", field.Interface()),
		})
	}
	return out
}
