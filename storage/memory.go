package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/transitops/gtfs-core/model"
)

// In memory implementation of Storage below

type memoryMetadataKey struct {
	URL  string
	Hash string
}

type memoryRequestKey struct {
	URL      string
	Consumer string
}

type MemoryStorage struct {
	Feeds    map[string]*MemoryStorageFeed
	Metadata map[memoryMetadataKey]*FeedMetadata
	Requests map[memoryRequestKey]FeedRequest
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Feeds:    map[string]*MemoryStorageFeed{},
		Metadata: map[memoryMetadataKey]*FeedMetadata{},
		Requests: map[memoryRequestKey]FeedRequest{},
	}
}

func (s *MemoryStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	feeds := []*FeedMetadata{}
	for _, metadata := range s.Metadata {
		if filter.URL != "" && metadata.URL != filter.URL {
			continue
		}
		if filter.Hash != "" && metadata.Hash != filter.Hash {
			continue
		}
		feeds = append(feeds, metadata)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].RetrievedAt.After(feeds[j].RetrievedAt)
	})
	return feeds, nil
}

func (s *MemoryStorage) ListFeedRequests(url string) ([]FeedRequest, error) {
	reqs := []FeedRequest{}

	for _, req := range s.Requests {
		if url != "" && req.URL != url {
			continue
		}
		reqs = append(reqs, req)
	}

	return reqs, nil
}

func (s *MemoryStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	s.Metadata[memoryMetadataKey{feed.URL, feed.Hash}] = feed
	return nil
}

// WriteFeedRequest stores nothing in MemoryStorage: req is discarded,
// and nothing written through this method is returned by
// ListFeedRequests.
func (s *MemoryStorage) WriteFeedRequest(req FeedRequest) error {
	return nil
}

func (s *MemoryStorage) DeleteFeedMetadata(url string, hash string) error {
	key := memoryMetadataKey{url, hash}
	if _, found := s.Metadata[key]; !found {
		return fmt.Errorf("feed not found")
	}
	delete(s.Metadata, key)
	return nil
}

func (s *MemoryStorage) GetReader(hash string) (FeedReader, error) {
	f, ok := s.Feeds[hash]
	if !ok {
		return nil, fmt.Errorf("feed not found")
	}
	return f, nil
}

func (s *MemoryStorage) GetWriter(hash string) (FeedWriter, error) {
	f := &MemoryStorageFeed{
		metadata: &FeedMetadata{
			Hash: hash,
		},
		calendar:        map[string]model.Calendar{},
		calendarDate:    map[string][]model.CalendarDate{},
		routes:          map[string]model.Route{},
		agency:          map[string]model.Agency{},
		stops:           map[string]model.Stop{},
		stopsByParent:   map[string][]model.Stop{},
		trips:           map[string]model.Trip{},
		stopTimesByTrip: map[string][]model.StopTime{},
		stopTimesByStop: map[string][]model.StopTime{},
		minMaxStopSeq:   map[string][2]uint32{},
		shapes:          map[string][]model.Shape{},
		fareAttributes:  map[string]model.FareAttribute{},
		fareRules:       []model.FareRule{},
		customFields:    map[string]model.CustomFields{},
	}

	s.Feeds[hash] = f

	return f, nil
}

type customFieldKey struct {
	table      string
	naturalKey string
}

type MemoryStorageFeed struct {
	metadata         *FeedMetadata
	calendar         map[string]model.Calendar
	calendarDate     map[string][]model.CalendarDate
	routes           map[string]model.Route
	agency           map[string]model.Agency
	stops            map[string]model.Stop
	stopsByParent    map[string][]model.Stop
	trips            map[string]model.Trip
	stopTimesByTrip  map[string][]model.StopTime
	stopTimesByStop  map[string][]model.StopTime
	minMaxStopSeq    map[string][2]uint32
	routeTypesByStop map[string][]model.RouteType
	shapes           map[string][]model.Shape
	fareAttributes   map[string]model.FareAttribute
	fareRules        []model.FareRule
	feedInfo         *model.FeedInfo
	customFields     map[string]model.CustomFields
}

func (f *MemoryStorageFeed) WriteAgency(agency model.Agency) error {
	f.agency[agency.ID] = agency
	return nil
}

func (f *MemoryStorageFeed) WriteStop(stop model.Stop) error {
	f.stops[stop.ID] = stop
	if stop.ParentStation != "" {
		f.stopsByParent[stop.ParentStation] = append(f.stopsByParent[stop.ParentStation], stop)
	}
	return nil
}

func (f *MemoryStorageFeed) WriteRoute(route model.Route) error {
	f.routes[route.ID] = route
	return nil
}

func (f *MemoryStorageFeed) BeginTrips() error {
	return nil
}

func (f *MemoryStorageFeed) WriteTrip(trip model.Trip) error {
	f.trips[trip.ID] = trip
	return nil
}

func (f *MemoryStorageFeed) EndTrips() error {
	return nil
}

func (f *MemoryStorageFeed) BeginStopTimes() error {
	return nil
}

func (f *MemoryStorageFeed) WriteStopTime(stopTime model.StopTime) error {
	f.stopTimesByTrip[stopTime.TripID] = append(f.stopTimesByTrip[stopTime.TripID], stopTime)
	f.stopTimesByStop[stopTime.StopID] = append(f.stopTimesByStop[stopTime.StopID], stopTime)

	mms, found := f.minMaxStopSeq[stopTime.TripID]
	if !found {
		f.minMaxStopSeq[stopTime.TripID] = [2]uint32{stopTime.StopSequence, stopTime.StopSequence}
	} else {
		if stopTime.StopSequence < mms[0] {
			mms[0] = stopTime.StopSequence
		}
		if stopTime.StopSequence > mms[1] {
			mms[1] = stopTime.StopSequence
		}
		f.minMaxStopSeq[stopTime.TripID] = mms
	}

	return nil
}

func (f *MemoryStorageFeed) EndStopTimes() error {
	f.routeTypesByStop = map[string][]model.RouteType{}

	for _, stop := range f.stops {
		rts := map[model.RouteType]bool{}
		for _, st := range f.stopTimesByStop[stop.ID] {
			rts[f.routes[f.trips[st.TripID].RouteID].Type] = true
		}
		for rt := range rts {
			f.routeTypesByStop[stop.ID] = append(f.routeTypesByStop[stop.ID], rt)
		}
	}

	return nil
}

func (f *MemoryStorageFeed) WriteCalendar(row model.Calendar) error {
	f.calendar[row.ServiceID] = row
	return nil
}

func (f *MemoryStorageFeed) WriteCalendarDate(row model.CalendarDate) error {
	f.calendarDate[row.ServiceID] = append(f.calendarDate[row.ServiceID], row)
	return nil
}

func (f *MemoryStorageFeed) WriteShapePoint(point model.Shape) error {
	f.shapes[point.ID] = append(f.shapes[point.ID], point)
	return nil
}

func (f *MemoryStorageFeed) WriteFareAttribute(fare model.FareAttribute) error {
	f.fareAttributes[fare.FareID] = fare
	return nil
}

func (f *MemoryStorageFeed) WriteFareRule(rule model.FareRule) error {
	f.fareRules = append(f.fareRules, rule)
	return nil
}

func (f *MemoryStorageFeed) WriteFeedInfo(info model.FeedInfo) error {
	f.feedInfo = &info
	return nil
}

func (f *MemoryStorageFeed) WriteCustomFields(table string, naturalKey string, fields model.CustomFields) error {
	if len(fields) == 0 {
		return nil
	}
	f.customFields[table+"\x00"+naturalKey] = fields
	return nil
}

func (f *MemoryStorageFeed) Close() error {
	return nil
}

func (f *MemoryStorageFeed) Agencies() ([]model.Agency, error) {
	agencies := []model.Agency{}
	for _, v := range f.agency {
		agencies = append(agencies, v)
	}
	return agencies, nil
}

func (f *MemoryStorageFeed) Stops() ([]model.Stop, error) {
	stops := []model.Stop{}
	for _, v := range f.stops {
		stops = append(stops, v)
	}
	return stops, nil
}

func (f *MemoryStorageFeed) Routes() ([]model.Route, error) {
	routes := []model.Route{}
	for _, v := range f.routes {
		routes = append(routes, v)
	}
	return routes, nil
}

func (f *MemoryStorageFeed) Trips() ([]model.Trip, error) {
	trips := []model.Trip{}
	for _, v := range f.trips {
		trips = append(trips, v)
	}
	return trips, nil
}

func (f *MemoryStorageFeed) StopTimes() ([]model.StopTime, error) {
	stoptimes := []model.StopTime{}
	for _, v := range f.stopTimesByTrip {
		stoptimes = append(stoptimes, v...)
	}
	return stoptimes, nil
}

func (f *MemoryStorageFeed) Calendars() ([]model.Calendar, error) {
	cals := []model.Calendar{}
	for _, v := range f.calendar {
		cals = append(cals, v)
	}
	return cals, nil
}

func (f *MemoryStorageFeed) CalendarDates() ([]model.CalendarDate, error) {
	cds := []model.CalendarDate{}
	for _, v := range f.calendarDate {
		cds = append(cds, v...)
	}
	return cds, nil
}

func (f *MemoryStorageFeed) Shapes() ([]model.Shape, error) {
	shapes := []model.Shape{}
	for _, v := range f.shapes {
		shapes = append(shapes, v...)
	}
	return shapes, nil
}

func (f *MemoryStorageFeed) FareAttributes() ([]model.FareAttribute, error) {
	fares := []model.FareAttribute{}
	for _, v := range f.fareAttributes {
		fares = append(fares, v)
	}
	return fares, nil
}

func (f *MemoryStorageFeed) FareRules() ([]model.FareRule, error) {
	rules := make([]model.FareRule, len(f.fareRules))
	copy(rules, f.fareRules)
	return rules, nil
}

func (f *MemoryStorageFeed) FeedInfo() (*model.FeedInfo, error) {
	return f.feedInfo, nil
}

func (f *MemoryStorageFeed) CustomFields(table string, naturalKey string) (model.CustomFields, error) {
	fields, found := f.customFields[table+"\x00"+naturalKey]
	if !found {
		return model.CustomFields{}, nil
	}
	return fields, nil
}

func (f *MemoryStorageFeed) ActiveServices(date string) ([]string, error) {
	services := map[string]bool{}

	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}

	for _, calendar := range f.calendar {
		if calendar.Weekday&(1<<parsedDate.Weekday()) == 0 {
			continue
		}
		if calendar.StartDate > date {
			continue
		}
		if calendar.EndDate < date {
			continue
		}
		services[calendar.ServiceID] = true
	}

	for _, cds := range f.calendarDate {
		for _, cd := range cds {
			if cd.Date == date {
				if cd.ExceptionType == 1 {
					services[cd.ServiceID] = true
				} else if cd.ExceptionType == 2 {
					services[cd.ServiceID] = false
				}
			}
		}
	}

	activeServices := []string{}
	for serviceID, active := range services {
		if active {
			activeServices = append(activeServices, serviceID)
		}
	}

	return activeServices, nil
}

func (f *MemoryStorageFeed) MinMaxStopSeq() (map[string][2]uint32, error) {
	return f.minMaxStopSeq, nil
}

func (f *MemoryStorageFeed) StopTimeEvents(filter StopTimeEventFilter) ([]*StopTimeEvent, error) {
	var stopTimes []model.StopTime

	if filter.StopID != "" {
		// The StopID filter must also apply to parent
		// stations, in case caller is referring to a Station
		// holding (potentially) multiple Stops
		stop, found := f.stops[filter.StopID]
		if !found {
			return []*StopTimeEvent{}, nil
		}

		if stop.LocationType == model.LocationTypeStation {
			for _, s := range f.stopsByParent[filter.StopID] {
				stopTimes = append(stopTimes, f.stopTimesByStop[s.ID]...)
			}
		} else {
			stopTimes = f.stopTimesByStop[filter.StopID]
		}
	} else {
		// Without StopID, we need to iterate over all
		// StopTimes.
		stopTimes = []model.StopTime{}
		for _, v := range f.stopTimesByTrip {
			stopTimes = append(stopTimes, v...)
		}
	}

	routeTypes := map[model.RouteType]bool{}
	if len(filter.RouteTypes) > 0 {
		for _, rt := range filter.RouteTypes {
			routeTypes[rt] = true
		}
	}

	serviceIDs := map[string]bool{}
	if len(filter.ServiceIDs) > 0 {
		for _, sid := range filter.ServiceIDs {
			serviceIDs[sid] = true
		}
	}

	events := []*StopTimeEvent{}

	for _, st := range stopTimes {
		// Filters on StopTime
		if filter.ArrivalStart != "" && st.Arrival < filter.ArrivalStart {
			continue
		}
		if filter.ArrivalEnd != "" && st.Arrival > filter.ArrivalEnd {
			continue
		}
		if filter.DepartureStart != "" && st.Departure < filter.DepartureStart {
			continue
		}
		if filter.DepartureEnd != "" && st.Departure > filter.DepartureEnd {
			continue
		}

		// Filters on Trip
		trip := f.trips[st.TripID]
		if filter.RouteID != "" && trip.RouteID != filter.RouteID {
			continue
		}
		if filter.DirectionID != -1 && int(trip.DirectionID) != filter.DirectionID {
			continue
		}
		if len(serviceIDs) > 0 && !serviceIDs[trip.ServiceID] {
			continue
		}

		// Filters on Route
		route := f.routes[trip.RouteID]
		if len(routeTypes) > 0 && !routeTypes[route.Type] {
			continue
		}

		var parentStation model.Stop
		stop := f.stops[st.StopID]
		if stop.ParentStation != "" {
			parentStation = f.stops[stop.ParentStation]
		}

		events = append(events, &StopTimeEvent{
			StopTime:      st,
			Trip:          trip,
			Route:         route,
			Stop:          stop,
			ParentStation: parentStation,
		})
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].StopTime.Arrival < events[j].StopTime.Arrival
	})

	return events, nil
}

func (f *MemoryStorageFeed) RouteDirections(stopID string) ([]model.RouteDirection, error) {
	type routeDirectionKey struct {
		RouteID     string
		DirectionID int8
	}

	headsignSet := map[routeDirectionKey]map[string]bool{}
	for _, st := range f.stopTimesByStop[stopID] {
		if st.StopSequence == f.minMaxStopSeq[st.TripID][1] {
			// Ignore last stop in trip, its headsign is
			// not relevant to passengers departing from
			// this stop
			continue
		}

		trip := f.trips[st.TripID]
		headsign := trip.Headsign

		// If stop_time itself has a headsign, that overrides
		// the trip headsign
		if st.Headsign != "" {
			headsign = st.Headsign
		}

		k := routeDirectionKey{trip.RouteID, trip.DirectionID}
		if _, found := headsignSet[k]; !found {
			headsignSet[k] = map[string]bool{}
		}
		headsignSet[k][headsign] = true
	}

	rds := []model.RouteDirection{}
	for rdKey, hs := range headsignSet {
		rs := model.RouteDirection{
			StopID:      stopID,
			RouteID:     rdKey.RouteID,
			DirectionID: rdKey.DirectionID,
			Headsigns:   []string{},
		}
		for h := range hs {
			rs.Headsigns = append(rs.Headsigns, h)
		}
		rds = append(rds, rs)
	}

	return rds, nil
}

func (f *MemoryStorageFeed) NearbyStops(lat float64, lng float64, limit int, routeTypes []model.RouteType) ([]model.Stop, error) {
	stops := []model.Stop{}

	if len(routeTypes) == 0 {
		for _, s := range f.stops {
			if !(s.LocationType == model.LocationTypeStation || s.LocationType == model.LocationTypeStop && s.ParentStation == "") {
				continue
			}
			stops = append(stops, s)
		}
	} else {
		typeSet := map[model.RouteType]bool{}
		for _, rt := range routeTypes {
			typeSet[rt] = true
		}
		for _, s := range f.stops {
			if !(s.LocationType == model.LocationTypeStation || s.LocationType == model.LocationTypeStop && s.ParentStation == "") {
				continue
			}
			for _, rt := range f.routeTypesByStop[s.ID] {
				if typeSet[rt] {
					stops = append(stops, s)
					break
				}
			}
		}
	}

	sort.Slice(stops, func(i, j int) bool {
		di := HaversineDistance(lat, lng, stops[i].Lat, stops[i].Lon)
		dj := HaversineDistance(lat, lng, stops[j].Lat, stops[j].Lon)
		return di < dj
	})

	if limit > 0 && len(stops) > limit {
		stops = stops[:limit]
	}

	return stops, nil
}
