package realtime

import (
	"math"
	"time"

	"github.com/transitops/gtfs-core/model"
)

// demoPeriod is how long a synthetic vehicle takes to traverse its
// entire shape before looping back to the start.
const demoPeriod = 10 * time.Minute

// fetchDemo generates a synthetic VehiclePosition per trip (one for
// each trip whose shape has at least two points, for every source in
// the group) instead of making an HTTP call, for local testing without a live upstream.
// Position is interpolated along the trip's shape polyline using the
// wall clock as the animation phase, so repeated calls produce a
// vehicle that appears to move smoothly along its route.
func (f *Fetcher) fetchDemo(group []model.FeedSource, snap *Snapshot) {
	if f.Reader == nil {
		return
	}

	trips, err := f.Reader.Trips()
	if err != nil {
		f.recordGroupError(group, snap, err)
		return
	}
	shapes, err := f.Reader.Shapes()
	if err != nil {
		f.recordGroupError(group, snap, err)
		return
	}

	points := map[string][]model.Shape{}
	for _, s := range shapes {
		points[s.ID] = append(points[s.ID], s)
	}

	now := time.Now()
	for _, src := range group {
		for _, t := range trips {
			pts, ok := points[t.ShapeID]
			if !ok || len(pts) < 2 {
				continue
			}
			lat, lon, bearing := interpolate(pts, phaseFor(t.ID, now))
			snap.VehiclePositions = append(snap.VehiclePositions, VehiclePosition{
				FeedSourceID:   src.ID,
				FeedSourceName: src.Name,
				TripID:         t.ID,
				RouteID:        t.RouteID,
				VehicleID:      "demo-" + t.ID,
				Lat:            float32(lat),
				Lon:            float32(lon),
				Bearing:        float32(bearing),
				CurrentStatus:  "in_transit_to",
				Timestamp:      uint64(now.Unix()),
			})
		}
	}
}

// phaseFor spreads distinct trips across the loop instead of having
// every synthetic vehicle start at the same point, by offsetting each
// trip's phase with a stable hash of its ID.
func phaseFor(tripID string, now time.Time) float64 {
	var h uint32 = 2166136261
	for i := 0; i < len(tripID); i++ {
		h ^= uint32(tripID[i])
		h *= 16777619
	}
	offset := float64(h%1000) / 1000.0
	elapsed := float64(now.UnixNano()) / float64(demoPeriod.Nanoseconds())
	phase := math.Mod(elapsed+offset, 1.0)
	if phase < 0 {
		phase++
	}
	return phase
}

// interpolate walks pts (already ordered by shape_pt_sequence) to the
// position phase (0..1) of the way along the polyline, returning a
// linearly interpolated lat/lon and the bearing of the segment it
// falls on.
func interpolate(pts []model.Shape, phase float64) (lat, lon, bearing float64) {
	if len(pts) == 1 {
		return pts[0].Lat, pts[0].Lon, 0
	}

	var total float64
	segLen := make([]float64, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		d := haversineMeters(pts[i-1].Lat, pts[i-1].Lon, pts[i].Lat, pts[i].Lon)
		segLen[i-1] = d
		total += d
	}
	if total == 0 {
		return pts[0].Lat, pts[0].Lon, 0
	}

	target := phase * total
	var walked float64
	for i, d := range segLen {
		if walked+d >= target || i == len(segLen)-1 {
			frac := 0.0
			if d > 0 {
				frac = (target - walked) / d
			}
			a, b := pts[i], pts[i+1]
			lat = a.Lat + (b.Lat-a.Lat)*frac
			lon = a.Lon + (b.Lon-a.Lon)*frac
			bearing = bearingBetween(a.Lat, a.Lon, b.Lat, b.Lon)
			return
		}
		walked += d
	}
	last := pts[len(pts)-1]
	return last.Lat, last.Lon, 0
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const r = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return r * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func bearingBetween(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	y := math.Sin(toRad(lon2-lon1)) * math.Cos(toRad(lat2))
	x := math.Cos(toRad(lat1))*math.Sin(toRad(lat2)) -
		math.Sin(toRad(lat1))*math.Cos(toRad(lat2))*math.Cos(toRad(lon2-lon1))
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}
