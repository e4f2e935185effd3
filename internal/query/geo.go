package query

import (
	"math"

	"github.com/tidwall/gjson"

	"github.com/tonimelisma/docsync/internal/record"
)

// earthRadiusMeters converts between meters and the radians the backend
// expects in $centerSphere.
const earthRadiusMeters = 6378100.0

// Point is a longitude/latitude pair, stored in documents as [lon, lat].
type Point struct {
	Lon float64
	Lat float64
}

func (p Point) pair() []float64 { return []float64{p.Lon, p.Lat} }

func pointFrom(res gjson.Result) (Point, bool) {
	if !res.IsArray() {
		return Point{}, false
	}

	arr := res.Array()
	if len(arr) != 2 || arr[0].Type != gjson.Number || arr[1].Type != gjson.Number {
		return Point{}, false
	}

	return Point{Lon: arr[0].Num, Lat: arr[1].Num}, true
}

type circle struct {
	field        string
	center       Point
	radiusMeters float64
}

// WithinCircle matches entities whose location field lies within
// radiusMeters of center on the sphere.
func WithinCircle(field string, center Point, radiusMeters float64) Predicate {
	return circle{field: field, center: center, radiusMeters: radiusMeters}
}

func (c circle) match(r record.Record) bool {
	p, ok := pointFrom(r.Get(c.field))
	if !ok {
		return false
	}

	return haversine(c.center, p) <= c.radiusMeters
}

func (c circle) filter() map[string]any {
	return map[string]any{c.field: map[string]any{
		"$geoWithin": map[string]any{
			"$centerSphere": []any{c.center.pair(), c.radiusMeters / earthRadiusMeters},
		},
	}}
}

type polygon struct {
	field  string
	points []Point
}

// WithinPolygon matches entities whose location field lies inside the
// polygon described by points (implicitly closed).
func WithinPolygon(field string, points ...Point) Predicate {
	return polygon{field: field, points: points}
}

func (pg polygon) match(r record.Record) bool {
	p, ok := pointFrom(r.Get(pg.field))
	if !ok || len(pg.points) < 3 {
		return false
	}

	return insidePolygon(p, pg.points)
}

func (pg polygon) filter() map[string]any {
	pairs := make([]any, len(pg.points))
	for i, p := range pg.points {
		pairs[i] = p.pair()
	}

	return map[string]any{pg.field: map[string]any{
		"$geoWithin": map[string]any{"$polygon": pairs},
	}}
}

// haversine returns the great-circle distance in meters.
func haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// insidePolygon is the even-odd ray casting test on the lon/lat plane.
func insidePolygon(p Point, poly []Point) bool {
	inside := false

	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		pi, pj := poly[i], poly[j]

		if (pi.Lat > p.Lat) != (pj.Lat > p.Lat) &&
			p.Lon < (pj.Lon-pi.Lon)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat)+pi.Lon {
			inside = !inside
		}
	}

	return inside
}
