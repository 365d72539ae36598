package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BaseStep is the latitude height of one cell in degrees (~2 km).
const BaseStep = 0.018

// minCosLat keeps longitude steps finite near the poles.
const minCosLat = 0.1

const earthRadiusMeters = 6371000.0

const idPrefix = "RG-"

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func lonStepAt(lat float64) float64 {
	cosLat := math.Max(math.Cos(lat*math.Pi/180), minCosLat)
	return BaseStep / cosLat
}

// GridID returns the cell identifier "RG-{latIdx}-{lonIdx}" for a coordinate.
func GridID(lat, lon float64) string {
	latIdx := int(math.Floor(lat / BaseStep))
	lonIdx := int(math.Floor(lon / lonStepAt(lat)))
	return formatID(latIdx, lonIdx)
}

func formatID(latIdx, lonIdx int) string {
	return fmt.Sprintf("RG-%d-%d", latIdx, lonIdx)
}

// ParseGridID splits an id into its integer indices.
// Negative indices make the id contain more than three dash separated parts,
// so the prefix is stripped first and the remainder scanned for the index boundary.
func ParseGridID(id string) (latIdx, lonIdx int, ok bool) {
	if !strings.HasPrefix(id, idPrefix) {
		return 0, 0, false
	}
	rest := id[len(idPrefix):]
	if rest == "" {
		return 0, 0, false
	}
	// the separator is the first '-' that is not a leading sign
	sep := strings.Index(rest[1:], "-")
	if sep < 0 {
		return 0, 0, false
	}
	sep++
	a, err := strconv.Atoi(rest[:sep])
	if err != nil {
		return 0, 0, false
	}
	b, err := strconv.Atoi(rest[sep+1:])
	if err != nil {
		return 0, 0, false
	}
	return a, b, true
}

// GridBounds returns the south-west and north-east corners of a cell.
// The longitude step is derived from the cell's centre latitude.
func GridBounds(id string) (sw, ne Point, ok bool) {
	latIdx, lonIdx, ok := ParseGridID(id)
	if !ok {
		return Point{}, Point{}, false
	}
	latMin := float64(latIdx) * BaseStep
	latMax := latMin + BaseStep
	step := lonStepAt((latMin + latMax) / 2)
	lonMin := float64(lonIdx) * step
	return Point{Lat: latMin, Lon: lonMin}, Point{Lat: latMax, Lon: lonMin + step}, true
}

// GridCenter returns the midpoint of a cell's bounding box.
func GridCenter(id string) (Point, bool) {
	sw, ne, ok := GridBounds(id)
	if !ok {
		return Point{}, false
	}
	return Point{Lat: (sw.Lat + ne.Lat) / 2, Lon: (sw.Lon + ne.Lon) / 2}, true
}

// NeighborGrids returns the (2r+1)^2 cells of the Chebyshev square around id,
// id included. A non-positive radius or an unparsable id yields only id.
func NeighborGrids(id string, radius int) []string {
	if radius <= 0 {
		return []string{id}
	}
	latIdx, lonIdx, ok := ParseGridID(id)
	if !ok {
		return []string{id}
	}
	out := make([]string, 0, (2*radius+1)*(2*radius+1))
	for dl := -radius; dl <= radius; dl++ {
		for dg := -radius; dg <= radius; dg++ {
			out = append(out, formatID(latIdx+dl, lonIdx+dg))
		}
	}
	return out
}

// ExpandNeighbors is NeighborGrids over a set of cells, de-duplicated and in
// first-seen order.
func ExpandNeighbors(ids []string, radius int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range ids {
		for _, n := range NeighborGrids(id, radius) {
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// RouteGridsFromPolyline maps every point to its cell and removes duplicates,
// preserving first occurrence order.
func RouteGridsFromPolyline(points []Point) []string {
	seen := make(map[string]struct{}, len(points))
	out := make([]string, 0, len(points))
	for _, p := range points {
		id := GridID(p.Lat, p.Lon)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// RouteGrids approximates the cells crossed by the straight segment start-end
// by sampling it every kilometre.
func RouteGrids(start, end Point) []string {
	steps := int(HaversineMeters(start, end) / 1000)
	if steps < 1 {
		steps = 1
	}
	samples := make([]Point, 0, steps+1)
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		samples = append(samples, Point{
			Lat: start.Lat + (end.Lat-start.Lat)*f,
			Lon: start.Lon + (end.Lon-start.Lon)*f,
		})
	}
	return RouteGridsFromPolyline(samples)
}

// HaversineMeters is the great-circle distance between a and b.
func HaversineMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
