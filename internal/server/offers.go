package server

import (
	"math"
	"sort"

	"samizdat_mesh/internal/dataType"
	"samizdat_mesh/internal/grid"
)

const (
	walkRadiusStepMeters = 2000
	maxWalkRadius        = 2
)

// ActiveOffers keeps the newest discovered offer per sender, oldest first.
func (s *Session) ActiveOffers() []dataType.OfferRecord {
	latest := make(map[string]dataType.OfferRecord)
	for _, rec := range s.discovered.Values() {
		if cur, ok := latest[rec.SenderAddress]; !ok || rec.Timestamp > cur.Timestamp {
			latest[rec.SenderAddress] = rec
		}
	}
	out := make([]dataType.OfferRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].SenderAddress < out[j].SenderAddress
	})
	return out
}

// FilteredOffers returns the full catalog for anyone but passengers. A passenger
// sees only offers whose route touches both the area around myGrid and the area
// around destGrid; without both cells nothing matches.
func (s *Session) FilteredOffers(role, myGrid, destGrid string, walkMeters int) []dataType.OfferRecord {
	return FilterOffers(s.ActiveOffers(), role, myGrid, destGrid, walkMeters)
}

func FilterOffers(offers []dataType.OfferRecord, role, myGrid, destGrid string, walkMeters int) []dataType.OfferRecord {
	if role != dataType.RolePassenger {
		return offers
	}
	if myGrid == "" || destGrid == "" {
		return []dataType.OfferRecord{}
	}

	radius := walkMeters / walkRadiusStepMeters
	if radius < 0 {
		radius = 0
	}
	if radius > maxWalkRadius {
		radius = maxWalkRadius
	}
	startArea := toSet(grid.NeighborGrids(myGrid, radius))
	destArea := toSet(grid.NeighborGrids(destGrid, radius))

	out := make([]dataType.OfferRecord, 0, len(offers))
	for _, o := range offers {
		if len(o.RouteGrids) == 0 {
			_, nearStart := startArea[o.GridID]
			_, nearDest := destArea[o.GridID]
			if nearStart && nearDest {
				out = append(out, o)
			}
			continue
		}
		if touches(o.RouteGrids, startArea) && touches(o.RouteGrids, destArea) {
			out = append(out, o)
		}
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func touches(ids []string, area map[string]struct{}) bool {
	for _, id := range ids {
		if _, ok := area[id]; ok {
			return true
		}
	}
	return false
}

// WalkDistances estimates the walk to pickup and from dropoff in meters as the
// distance from start and dest to the nearest route point. Missing inputs give
// 0, 0.
func WalkDistances(offer dataType.OfferRecord, start, dest *grid.Point) (int, int) {
	if start == nil || dest == nil || len(offer.RoutePoints) == 0 {
		return 0, 0
	}
	pickup, dropoff := math.MaxFloat64, math.MaxFloat64
	for _, p := range offer.RoutePoints {
		if d := grid.HaversineMeters(*start, p); d < pickup {
			pickup = d
		}
		if d := grid.HaversineMeters(*dest, p); d < dropoff {
			dropoff = d
		}
	}
	return int(pickup), int(dropoff)
}
