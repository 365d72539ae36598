package check

import (
	"strings"
	"time"
	"unicode/utf8"

	"samizdat_mesh/internal/dataType"
	"samizdat_mesh/internal/grid"
)

const (
	MaxNicknameLength = 50
	MaxContentLength  = 2000
	MaxGridIDLength   = 30

	MaxRoutePoints = 500
	MaxRouteGrids  = 100

	MinTTLSeconds = 60
	MaxTTLSeconds = 86400
	MaxSeats      = 20

	MaxTimestampDrift = 24 * time.Hour

	onionSuffix     = ".onion"
	onionHashLength = 56
	gridIDPrefix    = "RG-"
)

var knownTypes = map[string]struct{}{
	dataType.TypeText:        {},
	dataType.TypeStatus:      {},
	dataType.TypeRideRequest: {},
	dataType.TypeRideAccept:  {},
	dataType.TypeRideDecline: {},
	dataType.TypeDhtStore:    {},
	dataType.TypeVouch:       {},
	dataType.TypeAppUpdate:   {},
}

var knownRoles = map[string]struct{}{
	dataType.RoleDriver:    {},
	dataType.RolePassenger: {},
	dataType.RoleNone:      {},
}

// SanitizeString removes ASCII control characters other than tab and newline,
// then truncates to maxLength characters.
func SanitizeString(s string, maxLength int) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	if utf8.RuneCountInString(cleaned) <= maxLength {
		return cleaned
	}
	runes := []rune(cleaned)
	return string(runes[:maxLength])
}

func IsValidLatitude(lat float64) bool {
	return lat >= -90 && lat <= 90
}

func IsValidLongitude(lon float64) bool {
	return lon >= -180 && lon <= 180
}

// ValidateCoordinate returns the point only when both halves are present and in range.
func ValidateCoordinate(lat, lon *float64) *grid.Point {
	if lat == nil || lon == nil {
		return nil
	}
	if !IsValidLatitude(*lat) || !IsValidLongitude(*lon) {
		return nil
	}
	return &grid.Point{Lat: *lat, Lon: *lon}
}

func IsValidGridID(id string) bool {
	return len(id) >= len(gridIDPrefix) && len(id) <= MaxGridIDLength && strings.HasPrefix(id, gridIDPrefix)
}

// IsValidAddress accepts "<anything>.onion" longer than the suffix itself, or a
// bare 56 character alphanumeric v3 hash.
func IsValidAddress(addr string) bool {
	if strings.TrimSpace(addr) == "" {
		return false
	}
	if strings.HasSuffix(addr, onionSuffix) {
		return len(addr) > len(onionSuffix)
	}
	if len(addr) != onionHashLength {
		return false
	}
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// IsValidTimestamp accepts positive millisecond timestamps at most 24h ahead of now.
func IsValidTimestamp(ts int64, now time.Time) bool {
	if ts <= 0 {
		return false
	}
	return ts <= now.UnixMilli()+MaxTimestampDrift.Milliseconds()
}

func ClampTTL(ttl int) int {
	return clampInt(ttl, MinTTLSeconds, MaxTTLSeconds)
}

func ClampSeats(seats int) int {
	return clampInt(seats, 0, MaxSeats)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func IsKnownMessageType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

func IsKnownRole(role string) bool {
	_, ok := knownRoles[role]
	return ok
}

// SanitizeRole maps unknown roles to NONE.
func SanitizeRole(role string) string {
	if IsKnownRole(role) {
		return role
	}
	return dataType.RoleNone
}
