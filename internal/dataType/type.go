package dataType

import (
	"go.uber.org/zap"

	"samizdat_mesh/internal/grid"
)

// Roles a participant can announce.
const (
	RoleDriver    = "DRIVER"
	RolePassenger = "PASSENGER"
	RoleNone      = "NONE"
)

// DefaultTTLSeconds is applied to offers that carry no usable ttl.
const DefaultTTLSeconds = 3600

// OfferRecord is one stored grid message (a ride offer or request).
type OfferRecord struct {
	GridID         string       `json:"grid_id"`
	SenderAddress  string       `json:"sender_onion"`
	SenderNickname string       `json:"sender_nick"`
	Content        string       `json:"content"`
	Timestamp      int64        `json:"timestamp"`
	TTLSeconds     int          `json:"ttl"`
	RoutePoints    []grid.Point `json:"route_points,omitempty"`
	RouteGrids     []string     `json:"route_grids,omitempty"`
	Origin         *grid.Point  `json:"origin,omitempty"`
	Destination    *grid.Point  `json:"destination,omitempty"`
	Seats          int          `json:"seats"`
	DriverPosition *grid.Point  `json:"driver_position,omitempty"`
}

// Key identifies a record for deduplication.
func (r OfferRecord) Key() OfferKey {
	return OfferKey{Sender: r.SenderAddress, Timestamp: r.Timestamp}
}

// Alive reports whether the record is still readable at nowMillis.
func (r OfferRecord) Alive(nowMillis int64) bool {
	return nowMillis-r.Timestamp < int64(r.TTLSeconds)*1000
}

// OfferKey is the (sender, timestamp) pair that makes an offer unique.
type OfferKey struct {
	Sender    string
	Timestamp int64
}

// VouchClaim is a validated, not yet verified, vouch received from the network.
type VouchClaim struct {
	Target       string
	VoucherName  string
	Signature    string
	Timestamp    int64
	VoucherAddr  string
	PublicKeyB64 string
}

// VouchRecord is a ledger row: voucher attests target.
type VouchRecord struct {
	Voucher      string `cbor:"1,keyasint" json:"voucher"`
	VoucherName  string `cbor:"2,keyasint" json:"voucher_name"`
	Target       string `cbor:"3,keyasint" json:"target"`
	Signature    string `cbor:"4,keyasint" json:"signature"`
	Timestamp    int64  `cbor:"5,keyasint" json:"timestamp"`
	PublicKeyB64 string `cbor:"6,keyasint" json:"public_key"`
}

// Record turns a claim into the row stored by the ledger.
func (c VouchClaim) Record() VouchRecord {
	return VouchRecord{
		Voucher:      c.VoucherAddr,
		VoucherName:  c.VoucherName,
		Target:       c.Target,
		Signature:    c.Signature,
		Timestamp:    c.Timestamp,
		PublicKeyB64: c.PublicKeyB64,
	}
}

// FloodRule limits inbound lines per sender within a sliding window.
type FloodRule struct {
	Limit           int64
	WindowSeconds   int64
	CooldownSeconds int64
}

// SharedMemory holds the counters and the security log shared by the inbound checks.
type SharedMemory struct {
	LineFloodCounter *Counter
	CooldownList     *BlockList
	Log              *zap.Logger
}

func (m *SharedMemory) Logger() *zap.Logger {
	if m == nil || m.Log == nil {
		return zap.NewNop()
	}
	return m.Log
}
