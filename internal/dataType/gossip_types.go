package dataType

// ProtocolVersion is written into every outbound envelope.
const ProtocolVersion = 2

// Message types carried in the envelope "type" field.
const (
	TypeText        = "text"
	TypeStatus      = "status"
	TypeRideRequest = "ride_request"
	TypeRideAccept  = "ride_accept"
	TypeRideDecline = "ride_decline"
	TypeDhtStore    = "dht_store"
	TypeVouch       = "vouch"
	TypeAppUpdate   = "APP_UPDATE"
)

// Probe is decoded first to route a line by type.
type Probe struct {
	V    *int   `json:"v"`
	Type string `json:"type"`
}

// DhtStoreEnvelope is the wire form of a replicated offer.
// Optional numeric fields are pointers so that absent and null are told apart from zero.
type DhtStoreEnvelope struct {
	V           int         `json:"v"`
	Type        string      `json:"type"`
	GridID      string      `json:"grid_id"`
	SenderOnion string      `json:"sender_onion"`
	SenderNick  string      `json:"sender_nick"`
	Content     string      `json:"content"`
	Timestamp   *int64      `json:"timestamp,omitempty"`
	TTL         *int        `json:"ttl,omitempty"`
	RoutePoints [][]float64 `json:"route_points"`
	RouteGrids  []string    `json:"route_grids"`
	OriginLat   *float64    `json:"origin_lat"`
	OriginLon   *float64    `json:"origin_lon"`
	DestLat     *float64    `json:"dest_lat"`
	DestLon     *float64    `json:"dest_lon"`
	Seats       *int        `json:"seats,omitempty"`
	DriverLat   *float64    `json:"driver_lat"`
	DriverLon   *float64    `json:"driver_lon"`
}

// VouchEnvelope is the wire form of a signed attestation.
type VouchEnvelope struct {
	V         int    `json:"v"`
	Type      string `json:"type"`
	Target    string `json:"target"`
	VName     string `json:"v_name"`
	Sig       string `json:"sig"`
	T         int64  `json:"t"`
	FromOnion string `json:"f_onion"`
	PublicKey string `json:"p"`
}

// NewDhtStoreEnvelope converts a local record into its wire form.
func NewDhtStoreEnvelope(r OfferRecord) DhtStoreEnvelope {
	ts := r.Timestamp
	ttl := r.TTLSeconds
	seats := r.Seats
	env := DhtStoreEnvelope{
		V:           ProtocolVersion,
		Type:        TypeDhtStore,
		GridID:      r.GridID,
		SenderOnion: r.SenderAddress,
		SenderNick:  r.SenderNickname,
		Content:     r.Content,
		Timestamp:   &ts,
		TTL:         &ttl,
		RoutePoints: make([][]float64, 0, len(r.RoutePoints)),
		RouteGrids:  append([]string{}, r.RouteGrids...),
		Seats:       &seats,
	}
	for _, p := range r.RoutePoints {
		env.RoutePoints = append(env.RoutePoints, []float64{p.Lat, p.Lon})
	}
	if r.Origin != nil {
		env.OriginLat, env.OriginLon = &r.Origin.Lat, &r.Origin.Lon
	}
	if r.Destination != nil {
		env.DestLat, env.DestLon = &r.Destination.Lat, &r.Destination.Lon
	}
	if r.DriverPosition != nil {
		env.DriverLat, env.DriverLon = &r.DriverPosition.Lat, &r.DriverPosition.Lon
	}
	return env
}
