package check

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"samizdat_mesh/internal/action"
	"samizdat_mesh/internal/dataType"
	"samizdat_mesh/internal/grid"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "gridid", func(fl validator.FieldLevel) bool {
		return IsValidGridID(fl.Field().String())
	})
	mustRegister(v, "netaddr", func(fl validator.FieldLevel) bool {
		return IsValidAddress(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// offerFields are the hard requirements of a dht_store envelope, checked after sanitising.
type offerFields struct {
	GridID    string `validate:"gridid"`
	Sender    string `validate:"netaddr"`
	Content   string `validate:"required"`
	Timestamp int64  `validate:"gt=0"`
}

type vouchFields struct {
	Target    string `validate:"required,max=500,printascii"`
	Signature string `validate:"required,base64"`
	Voucher   string `validate:"netaddr"`
	PublicKey string `validate:"required,base64"`
	Timestamp int64  `validate:"gt=0"`
}

// Validator exposes the shared instance so other packages can reuse the custom tags.
func Validator() *validator.Validate {
	return validate
}

func reasonOf(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		return fmt.Sprintf("invalid %s (%s)", strings.ToLower(fe.Field()), fe.Tag())
	}
	return err.Error()
}

// ValidateDhtStore turns an untrusted envelope into a record. Hard failures mark
// decision as Drop; soft problems are repaired (text truncated, numbers clamped,
// bad coordinates and route entries treated as absent).
func ValidateDhtStore(env *dataType.DhtStoreEnvelope, now time.Time, decision *action.Decision) dataType.OfferRecord {
	if env.Type != dataType.TypeDhtStore {
		decision.Reject("unexpected type " + env.Type)
		return dataType.OfferRecord{}
	}

	ts := now.UnixMilli()
	if env.Timestamp != nil {
		ts = *env.Timestamp
	}
	content := SanitizeString(env.Content, MaxContentLength)

	if err := validate.Struct(offerFields{
		GridID:    env.GridID,
		Sender:    env.SenderOnion,
		Content:   content,
		Timestamp: ts,
	}); err != nil {
		decision.Reject(reasonOf(err))
		return dataType.OfferRecord{}
	}
	if !IsValidTimestamp(ts, now) {
		decision.Reject("invalid timestamp (drift)")
		return dataType.OfferRecord{}
	}

	ttl := dataType.DefaultTTLSeconds
	if env.TTL != nil {
		ttl = *env.TTL
	}
	seats := 0
	if env.Seats != nil {
		seats = *env.Seats
	}
	nick := env.SenderNick
	if nick == "" {
		nick = "Unknown"
	}

	rec := dataType.OfferRecord{
		GridID:         env.GridID,
		SenderAddress:  env.SenderOnion,
		SenderNickname: SanitizeString(nick, MaxNicknameLength),
		Content:        content,
		Timestamp:      ts,
		TTLSeconds:     ClampTTL(ttl),
		RoutePoints:    routePoints(env.RoutePoints),
		RouteGrids:     routeGrids(env.RouteGrids),
		Origin:         ValidateCoordinate(env.OriginLat, env.OriginLon),
		Destination:    ValidateCoordinate(env.DestLat, env.DestLon),
		Seats:          ClampSeats(seats),
		DriverPosition: ValidateCoordinate(env.DriverLat, env.DriverLon),
	}
	decision.Set(action.Accept)
	return rec
}

func routePoints(raw [][]float64) []grid.Point {
	if len(raw) > MaxRoutePoints {
		raw = raw[:MaxRoutePoints]
	}
	out := make([]grid.Point, 0, len(raw))
	for _, p := range raw {
		if len(p) < 2 || !IsValidLatitude(p[0]) || !IsValidLongitude(p[1]) {
			continue
		}
		out = append(out, grid.Point{Lat: p[0], Lon: p[1]})
	}
	return out
}

func routeGrids(raw []string) []string {
	if len(raw) > MaxRouteGrids {
		raw = raw[:MaxRouteGrids]
	}
	out := make([]string, 0, len(raw))
	for _, g := range raw {
		if IsValidGridID(g) {
			out = append(out, g)
		}
	}
	return out
}

// ValidateVouch checks the structure of a vouch. The signature itself is verified
// by the trust ledger.
func ValidateVouch(env *dataType.VouchEnvelope, now time.Time, decision *action.Decision) dataType.VouchClaim {
	if env.Type != dataType.TypeVouch {
		decision.Reject("unexpected type " + env.Type)
		return dataType.VouchClaim{}
	}
	if err := validate.Struct(vouchFields{
		Target:    env.Target,
		Signature: env.Sig,
		Voucher:   env.FromOnion,
		PublicKey: env.PublicKey,
		Timestamp: env.T,
	}); err != nil {
		decision.Reject(reasonOf(err))
		return dataType.VouchClaim{}
	}
	if !IsValidTimestamp(env.T, now) {
		decision.Reject("invalid timestamp (drift)")
		return dataType.VouchClaim{}
	}
	name := env.VName
	if name == "" {
		name = "Unknown"
	}
	decision.Set(action.Accept)
	return dataType.VouchClaim{
		Target:       env.Target,
		VoucherName:  SanitizeString(name, MaxNicknameLength),
		Signature:    env.Sig,
		Timestamp:    env.T,
		VoucherAddr:  env.FromOnion,
		PublicKeyB64: env.PublicKey,
	}
}
