package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"samizdat_mesh/internal/check"
	"samizdat_mesh/internal/dataType"
	"samizdat_mesh/internal/dht"
	"samizdat_mesh/internal/grid"
)

const maxRequestBody = 64 * 1024

type offerView struct {
	dataType.OfferRecord
	WalkToPickup    int `json:"walk_to_pickup_m"`
	WalkFromDropoff int `json:"walk_from_dropoff_m"`
}

type offersResponse struct {
	Role     string      `json:"role"`
	MyGrid   string      `json:"my_grid,omitempty"`
	DestGrid string      `json:"dest_grid,omitempty"`
	Offers   []offerView `json:"offers"`
}

type publishRequest struct {
	Content   string `json:"content"`
	GridID    string `json:"grid_id"`
	Timestamp int64  `json:"timestamp"`
}

type vouchRequest struct {
	Target string `json:"target"`
}

type peersResponse struct {
	Self  string          `json:"self"`
	ID    string          `json:"id"`
	Peers []dht.PeerEntry `json:"peers"`
}

type reputationResponse struct {
	Target  string                 `json:"target"`
	Score   int                    `json:"score"`
	Vouches []dataType.VouchRecord `json:"vouches,omitempty"`
}

// NewAPIHandler exposes the session to local clients.
func NewAPIHandler(s *Session) http.Handler {
	h := &apiHandler{s: s, log: s.log.Named("api")}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/offers", h.listOffers)
	mux.HandleFunc("POST /api/offers", h.publishOffer)
	mux.HandleFunc("GET /api/intent", h.getIntent)
	mux.HandleFunc("PUT /api/intent", h.putIntent)
	mux.HandleFunc("GET /api/peers", h.listPeers)
	mux.HandleFunc("GET /api/reputation", h.reputation)
	mux.HandleFunc("POST /api/vouch", h.vouch)
	mux.HandleFunc("GET /api/grids", h.storedGrids)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.Metrics().Registry(), promhttp.HandlerOpts{}))
	return mux
}

// StartServer serves handler on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type apiHandler struct {
	s   *Session
	log *zap.Logger
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("failed to write response", zap.Error(err))
	}
}

func (h *apiHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *apiHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// listOffers returns the catalog filtered for the announced intent. ?all=1 skips
// the filter, ?grid=<id> lists the live records stored for one cell.
func (h *apiHandler) listOffers(w http.ResponseWriter, r *http.Request) {
	in := h.s.Intent()
	resp := offersResponse{
		Role:     in.Role,
		MyGrid:   h.s.CurrentGrid(),
		DestGrid: h.s.DestinationGrid(),
	}

	var offers []dataType.OfferRecord
	switch q := r.URL.Query(); {
	case q.Get("grid") != "":
		if !check.IsValidGridID(q.Get("grid")) {
			h.writeError(w, http.StatusBadRequest, "invalid grid id")
			return
		}
		offers = h.s.GridMessages(q.Get("grid"))
	case q.Get("all") == "1":
		offers = h.s.ActiveOffers()
	default:
		offers = h.s.FilteredOffers(in.Role, resp.MyGrid, resp.DestGrid, in.MaxWalkingMeters)
	}

	resp.Offers = make([]offerView, 0, len(offers))
	for _, o := range offers {
		pickup, dropoff := WalkDistances(o, in.Position, in.Destination)
		resp.Offers = append(resp.Offers, offerView{OfferRecord: o, WalkToPickup: pickup, WalkFromDropoff: dropoff})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) publishOffer(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.s.SendToGrid(r.Context(), req.Content, req.GridID, req.Timestamp)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *apiHandler) getIntent(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.s.Intent())
}

func (h *apiHandler) putIntent(w http.ResponseWriter, r *http.Request) {
	var in Intent
	if !h.decode(w, r, &in) {
		return
	}
	for _, p := range []*grid.Point{in.Position, in.Destination} {
		if p != nil && (!check.IsValidLatitude(p.Lat) || !check.IsValidLongitude(p.Lon)) {
			h.writeError(w, http.StatusBadRequest, "coordinate out of range")
			return
		}
	}
	h.s.SetIntent(in)
	h.writeJSON(w, http.StatusOK, h.s.Intent())
}

func (h *apiHandler) listPeers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, peersResponse{
		Self:  h.s.Self(),
		ID:    h.s.peers.Self().Hex(),
		Peers: h.s.Peers(),
	})
}

func (h *apiHandler) reputation(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		h.writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	score, err := h.s.Reputation(target)
	if err != nil {
		h.log.Error("reputation lookup failed", zap.String("target", target), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	vouches, err := h.s.Vouches(target)
	if err != nil {
		h.log.Error("vouch listing failed", zap.String("target", target), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, reputationResponse{Target: target, Score: score, Vouches: vouches})
}

func (h *apiHandler) vouch(w http.ResponseWriter, r *http.Request) {
	var req vouchRequest
	if !h.decode(w, r, &req) {
		return
	}
	score, err := h.s.VouchFor(r.Context(), req.Target)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, reputationResponse{Target: req.Target, Score: score})
}

func (h *apiHandler) storedGrids(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{"grids": h.s.StoredGrids()})
}
