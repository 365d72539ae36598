package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"samizdat_mesh/internal/dataType"
)

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI(t *testing.T) {
	clk := newMockClock()
	s := newTestSession(t, testConfig(addrA), nil, nil, clk)
	h := NewAPIHandler(s)

	t.Run("intent round trip", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPut, "/api/intent",
			`{"role":"PASSENGER","nickname":"ana","position":{"lat":0.5,"lon":0.5},"destination":{"lat":0.6,"lon":0.5},"max_walking_meters":500}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = doRequest(t, h, http.MethodGet, "/api/intent", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var in Intent
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &in))
		assert.Equal(t, dataType.RolePassenger, in.Role)
		assert.Equal(t, "ana", in.Nickname)
	})

	t.Run("intent rejects bad coordinates", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPut, "/api/intent", `{"role":"DRIVER","position":{"lat":95,"lon":0}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("publish and list by grid", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/offers", `{"content":"RIDE OFFER: 2 seats","grid_id":"RG-100-50"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = doRequest(t, h, http.MethodGet, "/api/offers?grid=RG-100-50", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp offersResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Offers, 1)
		assert.Equal(t, addrA, resp.Offers[0].SenderAddress)
		assert.Equal(t, dataType.RolePassenger, resp.Role)

		rec = doRequest(t, h, http.MethodGet, "/api/grids", "")
		assert.Contains(t, rec.Body.String(), "RG-100-50")
	})

	t.Run("publish rejects bad input", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodPost, "/api/offers", `{"content":""}`).Code)
		assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodPost, "/api/offers", `{"content":`).Code)
		assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodPost, "/api/offers", `{"content":"x","bogus":1}`).Code)
		assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodGet, "/api/offers?grid=nope", "").Code)
	})

	t.Run("filtered catalog", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/api/offers", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp offersResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.MyGrid)
		assert.NotEmpty(t, resp.DestGrid)
		assert.NotNil(t, resp.Offers)
	})

	t.Run("peers", func(t *testing.T) {
		require.True(t, s.AddPeer(addrB))
		rec := doRequest(t, h, http.MethodGet, "/api/peers", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp peersResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, addrA, resp.Self)
		require.Len(t, resp.Peers, 1)
		assert.Equal(t, addrB, resp.Peers[0].Address)
	})

	t.Run("vouch and reputation", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/vouch", `{"target":"driver-key"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		s.Drain()

		rec = doRequest(t, h, http.MethodGet, "/api/reputation?target=driver-key", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp reputationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Score)
		require.Len(t, resp.Vouches, 1)
		assert.Equal(t, addrA, resp.Vouches[0].Voucher)

		assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodGet, "/api/reputation", "").Code)
		assert.Equal(t, http.StatusBadRequest, doRequest(t, h, http.MethodPost, "/api/vouch", `{"target":""}`).Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.True(t, strings.Contains(body, "samizdat_offers_stored_total 1"), body)
		assert.Contains(t, body, "samizdat_known_peers 1")
	})

	t.Run("method not allowed", func(t *testing.T) {
		assert.Equal(t, http.StatusMethodNotAllowed, doRequest(t, h, http.MethodDelete, "/api/offers", "").Code)
	})
}
