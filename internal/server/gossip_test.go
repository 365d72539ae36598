package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"samizdat_mesh/internal/config"
	"samizdat_mesh/internal/dataType"
	"samizdat_mesh/internal/dht"
	"samizdat_mesh/internal/grid"
	"samizdat_mesh/internal/transport"
	"samizdat_mesh/internal/trust"
)

var (
	addrA = strings.Repeat("a", 56)
	addrB = strings.Repeat("b", 56)
	addrC = strings.Repeat("c", 56)
	addrD = strings.Repeat("d", 56)
)

// memNet delivers payloads straight into the target session's HandleLine.
type memNet struct {
	mu        sync.Mutex
	nodes     map[string]*Session
	failing   map[string]bool
	delivered map[string]int
}

func newMemNet() *memNet {
	return &memNet{
		nodes:     make(map[string]*Session),
		failing:   make(map[string]bool),
		delivered: make(map[string]int),
	}
}

func (n *memNet) Send(ctx context.Context, address, payload string) error {
	n.mu.Lock()
	dst, ok := n.nodes[address]
	fail := n.failing[address]
	n.mu.Unlock()
	if !ok || fail {
		return transport.ErrNoAck
	}
	dst.HandleLine("127.0.0.1", payload)
	n.mu.Lock()
	n.delivered[address]++
	n.mu.Unlock()
	return nil
}

func (n *memNet) deliveries(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered[address]
}

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	return clk
}

func testConfig(address string) *config.MainConfig {
	return &config.MainConfig{
		NodeAddress:      address,
		Nickname:         "node-" + address[:1],
		Role:             dataType.RoleDriver,
		Seats:            2,
		MaxWalkingMeters: 1000,
		SendTimeout:      time.Second,
		SyncInterval:     15 * time.Second,
		OfferCacheSize:   50,
		DefaultTTL:       dataType.DefaultTTLSeconds,
	}
}

func newTestSession(t *testing.T, cfg *config.MainConfig, rules *config.RuleSet, net *memNet, clk clock.Clock) *Session {
	t.Helper()
	ledger, err := trust.OpenMemLedger(zap.NewNop())
	require.NoError(t, err)
	signer, err := trust.GenerateSigner()
	require.NoError(t, err)

	var sender Sender = net
	if net == nil {
		sender = newMemNet()
	}
	opts := []Option{WithLogger(zap.NewNop())}
	if clk != nil {
		opts = append(opts, WithClock(clk))
	}
	s, err := NewSession(cfg, rules, sender, ledger, signer, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	if net != nil {
		net.mu.Lock()
		net.nodes[cfg.NodeAddress] = s
		net.mu.Unlock()
	}
	return s
}

func offerLine(t *testing.T, sender, gridID string, ts int64, ttl int) string {
	t.Helper()
	rec := dataType.OfferRecord{
		GridID:         gridID,
		SenderAddress:  sender,
		SenderNickname: "sender",
		Content:        "RIDE OFFER",
		Timestamp:      ts,
		TTLSeconds:     ttl,
	}
	b, err := json.Marshal(dataType.NewDhtStoreEnvelope(rec))
	require.NoError(t, err)
	return string(b)
}

func hasPeer(peers []dht.PeerEntry, address string) bool {
	for _, p := range peers {
		if p.Address == address && p.ID == dht.IdentityOf(address) {
			return true
		}
	}
	return false
}

func TestSendToGridReachesUnknownPeer(t *testing.T) {
	clk := newMockClock()
	net := newMemNet()
	a := newTestSession(t, testConfig(addrA), nil, net, clk)
	b := newTestSession(t, testConfig(addrB), nil, net, clk)
	require.True(t, a.AddPeer(addrB))
	require.Empty(t, b.Peers())

	ts := clk.Now().UnixMilli()
	rec, err := a.SendToGrid(context.Background(), "RIDE OFFER: 2 seats", "RG-100-50", ts)
	require.NoError(t, err)
	a.Drain()

	assert.Equal(t, addrA, rec.SenderAddress)
	assert.Len(t, a.GridMessages("RG-100-50"), 1, "sender stores locally first")

	got := b.GridMessages("RG-100-50")
	require.Len(t, got, 1)
	assert.Equal(t, addrA, got[0].SenderAddress)
	assert.Equal(t, "RIDE OFFER: 2 seats", got[0].Content)
	assert.Equal(t, ts, got[0].Timestamp)
	assert.True(t, hasPeer(b.Peers(), addrA), "receiver learns the sender")
	assert.Equal(t, 1, net.deliveries(addrB))
}

func TestSendToGridErrors(t *testing.T) {
	s := newTestSession(t, testConfig(addrA), nil, nil, newMockClock())

	_, err := s.SendToGrid(context.Background(), "offer", "", 0)
	assert.ErrorIs(t, err, ErrNoGrid)

	_, err = s.SendToGrid(context.Background(), "\x00\x01", "RG-1-1", 0)
	assert.ErrorIs(t, err, ErrEmptyOffer)

	_, err = s.SendToGrid(context.Background(), "offer", "XX-1-1", 0)
	assert.Error(t, err)

	s.SetIntent(Intent{Role: dataType.RoleDriver, Position: &grid.Point{Lat: 1.0, Lon: 1.0}})
	rec, err := s.SendToGrid(context.Background(), "offer", "", 0)
	require.NoError(t, err)
	assert.Equal(t, grid.GridID(1.0, 1.0), rec.GridID)
	assert.Equal(t, s.clk.Now().UnixMilli(), rec.Timestamp)
}

func TestPeerFailureDoesNotStopOthers(t *testing.T) {
	clk := newMockClock()
	net := newMemNet()
	a := newTestSession(t, testConfig(addrA), nil, net, clk)
	b := newTestSession(t, testConfig(addrB), nil, net, clk)
	newTestSession(t, testConfig(addrC), nil, net, clk)
	d := newTestSession(t, testConfig(addrD), nil, net, clk)
	net.failing[addrC] = true
	for _, p := range []string{addrB, addrC, addrD} {
		require.True(t, a.AddPeer(p))
	}

	_, err := a.SendToGrid(context.Background(), "offer", "RG-5-5", clk.Now().UnixMilli())
	require.NoError(t, err)
	a.Drain()

	assert.Len(t, b.GridMessages("RG-5-5"), 1)
	assert.Len(t, d.GridMessages("RG-5-5"), 1)
	assert.Equal(t, 0, net.deliveries(addrC))
}

func TestHandleLineDuplicateIgnored(t *testing.T) {
	clk := newMockClock()
	s := newTestSession(t, testConfig(addrB), nil, nil, clk)
	line := offerLine(t, addrA, "RG-100-50", clk.Now().UnixMilli(), 3600)

	s.HandleLine("127.0.0.1", line)
	s.HandleLine("127.0.0.1", line)
	assert.Len(t, s.GridMessages("RG-100-50"), 1)
}

func TestHandleLineRejectsWithoutMutation(t *testing.T) {
	clk := newMockClock()
	now := clk.Now().UnixMilli()
	future := clk.Now().Add(25 * time.Hour).UnixMilli()

	tests := []struct {
		name string
		line string
	}{
		{"not json", "hello"},
		{"broken json", `{"v":2,"type":"dht_store"`},
		{"missing version", `{"type":"dht_store","grid_id":"RG-1-1"}`},
		{"unknown type", `{"v":2,"type":"teleport"}`},
		{"bad grid", offerLine(t, addrA, "XX-1-1", now, 3600)},
		{"bad sender", offerLine(t, "not-an-onion", "RG-1-1", now, 3600)},
		{"future timestamp", offerLine(t, addrA, "RG-1-1", future, 3600)},
		{"empty content", `{"v":2,"type":"dht_store","grid_id":"RG-1-1","sender_onion":"` + addrA + `","content":"\u0001"}`},
		{"zero timestamp", `{"v":2,"type":"dht_store","grid_id":"RG-1-1","sender_onion":"` + addrA + `","content":"x","timestamp":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, testConfig(addrB), nil, nil, clk)
			s.HandleLine("127.0.0.1", tt.line)
			assert.Empty(t, s.StoredGrids())
			assert.Empty(t, s.Peers())
		})
	}
}

func TestHandleLineIgnoresApplicationTypes(t *testing.T) {
	s := newTestSession(t, testConfig(addrB), nil, nil, newMockClock())
	for _, line := range []string{
		`{"v":2,"type":"text","content":"hi"}`,
		`{"v":2,"content":"no type means text"}`,
		`{"v":2,"type":"APP_UPDATE","url":"https://example.org/app.apk"}`,
	} {
		s.HandleLine("127.0.0.1", line)
	}
	assert.Empty(t, s.StoredGrids())
	assert.Empty(t, s.Peers())
}

func TestHandleLineClampsSoftFields(t *testing.T) {
	clk := newMockClock()
	s := newTestSession(t, testConfig(addrB), nil, nil, clk)
	line := fmt.Sprintf(`{"v":2,"type":"dht_store","grid_id":"RG-1-1","sender_onion":%q,"content":"x","timestamp":%d,"ttl":5,"seats":999,"origin_lat":91,"origin_lon":0}`,
		addrA, clk.Now().UnixMilli())
	s.HandleLine("127.0.0.1", line)

	got := s.GridMessages("RG-1-1")
	require.Len(t, got, 1)
	assert.Equal(t, 60, got[0].TTLSeconds)
	assert.Equal(t, 20, got[0].Seats)
	assert.Nil(t, got[0].Origin)
	assert.Equal(t, "Unknown", got[0].SenderNickname)
}

func TestSenderRules(t *testing.T) {
	clk := newMockClock()
	rules := config.DefaultRuleSet()
	rules.EvictSenders = []string{addrC}
	rules.MutedSenders = []string{addrD}
	s := newTestSession(t, testConfig(addrB), rules, nil, clk)
	require.True(t, s.AddPeer(addrC))
	require.True(t, s.AddPeer(addrD))

	now := clk.Now().UnixMilli()
	s.HandleLine("127.0.0.1", offerLine(t, addrC, "RG-1-1", now, 3600))
	s.HandleLine("127.0.0.1", offerLine(t, addrD, "RG-1-1", now, 3600))

	assert.Empty(t, s.GridMessages("RG-1-1"))
	assert.False(t, hasPeer(s.Peers(), addrC), "evicted sender is forgotten")
	assert.True(t, hasPeer(s.Peers(), addrD), "muted sender stays known")
}

func TestAllowLineFlood(t *testing.T) {
	clk := newMockClock()
	s := newTestSession(t, testConfig(addrB), nil, nil, clk)
	for i := 0; i < 30; i++ {
		require.True(t, s.AllowLine("10.0.0.1"), "line %d", i+1)
	}
	assert.False(t, s.AllowLine("10.0.0.1"))
	assert.True(t, s.AllowLine("10.0.0.2"), "other sources are unaffected")

	clk.Add(61 * time.Second)
	assert.True(t, s.AllowLine("10.0.0.1"))
}

func TestListeningRadius(t *testing.T) {
	tests := []struct {
		role string
		walk int
		want int
	}{
		{dataType.RolePassenger, 0, 1},
		{dataType.RolePassenger, 500, 1},
		{dataType.RolePassenger, 501, 2},
		{dataType.RolePassenger, 1500, 3},
		{dataType.RolePassenger, 10000, 5},
		{dataType.RoleDriver, 10000, 1},
		{dataType.RoleNone, 0, 1},
	}
	for _, tt := range tests {
		if got := ListeningRadius(tt.role, tt.walk); got != tt.want {
			t.Errorf("ListeningRadius(%s, %d) = %d, want %d", tt.role, tt.walk, got, tt.want)
		}
	}
}

func TestInterestSet(t *testing.T) {
	s := newTestSession(t, testConfig(addrA), nil, nil, newMockClock())
	assert.Empty(t, s.InterestSet(), "no position and no route")

	pos := grid.Point{Lat: 0.5, Lon: 0.5}
	s.SetIntent(Intent{Role: dataType.RoleDriver, Position: &pos})
	set := s.InterestSet()
	assert.Len(t, set, 9)
	assert.Contains(t, set, grid.GridID(pos.Lat, pos.Lon))

	s.SetIntent(Intent{Role: dataType.RolePassenger, Position: &pos, MaxWalkingMeters: 1000})
	assert.Len(t, s.InterestSet(), 25)

	s.SetIntent(Intent{Role: "PILOT", Position: &pos})
	assert.Equal(t, dataType.RoleNone, s.Intent().Role)
}

func TestSetIntentRouteGrids(t *testing.T) {
	s := newTestSession(t, testConfig(addrA), nil, nil, newMockClock())
	route := []grid.Point{{Lat: 0.001, Lon: 0.001}, {Lat: 0.002, Lon: 0.002}, {Lat: 0.05, Lon: 0.001}}
	s.SetIntent(Intent{Role: dataType.RoleDriver, RoadRoute: route})
	assert.Equal(t, grid.RouteGridsFromPolyline(route), s.RouteGrids())

	from, to := grid.Point{Lat: 0.001, Lon: 0.001}, grid.Point{Lat: 0.1, Lon: 0.001}
	s.SetIntent(Intent{Role: dataType.RoleDriver, Position: &from, Destination: &to})
	assert.Equal(t, grid.RouteGrids(from, to), s.RouteGrids())
}

func TestSyncOnceCapsDiscoveredOffers(t *testing.T) {
	clk := newMockClock()
	s := newTestSession(t, testConfig(addrB), nil, nil, clk)
	pos := grid.Point{Lat: 0.5, Lon: 0.5}
	s.SetIntent(Intent{Role: dataType.RoleDriver, Position: &pos})
	cell := grid.GridID(pos.Lat, pos.Lon)

	base := clk.Now().UnixMilli()
	for i := 0; i < 60; i++ {
		s.HandleLine("127.0.0.1", offerLine(t, fmt.Sprintf("%056d", i), cell, base-int64(60-i), 3600))
	}

	assert.Equal(t, 60, s.SyncOnce())
	assert.Equal(t, 50, s.discovered.Len())

	offers := s.ActiveOffers()
	require.Len(t, offers, 50)
	assert.Equal(t, base-50, offers[0].Timestamp, "the ten oldest were dropped")
	assert.Equal(t, base-1, offers[49].Timestamp)
}

func TestActiveOffersKeepsLatestPerSender(t *testing.T) {
	clk := newMockClock()
	s := newTestSession(t, testConfig(addrB), nil, nil, clk)
	pos := grid.Point{Lat: 0.5, Lon: 0.5}
	s.SetIntent(Intent{Role: dataType.RoleDriver, Position: &pos})
	cell := grid.GridID(pos.Lat, pos.Lon)

	now := clk.Now().UnixMilli()
	s.HandleLine("127.0.0.1", offerLine(t, addrA, cell, now-3000, 3600))
	s.HandleLine("127.0.0.1", offerLine(t, addrA, cell, now-1000, 3600))
	s.HandleLine("127.0.0.1", offerLine(t, addrC, cell, now-2000, 3600))
	require.Equal(t, 3, s.SyncOnce())

	offers := s.ActiveOffers()
	require.Len(t, offers, 2)
	assert.Equal(t, addrC, offers[0].SenderAddress)
	assert.Equal(t, addrA, offers[1].SenderAddress)
	assert.Equal(t, now-1000, offers[1].Timestamp)
}

func TestSyncOnceSkipsExpired(t *testing.T) {
	clk := newMockClock()
	s := newTestSession(t, testConfig(addrB), nil, nil, clk)
	pos := grid.Point{Lat: 0.5, Lon: 0.5}
	s.SetIntent(Intent{Role: dataType.RoleDriver, Position: &pos})
	cell := grid.GridID(pos.Lat, pos.Lon)

	s.HandleLine("127.0.0.1", offerLine(t, addrA, cell, clk.Now().UnixMilli(), 60))
	clk.Add(61 * time.Second)

	assert.Equal(t, 0, s.SyncOnce())
	assert.Empty(t, s.StoredGrids(), "prune removes the expired bucket")
}

func TestSyncOnceIgnoresCellsOutsideInterest(t *testing.T) {
	clk := newMockClock()
	s := newTestSession(t, testConfig(addrB), nil, nil, clk)
	pos := grid.Point{Lat: 0.5, Lon: 0.5}
	s.SetIntent(Intent{Role: dataType.RoleDriver, Position: &pos})

	s.HandleLine("127.0.0.1", offerLine(t, addrA, "RG-900-900", clk.Now().UnixMilli(), 3600))
	assert.Equal(t, 0, s.SyncOnce())
	assert.Equal(t, []string{"RG-900-900"}, s.StoredGrids())
}

func TestVouchFlow(t *testing.T) {
	clk := newMockClock()
	net := newMemNet()
	a := newTestSession(t, testConfig(addrA), nil, net, clk)
	b := newTestSession(t, testConfig(addrB), nil, net, clk)
	require.True(t, a.AddPeer(addrB))

	score, err := a.VouchFor(context.Background(), "target-key")
	require.NoError(t, err)
	a.Drain()
	assert.Equal(t, 1, score)

	got, err := b.Reputation("target-key")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	vouches, err := b.Vouches("target-key")
	require.NoError(t, err)
	require.Len(t, vouches, 1)
	assert.Equal(t, addrA, vouches[0].Voucher)

	c, err := trust.GenerateSigner()
	require.NoError(t, err)
	other, err := trust.GenerateSigner()
	require.NoError(t, err)
	ts := clk.Now().UnixMilli()

	forged := dataType.VouchEnvelope{
		V: 2, Type: dataType.TypeVouch, Target: "target-key", VName: "mallory",
		Sig: c.SignVouch("target-key", ts), T: ts, FromOnion: addrC, PublicKey: other.PublicKeyB64(),
	}
	assert.False(t, b.HandleVouch("127.0.0.1", &forged), "wrong key")

	tampered := forged
	tampered.PublicKey = c.PublicKeyB64()
	tampered.T = ts + 1
	assert.False(t, b.HandleVouch("127.0.0.1", &tampered), "tampered timestamp")

	got, err = b.Reputation("target-key")
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	valid := tampered
	valid.T = ts
	assert.True(t, b.HandleVouch("127.0.0.1", &valid))
	got, err = b.Reputation("target-key")
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.False(t, hasPeer(b.Peers(), addrC), "vouches do not register peers")
}

func TestVouchForRejectsBadTarget(t *testing.T) {
	s := newTestSession(t, testConfig(addrA), nil, nil, newMockClock())
	_, err := s.VouchFor(context.Background(), "")
	assert.Error(t, err)
	_, err = s.VouchFor(context.Background(), "bad\x00target")
	assert.Error(t, err)
}

func TestClosestPeersAndResponsibility(t *testing.T) {
	s := newTestSession(t, testConfig(addrA), nil, nil, newMockClock())
	assert.True(t, s.IsResponsibleForGrid("RG-1-1"), "alone, the node owns every cell")
	for _, p := range []string{addrB, addrC, addrD} {
		require.True(t, s.AddPeer(p))
	}
	assert.False(t, s.AddPeer("nope"))
	assert.False(t, s.AddPeer(addrA), "never adds itself")

	closest := s.ClosestPeers("RG-1-1", 2)
	require.Len(t, closest, 2)
	assert.Equal(t, s.peers.FindClosestNodes(dht.GridHash("RG-1-1"), 2), closest)
}

func TestRunServesInboundLines(t *testing.T) {
	s := newTestSession(t, testConfig(addrB), nil, nil, nil)
	ln, err := transport.Listen("127.0.0.1:0", transport.WithGate(s.AllowLine))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, ln) }()

	sender, err := transport.NewSender("", 80, 2*time.Second)
	require.NoError(t, err)
	line := offerLine(t, addrA, "RG-100-50", time.Now().UnixMilli(), 3600)
	require.NoError(t, sender.Send(context.Background(), ln.Addr().String(), line))

	require.Eventually(t, func() bool {
		return len(s.GridMessages("RG-100-50")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, hasPeer(s.Peers(), addrA))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSourceEvictList(t *testing.T) {
	clk := newMockClock()
	rules := config.DefaultRuleSet()
	ipNet, err := dataType.ParseSourceRule("10.0.0.0/8")
	require.NoError(t, err)
	rules.SourceBlock.Insert(ipNet)
	s := newTestSession(t, testConfig(addrB), rules, nil, clk)

	now := clk.Now().UnixMilli()
	s.HandleLine("10.1.2.3", offerLine(t, addrA, "RG-1-1", now, 3600))
	assert.Empty(t, s.StoredGrids())

	s.HandleLine("192.168.1.5", offerLine(t, addrA, "RG-1-1", now, 3600))
	assert.Len(t, s.GridMessages("RG-1-1"), 1)
}

func TestBanSenderAndSource(t *testing.T) {
	clk := newMockClock()
	s := newTestSession(t, testConfig(addrB), nil, nil, clk)
	require.True(t, s.AddPeer(addrC))

	s.BanSender(addrC, time.Minute)
	assert.False(t, hasPeer(s.Peers(), addrC))
	now := clk.Now().UnixMilli()
	s.HandleLine("127.0.0.1", offerLine(t, addrC, "RG-1-1", now, 3600))
	assert.Empty(t, s.StoredGrids())

	clk.Add(2 * time.Minute)
	s.HandleLine("127.0.0.1", offerLine(t, addrC, "RG-1-1", now+1, 3600))
	assert.Len(t, s.GridMessages("RG-1-1"), 1, "ban expired")

	s.BanSource("127.0.0.9", 0)
	s.HandleLine("127.0.0.9", offerLine(t, addrA, "RG-2-2", now+2, 3600))
	assert.Empty(t, s.GridMessages("RG-2-2"))
}

func TestSessionRequiresOnionAddresses(t *testing.T) {
	ledger, err := trust.OpenMemLedger(zap.NewNop())
	require.NoError(t, err)
	signer, err := trust.GenerateSigner()
	require.NoError(t, err)
	_, err = NewSession(testConfig("127.0.0.1:7070"), nil, newMemNet(), ledger, signer)
	assert.ErrorIs(t, err, ErrBadNodeAddress)
	require.NoError(t, ledger.Close())

	clk := newMockClock()
	net := newMemNet()
	b := newTestSession(t, testConfig(addrB), nil, net, clk)
	cfg := testConfig(addrA)
	cfg.Peers = []string{"127.0.0.1:7080", addrB}
	a := newTestSession(t, cfg, nil, net, clk)

	peers := a.Peers()
	require.Len(t, peers, 1, "host:port seed is ignored")
	assert.Equal(t, addrB, peers[0].Address)
	assert.False(t, a.AddPeer("127.0.0.1:7080"))

	ts := clk.Now().UnixMilli()
	_, err = a.SendToGrid(context.Background(), "RIDE OFFER", "RG-100-50", ts)
	require.NoError(t, err)
	a.Drain()
	assert.Len(t, b.GridMessages("RG-100-50"), 1, "seeded peer stores the offer")
	assert.True(t, hasPeer(b.Peers(), addrA))
}
