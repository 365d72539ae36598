package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"samizdat_mesh/internal/action"
	"samizdat_mesh/internal/check"
	"samizdat_mesh/internal/config"
	"samizdat_mesh/internal/dataType"
	"samizdat_mesh/internal/dht"
	"samizdat_mesh/internal/grid"
	"samizdat_mesh/internal/transport"
	"samizdat_mesh/internal/trust"
)

var (
	ErrNoGrid     = errors.New("no target grid and no current position")
	ErrEmptyOffer = errors.New("offer content is empty")

	ErrBadNodeAddress = errors.New("node address must be an onion address")
)

const (
	passengerRadiusStepMeters = 500
	maxListeningRadius        = 5
	counterShards             = 16
	ruleCleanupInterval       = time.Minute
	counterGCInterval         = time.Minute
	cooldownSweepInterval     = 10 * time.Second
	defaultSendTimeout        = 30 * time.Second
)

// Sender delivers one line to a peer and waits for its acknowledgement.
type Sender interface {
	Send(ctx context.Context, address, payload string) error
}

// Intent is what the local participant currently announces.
type Intent struct {
	Role             string       `json:"role"`
	Nickname         string       `json:"nickname"`
	Position         *grid.Point  `json:"position,omitempty"`
	Destination      *grid.Point  `json:"destination,omitempty"`
	RoadRoute        []grid.Point `json:"road_route,omitempty"`
	Seats            int          `json:"seats"`
	MaxWalkingMeters int          `json:"max_walking_meters"`
}

type Option func(*Session)

func WithClock(clk clock.Clock) Option {
	return func(s *Session) {
		if clk != nil {
			s.clk = clk
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// Session owns the peer table, the local store, the discovered-offers cache and
// the trust ledger of one node.
type Session struct {
	cfg        *config.MainConfig
	self       string
	clk        clock.Clock
	log        *zap.Logger
	peers      *dht.PeerTable
	store      *dht.LocalStore
	discovered *lru.Cache[dataType.OfferKey, dataType.OfferRecord]
	ledger     *trust.Ledger
	signer     *trust.Signer
	sender     Sender
	rules      *action.RuleEngine
	flood      *dataType.FloodRule
	blocked    *dataType.SourceTrie
	shared     *dataType.SharedMemory
	metrics    *Metrics

	intentMu   sync.RWMutex
	intent     Intent
	routeGrids []string

	inflight  sync.WaitGroup
	stopCh    chan struct{}
	closeOnce sync.Once
}

func NewSession(cfg *config.MainConfig, ruleSet *config.RuleSet, sender Sender, ledger *trust.Ledger, signer *trust.Signer, opts ...Option) (*Session, error) {
	if cfg == nil || sender == nil || ledger == nil || signer == nil {
		return nil, errors.New("session needs config, sender, ledger and signer")
	}
	if !check.IsValidAddress(cfg.NodeAddress) {
		return nil, fmt.Errorf("%w: %q", ErrBadNodeAddress, cfg.NodeAddress)
	}
	if ruleSet == nil {
		ruleSet = config.DefaultRuleSet()
	}
	s := &Session{
		cfg:     cfg,
		self:    cfg.NodeAddress,
		clk:     clock.New(),
		log:     zap.NewNop(),
		ledger:  ledger,
		signer:  signer,
		sender:  sender,
		flood:   ruleSet.LineFlood,
		blocked: ruleSet.SourceBlock,
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("gossip")

	cache, err := lru.New[dataType.OfferKey, dataType.OfferRecord](cfg.OfferCacheSize)
	if err != nil {
		return nil, fmt.Errorf("offer cache: %w", err)
	}
	s.discovered = cache
	s.peers = dht.NewPeerTable(s.self, s.log.Named("peers"))
	s.store = dht.NewLocalStore(s.clk, s.log.Named("store"))

	s.rules = action.NewRuleEngine(ruleCleanupInterval, s.clk)
	for _, addr := range ruleSet.EvictSenders {
		s.rules.AddSenderRule(addr, action.RuleEvict, 0)
	}
	for _, addr := range ruleSet.MutedSenders {
		s.rules.AddSenderRule(addr, action.RuleMute, 0)
	}

	window := int64(60)
	if s.flood != nil && s.flood.WindowSeconds > window {
		window = s.flood.WindowSeconds
	}
	s.shared = &dataType.SharedMemory{
		LineFloodCounter: dataType.NewCounter(counterShards, window, s.clk),
		CooldownList:     dataType.NewBlockList(s.clk),
		Log:              s.log.Named("check"),
	}
	go dataType.StartCounterGC(s.shared.LineFloodCounter, counterGCInterval, s.stopCh)
	go dataType.StartBlockListGC(s.shared.CooldownList, cooldownSweepInterval, s.stopCh)

	for _, p := range cfg.Peers {
		if !s.AddPeer(p) {
			s.log.Warn("ignoring seed peer", zap.String("peer", p))
		}
	}
	s.SetIntent(Intent{
		Role:             cfg.Role,
		Nickname:         cfg.Nickname,
		Seats:            cfg.Seats,
		MaxWalkingMeters: cfg.MaxWalkingMeters,
	})
	s.metrics = newMetrics(s)

	s.log.Info("session ready",
		zap.String("address", s.self),
		zap.Stringer("id", s.peers.Self()),
		zap.Int("seed_peers", s.peers.Len()))
	return s, nil
}

func (s *Session) Metrics() *Metrics {
	return s.metrics
}

func (s *Session) Self() string {
	return s.self
}

func (s *Session) nowMillis() int64 {
	return s.clk.Now().UnixMilli()
}

// SetIntent replaces the announced state. The route grids follow the road route
// when one is given, else the straight line from position to destination.
func (s *Session) SetIntent(in Intent) {
	in.Role = check.SanitizeRole(in.Role)
	in.Nickname = check.SanitizeString(in.Nickname, check.MaxNicknameLength)
	in.Seats = check.ClampSeats(in.Seats)
	if in.MaxWalkingMeters < 0 {
		in.MaxWalkingMeters = 0
	}
	in.RoadRoute = append([]grid.Point(nil), in.RoadRoute...)

	var routeGrids []string
	switch {
	case len(in.RoadRoute) > 0:
		routeGrids = grid.RouteGridsFromPolyline(in.RoadRoute)
	case in.Position != nil && in.Destination != nil:
		routeGrids = grid.RouteGrids(*in.Position, *in.Destination)
	}

	s.intentMu.Lock()
	s.intent = in
	s.routeGrids = routeGrids
	s.intentMu.Unlock()
}

func (s *Session) Intent() Intent {
	s.intentMu.RLock()
	defer s.intentMu.RUnlock()
	in := s.intent
	in.RoadRoute = append([]grid.Point(nil), s.intent.RoadRoute...)
	return in
}

// RouteGrids returns the cells the announced route passes through.
func (s *Session) RouteGrids() []string {
	s.intentMu.RLock()
	defer s.intentMu.RUnlock()
	return append([]string(nil), s.routeGrids...)
}

// CurrentGrid is the cell of the announced position, or "" when unknown.
func (s *Session) CurrentGrid() string {
	s.intentMu.RLock()
	defer s.intentMu.RUnlock()
	if s.intent.Position == nil {
		return ""
	}
	return grid.GridID(s.intent.Position.Lat, s.intent.Position.Lon)
}

// DestinationGrid is the cell of the announced destination, or "".
func (s *Session) DestinationGrid() string {
	s.intentMu.RLock()
	defer s.intentMu.RUnlock()
	if s.intent.Destination == nil {
		return ""
	}
	return grid.GridID(s.intent.Destination.Lat, s.intent.Destination.Lon)
}

// ListeningRadius grows with walking distance for passengers, 500 m per ring.
func ListeningRadius(role string, walkMeters int) int {
	if role != dataType.RolePassenger {
		return 1
	}
	r := int(math.Ceil(float64(walkMeters) / passengerRadiusStepMeters))
	if r < 1 {
		return 1
	}
	if r > maxListeningRadius {
		return maxListeningRadius
	}
	return r
}

// InterestSet is the neighbourhood of the route cells and the current cell.
func (s *Session) InterestSet() []string {
	in := s.Intent()
	base := s.RouteGrids()
	if cur := s.CurrentGrid(); cur != "" {
		base = append(base, cur)
	}
	if len(base) == 0 {
		return nil
	}
	return grid.ExpandNeighbors(base, ListeningRadius(in.Role, in.MaxWalkingMeters))
}

// SyncOnce prunes the store and moves unseen records of the interest set into
// the discovered-offers cache. It returns how many were new.
func (s *Session) SyncOnce() int {
	start := s.clk.Now()
	if n := s.store.PruneExpiredMessages(); n > 0 {
		s.metrics.recordsPruned.Add(float64(n))
	}

	interest := s.InterestSet()
	added := 0
	for _, cell := range interest {
		for _, rec := range s.store.GetLocalMessages(cell) {
			k := rec.Key()
			if s.discovered.Contains(k) {
				continue
			}
			s.discovered.Add(k, rec)
			added++
			s.log.Info("new offer discovered",
				zap.String("grid", cell),
				zap.String("sender", rec.SenderAddress),
				zap.Int64("timestamp", rec.Timestamp))
		}
	}
	s.metrics.offersDiscovered.Add(float64(added))
	s.metrics.syncDuration.Observe(s.clk.Since(start).Seconds())
	if len(interest) > 0 {
		s.log.Debug("sync done", zap.Int("grids", len(interest)), zap.Int("new", added))
	}
	return added
}

// Run drives the sync loop and, when ln is not nil, serves inbound lines until
// ctx is cancelled.
func (s *Session) Run(ctx context.Context, ln *transport.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.syncLoop(ctx)
		return nil
	})
	if ln != nil {
		g.Go(func() error {
			return ln.Serve(ctx)
		})
		g.Go(func() error {
			for in := range ln.Inbound() {
				s.HandleLine(in.From, in.Line)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Session) syncLoop(ctx context.Context) {
	s.SyncOnce()
	interval := s.cfg.SyncInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SyncOnce()
		case <-ctx.Done():
			return
		}
	}
}

// AllowLine is the listener gate: false once source exceeds the line flood rule.
func (s *Session) AllowLine(source string) bool {
	decision := action.NewDecision()
	check.LineFlood(source, s.flood, decision, s.shared)
	if decision.Dropped() {
		s.metrics.linesRateLimited.Inc()
		return false
	}
	return true
}

// SendToGrid stores an offer built from the current intent and floods it to every
// known peer. An empty gridID targets the current cell; ts 0 means now.
func (s *Session) SendToGrid(ctx context.Context, content, gridID string, ts int64) (dataType.OfferRecord, error) {
	content = check.SanitizeString(content, check.MaxContentLength)
	if content == "" {
		return dataType.OfferRecord{}, ErrEmptyOffer
	}
	if gridID == "" {
		gridID = s.CurrentGrid()
	}
	if gridID == "" {
		return dataType.OfferRecord{}, ErrNoGrid
	}
	if !check.IsValidGridID(gridID) {
		return dataType.OfferRecord{}, fmt.Errorf("invalid grid id %q", gridID)
	}
	if ts <= 0 {
		ts = s.nowMillis()
	}

	in := s.Intent()
	rec := dataType.OfferRecord{
		GridID:         gridID,
		SenderAddress:  s.self,
		SenderNickname: in.Nickname,
		Content:        content,
		Timestamp:      ts,
		TTLSeconds:     check.ClampTTL(s.cfg.DefaultTTL),
		RoutePoints:    in.RoadRoute,
		RouteGrids:     s.RouteGrids(),
		Origin:         in.Position,
		Destination:    in.Destination,
		Seats:          in.Seats,
		DriverPosition: in.Position,
	}

	if s.store.StoreLocally(rec) {
		s.metrics.offersStored.Inc()
	}
	s.log.Debug("stored locally", zap.String("grid", gridID))

	payload, err := json.Marshal(dataType.NewDhtStoreEnvelope(rec))
	if err != nil {
		return rec, fmt.Errorf("encode dht_store: %w", err)
	}
	n := s.broadcast(ctx, dataType.TypeDhtStore, string(payload))
	s.log.Info("broadcasting to grid", zap.String("grid", gridID), zap.Int("peers", n))
	return rec, nil
}

// broadcast sends payload to every peer in its own goroutine with its own
// timeout. Failures are logged and counted only.
func (s *Session) broadcast(ctx context.Context, kind, payload string) int {
	id := uuid.NewString()
	log := s.log.With(zap.String("broadcast_id", id), zap.String("type", kind))
	base := context.WithoutCancel(ctx)
	self := s.peers.Self()
	timeout := s.cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	n := 0
	for _, p := range s.peers.Snapshot() {
		if p.ID == self || p.Address == s.self {
			continue
		}
		n++
		s.inflight.Add(1)
		go func(addr string) {
			defer s.inflight.Done()
			sendCtx, cancel := context.WithTimeout(base, timeout)
			defer cancel()
			if err := s.sender.Send(sendCtx, addr, payload); err != nil {
				s.metrics.sends.WithLabelValues("error").Inc()
				log.Warn("forward failed", zap.String("peer", addr), zap.Error(err))
				return
			}
			s.metrics.sends.WithLabelValues("ok").Inc()
			log.Debug("forwarded", zap.String("peer", addr))
		}(p.Address)
	}
	return n
}

// Drain waits for every in-flight peer send.
func (s *Session) Drain() {
	s.inflight.Wait()
}

// HandleLine routes one inbound line by its envelope type. Anything that is not
// a versioned JSON object, or names an unknown type, is dropped.
func (s *Session) HandleLine(source, raw string) {
	gate := action.NewDecision()
	check.SourceBlock(source, s.blocked, gate, s.log)
	if gate.Dropped() {
		s.drop("blocked", source, gate.Reason())
		return
	}
	line := strings.TrimSpace(raw)
	if !strings.HasPrefix(line, "{") {
		s.drop("malformed", source, "not a json object")
		return
	}
	var probe dataType.Probe
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		s.drop("malformed", source, err.Error())
		return
	}
	if probe.V == nil {
		s.drop("malformed", source, "missing version")
		return
	}
	kind := probe.Type
	if kind == "" {
		kind = dataType.TypeText
	}
	if !check.IsKnownMessageType(kind) {
		s.drop("unknown", source, "unknown type "+kind)
		return
	}

	switch kind {
	case dataType.TypeDhtStore:
		var env dataType.DhtStoreEnvelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			s.drop(kind, source, err.Error())
			return
		}
		s.HandleDhtMessage(source, &env)
	case dataType.TypeVouch:
		var env dataType.VouchEnvelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			s.drop(kind, source, err.Error())
			return
		}
		s.HandleVouch(source, &env)
	default:
		// chat, ride negotiation and update notices belong to the application
		s.log.Debug("ignoring envelope", zap.String("type", kind), zap.String("source", source))
	}
}

func (s *Session) drop(kind, source, reason string) {
	s.metrics.envelopesDropped.WithLabelValues(kind).Inc()
	s.log.Warn("envelope dropped",
		zap.String("type", kind),
		zap.String("source", source),
		zap.String("reason", reason))
}

// applySenderRule reports whether the line may proceed. An evicted sender is also
// removed from the peer table.
func (s *Session) applySenderRule(kind, source, sender string, decision *action.Decision) bool {
	if check.SenderRule(source, sender, s.rules, decision) == action.RuleEvict {
		s.peers.RemovePeer(sender)
	}
	if decision.Dropped() {
		s.drop(kind, source, decision.Reason())
		return false
	}
	return true
}

// HandleDhtMessage validates env and stores it when novel, learning the sender
// as a peer. It reports whether the record was stored.
func (s *Session) HandleDhtMessage(source string, env *dataType.DhtStoreEnvelope) bool {
	decision := action.NewDecision()
	if !s.applySenderRule(dataType.TypeDhtStore, source, env.SenderOnion, decision) {
		return false
	}
	rec := check.ValidateDhtStore(env, s.clk.Now(), decision)
	if decision.Dropped() {
		s.drop(dataType.TypeDhtStore, source, decision.Reason())
		return false
	}
	if !s.store.StoreLocally(rec) {
		s.metrics.offersDuplicate.Inc()
		return false
	}
	s.metrics.offersStored.Inc()
	s.peers.AddPeer(rec.SenderAddress)
	s.log.Info("received offer",
		zap.String("grid", rec.GridID),
		zap.String("sender", rec.SenderAddress),
		zap.String("nick", rec.SenderNickname),
		zap.Int("route_grids", len(rec.RouteGrids)))
	return true
}

// HandleVouch validates env and hands it to the ledger. It reports whether the
// vouch was accepted.
func (s *Session) HandleVouch(source string, env *dataType.VouchEnvelope) bool {
	decision := action.NewDecision()
	if !s.applySenderRule(dataType.TypeVouch, source, env.FromOnion, decision) {
		return false
	}
	claim := check.ValidateVouch(env, s.clk.Now(), decision)
	if decision.Dropped() {
		s.drop(dataType.TypeVouch, source, decision.Reason())
		return false
	}
	score, err := s.ledger.HandleClaim(claim)
	if err != nil {
		s.metrics.vouches.WithLabelValues("rejected").Inc()
		if errors.Is(err, trust.ErrInvalidSignature) || errors.Is(err, trust.ErrInvalidPublicKey) {
			s.log.Warn("vouch rejected",
				zap.String("voucher", claim.VoucherAddr),
				zap.String("target", claim.Target),
				zap.String("reason", err.Error()))
		} else {
			s.log.Error("vouch not stored", zap.String("voucher", claim.VoucherAddr), zap.Error(err))
		}
		return false
	}
	s.metrics.vouches.WithLabelValues("accepted").Inc()
	s.log.Info("vouch accepted",
		zap.String("voucher", claim.VoucherAddr),
		zap.String("voucher_name", claim.VoucherName),
		zap.String("target", claim.Target),
		zap.Int("score", score))
	return true
}

// VouchFor signs target, records the vouch locally and floods it. It returns the
// target's score after the local record.
func (s *Session) VouchFor(ctx context.Context, target string) (int, error) {
	if err := check.Validator().Var(target, "required,max=500,printascii"); err != nil {
		return 0, fmt.Errorf("invalid vouch target: %w", err)
	}
	ts := s.nowMillis()
	in := s.Intent()
	rec := dataType.VouchRecord{
		Voucher:      s.self,
		VoucherName:  in.Nickname,
		Target:       target,
		Signature:    s.signer.SignVouch(target, ts),
		Timestamp:    ts,
		PublicKeyB64: s.signer.PublicKeyB64(),
	}
	score, err := s.ledger.Accept(rec)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(dataType.VouchEnvelope{
		V:         dataType.ProtocolVersion,
		Type:      dataType.TypeVouch,
		Target:    rec.Target,
		VName:     rec.VoucherName,
		Sig:       rec.Signature,
		T:         rec.Timestamp,
		FromOnion: rec.Voucher,
		PublicKey: rec.PublicKeyB64,
	})
	if err != nil {
		return score, fmt.Errorf("encode vouch: %w", err)
	}
	n := s.broadcast(ctx, dataType.TypeVouch, string(payload))
	s.log.Info("vouched", zap.String("target", target), zap.Int("score", score), zap.Int("peers", n))
	return score, nil
}

// Reputation returns the number of distinct vouchers for target.
func (s *Session) Reputation(target string) (int, error) {
	return s.ledger.Score(target)
}

// Vouches lists the ledger rows for target.
func (s *Session) Vouches(target string) ([]dataType.VouchRecord, error) {
	return s.ledger.Vouches(target)
}

func (s *Session) Peers() []dht.PeerEntry {
	return s.peers.Snapshot()
}

// BanSender drops envelopes claiming sender for ttl (0 means until restart) and
// forgets the peer.
func (s *Session) BanSender(sender string, ttl time.Duration) {
	s.rules.AddSenderRule(sender, action.RuleEvict, ttl)
	s.peers.RemovePeer(sender)
}

// BanSource drops every line from one connection source for ttl.
func (s *Session) BanSource(source string, ttl time.Duration) {
	s.rules.AddSourceRule(source, action.RuleEvict, ttl)
}

// AddPeer registers an address learned outside the gossip flow.
func (s *Session) AddPeer(address string) bool {
	if !check.IsValidAddress(address) {
		return false
	}
	return s.peers.AddPeer(address)
}

// ClosestPeers lists up to k peer addresses ordered by XOR distance to cellID.
func (s *Session) ClosestPeers(cellID string, k int) []string {
	return s.peers.FindClosestNodes(dht.GridHash(cellID), k)
}

func (s *Session) IsResponsibleForGrid(cellID string) bool {
	return s.peers.IsResponsibleForGrid(cellID)
}

// GridMessages returns the live records stored for one cell.
func (s *Session) GridMessages(cellID string) []dataType.OfferRecord {
	return s.store.GetLocalMessages(cellID)
}

func (s *Session) StoredGrids() []string {
	return s.store.StoredGrids()
}

// Close stops background work, waits for in-flight sends and closes the ledger.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.rules.Stop()
		s.Drain()
		err = multierr.Append(err, s.ledger.Close())
	})
	return err
}
