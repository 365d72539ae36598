package dht

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultK is the number of closest peers returned by FindClosestNodes.
const DefaultK = 20

// PeerEntry is a known peer.
type PeerEntry struct {
	ID      NodeID `json:"-"`
	IDHex   string `json:"id"`
	Address string `json:"address"`
}

// PeerTable maps identities to network addresses. It never contains the local node.
// The table is unbounded; entries only leave through RemovePeer.
type PeerTable struct {
	self  NodeID
	mu    sync.RWMutex
	peers map[NodeID]string
	log   *zap.Logger
}

func NewPeerTable(selfAddress string, log *zap.Logger) *PeerTable {
	if log == nil {
		log = zap.NewNop()
	}
	self := IdentityOf(selfAddress)
	return &PeerTable{
		self:  self,
		peers: make(map[NodeID]string),
		log:   log,
	}
}

func (pt *PeerTable) Self() NodeID {
	return pt.self
}

// AddPeer inserts or refreshes address. Returns false for the local address.
func (pt *PeerTable) AddPeer(address string) bool {
	id := IdentityOf(address)
	if id == pt.self {
		return false
	}
	pt.mu.Lock()
	_, existed := pt.peers[id]
	pt.peers[id] = address
	pt.mu.Unlock()
	if !existed {
		pt.log.Debug("peer added", zap.String("address", address), zap.Stringer("id", id))
	}
	return true
}

func (pt *PeerTable) RemovePeer(address string) {
	id := IdentityOf(address)
	pt.mu.Lock()
	delete(pt.peers, id)
	pt.mu.Unlock()
}

func (pt *PeerTable) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.peers)
}

// Snapshot returns the peers sorted by identity.
func (pt *PeerTable) Snapshot() []PeerEntry {
	pt.mu.RLock()
	out := make([]PeerEntry, 0, len(pt.peers))
	for id, addr := range pt.peers {
		out = append(out, PeerEntry{ID: id, IDHex: id.Hex(), Address: addr})
	}
	pt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IDHex < out[j].IDHex })
	return out
}

// FindClosestNodes returns up to k addresses ordered by XOR distance to target.
// Equal distances (only possible for equal identities) fall back to identity order.
func (pt *PeerTable) FindClosestNodes(target NodeID, k int) []string {
	if k <= 0 {
		return nil
	}
	type candidate struct {
		entry PeerEntry
		dist  Distance
	}
	entries := pt.Snapshot()
	cands := make([]candidate, len(entries))
	for i, e := range entries {
		cands[i] = candidate{entry: e, dist: XorDistance(e.ID, target)}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if c := cands[i].dist.Cmp(cands[j].dist); c != 0 {
			return c < 0
		}
		return cands[i].entry.IDHex < cands[j].entry.IDHex
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.entry.Address
	}
	return out
}

// IsResponsibleForGrid reports whether no known peer is strictly closer to the
// cell's hash than the local node. Ties keep the local node responsible.
func (pt *PeerTable) IsResponsibleForGrid(cellID string) bool {
	target := GridHash(cellID)
	mine := XorDistance(pt.self, target)
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	for id := range pt.peers {
		if XorDistance(id, target).Cmp(mine) < 0 {
			return false
		}
	}
	return true
}
