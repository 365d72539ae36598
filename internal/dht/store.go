package dht

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"samizdat_mesh/internal/dataType"
)

const defaultStoreShards = 16

type storeShard struct {
	mu      sync.RWMutex
	buckets map[string][]dataType.OfferRecord
}

// LocalStore holds offers in buckets keyed by the hex grid hash of their cell.
// A record is readable while now - timestamp < ttl; PruneExpiredMessages removes
// the rest physically.
type LocalStore struct {
	shards []*storeShard
	clk    clock.Clock
	log    *zap.Logger
}

func NewLocalStore(clk clock.Clock, log *zap.Logger) *LocalStore {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &LocalStore{
		shards: make([]*storeShard, defaultStoreShards),
		clk:    clk,
		log:    log,
	}
	for i := range s.shards {
		s.shards[i] = &storeShard{buckets: make(map[string][]dataType.OfferRecord)}
	}
	return s
}

func bucketKey(cellID string) string {
	return GridHash(cellID).Hex()
}

func (s *LocalStore) shardFor(key string) *storeShard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// StoreLocally appends rec to its cell's bucket. It returns false without storing
// when a record with the same sender and timestamp is already held.
func (s *LocalStore) StoreLocally(rec dataType.OfferRecord) bool {
	key := bucketKey(rec.GridID)
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, existing := range sh.buckets[key] {
		if existing.Key() == rec.Key() {
			return false
		}
	}
	sh.buckets[key] = append(sh.buckets[key], rec)
	s.log.Debug("stored",
		zap.String("grid", rec.GridID),
		zap.String("sender", rec.SenderAddress),
		zap.Int("bucket_size", len(sh.buckets[key])))
	return true
}

// Contains reports whether a record with key is held for cellID, expired or not.
func (s *LocalStore) Contains(cellID string, k dataType.OfferKey) bool {
	key := bucketKey(cellID)
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for _, existing := range sh.buckets[key] {
		if existing.Key() == k {
			return true
		}
	}
	return false
}

// GetLocalMessages returns the unexpired records for cellID in insertion order.
func (s *LocalStore) GetLocalMessages(cellID string) []dataType.OfferRecord {
	now := s.clk.Now().UnixMilli()
	key := bucketKey(cellID)
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	var out []dataType.OfferRecord
	for _, rec := range sh.buckets[key] {
		if rec.Alive(now) {
			out = append(out, rec)
		}
	}
	return out
}

// PruneExpiredMessages drops expired records and empty buckets and returns
// how many records were removed.
func (s *LocalStore) PruneExpiredMessages() int {
	now := s.clk.Now().UnixMilli()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, recs := range sh.buckets {
			kept := recs[:0]
			for _, rec := range recs {
				if rec.Alive(now) {
					kept = append(kept, rec)
				}
			}
			removed += len(recs) - len(kept)
			if len(kept) == 0 {
				delete(sh.buckets, key)
				continue
			}
			sh.buckets[key] = kept
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.log.Debug("pruned expired records", zap.Int("removed", removed))
	}
	return removed
}

// StoredGrids lists the cells with at least one held record, sorted.
func (s *LocalStore) StoredGrids() []string {
	set := make(map[string]struct{})
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, recs := range sh.buckets {
			for _, rec := range recs {
				set[rec.GridID] = struct{}{}
			}
		}
		sh.mu.RUnlock()
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len counts all held records, expired ones included.
func (s *LocalStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, recs := range sh.buckets {
			n += len(recs)
		}
		sh.mu.RUnlock()
	}
	return n
}

// BucketCount is the number of non-empty buckets.
func (s *LocalStore) BucketCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.buckets)
		sh.mu.RUnlock()
	}
	return n
}
