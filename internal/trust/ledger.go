package trust

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"samizdat_mesh/internal/dataType"
)

const (
	keyPrefixVouch = "VCH" // VCH<target>\x00<voucher> -> VouchRecord
	keyPrefixScore = "REP" // REP<target> -> scoreRecord
)

var ErrCorrupted = errors.New("corrupted ledger entry")

type scoreRecord struct {
	Target string `cbor:"1,keyasint"`
	Score  int    `cbor:"2,keyasint"`
}

// Ledger stores vouches keyed by (voucher, target) and the derived reputation
// score of each target. A score is the number of distinct vouchers.
type Ledger struct {
	mu  sync.Mutex
	db  *leveldb.DB
	log *zap.Logger
}

// OpenLedger opens or creates a ledger at path, recovering a corrupted store.
func OpenLedger(path string, log *zap.Logger) (*Ledger, error) {
	opts := &opt.Options{Compression: opt.NoCompression}
	db, err := leveldb.OpenFile(path, opts)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return newLedger(db, log), nil
}

// OpenMemLedger keeps everything in memory.
func OpenMemLedger(log *zap.Logger) (*Ledger, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLedger(db, log), nil
}

func newLedger(db *leveldb.DB, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{db: db, log: log}
}

func vouchPrefix(target string) []byte {
	return []byte(keyPrefixVouch + target + "\x00")
}

func vouchKey(target, voucher string) []byte {
	return append(vouchPrefix(target), voucher...)
}

func scoreKey(target string) []byte {
	return []byte(keyPrefixScore + target)
}

// HandleClaim verifies the claim's signature and records it. An invalid
// signature leaves the ledger untouched.
func (l *Ledger) HandleClaim(claim dataType.VouchClaim) (int, error) {
	if err := VerifyVouch(claim.Target, claim.Timestamp, claim.Signature, claim.PublicKeyB64); err != nil {
		l.log.Warn("vouch rejected",
			zap.String("voucher", claim.VoucherAddr),
			zap.String("target", claim.Target),
			zap.Error(err))
		return 0, err
	}
	return l.Accept(claim.Record())
}

// Accept upserts rec and returns the target's new score.
func (l *Ledger) Accept(rec dataType.VouchRecord) (int, error) {
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.db.Put(vouchKey(rec.Target, rec.Voucher), raw, nil); err != nil {
		return 0, fmt.Errorf("store vouch: %w", err)
	}
	score, err := l.countVouchers(rec.Target)
	if err != nil {
		return 0, err
	}
	sraw, err := cbor.Marshal(scoreRecord{Target: rec.Target, Score: score})
	if err != nil {
		return 0, err
	}
	if err := l.db.Put(scoreKey(rec.Target), sraw, nil); err != nil {
		return 0, fmt.Errorf("store score: %w", err)
	}
	l.log.Info("vouch recorded",
		zap.String("voucher", rec.Voucher),
		zap.String("voucher_name", rec.VoucherName),
		zap.String("target", rec.Target),
		zap.Int("score", score))
	return score, nil
}

func (l *Ledger) countVouchers(target string) (int, error) {
	iter := l.db.NewIterator(util.BytesPrefix(vouchPrefix(target)), nil)
	defer iter.Release()
	seen := make(map[string]struct{})
	for iter.Next() {
		var rec dataType.VouchRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		seen[rec.Voucher] = struct{}{}
	}
	return len(seen), iter.Error()
}

// Score returns the stored reputation of target, zero if nobody vouched.
func (l *Ledger) Score(target string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(scoreKey(target), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var sr scoreRecord
	if err := cbor.Unmarshal(raw, &sr); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if sr.Target != target {
		return 0, ErrCorrupted
	}
	return sr.Score, nil
}

// Vouches lists the vouches held for target ordered by voucher.
func (l *Ledger) Vouches(target string) ([]dataType.VouchRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	iter := l.db.NewIterator(util.BytesPrefix(vouchPrefix(target)), nil)
	defer iter.Release()
	var out []dataType.VouchRecord
	for iter.Next() {
		var rec dataType.VouchRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
