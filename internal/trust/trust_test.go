package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"samizdat_mesh/internal/dataType"
)

func TestCanonicalVouch(t *testing.T) {
	assert.Equal(t, "peerkey|1700000000000", CanonicalVouch("peerkey", 1700000000000))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)

	sig := s.SignVouch("target-key", 1234)
	require.NoError(t, VerifyVouch("target-key", 1234, sig, s.PublicKeyB64()))

	raw := base64.StdEncoding.EncodeToString(s.PublicKey())
	require.NoError(t, VerifyVouch("target-key", 1234, sig, raw), "raw 32 byte keys are accepted")

	t.Run("timestamp tampered", func(t *testing.T) {
		assert.ErrorIs(t, VerifyVouch("target-key", 1235, sig, s.PublicKeyB64()), ErrInvalidSignature)
	})
	t.Run("target tampered", func(t *testing.T) {
		assert.ErrorIs(t, VerifyVouch("other-key", 1234, sig, s.PublicKeyB64()), ErrInvalidSignature)
	})
	t.Run("wrong key", func(t *testing.T) {
		other, err := GenerateSigner()
		require.NoError(t, err)
		assert.ErrorIs(t, VerifyVouch("target-key", 1234, sig, other.PublicKeyB64()), ErrInvalidSignature)
	})
	t.Run("garbage signature", func(t *testing.T) {
		assert.ErrorIs(t, VerifyVouch("target-key", 1234, "bm90IGEgc2ln", s.PublicKeyB64()), ErrInvalidSignature)
	})
	t.Run("garbage key", func(t *testing.T) {
		assert.ErrorIs(t, VerifyVouch("target-key", 1234, sig, "AAAA"), ErrInvalidPublicKey)
	})
}

func TestLoadOrGenerateSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.pem")
	first, err := LoadOrGenerateSigner(path)
	require.NoError(t, err)
	second, err := LoadOrGenerateSigner(path)
	require.NoError(t, err)
	assert.True(t, ed25519.PublicKey(first.PublicKey()).Equal(second.PublicKey()))
	assert.Equal(t, first.PublicKeyB64(), second.PublicKeyB64())
}

func claimFrom(t *testing.T, s *Signer, voucher, target string, ts int64) dataType.VouchClaim {
	t.Helper()
	return dataType.VouchClaim{
		Target:       target,
		VoucherName:  "tester",
		Signature:    s.SignVouch(target, ts),
		Timestamp:    ts,
		VoucherAddr:  voucher,
		PublicKeyB64: s.PublicKeyB64(),
	}
}

func TestLedgerScoresDistinctVouchers(t *testing.T) {
	l, err := OpenMemLedger(nil)
	require.NoError(t, err)
	defer l.Close()

	alice, err := GenerateSigner()
	require.NoError(t, err)
	bob, err := GenerateSigner()
	require.NoError(t, err)
	aliceAddr := strings.Repeat("a", 56)
	bobAddr := strings.Repeat("b", 56)

	score, err := l.HandleClaim(claimFrom(t, alice, aliceAddr, "carol", 1000))
	require.NoError(t, err)
	assert.Equal(t, 1, score)

	// same voucher again replaces the earlier vouch
	score, err = l.HandleClaim(claimFrom(t, alice, aliceAddr, "carol", 2000))
	require.NoError(t, err)
	assert.Equal(t, 1, score)

	score, err = l.HandleClaim(claimFrom(t, bob, bobAddr, "carol", 3000))
	require.NoError(t, err)
	assert.Equal(t, 2, score)

	got, err := l.Score("carol")
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	vouches, err := l.Vouches("carol")
	require.NoError(t, err)
	require.Len(t, vouches, 2)
	assert.Equal(t, int64(2000), vouches[0].Timestamp)

	none, err := l.Score("dave")
	require.NoError(t, err)
	assert.Equal(t, 0, none)
}

func TestLedgerRejectsBadSignatureWithoutMutation(t *testing.T) {
	l, err := OpenMemLedger(nil)
	require.NoError(t, err)
	defer l.Close()

	s, err := GenerateSigner()
	require.NoError(t, err)
	claim := claimFrom(t, s, strings.Repeat("a", 56), "carol", 1000)
	claim.Timestamp++

	_, err = l.HandleClaim(claim)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	score, err := l.Score("carol")
	require.NoError(t, err)
	assert.Equal(t, 0, score)
	vouches, err := l.Vouches("carol")
	require.NoError(t, err)
	assert.Empty(t, vouches)
}

func TestLedgerPersistsOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	l, err := OpenLedger(dir, nil)
	require.NoError(t, err)
	s, err := GenerateSigner()
	require.NoError(t, err)
	_, err = l.HandleClaim(claimFrom(t, s, strings.Repeat("a", 56), "carol", 1000))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := OpenLedger(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()
	score, err := reopened.Score("carol")
	require.NoError(t, err)
	assert.Equal(t, 1, score)
}

func TestLedgerLastVouchWins(t *testing.T) {
	l, err := OpenMemLedger(nil)
	require.NoError(t, err)
	defer l.Close()

	alice, err := GenerateSigner()
	require.NoError(t, err)
	aliceAddr := strings.Repeat("a", 56)

	_, err = l.HandleClaim(claimFrom(t, alice, aliceAddr, "carol", 5000))
	require.NoError(t, err)
	score, err := l.HandleClaim(claimFrom(t, alice, aliceAddr, "carol", 1000))
	require.NoError(t, err)
	assert.Equal(t, 1, score)

	vouches, err := l.Vouches("carol")
	require.NoError(t, err)
	require.Len(t, vouches, 1)
	assert.Equal(t, int64(1000), vouches[0].Timestamp, "an older timestamp still replaces the stored vouch")
}
