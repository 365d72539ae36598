package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPublicKey = errors.New("invalid public key")
)

const pemTypePrivateKey = "PRIVATE KEY"

// Signer holds the local Ed25519 key pair used for vouches.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// GenerateSigner creates a fresh key pair.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewSigner(priv), nil
}

// LoadOrGenerateSigner reads a PKCS#8 PEM key from path, creating one if the
// file does not exist.
func LoadOrGenerateSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return parseSigner(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}

	s, err := GenerateSigner()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(s.priv)
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	out := pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der})
	if err := os.WriteFile(path, out, 0600); err != nil {
		return nil, fmt.Errorf("write key %s: %w", path, err)
	}
	return s, nil
}

func parseSigner(data []byte) (*Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePrivateKey {
		return nil, errors.New("key file is not a PEM private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want ed25519", key)
	}
	return NewSigner(priv), nil
}

// PublicKeyB64 is the base64 X.509 SubjectPublicKeyInfo of the signing key,
// the form carried in the "p" field of a vouch.
func (s *Signer) PublicKeyB64() string {
	der, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		// ed25519 keys always marshal
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// CanonicalVouch is the exact string a vouch signature covers.
func CanonicalVouch(target string, ts int64) string {
	return target + "|" + strconv.FormatInt(ts, 10)
}

// SignVouch signs target at ts and returns the base64 signature.
func (s *Signer) SignVouch(target string, ts int64) string {
	sig := ed25519.Sign(s.priv, []byte(CanonicalVouch(target, ts)))
	return base64.StdEncoding.EncodeToString(sig)
}

// ParsePublicKey accepts base64 of either an X.509 SubjectPublicKeyInfo or a raw
// 32 byte Ed25519 key.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	key, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrInvalidPublicKey, key)
	}
	return pub, nil
}

// VerifyVouch checks sigB64 over CanonicalVouch(target, ts) with the
// self-asserted key pubB64.
func VerifyVouch(target string, ts int64, sigB64, pubB64 string) error {
	pub, err := ParsePublicKey(pubB64)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(pub, []byte(CanonicalVouch(target, ts)), sig) {
		return ErrInvalidSignature
	}
	return nil
}
