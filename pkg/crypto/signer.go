// Package crypto provides the signing primitives for Anumate artifacts:
// Ed25519 key management, HKDF subkey derivation, and hex-encoded
// signatures over canonical content hashes.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purpose labels for HKDF subkey derivation. Each subsystem signs with its
// own derived key so a leaked verification key scopes the blast radius.
const (
	PurposeReceipts  = "anumate/receipts"
	PurposeCapTokens = "anumate/captokens"
)

// Signer signs raw bytes and exposes its verification key.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	PublicKeyBytes() ed25519.PublicKey
}

// Ed25519Signer is the default Signer implementation.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		KeyID: keyID,
	}
}

// NewDerivedSigner derives a purpose-scoped Ed25519 key from a master
// secret via HKDF-SHA256. The same (secret, purpose) pair always yields the
// same key, so verification keys survive restarts. The key id carries a
// fingerprint of the public key, so keys derived from different secrets
// stay distinguishable across rotations.
func NewDerivedSigner(masterSecret []byte, purpose string) (*Ed25519Signer, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("empty master secret")
	}
	r := hkdf.New(sha256.New, masterSecret, nil, []byte(purpose))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	keyID := purpose + "/" + hex.EncodeToString(sum[:4])
	return NewEd25519SignerFromKey(priv, keyID), nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.priv, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

func (s *Ed25519Signer) PublicKeyBytes() ed25519.PublicKey {
	return s.pub
}

// PrivateKey exposes the raw private key for JWT signing (EdDSA).
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Verify checks a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
