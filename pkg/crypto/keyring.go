package crypto

import (
	"fmt"
	"sync"
)

// Keyring holds the active signing key behind a read-write gate. The
// verification path takes the read side; hot reload (key rotation) takes
// the write side. Old public keys are retained so receipts signed before a
// rotation still verify.
type Keyring struct {
	mu      sync.RWMutex
	active  *Ed25519Signer
	retired map[string]string // keyID -> public key hex
}

func NewKeyring(active *Ed25519Signer) *Keyring {
	return &Keyring{
		active:  active,
		retired: make(map[string]string),
	}
}

// Active returns the current signer.
func (k *Keyring) Active() *Ed25519Signer {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Rotate swaps in a new signer, retiring the previous public key.
func (k *Keyring) Rotate(next *Ed25519Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active != nil {
		k.retired[k.active.KeyID] = k.active.PublicKey()
	}
	k.active = next
}

// PublicKeyFor resolves a verification key by key ID, checking the active
// key first, then retired keys.
func (k *Keyring) PublicKeyFor(keyID string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active != nil && k.active.KeyID == keyID {
		return k.active.PublicKey(), nil
	}
	if pub, ok := k.retired[keyID]; ok {
		return pub, nil
	}
	return "", fmt.Errorf("unknown key id %q", keyID)
}
