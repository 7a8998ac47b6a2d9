package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrNoKeyPair is returned when a participant has no registered key pair.
var ErrNoKeyPair = errors.New("no key pair registered for participant")

// Keyring owns the key pairs of the participants active in this process.
// Keys are generated fresh per participant session and are not persisted
// across logins; a new login re-registers by calling Generate again.
//
// Private key material never leaves the ring: callers obtain *KeyPair
// references whose private component is package-internal, and the only
// consumers are Encrypt and Decrypt.
type Keyring struct {
	mu    sync.RWMutex
	pairs map[string]*KeyPair
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{pairs: make(map[string]*KeyPair)}
}

// Generate creates a fresh key pair for the participant, replacing any
// existing one. It returns the pair for use in Encrypt/Decrypt calls.
func (k *Keyring) Generate(userID string) (*KeyPair, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair for %s: %w", userID, err)
	}

	k.mu.Lock()
	k.pairs[userID] = kp
	k.mu.Unlock()

	return kp, nil
}

// Pair returns the participant's key pair by reference.
func (k *Keyring) Pair(userID string) (*KeyPair, error) {
	k.mu.RLock()
	kp, ok := k.pairs[userID]
	k.mu.RUnlock()

	if !ok {
		return nil, ErrNoKeyPair
	}
	return kp, nil
}

// PublicKey returns the participant's public key.
func (k *Keyring) PublicKey(userID string) (PublicKey, error) {
	kp, err := k.Pair(userID)
	if err != nil {
		return PublicKey{}, err
	}
	return kp.PublicKey, nil
}

// Rotate replaces the participant's key pair with a fresh one and returns
// the new pair. Messages encrypted under the old pair are no longer
// decryptable by this ring, which is the intended property of per-session
// keys.
func (k *Keyring) Rotate(userID string) (*KeyPair, error) {
	k.mu.RLock()
	_, ok := k.pairs[userID]
	k.mu.RUnlock()

	if !ok {
		return nil, ErrNoKeyPair
	}
	return k.Generate(userID)
}

// Remove drops the participant's key material, typically on logout.
func (k *Keyring) Remove(userID string) {
	k.mu.Lock()
	delete(k.pairs, userID)
	k.mu.Unlock()
}

// Fingerprint computes a SHA-256 fingerprint of a public key, hex encoded.
func Fingerprint(pub PublicKey) string {
	hash := sha256.Sum256(pub[:])
	return hex.EncodeToString(hash[:])
}
