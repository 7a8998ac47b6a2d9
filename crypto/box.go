/*
Package crypto provides the key management and message encryption primitives
for peer messaging.

SCHEME:
Authenticated public-key encryption over X25519 with XChaCha20-Poly1305.
Each call to Encrypt produces an Envelope of ciphertext, a fresh ephemeral
X25519 public key, and a fresh 24-byte nonce. The AEAD key is derived with
HKDF-SHA256 from two Diffie-Hellman shared secrets:

  - DH(ephemeral, recipient)  — forward secrecy per message
  - DH(sender, recipient)     — sender authentication

The ephemeral and sender public keys are bound as associated data, so a
tampered envelope or a wrong key pair fails authentication rather than
producing garbage plaintext.

NONCE HANDLING:
Nonces are randomly generated per call and never reused; the 192-bit
XChaCha20 nonce space makes random generation safe at any message volume.
*/
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of X25519 public and private keys.
const KeySize = x25519.Size

// NonceSize is the XChaCha20-Poly1305 nonce size.
const NonceSize = chacha20poly1305.NonceSizeX

// ErrDecryptionFailed is returned when an envelope fails authentication:
// wrong keys, tampered ciphertext, or a corrupted nonce. It is always a hard
// failure; decryption never degrades to an empty result.
var ErrDecryptionFailed = errors.New("decryption failed: message authentication error")

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// KeyPair holds a participant's asymmetric key material for one session.
// The private component is unexported and never leaves this package; callers
// pass the pair by reference to Encrypt and Decrypt.
type KeyPair struct {
	PublicKey PublicKey
	private   x25519.Key
}

// GenerateKeyPair generates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	var pub x25519.Key
	x25519.KeyGen(&pub, &kp.private)
	copy(kp.PublicKey[:], pub[:])

	return kp, nil
}

// Envelope is the bundle produced by one encryption call: ciphertext, the
// ephemeral public key, and the nonce. It is the only form of a message that
// is persisted or transmitted.
type Envelope struct {
	Ciphertext         []byte `json:"ciphertext"`
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	Nonce              []byte `json:"nonce"`
}

// Encrypt encrypts plaintext from sender to the recipient's public key.
// A fresh ephemeral key pair and nonce are generated per call.
func Encrypt(plaintext []byte, sender *KeyPair, recipient PublicKey) (*Envelope, error) {
	if sender == nil {
		return nil, errors.New("sender key pair is required")
	}

	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	recipientKey := x25519.Key(recipient)

	var s1, s2 x25519.Key
	if !x25519.Shared(&s1, &eph.private, &recipientKey) {
		return nil, errors.New("invalid recipient public key")
	}
	if !x25519.Shared(&s2, &sender.private, &recipientKey) {
		return nil, errors.New("invalid recipient public key")
	}

	key, err := deriveKey(s1[:], s2[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate random nonce: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}

	ad := associatedData(eph.PublicKey, sender.PublicKey)
	ciphertext := aead.Seal(nil, nonce, plaintext, ad)

	return &Envelope{
		Ciphertext:         ciphertext,
		EphemeralPublicKey: eph.PublicKey[:],
		Nonce:              nonce,
	}, nil
}

// Decrypt opens an envelope with the recipient's key pair and the sender's
// public key. Any authentication failure returns ErrDecryptionFailed.
func Decrypt(env *Envelope, recipient *KeyPair, sender PublicKey) ([]byte, error) {
	if env == nil || recipient == nil {
		return nil, errors.New("envelope and recipient key pair are required")
	}
	if len(env.EphemeralPublicKey) != KeySize {
		return nil, fmt.Errorf("%w: invalid ephemeral key size: expected %d, got %d",
			ErrDecryptionFailed, KeySize, len(env.EphemeralPublicKey))
	}
	if len(env.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: invalid nonce size: expected %d, got %d",
			ErrDecryptionFailed, NonceSize, len(env.Nonce))
	}

	var ephPub, senderKey x25519.Key
	copy(ephPub[:], env.EphemeralPublicKey)
	copy(senderKey[:], sender[:])

	var s1, s2 x25519.Key
	if !x25519.Shared(&s1, &recipient.private, &ephPub) {
		return nil, ErrDecryptionFailed
	}
	if !x25519.Shared(&s2, &recipient.private, &senderKey) {
		return nil, ErrDecryptionFailed
	}

	key, err := deriveKey(s1[:], s2[:])
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}

	var ephKey PublicKey
	copy(ephKey[:], env.EphemeralPublicKey)
	ad := associatedData(ephKey, sender)

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// deriveKey derives the AEAD key from the two shared secrets using
// HKDF-SHA256 for domain separation and key independence.
func deriveKey(s1, s2 []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(s1)+len(s2))
	ikm = append(ikm, s1...)
	ikm = append(ikm, s2...)

	h := hkdf.New(sha256.New, ikm, nil, []byte("haven/v1/message-key"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return key, nil
}

func associatedData(eph, sender PublicKey) []byte {
	ad := make([]byte, 0, 2*KeySize)
	ad = append(ad, eph[:]...)
	ad = append(ad, sender[:]...)
	return ad
}
