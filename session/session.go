// Package session implements the HAP-BLE pair-verify session cipher: two
// independent ChaCha20-Poly1305 keys, one per direction, each with its own
// monotonic 64-bit nonce counter. Grounded on the nonce-as-counter discipline
// of the Matter SecureContext example and the envelope style of the
// teacher's krypto.go, adapted from NaCl boxes to the AEAD construction
// HAP-BLE actually specifies.
package session

import (
	"crypto/cipher"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/go-hap/ble/herrors"
)

// KeySize is the length in bytes of each direction's session key.
const KeySize = chacha20poly1305.KeySize

// direction holds one AEAD key plus its monotonic nonce counter. Guarded
// independently from its sibling so a write and a concurrent decrypt-path
// read never contend on the same lock.
type direction struct {
	mu      sync.Mutex
	aead    cipher.AEAD
	counter uint64
}

func (d *direction) nonce() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], d.counter)
	return nonce
}

// Keys is one pair-verify session: a write key for frames this side sends
// and a read key for frames the accessory sends, each counted separately.
// Zero value is not usable; construct with New.
type Keys struct {
	write *direction
	read  *direction
}

// New builds a session from the two 32-byte keys pair-verify derived via
// HKDF (spec.md §6: "Control-Write-Encryption-Key" / "Control-Read-
// Encryption-Key" from the controller's point of view).
func New(writeKey, readKey []byte) (*Keys, error) {
	w, err := chacha20poly1305.New(writeKey)
	if err != nil {
		return nil, &herrors.ProtocolError{Err: err}
	}
	r, err := chacha20poly1305.New(readKey)
	if err != nil {
		return nil, &herrors.ProtocolError{Err: err}
	}
	return &Keys{
		write: &direction{aead: w},
		read:  &direction{aead: r},
	}, nil
}

// Encrypt seals plaintext with the write key and advances the write counter.
// Returns herrors.ErrNonceExhausted if the counter has already wrapped,
// rather than silently reusing a nonce.
func (k *Keys) Encrypt(plaintext []byte) ([]byte, error) {
	k.write.mu.Lock()
	defer k.write.mu.Unlock()

	if k.write.counter == ^uint64(0) {
		return nil, herrors.ErrNonceExhausted
	}
	nonce := k.write.nonce()
	out := k.write.aead.Seal(nil, nonce, plaintext, nil)
	k.write.counter++
	return out, nil
}

// Decrypt opens ciphertext with the read key and advances the read counter.
// A failed open is an authentication failure: the frame was tampered with,
// dropped out of order, or the session is desynced, and the caller should
// treat it as terminal for the link rather than retry.
func (k *Keys) Decrypt(ciphertext []byte) ([]byte, error) {
	k.read.mu.Lock()
	defer k.read.mu.Unlock()

	if k.read.counter == ^uint64(0) {
		return nil, herrors.ErrNonceExhausted
	}
	nonce := k.read.nonce()
	out, err := k.read.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &herrors.ProtocolError{Err: herrors.ErrEncryption}
	}
	k.read.counter++
	return out, nil
}

// WriteCount returns the number of frames encrypted so far, which is also
// the nonce counter the next Encrypt uses. The transport layer sizes
// fragments with Overhead, not with this count.
func (k *Keys) WriteCount() uint64 {
	k.write.mu.Lock()
	defer k.write.mu.Unlock()
	return k.write.counter
}

// ReadCount returns the number of frames decrypted so far.
func (k *Keys) ReadCount() uint64 {
	k.read.mu.Lock()
	defer k.read.mu.Unlock()
	return k.read.counter
}

// Overhead is the per-frame ciphertext expansion (the Poly1305 tag).
const Overhead = chacha20poly1305.Overhead
