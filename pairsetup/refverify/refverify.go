// Package refverify is the reference pair-verify state machine: the one
// concrete pairsetup.Machine this module ships, so the rest of the session
// core has something real to drive end to end. It implements the M1-M4
// exchange HAP pair-verify specifies (ECDH over Curve25519, Ed25519
// signatures over the ephemeral transcript, session keys via HKDF-SHA512),
// grounded on the HKDF label pair aiohomekit's _async_pair_verify uses
// ("Control-Salt" / "Control-Write-Encryption-Key" / "Control-Read-
// Encryption-Key") and on brutella/hap's struct-tag TLV8 codec.
package refverify

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"

	"github.com/brutella/hap/tlv8"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/go-hap/ble/herrors"
	"github.com/go-hap/ble/session"
)

const (
	stateM1 = 1
	stateM2 = 2
	stateM3 = 3
	stateM4 = 4
)

type m1Req struct {
	State     byte   `tlv8:"6"`
	PublicKey []byte `tlv8:"3"`
}

type m2Resp struct {
	State         byte   `tlv8:"6"`
	PublicKey     []byte `tlv8:"3"`
	EncryptedData []byte `tlv8:"5"`
	Error         byte   `tlv8:"7"`
}

type m3Req struct {
	State         byte   `tlv8:"6"`
	EncryptedData []byte `tlv8:"5"`
}

type m4Resp struct {
	State byte `tlv8:"6"`
	Error byte `tlv8:"7"`
}

type signedPayload struct {
	Identifier []byte `tlv8:"1"`
	Signature  []byte `tlv8:"10"`
}

// Identity is this controller's long-term pairing identity, persisted
// across sessions.
type Identity struct {
	ControllerPairingID []byte
	ControllerLTSK      ed25519.PrivateKey

	AccessoryPairingID []byte
	AccessoryLTPK      ed25519.PublicKey
}

// Result is what Drive returns once the handshake completes: a ready-to-use
// session and the new pair-verify session id pairing.py tracks for resume.
type Result struct {
	Keys      *session.Keys
	SessionID []byte
}

// Machine drives one pair-verify handshake. It implements
// pairsetup.Machine; construct a fresh one per verify attempt.
type Machine struct {
	identity Identity
	step     int

	controllerPriv [32]byte
	controllerPub  [32]byte
	accessoryPub   [32]byte
	shared         [32]byte
}

// New builds a pair-verify Machine for identity. The controller's ephemeral
// Curve25519 keypair is generated lazily on the first Next call.
func New(identity Identity) *Machine {
	return &Machine{identity: identity}
}

func (m *Machine) Next(resp []byte) (req []byte, done bool, result any, err error) {
	switch m.step {
	case 0:
		return m.sendM1()
	case 1:
		return m.handleM2AndSendM3(resp)
	case 2:
		return m.handleM4(resp)
	default:
		return nil, false, nil, &herrors.ProtocolError{Err: fmt.Errorf("pair-verify: Next called after completion")}
	}
}

func (m *Machine) sendM1() ([]byte, bool, any, error) {
	if _, err := io.ReadFull(rand.Reader, m.controllerPriv[:]); err != nil {
		return nil, false, nil, &herrors.ProtocolError{Err: err}
	}
	curve25519.ScalarBaseMult(&m.controllerPub, &m.controllerPriv)

	body, err := tlv8.Marshal(m1Req{State: stateM1, PublicKey: m.controllerPub[:]})
	if err != nil {
		return nil, false, nil, &herrors.ProtocolError{Err: err}
	}
	m.step = 1
	return body, false, nil, nil
}

func (m *Machine) handleM2AndSendM3(resp []byte) ([]byte, bool, any, error) {
	var m2 m2Resp
	if err := tlv8.Unmarshal(resp, &m2); err != nil {
		return nil, false, nil, &herrors.ProtocolError{Err: err}
	}
	if m2.State != stateM2 {
		return nil, false, nil, &herrors.ProtocolError{Err: herrors.ErrProtocolDesync}
	}
	if m2.Error != 0 {
		return nil, false, nil, herrors.ErrAuthentication
	}
	copy(m.accessoryPub[:], m2.PublicKey)

	curve25519.ScalarMult(&m.shared, &m.controllerPriv, &m.accessoryPub)

	encryptKey, err := hkdfExpand(m.shared[:], []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"))
	if err != nil {
		return nil, false, nil, err
	}
	aead, err := chacha20poly1305.New(encryptKey)
	if err != nil {
		return nil, false, nil, &herrors.ProtocolError{Err: err}
	}
	plain, err := aead.Open(nil, []byte("\x00\x00\x00\x00PV-Msg02"), m2.EncryptedData, nil)
	if err != nil {
		return nil, false, nil, &herrors.ProtocolError{Err: herrors.ErrAuthentication}
	}

	var signed signedPayload
	if err := tlv8.Unmarshal(plain, &signed); err != nil {
		return nil, false, nil, &herrors.ProtocolError{Err: err}
	}
	transcript := append(append(append([]byte{}, m.accessoryPub[:]...), signed.Identifier...), m.controllerPub[:]...)
	if !ed25519.Verify(m.identity.AccessoryLTPK, transcript, signed.Signature) {
		return nil, false, nil, herrors.ErrAuthentication
	}

	myTranscript := append(append(append([]byte{}, m.controllerPub[:]...), m.identity.ControllerPairingID...), m.accessoryPub[:]...)
	mySig := ed25519.Sign(m.identity.ControllerLTSK, myTranscript)
	mySigned, err := tlv8.Marshal(signedPayload{Identifier: m.identity.ControllerPairingID, Signature: mySig})
	if err != nil {
		return nil, false, nil, &herrors.ProtocolError{Err: err}
	}
	sealed := aead.Seal(nil, []byte("\x00\x00\x00\x00PV-Msg03"), mySigned, nil)

	body, err := tlv8.Marshal(m3Req{State: stateM3, EncryptedData: sealed})
	if err != nil {
		return nil, false, nil, &herrors.ProtocolError{Err: err}
	}
	m.step = 2
	return body, false, nil, nil
}

func (m *Machine) handleM4(resp []byte) ([]byte, bool, any, error) {
	var m4 m4Resp
	if err := tlv8.Unmarshal(resp, &m4); err != nil {
		return nil, false, nil, &herrors.ProtocolError{Err: err}
	}
	if m4.State != stateM4 {
		return nil, false, nil, &herrors.ProtocolError{Err: herrors.ErrProtocolDesync}
	}
	if m4.Error != 0 {
		return nil, false, nil, herrors.ErrAuthentication
	}

	writeKey, err := hkdfExpand(m.shared[:], []byte("Control-Salt"), []byte("Control-Write-Encryption-Key"))
	if err != nil {
		return nil, true, nil, err
	}
	readKey, err := hkdfExpand(m.shared[:], []byte("Control-Salt"), []byte("Control-Read-Encryption-Key"))
	if err != nil {
		return nil, true, nil, err
	}
	keys, err := session.New(writeKey, readKey)
	if err != nil {
		return nil, true, nil, err
	}
	return nil, true, &Result{Keys: keys, SessionID: append([]byte{}, m.shared[:]...)}, nil
}

func hkdfExpand(secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha512.New, secret, salt, info)
	out := make([]byte, session.KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, &herrors.ProtocolError{Err: err}
	}
	return out, nil
}
