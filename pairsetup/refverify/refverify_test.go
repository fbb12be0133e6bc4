package refverify

import (
	"crypto/ed25519"
	"testing"

	"github.com/brutella/hap/tlv8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// fakeAccessory plays the M2/M4 side of the handshake against the Machine
// under test, so the whole exchange can be exercised without any network.
type fakeAccessory struct {
	ltsk ed25519.PrivateKey
	ltpk ed25519.PublicKey
	id   []byte

	priv [32]byte
	pub  [32]byte
}

func newFakeAccessory(t *testing.T, id []byte) *fakeAccessory {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &fakeAccessory{ltsk: priv, ltpk: pub, id: id}
}

func TestPairVerifyHandshake_FullRoundTrip(t *testing.T) {
	controllerPub, controllerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	controllerID := []byte("controller-1")
	accessoryID := []byte("accessory-1")

	accessory := newFakeAccessory(t, accessoryID)

	m := New(Identity{
		ControllerPairingID: controllerID,
		ControllerLTSK:      controllerPriv,
		AccessoryPairingID:  accessoryID,
		AccessoryLTPK:       accessory.ltpk,
	})

	// M1
	m1Body, done, _, err := m.Next(nil)
	require.NoError(t, err)
	require.False(t, done)
	var m1 m1Req
	require.NoError(t, tlv8.Unmarshal(m1Body, &m1))
	require.Equal(t, byte(stateM1), m1.State)

	var ctrlPub [32]byte
	copy(ctrlPub[:], m1.PublicKey)

	// accessory generates its own ephemeral keypair and responds with M2
	_, err = copyRandom(accessory.priv[:])
	require.NoError(t, err)
	curve25519.ScalarBaseMult(&accessory.pub, &accessory.priv)

	var shared [32]byte
	curve25519.ScalarMult(&shared, &accessory.priv, &ctrlPub)

	encKey, err := hkdfExpand(shared[:], []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"))
	require.NoError(t, err)
	aead, err := chacha20poly1305.New(encKey)
	require.NoError(t, err)

	transcript := append(append(append([]byte{}, accessory.pub[:]...), accessory.id...), ctrlPub[:]...)
	sig := ed25519.Sign(accessory.ltsk, transcript)
	signedBody, err := tlv8.Marshal(signedPayload{Identifier: accessory.id, Signature: sig})
	require.NoError(t, err)
	encrypted := aead.Seal(nil, []byte("\x00\x00\x00\x00PV-Msg02"), signedBody, nil)

	m2Body, err := tlv8.Marshal(m2Resp{State: stateM2, PublicKey: accessory.pub[:], EncryptedData: encrypted})
	require.NoError(t, err)

	// M3
	m3Body, done, _, err := m.Next(m2Body)
	require.NoError(t, err)
	require.False(t, done)
	var m3 m3Req
	require.NoError(t, tlv8.Unmarshal(m3Body, &m3))
	require.Equal(t, byte(stateM3), m3.State)

	plain, err := aead.Open(nil, []byte("\x00\x00\x00\x00PV-Msg03"), m3.EncryptedData, nil)
	require.NoError(t, err)
	var gotSigned signedPayload
	require.NoError(t, tlv8.Unmarshal(plain, &gotSigned))
	assert.Equal(t, controllerID, gotSigned.Identifier)
	ctrlTranscript := append(append(append([]byte{}, ctrlPub[:]...), controllerID...), accessory.pub[:]...)
	assert.True(t, ed25519.Verify(controllerPub, ctrlTranscript, gotSigned.Signature))

	m4Body, err := tlv8.Marshal(m4Resp{State: stateM4})
	require.NoError(t, err)

	// M4
	_, done, result, err := m.Next(m4Body)
	require.NoError(t, err)
	require.True(t, done)
	res, ok := result.(*Result)
	require.True(t, ok)
	require.NotNil(t, res.Keys)
}

func TestPairVerifyHandshake_RejectsAuthenticationErrorInM2(t *testing.T) {
	m := New(Identity{
		ControllerPairingID: []byte("c"),
		ControllerLTSK:      ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)),
		AccessoryPairingID:  []byte("a"),
		AccessoryLTPK:       make([]byte, ed25519.PublicKeySize),
	})
	_, _, _, err := m.Next(nil)
	require.NoError(t, err)

	m2Body, err := tlv8.Marshal(m2Resp{State: stateM2, Error: 2})
	require.NoError(t, err)
	_, _, _, err = m.Next(m2Body)
	require.Error(t, err)
}

func copyRandom(dst []byte) (int, error) {
	for i := range dst {
		dst[i] = byte(i*7 + 11)
	}
	return len(dst), nil
}
