package filepersist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-hap/ble/pairing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	d := &pairing.Data{
		AccessoryAddress:    "AA:BB:CC:DD:EE:FF",
		AccessoryPairingID:  []byte("accessory-1"),
		AccessoryLTPK:       []byte{1, 2, 3},
		ControllerPairingID: []byte("controller-1"),
		ControllerLTSK:      []byte{4, 5, 6},
	}
	require.NoError(t, store.SavePairing(d))

	got, err := store.LoadPairing(d.AccessoryAddress)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestLoadMissingPairingReturnsSentinel(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.LoadPairing("00:00:00:00:00:00")
	assert.ErrorIs(t, err, pairing.ErrNoSuchPairing)
}

func TestDeletePairingIsIdempotent(t *testing.T) {
	store := New(t.TempDir())
	d := &pairing.Data{AccessoryAddress: "11:22:33:44:55:66"}
	require.NoError(t, store.SavePairing(d))
	require.NoError(t, store.DeletePairing(d.AccessoryAddress))
	require.NoError(t, store.DeletePairing(d.AccessoryAddress))
}
