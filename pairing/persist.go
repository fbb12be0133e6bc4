package pairing

import "github.com/go-hap/ble/pairsetup/refverify"

// Data is what a completed pair-setup hands the controller and what gets
// persisted across process restarts — the BLE counterpart of the teacher's
// persistedPairing, expanded with the long-term keys pair-verify needs.
type Data struct {
	AccessoryAddress     string
	AccessoryPairingID   []byte
	AccessoryLTPK         []byte // ed25519.PublicKey, stored flat for JSON roundtripping
	ControllerPairingID  []byte
	ControllerLTSK        []byte // ed25519.PrivateKey seed + pub, stored flat
}

// Identity builds the refverify.Identity this pairing's persisted keys
// describe.
func (d *Data) Identity() refverify.Identity {
	return refverify.Identity{
		ControllerPairingID: d.ControllerPairingID,
		ControllerLTSK:      d.ControllerLTSK,
		AccessoryPairingID:  d.AccessoryPairingID,
		AccessoryLTPK:       d.AccessoryLTPK,
	}
}

// Persister loads and saves one accessory's pairing data, mirroring the
// teacher's FilePersister seam: the controller never knows or cares whether
// the backing store is a file, a database, or memory.
type Persister interface {
	LoadPairing(address string) (*Data, error)
	SavePairing(*Data) error
	DeletePairing(address string) error
}

// ErrNoSuchPairing is returned by a Persister when no pairing data exists
// for the requested address.
var ErrNoSuchPairing = errNoSuchPairing{}

type errNoSuchPairing struct{}

func (errNoSuchPairing) Error() string { return "no pairing data for address" }
