// Package filepersist is a file-backed pairing.Persister, one JSON file per
// accessory address, grounded on the teacher's FilePersister
// (file_persister.go) and its persistedPairing JSON shape
// (pairing_persistence.go). Where the teacher's daemon ever only persists a
// single pairing, this module's controller can hold many concurrently, so
// the directory is keyed by a sanitized address rather than a fixed
// filename.
package filepersist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-hap/ble/pairing"
)

// Store is a directory of one pairing.json-shaped file per accessory.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir. The directory must already exist; this
// mirrors the teacher's convention of the daemon creating PairingDir once at
// startup rather than every persister call checking for it.
func New(dir string) *Store {
	return &Store{Dir: dir}
}

type persistedData struct {
	AccessoryAddress    string `json:"accessory_address"`
	AccessoryPairingID  []byte `json:"accessory_pairing_id"`
	AccessoryLTPK       []byte `json:"accessory_ltpk"`
	ControllerPairingID []byte `json:"controller_pairing_id"`
	ControllerLTSK      []byte `json:"controller_ltsk"`
}

func dataToPersisted(d *pairing.Data) persistedData {
	return persistedData{
		AccessoryAddress:    d.AccessoryAddress,
		AccessoryPairingID:  d.AccessoryPairingID,
		AccessoryLTPK:       d.AccessoryLTPK,
		ControllerPairingID: d.ControllerPairingID,
		ControllerLTSK:      d.ControllerLTSK,
	}
}

func dataFromPersisted(p *persistedData) *pairing.Data {
	return &pairing.Data{
		AccessoryAddress:    p.AccessoryAddress,
		AccessoryPairingID:  p.AccessoryPairingID,
		AccessoryLTPK:       p.AccessoryLTPK,
		ControllerPairingID: p.ControllerPairingID,
		ControllerLTSK:      p.ControllerLTSK,
	}
}

func (s *Store) pathFor(address string) string {
	sanitized := strings.ReplaceAll(address, ":", "")
	return filepath.Join(s.Dir, fmt.Sprintf("pairing-%s.json", sanitized))
}

// LoadPairing implements pairing.Persister.
func (s *Store) LoadPairing(address string) (*pairing.Data, error) {
	raw, err := os.ReadFile(s.pathFor(address))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pairing.ErrNoSuchPairing
		}
		return nil, err
	}
	var p persistedData
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return dataFromPersisted(&p), nil
}

// SavePairing implements pairing.Persister.
func (s *Store) SavePairing(d *pairing.Data) error {
	raw, err := json.Marshal(dataToPersisted(d))
	if err != nil {
		return err
	}
	return os.WriteFile(s.pathFor(d.AccessoryAddress), raw, 0o600)
}

// DeletePairing implements pairing.Persister.
func (s *Store) DeletePairing(address string) error {
	err := os.Remove(s.pathFor(address))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
