package pairing

import (
	"context"

	"github.com/go-hap/ble/herrors"
	"github.com/go-hap/ble/pairsetup"
	"github.com/go-hap/ble/transport"
)

// CharacteristicTypePairSetup is the HAP pair-setup characteristic type,
// the wire target for the SRP handshake that produces pairing identities.
const CharacteristicTypePairSetup = "0000004C-0000-1000-8000-0026BB765291"

// Pair drives setup (an SRP-based pairsetup.Machine supplied by the caller
// — spec.md §4.4 keeps SRP itself external to this module) to completion
// over the pair-setup characteristic, persists the resulting identity, and
// installs it on the controller so the next Reconcile can pair-verify.
func (c *Controller) Pair(ctx context.Context, setup pairsetup.Machine) (*Data, error) {
	c.operationMu.Lock()
	defer c.operationMu.Unlock()

	if err := c.reconcileLocked(ctx, true); err != nil {
		return nil, err
	}

	iid, ok := findCharByType(c.tree, CharacteristicTypePairSetup)
	if !ok {
		return nil, &herrors.ProtocolError{Err: herrors.ErrInvalid}
	}

	c.bleRequestMu.Lock()
	client := transport.NewClient(c.gatt, iid, nil)
	result, err := pairsetup.Drive(ctx, client, iid, setup)
	c.bleRequestMu.Unlock()
	if err != nil {
		return nil, &herrors.ProtocolError{Err: herrors.ErrPairing}
	}

	data, ok := result.(*Data)
	if !ok || data == nil {
		return nil, &herrors.ProtocolError{Err: herrors.ErrPairing}
	}
	data.AccessoryAddress = c.address

	if err := c.persister.SavePairing(data); err != nil {
		return nil, err
	}

	c.data = data
	c.keys = nil
	c.haveFetched = false
	return data, nil
}

// Unpair removes this controller's own pairing from the accessory (via
// RemovePairing with its own pairing id), then clears and deletes the
// locally persisted identity regardless of whether the accessory-side
// removal succeeded — matching the teacher's unpair(), which always clears
// local state even when the network round trip fails.
func (c *Controller) Unpair(ctx context.Context) error {
	c.configMu.Lock()
	data := c.data
	c.configMu.Unlock()
	if data == nil {
		return herrors.ErrNotPaired
	}

	removeErr := c.RemovePairing(ctx, data.ControllerPairingID)

	c.configMu.Lock()
	c.data = nil
	c.keys = nil
	c.haveFetched = false
	c.configMu.Unlock()

	if err := c.persister.DeletePairing(c.address); err != nil {
		return err
	}
	return removeErr
}

// OnDisconnected is called by the transport layer when the link drops
// unexpectedly (as opposed to a deliberate Close), mirroring
// _async_reset_connection_state: it clears the live gatt/session state so
// the next operation reconnects and re-verifies from scratch rather than
// attempting to reuse a dead link.
func (c *Controller) OnDisconnected() {
	c.resetConnectionState()
}

func (c *Controller) resetConnectionState() {
	c.connectionMu.Lock()
	c.gatt = nil
	c.discovered = nil
	c.connectionMu.Unlock()

	c.configMu.Lock()
	c.keys = nil
	c.configMu.Unlock()
}
