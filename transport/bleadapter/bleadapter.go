// Package bleadapter wires package transport's abstract GattClient to a real
// central-role Bluetooth stack (github.com/go-ble/ble), the same library the
// blecli example drives. It only knows how to read and write characteristics
// by HAP instance id; UUID discovery and iid-to-characteristic binding is the
// connector package's job.
package bleadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"

	"github.com/go-hap/ble/herrors"
)

// Adapter adapts one connected ble.Client into a transport.GattClient keyed
// by HAP instance id rather than raw GATT handles.
type Adapter struct {
	client ble.Client

	mu    sync.RWMutex
	chars map[uint16]*ble.Characteristic

	maxWriteNR int
}

// New wraps an already-connected ble.Client. maxWriteNR should come from the
// platform's write-without-response size hint, clamped the way blecli's
// DeviceFactory clamps HAP's own MTU floor.
func New(client ble.Client, maxWriteNR int) *Adapter {
	return &Adapter{
		client:     client,
		chars:      make(map[uint16]*ble.Characteristic),
		maxWriteNR: maxWriteNR,
	}
}

// Bind associates a HAP instance id with the GATT characteristic the
// connector package discovered it at. Must be called before any Write/Read for that iid.
func (a *Adapter) Bind(iid uint16, c *ble.Characteristic) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chars[iid] = c
}

func (a *Adapter) charFor(iid uint16) (*ble.Characteristic, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.chars[iid]
	if !ok {
		return nil, &herrors.TransportError{Err: fmt.Errorf("no characteristic bound for iid %d", iid)}
	}
	return c, nil
}

// Write performs a write-without-response, matching HAP-BLE's PDU
// characteristic which accepts writes without a GATT-level ack: the ack is
// the subsequent response PDU, not a GATT write confirmation.
func (a *Adapter) Write(_ context.Context, iid uint16, data []byte) error {
	c, err := a.charFor(iid)
	if err != nil {
		return err
	}
	if err := a.client.WriteCharacteristic(c, data, true); err != nil {
		return &herrors.TransportError{Err: err}
	}
	return nil
}

// Read performs a GATT read, returning whatever fragment the accessory has
// currently staged at this characteristic.
func (a *Adapter) Read(_ context.Context, iid uint16) ([]byte, error) {
	c, err := a.charFor(iid)
	if err != nil {
		return nil, err
	}
	data, err := a.client.ReadCharacteristic(c)
	if err != nil {
		return nil, &herrors.TransportError{Err: err}
	}
	return data, nil
}

// defaultATTMTU is the HAP-BLE minimum required MTU (spec.md §3), used when
// the underlying stack exposes no negotiated-MTU accessor.
const defaultATTMTU = 155

// MTU returns the connection's negotiated ATT MTU, falling back to the
// HAP-BLE minimum if the concrete client type exposes no MTU accessor.
func (a *Adapter) MTU() int {
	type mtuProvider interface{ ClientMTU() int }
	if p, ok := a.client.(mtuProvider); ok {
		if m := p.ClientMTU(); m > 0 {
			return m
		}
	}
	return defaultATTMTU
}

// MaxWriteWithoutResponseSize returns the platform's cap on a single
// write-without-response call.
func (a *Adapter) MaxWriteWithoutResponseSize() int { return a.maxWriteNR }

// StartNotify subscribes to GATT notifications on the characteristic bound to
// iid, satisfying transport.Notifier so the pairing controller can restore
// HAP event subscriptions on a real link. HAP-BLE subscriptions are plain
// GATT notify, never indicate.
func (a *Adapter) StartNotify(_ context.Context, iid uint16, onValue func([]byte)) error {
	c, err := a.charFor(iid)
	if err != nil {
		return err
	}
	if err := a.client.Subscribe(c, false, onValue); err != nil {
		return &herrors.TransportError{Err: err}
	}
	return nil
}

// StopNotify cancels a prior StartNotify.
func (a *Adapter) StopNotify(_ context.Context, iid uint16) error {
	c, err := a.charFor(iid)
	if err != nil {
		return err
	}
	if err := a.client.Unsubscribe(c, false); err != nil {
		return &herrors.TransportError{Err: err}
	}
	return nil
}

// Close tears down the underlying BLE connection.
func (a *Adapter) Close() error {
	if err := a.client.CancelConnection(); err != nil {
		return &herrors.TransportError{Err: err}
	}
	return nil
}
