// Package connector wires package pairing's Connector seam to a real
// central-role Bluetooth stack, github.com/go-ble/ble, grounded on blecli's
// BLEConnection.Connect (discover-then-bind) and on the teacher's own habit
// of keeping the hardware driver behind one small interface. It is the only
// package in this module that touches a real radio.
package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ble/ble"

	"github.com/go-hap/ble/catalog"
	"github.com/go-hap/ble/herrors"
	"github.com/go-hap/ble/internal/hlog"
	"github.com/go-hap/ble/transport"
	"github.com/go-hap/ble/transport/bleadapter"
)

// characteristicInstanceIDType is the well-known HAP-BLE descriptor that
// carries a characteristic's HAP instance id, read once per characteristic
// during discovery (spec.md §4.2: iids are never invented by the
// controller, they're read off the accessory).
const characteristicInstanceIDType = "DC46F0FE-81D2-4616-B5D9-6ABDD796939A"

// DefaultMaxWriteWithoutResponseSize is used when the dialed client exposes
// no platform-specific write-without-response cap.
const DefaultMaxWriteWithoutResponseSize = 104

// BLEConnector implements pairing.Connector over a real go-ble/ble central.
// One BLEConnector serves one accessory address; Connect may be called again
// after Disconnect to reconnect.
type BLEConnector struct {
	maxWriteNR int
}

// New builds a BLEConnector. maxWriteNR bounds a single write-without-
// response call; pass 0 to use DefaultMaxWriteWithoutResponseSize.
func New(maxWriteNR int) *BLEConnector {
	if maxWriteNR <= 0 {
		maxWriteNR = DefaultMaxWriteWithoutResponseSize
	}
	return &BLEConnector{maxWriteNR: maxWriteNR}
}

// Connect dials the accessory at address, discovers its full GATT profile,
// reads every characteristic's HAP instance id off its instance-id
// descriptor, and returns a bound transport.GattClient plus the discovered
// characteristic list catalog.Fetch needs.
func (c *BLEConnector) Connect(ctx context.Context, address string) (transport.GattClient, []catalog.DiscoveredChar, error) {
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, nil, &herrors.TransportError{Err: fmt.Errorf("dial %s: %w", address, err)}
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, nil, &herrors.TransportError{Err: fmt.Errorf("discover profile: %w", err)}
	}

	adapter := bleadapter.New(client, c.maxWriteNR)

	var discovered []catalog.DiscoveredChar
	for _, svc := range profile.Services {
		serviceIID, err := readInstanceID(client, svc.Characteristics)
		if err != nil {
			hlog.Log().Warningf("%s: service %s has no instance id, skipping", address, svc.UUID.String())
			continue
		}

		for _, char := range svc.Characteristics {
			iid, err := readCharInstanceID(client, char)
			if err != nil {
				hlog.Log().Debugf("%s: characteristic %s has no instance id, skipping", address, char.UUID.String())
				continue
			}
			adapter.Bind(iid, char)
			discovered = append(discovered, catalog.DiscoveredChar{
				ServiceIID:  serviceIID,
				ServiceType: normalizeUUID(svc.UUID.String()),
				IID:         iid,
				Type:        normalizeUUID(char.UUID.String()),
			})
		}
	}

	return adapter, discovered, nil
}

// Disconnect tears down the link. gatt must be one this connector's Connect
// previously returned.
func (c *BLEConnector) Disconnect(gatt transport.GattClient) error {
	adapter, ok := gatt.(*bleadapter.Adapter)
	if !ok {
		return &herrors.TransportError{Err: fmt.Errorf("not a bleadapter.Adapter")}
	}
	if err := adapter.Close(); err != nil {
		return &herrors.TransportError{Err: err}
	}
	return nil
}

// readCharInstanceID finds and reads a characteristic's HAP instance-id
// descriptor.
func readCharInstanceID(client ble.Client, char *ble.Characteristic) (uint16, error) {
	for _, d := range char.Descriptors {
		if normalizeUUID(d.UUID.String()) != normalizeUUID(characteristicInstanceIDType) {
			continue
		}
		raw, err := client.ReadDescriptor(d)
		if err != nil {
			return 0, &herrors.TransportError{Err: err}
		}
		return decodeLE16(raw)
	}
	return 0, fmt.Errorf("no instance-id descriptor")
}

// readInstanceID approximates a service's HAP instance id as its "service
// instance id" characteristic (ServiceInstanceIDType in package catalog),
// which every real HAP-BLE service carries. Falls back to the first bound
// characteristic's handle-derived id, since aggressively-trimmed accessories
// sometimes omit it.
func readInstanceID(client ble.Client, chars []*ble.Characteristic) (uint16, error) {
	for _, char := range chars {
		if normalizeUUID(char.UUID.String()) != normalizeUUID(catalog.ServiceInstanceIDType) {
			continue
		}
		raw, err := client.ReadCharacteristic(char)
		if err != nil {
			return 0, &herrors.TransportError{Err: err}
		}
		return decodeLE16(raw)
	}
	if len(chars) > 0 {
		return uint16(chars[0].Handle), nil
	}
	return 0, fmt.Errorf("empty service")
}

func decodeLE16(raw []byte) (uint16, error) {
	if len(raw) < 2 {
		return 0, &herrors.ProtocolError{Err: herrors.ErrMalformedPDU}
	}
	return uint16(raw[0]) | uint16(raw[1])<<8, nil
}

// bluetoothBaseUUIDSuffix is the common tail every 16-bit HAP/Bluetooth SIG
// UUID expands into.
const bluetoothBaseUUIDSuffix = "-0000-1000-8000-0026BB765291"

// normalizeUUID expands a short (4-hex) UUID go-ble may report into HAP's
// full dashed-uppercase form and uppercases a long one, so string comparisons
// against this module's UUID constants (all written in full dashed-uppercase
// HAP form) work regardless of which form the radio handed back.
func normalizeUUID(uuid string) string {
	clean := strings.ToUpper(strings.ReplaceAll(uuid, "-", ""))
	switch len(clean) {
	case 4:
		return "0000" + clean + bluetoothBaseUUIDSuffix
	case 8:
		return clean + bluetoothBaseUUIDSuffix
	case 32:
		return fmt.Sprintf("%s-%s-%s-%s-%s", clean[0:8], clean[8:12], clean[12:16], clean[16:20], clean[20:32])
	default:
		return strings.ToUpper(uuid)
	}
}
