// Package transport drives the HAP-BLE PDU request/response exchange over a
// single GATT characteristic pair, fragmenting and reassembling with package
// pdu and, once a session is established, sealing and opening frames with
// package session. Grounded on aiohomekit's ble_request (client.py) for the
// write-then-poll-read control flow and on the teacher's BluetoothDriverI for
// the shape of the abstract hardware seam.
package transport

import "context"

// GattClient is the abstract GATT link this module drives. A concrete
// implementation (package transport/bleadapter) wraps a real central-role
// BLE stack; tests substitute a scripted fake.
//
// Write performs a GATT write (with or without response, the adapter's
// choice) of one PDU fragment to the HAP PDU characteristic identified by
// iid. Read performs a GATT read of the same characteristic, returning
// whatever fragment the accessory currently has staged there.
type GattClient interface {
	Write(ctx context.Context, iid uint16, data []byte) error
	Read(ctx context.Context, iid uint16) ([]byte, error)

	// MTU is the negotiated ATT MTU for this link.
	MTU() int

	// MaxWriteWithoutResponseSize bounds how much a single write-without-
	// response call can carry; some central stacks cap this below MTU-3.
	// 0 means no cap is known, and MTU-3 is used alone.
	MaxWriteWithoutResponseSize() int
}

// Notifier is an optional capability a GattClient may implement: GATT
// notify/indicate on the characteristic backing a HAP iid, used for HAP
// event subscriptions (which arrive as GATT notifications, not PDU responses;
// bleadapter subscribes with notify, not indicate).
// A GattClient that doesn't implement this can still be driven for
// request/response traffic; it just can't serve subscriptions.
type Notifier interface {
	StartNotify(ctx context.Context, iid uint16, onValue func([]byte)) error
	StopNotify(ctx context.Context, iid uint16) error
}
