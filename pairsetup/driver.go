// Package pairsetup drives the pair-setup and pair-verify TLV state machines
// over a package transport.Client, without knowing anything about SRP or key
// derivation. The only TLV encoding it does itself is the HAP write-value
// envelope around each request and response. Grounded on aiohomekit's
// drive_pairing_state_machine (client.py): a generator that is fed the
// previous response and yields the next request until it is done.
package pairsetup

import (
	"context"

	"github.com/brutella/hap/tlv8"

	"github.com/go-hap/ble/herrors"
	"github.com/go-hap/ble/pdu"
	"github.com/go-hap/ble/transport"
)

// writeValueWrapper is the HAP "write value" envelope every CHAR_WRITE of a
// pair-setup/pair-verify TLV travels in: type 9 asks the accessory to
// return a response, type 17 carries the inner TLV payload. Mirrors package
// pairing's pairingsRequestWrapper for the sibling Pair-Pairings
// characteristic, and aiohomekit's BleRequest(expect_response=1, value=body)
// / decoded[AdditionalParameterTypes.Value.value] on the read side.
type writeValueWrapper struct {
	ReturnResponse byte   `tlv8:"9"`
	Value          []byte `tlv8:"17"`
}

// Machine is a TLV-driven handshake state machine supplied by the caller —
// spec.md §4.4 leaves pair-setup and pair-verify's cryptographic steps
// external to the session core, so the Machine's own request/response
// bytes are opaque to this module; Drive only wraps and unwraps them.
//
// Next is called with the response body received for the previous request
// (nil on the very first call). It returns the next request body to send,
// or done=true with the machine's final result once the handshake has
// completed. A Machine that returns an error aborts the drive immediately.
type Machine interface {
	Next(resp []byte) (req []byte, done bool, result any, err error)
}

// Drive runs m to completion against iid, writing each request with
// OpCharWrite and feeding the next response back in, exactly mirroring the
// Python generator-driven loop this is grounded on.
func Drive(ctx context.Context, client *transport.Client, iid uint16, m Machine) (any, error) {
	var resp []byte
	for {
		req, done, result, err := m.Next(resp)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}

		wrapped, err := tlv8.Marshal(writeValueWrapper{ReturnResponse: 1, Value: req})
		if err != nil {
			return nil, &herrors.ProtocolError{Err: err}
		}
		_, body, err := client.Request(ctx, pdu.OpCharWrite, iid, wrapped)
		if err != nil {
			return nil, err
		}

		var respWrapper writeValueWrapper
		if err := tlv8.Unmarshal(body, &respWrapper); err != nil {
			return nil, &herrors.ProtocolError{Err: err}
		}
		resp = respWrapper.Value
	}
}
