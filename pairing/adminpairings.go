package pairing

import (
	"context"

	"github.com/brutella/hap/tlv8"

	"github.com/go-hap/ble/herrors"
	"github.com/go-hap/ble/pdu"
	"github.com/go-hap/ble/transport"
)

type pairingsRequestWrapper struct {
	ReturnResponse byte   `tlv8:"9"`
	Value          []byte `tlv8:"17"`
}

type pairingsInnerRequest struct {
	State       byte   `tlv8:"6"`
	Method      byte   `tlv8:"0"`
	Identifier  []byte `tlv8:"1"`
	PublicKey   []byte `tlv8:"3"`
	Permissions byte   `tlv8:"11"`
}

type pairingsResponse struct {
	State byte `tlv8:"6"`
	Error byte `tlv8:"7"`
}

// pairingEntry is one paired controller as returned by list_pairings.
type pairingEntry struct {
	Identifier  []byte `tlv8:"1"`
	PublicKey   []byte `tlv8:"3"`
	Permissions byte   `tlv8:"11"`
}

// PairingInfo is one paired controller's identity and permission level, the
// Go shape of list_pairings' per-entry tuples.
type PairingInfo struct {
	ControllerPairingID []byte
	LTPK                []byte
	Admin               bool
}

// tlvSeparatorType (kTLVType_Separator) delimits repeated item bundles
// packed into a single TLV8 blob; list_pairings uses it between entries.
const tlvSeparatorType = 0xFF

// splitTLVEntries splits a TLV8 byte stream on zero-length Separator items,
// the convention HAP uses to mark the boundary between repeated bundles
// (here, one per paired controller) within a single response. Doesn't
// handle cross-entry same-type fragmentation (a PublicKey/Identifier longer
// than 255 bytes split across consecutive items of its own type); no
// pairing identity HAP defines is that large.
func splitTLVEntries(data []byte) [][]byte {
	var entries [][]byte
	start := 0
	for i := 0; i+1 < len(data); {
		t, l := data[i], data[i+1]
		if t == tlvSeparatorType && l == 0 {
			entries = append(entries, data[start:i])
			i += 2
			start = i
			continue
		}
		i += 2 + int(l)
	}
	entries = append(entries, data[start:])
	return entries
}

func (c *Controller) pairingsCharIID() (uint16, error) {
	iid, ok := findCharByType(c.tree, CharacteristicTypePairingPairings)
	if !ok {
		return 0, &herrors.ProtocolError{Err: herrors.ErrInvalid}
	}
	return iid, nil
}

// writePairingsRequestWithResponse writes inner over the Pairing Pairings
// characteristic and returns the unwrapped response Value, retrying
// transient transport errors up to attempts times.
func (c *Controller) writePairingsRequestWithResponse(ctx context.Context, inner pairingsInnerRequest, attempts int) ([]byte, error) {
	innerBody, err := tlv8.Marshal(inner)
	if err != nil {
		return nil, &herrors.ProtocolError{Err: err}
	}
	body, err := tlv8.Marshal(pairingsRequestWrapper{ReturnResponse: 1, Value: innerBody})
	if err != nil {
		return nil, &herrors.ProtocolError{Err: err}
	}

	c.operationMu.Lock()
	defer c.operationMu.Unlock()
	if err := c.reconcileLocked(ctx, false); err != nil {
		return nil, err
	}
	iid, err := c.pairingsCharIID()
	if err != nil {
		return nil, err
	}

	c.bleRequestMu.Lock()
	defer c.bleRequestMu.Unlock()
	client := transport.NewClient(c.gatt, iid, c.keys)

	var respBody []byte
	err = retryTransport(ctx, attempts, func() error {
		var err error
		_, respBody, err = client.Request(ctx, pdu.OpCharWrite, iid, body)
		return err
	})
	if err != nil {
		return nil, err
	}

	var wrapper pairingsRequestWrapper
	if err := tlv8.Unmarshal(respBody, &wrapper); err != nil {
		return nil, &herrors.ProtocolError{Err: err}
	}
	return wrapper.Value, nil
}

func (c *Controller) writePairingsRequest(ctx context.Context, inner pairingsInnerRequest, attempts int) error {
	value, err := c.writePairingsRequestWithResponse(ctx, inner, attempts)
	if err != nil {
		return err
	}
	var resp pairingsResponse
	if err := tlv8.Unmarshal(value, &resp); err != nil {
		return &herrors.ProtocolError{Err: err}
	}
	if resp.State != tlvStateM2 {
		return &herrors.ProtocolError{Err: herrors.ErrInvalid}
	}
	if resp.Error != 0 {
		if resp.Error == errAuthentication {
			return herrors.ErrAuthentication
		}
		return herrors.ErrUnknown
	}
	return nil
}

// AddPairing adds an additional controller pairing to the accessory,
// mirroring add_pairing's M1 request over the Pairing Pairings
// characteristic. permission is "User" or "Admin".
func (c *Controller) AddPairing(ctx context.Context, additionalControllerID, ltpk []byte, permission string) error {
	perm := byte(permRegularUser)
	if permission == "Admin" {
		perm = permAdminUser
	}
	return c.writePairingsRequest(ctx, pairingsInnerRequest{
		State:       tlvStateM1,
		Method:      methodAddPairing,
		Identifier:  additionalControllerID,
		PublicKey:   ltpk,
		Permissions: perm,
	}, DefaultRetryAttempts)
}

// RemovePairing removes a controller pairing by its pairing identifier,
// mirroring remove_pairing. Retried up to RemovePairingRetryAttempts times,
// since aiohomekit budgets this call more retries than other GATT requests.
func (c *Controller) RemovePairing(ctx context.Context, pairingID []byte) error {
	return c.writePairingsRequest(ctx, pairingsInnerRequest{
		State:      tlvStateM1,
		Method:     methodRemovePairing,
		Identifier: pairingID,
	}, RemovePairingRetryAttempts)
}

// ListPairings lists every controller currently paired with the accessory,
// mirroring list_pairings' M1 request over the Pairing Pairings
// characteristic.
func (c *Controller) ListPairings(ctx context.Context) ([]PairingInfo, error) {
	value, err := c.writePairingsRequestWithResponse(ctx, pairingsInnerRequest{
		State:  tlvStateM1,
		Method: methodListPairings,
	}, DefaultRetryAttempts)
	if err != nil {
		return nil, err
	}

	var header pairingsResponse
	if err := tlv8.Unmarshal(value, &header); err != nil {
		return nil, &herrors.ProtocolError{Err: err}
	}
	if header.State != tlvStateM2 {
		return nil, &herrors.ProtocolError{Err: herrors.ErrInvalid}
	}
	if header.Error != 0 {
		if header.Error == errAuthentication {
			return nil, herrors.ErrAuthentication
		}
		return nil, herrors.ErrUnknown
	}

	var infos []PairingInfo
	for _, raw := range splitTLVEntries(value) {
		var entry pairingEntry
		if err := tlv8.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if len(entry.Identifier) == 0 && len(entry.PublicKey) == 0 {
			continue
		}
		infos = append(infos, PairingInfo{
			ControllerPairingID: entry.Identifier,
			LTPK:                entry.PublicKey,
			Admin:               entry.Permissions == permAdminUser,
		})
	}
	return infos, nil
}
