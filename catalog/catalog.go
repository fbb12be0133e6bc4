// Package catalog builds and refreshes the cached accessory tree: Fetch
// walks the GATT database and CHAR_SIG_READs every characteristic signature
// (always unsessioned, even after pairing — spec.md §4.5's resolution of
// the "are signature reads sessioned" open question), and PopulateValues
// fills in the readable values for a subset of that tree. Grounded on
// aiohomekit's _async_fetch_gatt_database and _populate_char_values
// (pairing.py).
package catalog

import (
	"context"

	"github.com/brutella/hap/tlv8"

	"github.com/go-hap/ble/herrors"
	"github.com/go-hap/ble/model"
	"github.com/go-hap/ble/pdu"
	"github.com/go-hap/ble/session"
	"github.com/go-hap/ble/transport"
)

// ServiceInstanceIDType is the characteristic type of the per-service
// Service Instance ID characteristic. The GATT database walk never adds a
// characteristic of this type to the tree: it carries the owning service's
// instance id, not an accessory value. The service itself is kept.
const ServiceInstanceIDType = "E604E95D-A759-4817-87D3-AA005083A0D1"

const (
	ServiceTypeThreadTransport             = "00000701-0000-1000-8000-0026BB765291"
	ServiceTypePairing                     = "00000055-0000-1000-8000-0026BB765291"
	ServiceTypeTransferTransportManagement = "00000203-0000-1000-8000-0026BB765291"
	ServiceTypeAccessoryInformation        = "0000003E-0000-1000-8000-0026BB765291"
)

// skipSyncServices are never included in PopulateValues' read set; they
// carry transport-layer characteristics that are never meant to be synced
// as accessory state (aiohomekit's SKIP_SYNC_SERVICES).
var skipSyncServices = map[string]struct{}{
	ServiceTypeThreadTransport:             {},
	ServiceTypePairing:                     {},
	ServiceTypeTransferTransportManagement: {},
}

// DiscoveredChar is one GATT characteristic the transport layer's
// discovery step found, before its HAP signature has been read.
type DiscoveredChar struct {
	ServiceIID  uint16
	ServiceType string
	IID         uint16
	Type        string
}

type signatureTLV struct {
	Perms    []byte   `tlv8:"16"`
	Format   *byte    `tlv8:"20"`
	MinValue *float64 `tlv8:"21"`
	MaxValue *float64 `tlv8:"22"`
	MinStep  *float64 `tlv8:"23"`
}

var permBits = []model.Permission{
	model.PermPairedRead,
	model.PermPairedWrite,
	model.PermEvents,
	model.PermAdditionalAuth,
	model.PermTimedWrite,
	model.PermHidden,
}

func decodePerms(raw []byte) []model.Permission {
	if len(raw) == 0 {
		return nil
	}
	var perms []model.Permission
	for i, p := range permBits {
		byteIdx, bit := i/8, uint(i%8)
		if byteIdx < len(raw) && raw[byteIdx]&(1<<bit) != 0 {
			perms = append(perms, p)
		}
	}
	return perms
}

var formatNames = map[byte]model.Format{
	0x01: "bool",
	0x04: "uint8",
	0x06: "uint16",
	0x08: "uint32",
	0x0A: "uint64",
	0x10: "int",
	0x14: "float",
	0x19: "string",
	0x1B: "tlv8",
	0x1A: "data",
}

// Fetch CHAR_SIG_READs every discovered characteristic (skipping the
// service-instance-id type) and assembles the resulting signatures into an
// accessory tree. Signature reads are always performed with keys=nil: they
// must succeed before pair-verify has ever run, and aiohomekit never
// sessions them even on an already-paired link.
func Fetch(ctx context.Context, gatt transport.GattClient, discovered []DiscoveredChar) (*model.Accessory, error) {
	services := make(map[uint16]*model.Service)
	var order []uint16
	tree := &model.Accessory{}

	for _, d := range discovered {
		svc, ok := services[d.ServiceIID]
		if !ok {
			svc = &model.Service{IID: d.ServiceIID, Type: d.ServiceType}
			services[d.ServiceIID] = svc
			order = append(order, d.ServiceIID)
			tree.Services = append(tree.Services, svc)
		}
		if d.Type == ServiceInstanceIDType {
			continue
		}

		client := transport.NewClient(gatt, d.IID, nil)
		status, body, err := client.Request(ctx, pdu.OpCharSigRead, d.IID, nil)
		if err != nil {
			return nil, err
		}
		if status != pdu.StatusSuccess {
			continue
		}

		var sig signatureTLV
		if err := tlv8.Unmarshal(body, &sig); err != nil {
			return nil, &herrors.ProtocolError{Err: err}
		}

		ch := &model.Characteristic{
			IID:         d.IID,
			Type:        d.Type,
			ServiceType: d.ServiceType,
			Perms:       decodePerms(sig.Perms),
		}
		if sig.Format != nil {
			ch.Format = formatNames[*sig.Format]
		}
		ch.MinValue = sig.MinValue
		ch.MaxValue = sig.MaxValue
		ch.MinStep = sig.MinStep

		svc.Chars = append(svc.Chars, ch)
	}

	return tree, nil
}

type valueTLV struct {
	Value []byte `tlv8:"1"`
}

// PopulateValues CHAR_READs every paired-read characteristic in tree that
// isn't in a skip-synced service, skipping ACCESSORY_INFORMATION too unless
// configChanged — mirroring _populate_char_values' rationale that
// accessory-information rarely changes and isn't worth a read storm on
// every reconnect.
func PopulateValues(ctx context.Context, gatt transport.GattClient, keys *session.Keys, tree *model.Accessory, configChanged bool) error {
	for _, svc := range tree.Services {
		if _, skip := skipSyncServices[svc.Type]; skip {
			continue
		}
		if !configChanged && svc.Type == ServiceTypeAccessoryInformation {
			continue
		}
		for _, ch := range svc.Chars {
			if !ch.HasPerm(model.PermPairedRead) {
				continue
			}
			client := transport.NewClient(gatt, ch.IID, keys)
			status, body, err := client.Request(ctx, pdu.OpCharRead, ch.IID, nil)
			if err != nil {
				return err
			}
			if status != pdu.StatusSuccess {
				continue
			}
			var v valueTLV
			if err := tlv8.Unmarshal(body, &v); err != nil {
				return &herrors.ProtocolError{Err: err}
			}
			ch.Value = v.Value
		}
	}
	return nil
}
