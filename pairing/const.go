package pairing

import "time"

// DiscoverTimeout is the Discover budget DefaultTimeouts reports
// (aiohomekit's DISCOVER_TIMEOUT). No code in this module waits on it; a
// connect attempt is bounded by Timeouts.Connect.Fail instead.
const DiscoverTimeout = 30 * time.Second

// AvailabilityInterval is how long a pairing is still considered available
// after its last advertisement, since battery-powered accessories may not
// re-advertise until something changes.
const AvailabilityInterval = 7 * 24 * time.Hour

// SubscriptionRestoreDelay is the pause after reconnecting before
// subscriptions are restored, giving the accessory time to settle.
const SubscriptionRestoreDelay = 500 * time.Millisecond

// BLEAID is the accessory id every BLE accessory is addressed by; BLE never
// multiplexes more than one accessory per pairing.
const BLEAID = 1

// pair-pairings TLV constants (add_pairing / remove_pairing / list_pairings).
const (
	tlvStateM1 = 1
	tlvStateM2 = 2

	tlvTypeMethod     = 0
	tlvTypeIdentifier = 1
	tlvTypePublicKey  = 3
	tlvTypePermissions = 11
	tlvTypeState      = 6
	tlvTypeError      = 7

	methodAddPairing    = 3
	methodRemovePairing = 4
	methodListPairings  = 5

	errAuthentication = 2

	permRegularUser = 0x00
	permAdminUser   = 0x01
)

// Well-known HAP characteristic type UUIDs this package writes to directly
// rather than discovering generically (pair-verify, pairings, identify).
const (
	CharacteristicTypePairVerify       = "00000022-0000-1000-8000-0026BB765291"
	CharacteristicTypePairingPairings = "00000050-0000-1000-8000-0026BB765291"
	CharacteristicTypeIdentify         = "00000014-0000-1000-8000-0026BB765291"
)

// HapStatus mirrors the subset of HAP status codes the write path surfaces
// directly to callers (CANT_WRITE_READ_ONLY for a write to a non-writable
// characteristic).
type HapStatus int

const (
	HapStatusSuccess            HapStatus = 0
	HapStatusCantWriteReadOnly HapStatus = -70404
)
