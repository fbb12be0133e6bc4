// Package pairing is the top-level HAP-BLE pairing lifecycle controller: it
// owns the connection, the cached accessory tree, the session keys, and the
// subscription set, and is the only package in this module that acquires
// more than one lock at a time. Lock order is fixed and never varies:
// operation ≻ config ≻ connection ≻ ble-request, with subscription held
// independently of the other four. Grounded on aiohomekit's BlePairing
// (pairing.py) and, for the struct/persister/retry shape, on the teacher's
// EnclaveClient (krd/enclave_client.go).
package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/go-hap/ble/catalog"
	"github.com/go-hap/ble/herrors"
	"github.com/go-hap/ble/internal/hlog"
	"github.com/go-hap/ble/model"
	"github.com/go-hap/ble/pairsetup"
	"github.com/go-hap/ble/pairsetup/refverify"
	"github.com/go-hap/ble/session"
	"github.com/go-hap/ble/transport"
)

// Connector establishes (and tears down) the GATT link and performs service
// discovery, abstracting a concrete central-role BLE stack the way the
// teacher's BluetoothDriverI abstracts its own radio.
type Connector interface {
	Connect(ctx context.Context, address string) (transport.GattClient, []catalog.DiscoveredChar, error)
	Disconnect(gatt transport.GattClient) error
}

// Controller is one accessory's pairing lifecycle: connect, pair-verify,
// reconcile the GATT database, and serve characteristic reads/writes and
// subscriptions against the cached tree.
type Controller struct {
	address   string
	connector Connector
	persister Persister
	timeouts  Timeouts

	operationMu   sync.Mutex
	configMu      sync.Mutex
	connectionMu  sync.Mutex
	bleRequestMu  sync.Mutex
	subscriptionMu sync.Mutex

	gatt       transport.GattClient
	discovered []catalog.DiscoveredChar

	data *Data
	keys *session.Keys

	tree          *model.Accessory
	configNum     uint16
	lastConfigNum uint16
	stateNum      uint16
	haveFetched   bool

	subs *model.Subscriptions

	lastSeen       time.Time
	availabilityCb AvailabilityCallback

	notifyGate   pollGate
	pendingMu    sync.Mutex
	pendingPolls map[uint16]struct{}

	listenersMu sync.Mutex
	listeners   []CharacteristicListener
}

// AvailabilityCallback is invoked when a pairing that had gone quiet for
// longer than AvailabilityInterval is seen again in an advertisement.
type AvailabilityCallback func()

// SetAvailabilityCallback installs the callback ProcessAdvertisement fires
// when the accessory transitions from unavailable back to available.
func (c *Controller) SetAvailabilityCallback(cb AvailabilityCallback) {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	c.availabilityCb = cb
}

// New builds a Controller for the accessory at address. data may be nil if
// pairing hasn't happened yet; callers must call SetData after pair-setup
// completes before any operation that requires pair-verify will succeed.
func New(address string, connector Connector, persister Persister, data *Data) *Controller {
	return &Controller{
		address:   address,
		connector: connector,
		persister: persister,
		timeouts:  DefaultTimeouts(),
		subs:      model.NewSubscriptions(),
		data:      data,
	}
}

// SetData installs (or replaces) the pairing identity used for pair-verify.
// Clears any existing session so the next operation re-verifies under the
// new identity.
func (c *Controller) SetData(data *Data) {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	c.data = data
	c.keys = nil
}

// IsPaired reports whether this controller has pairing data to verify with.
func (c *Controller) IsPaired() bool {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.data != nil
}

// ProcessAdvertisement feeds one parsed advertisement (address, config
// number, state number) into the controller, mirroring
// _async_description_update. An address change means the accessory is now
// reachable somewhere else: the cached database can no longer be trusted and
// the stale link is closed. A config number change runs a full reconcile
// before ProcessAdvertisement returns. A bare state number change (no config
// change) runs a lighter disconnected-events poll of whatever is currently
// subscribed, also before returning, to
// pick up notifications emitted while this controller had no live
// connection. A pairing that had gone silent for longer than
// AvailabilityInterval firing a fresh advertisement triggers the
// availability callback.
func (c *Controller) ProcessAdvertisement(ctx context.Context, address string, configNum, stateNum uint16) {
	c.configMu.Lock()
	addressChanged := c.haveFetched && address != "" && address != c.address
	if addressChanged {
		c.address = address
		c.tree = nil
		c.haveFetched = false
	}

	wasUnavailable := c.haveFetched && !c.lastSeen.IsZero() && timeNow().Sub(c.lastSeen) > AvailabilityInterval
	c.lastSeen = timeNow()

	configChanged := c.haveFetched && configNum != c.configNum
	stateChanged := c.haveFetched && !configChanged && stateNum != c.stateNum
	c.configNum = configNum
	c.stateNum = stateNum
	cb := c.availabilityCb
	c.configMu.Unlock()

	if addressChanged {
		hlog.Log().Debugf("%s: advertised address changed, closing stale connection", c.address)
		if err := c.Close(ctx); err != nil {
			hlog.Log().Warningf("%s: failed to close after address change: %s", c.address, err)
		}
	}

	if wasUnavailable && cb != nil {
		cb()
	}

	switch {
	case configChanged:
		hlog.Log().Debugf("%s: config number changed, scheduling reconcile", c.address)
		if err := c.Reconcile(ctx, false); err != nil {
			hlog.Log().Warningf("%s: failed to process config change: %s", c.address, err)
		}
	case stateChanged:
		hlog.Log().Debugf("%s: state number changed, polling subscriptions for missed events", c.address)
		c.pollAndDispatch(ctx, c.subs.List())
	}
}

// ensureConnected connects (if not already connected) under connectionMu,
// retrying a failed dial up to MaxConnectAttempts times. SubscriptionRestoreDelay
// after a new link comes up, a background goroutine restores subscriptions on
// it, unless the link has been closed or replaced by then. Caller must already
// hold configMu (reconcile's lock order: config ≻ connection).
func (c *Controller) ensureConnected(ctx context.Context) error {
	c.connectionMu.Lock()
	defer c.connectionMu.Unlock()
	if c.gatt != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Connect.Fail)
	defer cancel()

	var gatt transport.GattClient
	var discovered []catalog.DiscoveredChar
	err := retryTransport(ctx, MaxConnectAttempts, func() error {
		g, d, err := c.connector.Connect(ctx, c.address)
		if err != nil {
			return &herrors.TransportError{Err: err}
		}
		gatt, discovered = g, d
		return nil
	})
	if err != nil {
		return err
	}
	c.gatt = gatt
	c.discovered = discovered
	c.lastSeen = timeNow()
	go func() {
		time.Sleep(SubscriptionRestoreDelay)
		c.connectionMu.Lock()
		defer c.connectionMu.Unlock()
		if c.gatt != gatt {
			return
		}
		c.restoreSubscriptions(context.Background())
	}()
	return nil
}

// Close tears down the connection and clears all session state, mirroring
// _close_while_locked: it is always safe to call, connected or not.
func (c *Controller) Close(ctx context.Context) error {
	c.connectionMu.Lock()
	defer c.connectionMu.Unlock()
	if c.gatt == nil {
		return nil
	}
	err := c.connector.Disconnect(c.gatt)
	c.gatt = nil
	c.discovered = nil
	c.keys = nil
	c.subs.Clear()
	return err
}

// Reconcile fetches the GATT database if the cached config number is stale
// (or force is set) and pair-verifies if there is no live session, then
// repopulates characteristic values. This is _populate_accessories_and_
// characteristics, minus the was_locked short-circuit: that optimization
// only matters under concurrent callers sharing one asyncio task, which
// this Controller's goroutine-safe locks make unnecessary to special-case.
func (c *Controller) Reconcile(ctx context.Context, force bool) error {
	c.operationMu.Lock()
	defer c.operationMu.Unlock()
	return c.reconcileLocked(ctx, force)
}

func (c *Controller) reconcileLocked(ctx context.Context, force bool) error {
	c.configMu.Lock()
	defer c.configMu.Unlock()

	if !force && c.haveFetched && c.configNum == c.lastConfigNum && c.gatt != nil && c.keys != nil {
		return nil
	}

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	configChanged := force || !c.haveFetched || c.configNum != c.lastConfigNum
	if configChanged {
		tree, err := catalog.Fetch(ctx, c.gatt, c.discovered)
		if err != nil {
			return err
		}
		c.tree = tree
		c.lastConfigNum = c.configNum
		c.haveFetched = true
	}

	if c.keys == nil {
		if err := c.pairVerifyLocked(ctx); err != nil {
			return err
		}
	}

	if err := catalog.PopulateValues(ctx, c.gatt, c.keys, c.tree, configChanged); err != nil {
		return err
	}
	return nil
}

// pairVerifyIID finds the pair-verify characteristic's iid in the
// cached tree by its well-known service/characteristic type.
func pairVerifyIID(tree *model.Accessory) (uint16, bool) {
	svc := tree.ServiceByType(catalog.ServiceTypePairing)
	if svc == nil {
		return 0, false
	}
	for _, ch := range svc.Chars {
		if ch.Type == CharacteristicTypePairVerify {
			return ch.IID, true
		}
	}
	return 0, false
}

func (c *Controller) pairVerifyLocked(ctx context.Context) error {
	if c.data == nil {
		return herrors.ErrNotPaired
	}
	c.bleRequestMu.Lock()
	defer c.bleRequestMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.PairVerify.Fail)
	defer cancel()

	iid, ok := pairVerifyIID(c.tree)
	if !ok {
		return &herrors.ProtocolError{Err: herrors.ErrInvalid}
	}

	client := transport.NewClient(c.gatt, iid, nil)
	var result any
	err := retryTransport(ctx, DefaultRetryAttempts, func() error {
		m := refverify.New(c.data.Identity())
		var err error
		result, err = pairsetup.Drive(ctx, client, iid, m)
		return err
	})
	if err != nil {
		return err
	}
	res, ok := result.(*refverify.Result)
	if !ok || res.Keys == nil {
		return &herrors.ProtocolError{Err: herrors.ErrInvalid}
	}
	c.keys = res.Keys
	return nil
}

// timeNow exists so tests can be written against a Controller without ever
// needing to fake wall-clock time for anything but lastSeen bookkeeping.
var timeNow = time.Now
