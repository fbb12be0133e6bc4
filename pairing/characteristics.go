package pairing

import (
	"context"
	"sync"

	"github.com/brutella/hap/tlv8"

	"github.com/go-hap/ble/herrors"
	"github.com/go-hap/ble/internal/hlog"
	"github.com/go-hap/ble/model"
	"github.com/go-hap/ble/pdu"
	"github.com/go-hap/ble/transport"
)

// CharacteristicWrite is one (iid, value) pair from a PutCharacteristics
// call, the Go shape of aiohomekit's (aid, iid, value) tuples with aid
// dropped since BLE only ever addresses BLEAID.
type CharacteristicWrite struct {
	IID   uint16
	Value []byte
}

// CharacteristicResult is one characteristic's outcome from
// PutCharacteristics: either Status is HapStatusCantWriteReadOnly (the
// write was rejected before ever touching the link) or the write
// succeeded and Status is HapStatusSuccess.
type CharacteristicResult struct {
	IID    uint16
	Status HapStatus
}

// GetCharacteristics reconciles the database if needed, then CHAR_READs
// every requested iid under the ble-request lock, matching
// _get_characteristics_while_connected's one-at-a-time discipline (the
// session's AEAD counters are shared state; reads cannot be pipelined).
func (c *Controller) GetCharacteristics(ctx context.Context, iids []uint16) (map[uint16][]byte, error) {
	c.operationMu.Lock()
	defer c.operationMu.Unlock()

	if err := c.reconcileLocked(ctx, false); err != nil {
		return nil, err
	}

	c.bleRequestMu.Lock()
	defer c.bleRequestMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request.Fail)
	defer cancel()

	results := make(map[uint16][]byte, len(iids))
	for _, iid := range iids {
		ch := c.tree.CharByIID(iid)
		if ch == nil {
			continue
		}
		client := transport.NewClient(c.gatt, iid, c.keys)
		var status pdu.PduStatus
		var body []byte
		err := retryTransport(ctx, DefaultRetryAttempts, func() error {
			var err error
			status, body, err = client.Request(ctx, pdu.OpCharRead, iid, nil)
			return err
		})
		if err != nil {
			return nil, err
		}
		if status != pdu.StatusSuccess {
			continue
		}
		var v valuePayload
		if err := tlv8.Unmarshal(body, &v); err != nil {
			return nil, &herrors.ProtocolError{Err: err}
		}
		results[iid] = v.Value
	}
	return results, nil
}

// PutCharacteristics reconciles the database, then writes every requested
// characteristic under the ble-request lock, choosing CHAR_TIMED_WRITE (+
// CHAR_EXEC_WRITE) for timed-write characteristics, plain CHAR_WRITE for
// paired-write ones, and rejecting the rest with CantWriteReadOnly without
// ever touching the link — mirroring put_characteristics exactly.
func (c *Controller) PutCharacteristics(ctx context.Context, writes []CharacteristicWrite) ([]CharacteristicResult, error) {
	c.operationMu.Lock()
	defer c.operationMu.Unlock()

	if err := c.reconcileLocked(ctx, false); err != nil {
		return nil, err
	}

	c.bleRequestMu.Lock()
	defer c.bleRequestMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request.Fail)
	defer cancel()

	results := make([]CharacteristicResult, 0, len(writes))
	for _, w := range writes {
		ch := c.tree.CharByIID(w.IID)
		if ch == nil {
			continue
		}

		switch {
		case ch.HasPerm(model.PermTimedWrite):
			payload := encodeTimedWritePayload(w.Value)
			client := transport.NewClient(c.gatt, w.IID, c.keys)
			err := retryTransport(ctx, DefaultRetryAttempts, func() error {
				_, _, err := client.Request(ctx, pdu.OpCharTimedWrite, w.IID, payload)
				return err
			})
			if err != nil {
				return nil, err
			}
			err = retryTransport(ctx, DefaultRetryAttempts, func() error {
				_, _, err := client.Request(ctx, pdu.OpCharExecWrite, w.IID, nil)
				return err
			})
			if err != nil {
				return nil, err
			}
			results = append(results, CharacteristicResult{IID: w.IID, Status: HapStatusSuccess})

		case ch.HasPerm(model.PermPairedWrite):
			payload := encodeValueTLV(w.Value)
			client := transport.NewClient(c.gatt, w.IID, c.keys)
			err := retryTransport(ctx, DefaultRetryAttempts, func() error {
				_, _, err := client.Request(ctx, pdu.OpCharWrite, w.IID, payload)
				return err
			})
			if err != nil {
				return nil, err
			}
			results = append(results, CharacteristicResult{IID: w.IID, Status: HapStatusSuccess})

		default:
			results = append(results, CharacteristicResult{IID: w.IID, Status: HapStatusCantWriteReadOnly})
		}
	}
	return results, nil
}

// Subscribe adds iids to the subscription set and, for any that are newly
// subscribed, starts GATT notifications on a live connection. Mirrors
// subscribe()'s "don't force a new connection just to subscribe" rule: if
// there is no live link, the new iids are only recorded, to be started next
// time Reconcile brings the link up.
func (c *Controller) Subscribe(ctx context.Context, iids []uint16) error {
	c.operationMu.Lock()
	defer c.operationMu.Unlock()

	c.subscriptionMu.Lock()
	fresh := c.subs.Add(iids)
	c.subscriptionMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	c.connectionMu.Lock()
	connected := c.gatt != nil
	c.connectionMu.Unlock()
	if !connected {
		return nil
	}

	if err := c.reconcileLocked(ctx, false); err != nil {
		return err
	}
	return c.startNotifyLocked(ctx, fresh)
}

// Unsubscribe removes iids from the subscription set and nothing more: GATT
// notifications already started for them stay active on the link
// (StopNotify is not called), as in aiohomekit's BLE pairing, where they are
// torn down on disconnect rather than individually.
func (c *Controller) Unsubscribe(_ context.Context, iids []uint16) error {
	c.subscriptionMu.Lock()
	defer c.subscriptionMu.Unlock()
	c.subs.Remove(iids)
	return nil
}

func (c *Controller) startNotifyLocked(ctx context.Context, iids []uint16) error {
	notifier, ok := c.gatt.(transport.Notifier)
	if !ok {
		return nil
	}
	for _, iid := range iids {
		iid := iid
		if err := notifier.StartNotify(ctx, iid, func(value []byte) {
			c.onNotify(iid, value)
		}); err != nil {
			return &herrors.TransportError{Err: err}
		}
	}
	return nil
}

// CharacteristicListener receives the result of a notification-triggered
// poll: the instance id that changed and its freshly-read value.
type CharacteristicListener func(iid uint16, value []byte)

// AddListener registers l to be called whenever a subscribed characteristic
// is read back in response to a notification (or a disconnected-events
// poll). Listeners are never called with stale cached values, only the
// result of a live CHAR_READ.
func (c *Controller) AddListener(l CharacteristicListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// onNotify handles one GATT notification callback for iid. HAP's
// convention is that an empty notification payload is a polling hint, not
// data: it means "something changed, go read it". A non-empty payload is
// ignored, since BLE accessories never put data directly on the wire this
// way. Admission is gated by notifyGate so a notify storm collapses into at
// most one poll running plus one queued, rather than spawning a goroutine
// per notification.
func (c *Controller) onNotify(iid uint16, value []byte) {
	if len(value) != 0 {
		return
	}

	c.pendingMu.Lock()
	if c.pendingPolls == nil {
		c.pendingPolls = make(map[uint16]struct{})
	}
	c.pendingPolls[iid] = struct{}{}
	c.pendingMu.Unlock()

	if c.notifyGate.tryEnter() {
		go c.runNotifyPolls()
	}
}

// runNotifyPolls drains pendingPolls, polling and dispatching each round's
// accumulated iids, until notifyGate reports no queued round is waiting.
func (c *Controller) runNotifyPolls() {
	for {
		c.pendingMu.Lock()
		iids := make([]uint16, 0, len(c.pendingPolls))
		for iid := range c.pendingPolls {
			iids = append(iids, iid)
		}
		c.pendingPolls = make(map[uint16]struct{})
		c.pendingMu.Unlock()

		c.pollAndDispatch(context.Background(), iids)

		if !c.notifyGate.leave() {
			return
		}
	}
}

// pollAndDispatch reads iids and hands each result to every registered
// listener. Errors are logged and swallowed: this runs off the caller's
// request path (a background notify poll, or an advertisement-driven
// disconnected-events catch-up), so there is no caller left to return to.
func (c *Controller) pollAndDispatch(ctx context.Context, iids []uint16) {
	if len(iids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Request.Fail)
	defer cancel()

	results, err := c.GetCharacteristics(ctx, iids)
	if err != nil {
		hlog.Log().Warningf("%s: notification-triggered poll failed: %s", c.address, err)
		return
	}

	c.listenersMu.Lock()
	listeners := append([]CharacteristicListener(nil), c.listeners...)
	c.listenersMu.Unlock()

	for iid, value := range results {
		for _, l := range listeners {
			l(iid, value)
		}
	}
}

// pollGate admits at most one poll running plus one queued, per spec.md's
// 2-permit semaphore: a third notification while one poll runs and one is
// already queued is dropped, since the queued poll will observe whatever
// state produced it anyway.
type pollGate struct {
	mu      sync.Mutex
	running bool
	queued  bool
}

// tryEnter reports whether the caller should start a poll now. If one is
// already running, it marks one queued (unless one is already queued, in
// which case this notification is simply dropped) and returns false.
func (g *pollGate) tryEnter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		g.running = true
		return true
	}
	g.queued = true
	return false
}

// leave marks the running poll finished and reports whether a queued poll
// should run next, in which case the caller keeps running as the new
// "running" slot rather than releasing and re-acquiring.
func (g *pollGate) leave() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queued {
		g.queued = false
		return true
	}
	g.running = false
	return false
}

// restoreSubscriptions re-starts notifications for every currently
// subscribed iid after a reconnect, delayed by SubscriptionRestoreDelay to
// give the accessory time to settle (_restore_subscriptions).
func (c *Controller) restoreSubscriptions(ctx context.Context) {
	iids := c.subs.List()
	if len(iids) == 0 {
		return
	}
	if err := c.startNotifyLocked(ctx, iids); err != nil {
		hlog.Log().Warningf("%s: failed to restore subscriptions: %s", c.address, err)
	}
}

// Identify finds the Identify characteristic under Accessory Information
// and writes true to it.
func (c *Controller) Identify(ctx context.Context) error {
	c.operationMu.Lock()
	if err := c.reconcileLocked(ctx, false); err != nil {
		c.operationMu.Unlock()
		return err
	}
	tree := c.tree
	c.operationMu.Unlock()

	iid, ok := findCharByType(tree, CharacteristicTypeIdentify)
	if !ok {
		return &herrors.ProtocolError{Err: herrors.ErrInvalid}
	}
	_, err := c.PutCharacteristics(ctx, []CharacteristicWrite{{IID: iid, Value: []byte{0x01}}})
	return err
}

func findCharByType(tree *model.Accessory, charType string) (uint16, bool) {
	for _, svc := range tree.Services {
		for _, ch := range svc.Chars {
			if ch.Type == charType {
				return ch.IID, true
			}
		}
	}
	return 0, false
}

