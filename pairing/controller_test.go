package pairing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brutella/hap/tlv8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-hap/ble/catalog"
	"github.com/go-hap/ble/model"
	"github.com/go-hap/ble/pdu"
	"github.com/go-hap/ble/session"
	"github.com/go-hap/ble/transport"
)

const (
	testServiceIID   = 200
	testServiceType  = "test-service"
	testReadWriteIID = 10
	testReadOnlyIID  = 11
)

type sigPerms struct {
	Perms []byte `tlv8:"16"`
}

type testValuePayload struct {
	Value []byte `tlv8:"1"`
}

// fakeAccessory is a scripted single-link GATT peer implementing
// transport.GattClient. It answers CHAR_SIG_READ in the clear (catalog.Fetch
// always reads signatures unsessioned) and CHAR_READ/CHAR_WRITE through
// accessoryKeys, the mirror image of whatever session.Keys the controller
// under test was seeded with.
type fakeAccessory struct {
	mu            sync.Mutex
	accessoryKeys *session.Keys
	lastTID       uint8
	lastOp        map[uint16]pdu.OpCode
	values        map[uint16][]byte
	perms         map[uint16][]byte
}

func newFakeAccessory(controllerWriteKey, controllerReadKey []byte) *fakeAccessory {
	// The accessory's write key is the controller's read key and vice versa.
	keys, err := session.New(controllerReadKey, controllerWriteKey)
	if err != nil {
		panic(err)
	}
	return &fakeAccessory{
		accessoryKeys: keys,
		lastOp:        make(map[uint16]pdu.OpCode),
		values:        make(map[uint16][]byte),
		perms:         make(map[uint16][]byte),
	}
}

func (f *fakeAccessory) Write(_ context.Context, iid uint16, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, tid, _, _, hasBody, body, err := pdu.DecodeRequestFirst(data)
	if err != nil {
		return err
	}
	f.lastTID = tid
	f.lastOp[iid] = op

	if hasBody && op == pdu.OpCharWrite {
		plain, decErr := f.accessoryKeys.Decrypt(body)
		if decErr == nil {
			body = plain
		}
		var v testValuePayload
		if err := tlv8.Unmarshal(body, &v); err == nil {
			f.values[iid] = v.Value
		}
	}
	return nil
}

func (f *fakeAccessory) Read(_ context.Context, iid uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.lastOp[iid] {
	case pdu.OpCharSigRead:
		sig, _ := tlv8.Marshal(sigPerms{Perms: f.perms[iid]})
		frames := pdu.EncodeResponse(f.lastTID, pdu.StatusSuccess, sig, 150)
		return frames[0], nil

	case pdu.OpCharWrite:
		frames := pdu.EncodeResponse(f.lastTID, pdu.StatusSuccess, nil, 150)
		return frames[0], nil

	default: // OpCharRead
		payload, _ := tlv8.Marshal(testValuePayload{Value: f.values[iid]})
		sealed, err := f.accessoryKeys.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		frames := pdu.EncodeResponse(f.lastTID, pdu.StatusSuccess, sealed, 150)
		return frames[0], nil
	}
}

func (f *fakeAccessory) MTU() int                         { return 150 }
func (f *fakeAccessory) MaxWriteWithoutResponseSize() int { return 150 }

type fakeConnector struct {
	gatt       *fakeAccessory
	discovered []catalog.DiscoveredChar
}

func (c *fakeConnector) Connect(_ context.Context, _ string) (transport.GattClient, []catalog.DiscoveredChar, error) {
	return c.gatt, c.discovered, nil
}

func (c *fakeConnector) Disconnect(_ transport.GattClient) error { return nil }

type memPersister struct {
	mu   sync.Mutex
	data map[string]*Data
}

func (p *memPersister) LoadPairing(address string) (*Data, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data == nil {
		return nil, ErrNoSuchPairing
	}
	d, ok := p.data[address]
	if !ok {
		return nil, ErrNoSuchPairing
	}
	return d, nil
}

func (p *memPersister) SavePairing(d *Data) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data == nil {
		p.data = make(map[string]*Data)
	}
	p.data[d.AccessoryAddress] = d
	return nil
}

func (p *memPersister) DeletePairing(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, address)
	return nil
}

func newTestController(t *testing.T) (*Controller, *fakeAccessory) {
	t.Helper()
	wk := make([]byte, session.KeySize)
	rk := make([]byte, session.KeySize)
	for i := range wk {
		wk[i] = byte(i + 1)
		rk[i] = byte(i + 100)
	}
	accessory := newFakeAccessory(wk, rk)
	accessory.perms[testReadWriteIID] = []byte{0x03} // PairedRead | PairedWrite
	accessory.perms[testReadOnlyIID] = []byte{0x01}  // PairedRead only

	discovered := []catalog.DiscoveredChar{
		{ServiceIID: testServiceIID, ServiceType: testServiceType, IID: testReadWriteIID, Type: "rw-char"},
		{ServiceIID: testServiceIID, ServiceType: testServiceType, IID: testReadOnlyIID, Type: "ro-char"},
	}

	connector := &fakeConnector{gatt: accessory, discovered: discovered}
	ctrl := New("AA:BB:CC:DD:EE:FF", connector, &memPersister{}, nil)

	// Pre-seed a session to bypass the real pair-verify handshake; refverify
	// has its own handshake tests and this package only needs a live keys
	// pair to exercise Reconcile/Get/PutCharacteristics.
	keys, err := session.New(wk, rk)
	require.NoError(t, err)
	ctrl.keys = keys
	ctrl.data = &Data{AccessoryAddress: ctrl.address}
	return ctrl, accessory
}

func TestReconcile_FetchesTreeAndPopulatesReadableValues(t *testing.T) {
	ctrl, accessory := newTestController(t)
	accessory.values[testReadWriteIID] = []byte{0x2A}

	err := ctrl.Reconcile(context.Background(), true)
	require.NoError(t, err)

	require.NotNil(t, ctrl.tree)
	ch := ctrl.tree.CharByIID(testReadWriteIID)
	require.NotNil(t, ch)
	assert.True(t, ch.HasPerm(model.PermPairedRead))
	assert.True(t, ch.HasPerm(model.PermPairedWrite))
	assert.Equal(t, []byte{0x2A}, ch.Value)
}

func TestGetCharacteristics_ReadsRequestedIIDs(t *testing.T) {
	ctrl, accessory := newTestController(t)
	accessory.values[testReadWriteIID] = []byte{0x07}

	results, err := ctrl.GetCharacteristics(context.Background(), []uint16{testReadWriteIID})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07}, results[testReadWriteIID])
}

func TestPutCharacteristics_RejectsReadOnlyWithoutTouchingLink(t *testing.T) {
	ctrl, accessory := newTestController(t)

	results, err := ctrl.PutCharacteristics(context.Background(), []CharacteristicWrite{
		{IID: testReadOnlyIID, Value: []byte{0x01}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, HapStatusCantWriteReadOnly, results[0].Status)
	assert.NotEqual(t, pdu.OpCharWrite, accessory.lastOp[testReadOnlyIID], "no CHAR_WRITE may reach the accessory")
}

func TestPutCharacteristics_WritesPairedWriteCharacteristic(t *testing.T) {
	ctrl, accessory := newTestController(t)

	results, err := ctrl.PutCharacteristics(context.Background(), []CharacteristicWrite{
		{IID: testReadWriteIID, Value: []byte{0x42}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, HapStatusSuccess, results[0].Status)
	assert.Equal(t, []byte{0x42}, accessory.values[testReadWriteIID])
}

func TestSubscribe_DoesNotForceConnectionWhenDisconnected(t *testing.T) {
	ctrl, _ := newTestController(t)
	err := ctrl.Subscribe(context.Background(), []uint16{testReadWriteIID})
	require.NoError(t, err)
	assert.True(t, ctrl.subs.Has(testReadWriteIID))
	assert.Nil(t, ctrl.gatt)
}

func TestUnsubscribe_RemovesFromSet(t *testing.T) {
	ctrl, _ := newTestController(t)
	require.NoError(t, ctrl.Subscribe(context.Background(), []uint16{testReadWriteIID}))
	require.NoError(t, ctrl.Unsubscribe(context.Background(), []uint16{testReadWriteIID}))
	assert.False(t, ctrl.subs.Has(testReadWriteIID))
}

func TestProcessAdvertisement_TriggersReconcileOnConfigChange(t *testing.T) {
	ctrl, _ := newTestController(t)
	require.NoError(t, ctrl.Reconcile(context.Background(), true))
	ctrl.haveFetched = true

	ctrl.ProcessAdvertisement(context.Background(), ctrl.address, ctrl.configNum+1, ctrl.stateNum)
	assert.Equal(t, ctrl.configNum, ctrl.lastConfigNum)
}

func TestOnDisconnected_ClearsLiveSessionButKeepsPairingData(t *testing.T) {
	ctrl, _ := newTestController(t)
	require.NoError(t, ctrl.Reconcile(context.Background(), true))
	require.NotNil(t, ctrl.gatt)

	ctrl.OnDisconnected()
	assert.Nil(t, ctrl.gatt)
	assert.Nil(t, ctrl.keys)
	assert.NotNil(t, ctrl.data)
}

func TestProcessAdvertisement_AddressChangeClosesAndInvalidatesCache(t *testing.T) {
	ctrl, _ := newTestController(t)
	require.NoError(t, ctrl.Reconcile(context.Background(), true))
	ctrl.haveFetched = true
	require.NotNil(t, ctrl.gatt)

	ctrl.ProcessAdvertisement(context.Background(), "11:22:33:44:55:66", ctrl.configNum, ctrl.stateNum)

	assert.Equal(t, "11:22:33:44:55:66", ctrl.address)
	assert.Nil(t, ctrl.gatt)
	assert.False(t, ctrl.haveFetched)
}

func TestProcessAdvertisement_FiresAvailabilityCallbackAfterSilence(t *testing.T) {
	ctrl, _ := newTestController(t)
	require.NoError(t, ctrl.Reconcile(context.Background(), true))
	ctrl.haveFetched = true
	ctrl.lastSeen = timeNow().Add(-(AvailabilityInterval + time.Hour))

	fired := false
	ctrl.SetAvailabilityCallback(func() { fired = true })

	ctrl.ProcessAdvertisement(context.Background(), ctrl.address, ctrl.configNum, ctrl.stateNum)
	assert.True(t, fired)
}

func TestProcessAdvertisement_StateChangePollsSubscriptionsForMissedEvents(t *testing.T) {
	ctrl, accessory := newTestController(t)
	require.NoError(t, ctrl.Reconcile(context.Background(), true))
	ctrl.haveFetched = true
	require.NoError(t, ctrl.Subscribe(context.Background(), []uint16{testReadWriteIID}))

	accessory.values[testReadWriteIID] = []byte{0x55}

	var got []byte
	ctrl.AddListener(func(iid uint16, value []byte) {
		if iid == testReadWriteIID {
			got = value
		}
	})

	ctrl.ProcessAdvertisement(context.Background(), ctrl.address, ctrl.configNum, ctrl.stateNum+1)

	assert.Equal(t, []byte{0x55}, got)
}

func TestOnNotify_EmptyPayloadTriggersReadAndDispatchesToListeners(t *testing.T) {
	ctrl, accessory := newTestController(t)
	require.NoError(t, ctrl.Reconcile(context.Background(), true))
	accessory.values[testReadWriteIID] = []byte{0x99}

	var mu sync.Mutex
	got := map[uint16][]byte{}
	done := make(chan struct{}, 1)
	ctrl.AddListener(func(iid uint16, value []byte) {
		mu.Lock()
		got[iid] = value
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	ctrl.onNotify(testReadWriteIID, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte{0x99}, got[testReadWriteIID])
}

func TestOnNotify_NonEmptyPayloadIgnoredForPolling(t *testing.T) {
	ctrl, _ := newTestController(t)
	called := false
	ctrl.AddListener(func(uint16, []byte) { called = true })

	ctrl.onNotify(testReadWriteIID, []byte{0x01})
	time.Sleep(50 * time.Millisecond)

	assert.False(t, called)
}

func TestPollGate_AdmitsOneRunningOneQueuedDropsThird(t *testing.T) {
	var g pollGate
	assert.True(t, g.tryEnter(), "first caller runs immediately")
	assert.False(t, g.tryEnter(), "second caller is queued")
	assert.False(t, g.tryEnter(), "third caller is dropped, one is already queued")
	assert.True(t, g.leave(), "the queued caller becomes the new running slot")
	assert.False(t, g.leave(), "nothing left queued")
}
