package pairsetup

import (
	"bytes"
	"context"
	"testing"

	"github.com/brutella/hap/tlv8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-hap/ble/pdu"
	"github.com/go-hap/ble/transport"
)

// echoGatt plays a minimal accessory: it unwraps the HAP write-value
// envelope from each request, echoes the inner TLV value back wrapped in
// the same envelope, and fails the test if a request ever arrives as bare
// TLV instead of wrapped.
type echoGatt struct {
	t    *testing.T
	resp []byte
}

func (g *echoGatt) Write(_ context.Context, _ uint16, data []byte) error {
	g.t.Helper()
	_, tid, _, _, hasBody, body, err := pdu.DecodeRequestFirst(data)
	require.NoError(g.t, err)
	require.True(g.t, hasBody)

	var wrapper writeValueWrapper
	require.NoError(g.t, tlv8.Unmarshal(body, &wrapper))
	require.Equal(g.t, byte(1), wrapper.ReturnResponse)

	respWrapper, err := tlv8.Marshal(writeValueWrapper{Value: append([]byte("echo:"), wrapper.Value...)})
	require.NoError(g.t, err)
	frames := pdu.EncodeResponse(tid, pdu.StatusSuccess, respWrapper, 200)
	require.Len(g.t, frames, 1)
	g.resp = frames[0]
	return nil
}

func (g *echoGatt) Read(_ context.Context, _ uint16) ([]byte, error) {
	return g.resp, nil
}

func (g *echoGatt) MTU() int                         { return 200 }
func (g *echoGatt) MaxWriteWithoutResponseSize() int { return 200 }

// scriptedMachine sends one request body and, on the next call, returns the
// response it was fed as the final result, so the test can assert exactly
// what Drive unwrapped before handing it back.
type scriptedMachine struct {
	sent bool
}

func (m *scriptedMachine) Next(resp []byte) ([]byte, bool, any, error) {
	if !m.sent {
		m.sent = true
		return []byte("m1-body"), false, nil, nil
	}
	return nil, true, resp, nil
}

func TestDrive_WrapsRequestAndUnwrapsResponseValue(t *testing.T) {
	gatt := &echoGatt{t: t}
	client := transport.NewClient(gatt, 0x0030, nil)

	result, err := Drive(context.Background(), client, 0x0030, &scriptedMachine{})
	require.NoError(t, err)

	body, ok := result.([]byte)
	require.True(t, ok)
	assert.True(t, bytes.Equal([]byte("echo:m1-body"), body))
}
