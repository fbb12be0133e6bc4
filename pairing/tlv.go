package pairing

import (
	"encoding/binary"

	"github.com/brutella/hap/tlv8"
)

type valuePayload struct {
	Value []byte `tlv8:"1"`
}

type timedWritePayload struct {
	Value []byte `tlv8:"1"`
	TTL   byte   `tlv8:"2"`
}

// defaultTimedWriteTTL is 3.0 seconds in the HAP 100ms-tick encoding
// (0x1e == 30 ticks), matching put_characteristics' literal b"\x1e".
const defaultTimedWriteTTL = 0x1e

func encodeValueTLV(value []byte) []byte {
	body, _ := tlv8.Marshal(valuePayload{Value: value})
	return body
}

// encodeTimedWritePayload builds the CHAR_TIMED_WRITE body: a little-endian
// 2-byte length prefix over the inner {Value, TTL} TLV, exactly mirroring
// put_characteristics' manual length-prefixing of payload_inner.
func encodeTimedWritePayload(value []byte) []byte {
	inner, _ := tlv8.Marshal(timedWritePayload{Value: value, TTL: defaultTimedWriteTTL})
	out := make([]byte, 2, 2+len(inner))
	binary.LittleEndian.PutUint16(out, uint16(len(inner)))
	return append(out, inner...)
}
