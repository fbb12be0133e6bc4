package transport

import (
	"context"

	"github.com/go-hap/ble/herrors"
	"github.com/go-hap/ble/pdu"
	"github.com/go-hap/ble/session"
)

// MaxContinuationReads bounds the response reassembly loop. A peer that
// drops bytes mid-response (or lies about its declared body length) cannot
// hang a caller forever; resolves spec.md §9's open question about an
// otherwise-unbounded read loop.
const MaxContinuationReads = 64

// Client drives one PDU characteristic's request/response exchange. Keys is
// nil until pair-verify completes; once set, every frame this Client sends
// and receives is sealed/opened through it.
type Client struct {
	gatt GattClient
	iid  uint16
	keys *session.Keys
}

// NewClient builds a Client for the HAP PDU characteristic at iid. keys may
// be nil (pre-pair-verify traffic, or the signature-read path which spec.md
// §4.5 requires to stay unsessioned even after pairing).
func NewClient(gatt GattClient, iid uint16, keys *session.Keys) *Client {
	return &Client{gatt: gatt, iid: iid, keys: keys}
}

// SetKeys installs (or clears, with nil) the session used for subsequent
// requests. The pairing controller does not call it: it builds a new Client
// with its current keys for each request.
func (c *Client) SetKeys(keys *session.Keys) { c.keys = keys }

// fragmentSize mirrors aiohomekit's ble_request sizing: the smaller of the
// adapter's write-without-response cap and MTU-3 (MTU-3 alone when the cap
// is 0, i.e. unknown), minus AEAD overhead once a session is active.
func (c *Client) fragmentSize() int {
	size := c.gatt.MaxWriteWithoutResponseSize()
	if mtuCap := c.gatt.MTU() - 3; size <= 0 || mtuCap < size {
		size = mtuCap
	}
	if c.keys != nil {
		size -= session.Overhead
	}
	return size
}

// Request performs one full HAP-BLE PDU exchange: fragment and write the
// request, then poll-read the response until its declared body length is
// satisfied. It always drains every continuation fragment the accessory
// declared, even when the final status is not Success, so the link is left
// in a clean state for the next request.
//
// When a session is active, sealing and opening happen per fragment, not
// once over the whole reassembled body: each written frame carries its own
// AEAD-sealed chunk, advancing the write counter once per frame, and each
// frame read back is opened as soon as it arrives, advancing the read
// counter once per frame. A multi-fragment sessioned exchange therefore
// consumes exactly as many nonces as it has fragments, matching spec.md
// §4.2/§4.3 and aiohomekit's ble_request, which seals every chunk
// encode_pdu yields rather than sealing the assembled body and fragmenting
// the ciphertext afterward.
func (c *Client) Request(ctx context.Context, op pdu.OpCode, reqIID uint16, body []byte) (pdu.PduStatus, []byte, error) {
	tid := pdu.NewTID()

	var frames [][]byte
	if body == nil {
		frames = pdu.EncodePDU(op, tid, reqIID, nil, c.fragmentSize())
	} else {
		chunks := pdu.SplitBody(body, c.fragmentSize())
		if c.keys != nil {
			sealed := make([][]byte, len(chunks))
			for i, chunk := range chunks {
				s, err := c.keys.Encrypt(chunk)
				if err != nil {
					return 0, nil, err
				}
				sealed[i] = s
			}
			chunks = sealed
		}
		frames = pdu.EncodeChunks(op, tid, reqIID, chunks)
	}

	for _, f := range frames {
		if err := c.gatt.Write(ctx, c.iid, f); err != nil {
			return 0, nil, &herrors.TransportError{Err: err}
		}
	}

	first, err := c.gatt.Read(ctx, c.iid)
	if err != nil {
		return 0, nil, &herrors.TransportError{Err: err}
	}
	status, expectedLen, chunk, err := pdu.DecodeFirst(tid, first)
	if err != nil {
		return 0, nil, err
	}

	received := len(chunk)
	respBody, err := c.openChunk(chunk)
	if err != nil {
		return 0, nil, err
	}

	for reads := 0; received < expectedLen; reads++ {
		if reads >= MaxContinuationReads {
			return 0, nil, &herrors.ProtocolError{Err: herrors.ErrReassemblyTimeout}
		}
		frame, err := c.gatt.Read(ctx, c.iid)
		if err != nil {
			return 0, nil, &herrors.TransportError{Err: err}
		}
		chunk, err := pdu.DecodeContinuation(tid, frame)
		if err != nil {
			return 0, nil, err
		}
		received += len(chunk)
		opened, err := c.openChunk(chunk)
		if err != nil {
			return 0, nil, err
		}
		respBody = append(respBody, opened...)
	}

	return status, respBody, nil
}

// openChunk opens one response fragment with the session's read key,
// advancing its nonce counter by exactly one. An empty chunk (a bare
// CHAR_WRITE ack) is passed through unopened; on the request side, only a
// nil body is sent without a sealed chunk.
func (c *Client) openChunk(chunk []byte) ([]byte, error) {
	if c.keys == nil || len(chunk) == 0 {
		return chunk, nil
	}
	return c.keys.Decrypt(chunk)
}
