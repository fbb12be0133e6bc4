// Package pdu implements the HAP-BLE PDU codec: framing requests and
// responses into one first frame plus zero or more continuation fragments,
// and reassembling them back. It has no notion of a GATT link, encryption,
// or accessory state — it only turns byte slices into PDU fragments and back,
// grounded on the wire layout in spec.md §4.1 and the request/response struct
// shapes in the teacher's protocol.go.
package pdu

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/go-hap/ble/herrors"
)

// OpCode is the one-byte HAP-BLE operation code.
type OpCode byte

const (
	OpCharSigRead   OpCode = 0x01
	OpCharWrite     OpCode = 0x02
	OpCharRead      OpCode = 0x03
	OpCharTimedWrite OpCode = 0x04
	OpCharExecWrite OpCode = 0x05
	OpServSigRead   OpCode = 0x06
)

// PduStatus is the one-byte HAP-BLE response status.
type PduStatus byte

const (
	StatusSuccess               PduStatus = 0x00
	StatusUnsupportedPDU        PduStatus = 0x01
	StatusMaxProcedures         PduStatus = 0x02
	StatusInsufficientAuth      PduStatus = 0x03
	StatusInvalidInstanceID     PduStatus = 0x04
	StatusInsufficientAuthorization PduStatus = 0x05
	StatusInvalidRequest        PduStatus = 0x06
	StatusInvalidLength         PduStatus = 0x07
	StatusInvalidResponse       PduStatus = 0x0B
	StatusBusy                  PduStatus = 0x0C
)

func (s PduStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnsupportedPDU:
		return "unsupported-pdu"
	case StatusMaxProcedures:
		return "max-procedures"
	case StatusInsufficientAuth:
		return "insufficient-authentication"
	case StatusInvalidInstanceID:
		return "invalid-instance-id"
	case StatusInsufficientAuthorization:
		return "insufficient-authorization"
	case StatusInvalidRequest:
		return "invalid-request"
	case StatusInvalidLength:
		return "invalid-length"
	case StatusInvalidResponse:
		return "invalid-response"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(0x%02x)", byte(s))
	}
}

// control byte values. Bit 7 marks a continuation fragment; bit 1 marks a
// response PDU (as opposed to a request). This is the minimal subset of the
// real HAP-BLE control byte this module needs to distinguish.
const (
	ctrlRequestFirst  = 0x00
	ctrlResponseFirst = 0x02
	ctrlContinuation  = 0x80

	requestFirstHeaderLen      = 7 // control + opcode + tid + iid(2) + bodyLen(2)
	requestFirstHeaderNoBody   = 5 // control + opcode + tid + iid(2)
	requestContinuationHeader  = 2 // control + tid
	responseFirstHeaderLen     = 5 // control + tid + status + bodyLen(2)
	responseContinuationHeader = 2 // control + tid
)

// NewTID returns a transaction id uniformly distributed in [1,253], per
// spec.md §9: collisions are impossible (one PDU in flight per link) but the
// range is preserved in case that invariant is ever relaxed.
func NewTID() uint8 {
	return uint8(rand.Intn(253) + 1)
}

// EncodePDU splits a request into one first frame and zero or more
// continuation frames, each at most fragmentSize bytes. body may be nil for
// requests that carry no payload (CHAR_READ, CHAR_SIG_READ, bare
// CHAR_EXEC_WRITE); in that case no body-length field is emitted at all,
// matching spec.md scenario S1.
func EncodePDU(op OpCode, tid uint8, iid uint16, body []byte, fragmentSize int) [][]byte {
	first := make([]byte, 0, requestFirstHeaderLen+len(body))
	first = append(first, ctrlRequestFirst, byte(op), tid)
	first = binary.LittleEndian.AppendUint16(first, iid)

	if body == nil {
		return [][]byte{first}
	}

	first = binary.LittleEndian.AppendUint16(first, uint16(len(body)))

	firstCap := fragmentSize - requestFirstHeaderLen
	contCap := fragmentSize - requestContinuationHeader

	n := firstCap
	if n > len(body) {
		n = len(body)
	}
	if n < 0 {
		n = 0
	}
	first = append(first, body[:n]...)
	frames := [][]byte{first}

	remaining := body[n:]
	for len(remaining) > 0 {
		chunk := contCap
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		if chunk <= 0 {
			// fragmentSize too small to make progress; surface as a single
			// oversized continuation rather than loop forever.
			chunk = len(remaining)
		}
		frame := make([]byte, 0, requestContinuationHeader+chunk)
		frame = append(frame, ctrlContinuation, tid)
		frame = append(frame, remaining[:chunk]...)
		frames = append(frames, frame)
		remaining = remaining[chunk:]
	}
	return frames
}

// SplitBody divides a plaintext request body into the chunks EncodeChunks
// will frame, sized the same way EncodePDU sizes its own fragments (first
// frame capacity minus the header, continuation capacity minus the smaller
// continuation header). Callers that seal each chunk independently (package
// transport's sessioned requests) must split before sealing, since sealing
// changes a chunk's length.
func SplitBody(body []byte, fragmentSize int) [][]byte {
	firstCap := fragmentSize - requestFirstHeaderLen
	contCap := fragmentSize - requestContinuationHeader
	if firstCap < 0 {
		firstCap = 0
	}

	n := firstCap
	if n > len(body) {
		n = len(body)
	}
	chunks := [][]byte{body[:n]}

	remaining := body[n:]
	for len(remaining) > 0 {
		chunk := contCap
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		if chunk <= 0 {
			// fragmentSize too small to make progress; surface as a single
			// oversized continuation rather than loop forever.
			chunk = len(remaining)
		}
		chunks = append(chunks, remaining[:chunk])
		remaining = remaining[chunk:]
	}
	return chunks
}

// EncodeChunks assembles a request's first frame and continuations directly
// from pre-split chunks, the declared body length being the sum of every
// chunk's length rather than a single plaintext length. This is how a
// sessioned request gets framed: each chunk from SplitBody is sealed
// independently (growing by session.Overhead) before reaching here, so the
// declared length the accessory sees is the total ciphertext length, and
// each frame carries exactly one AEAD-sealed fragment — never a resealed
// whole body split after the fact.
func EncodeChunks(op OpCode, tid uint8, iid uint16, chunks [][]byte) [][]byte {
	if len(chunks) == 0 {
		return EncodePDU(op, tid, iid, nil, 0)
	}

	total := 0
	for _, c := range chunks {
		total += len(c)
	}

	first := make([]byte, 0, requestFirstHeaderLen+len(chunks[0]))
	first = append(first, ctrlRequestFirst, byte(op), tid)
	first = binary.LittleEndian.AppendUint16(first, iid)
	first = binary.LittleEndian.AppendUint16(first, uint16(total))
	first = append(first, chunks[0]...)
	frames := [][]byte{first}

	for _, c := range chunks[1:] {
		frame := make([]byte, 0, requestContinuationHeader+len(c))
		frame = append(frame, ctrlContinuation, tid)
		frame = append(frame, c...)
		frames = append(frames, frame)
	}
	return frames
}

// DecodeFirst parses the first fragment of a response PDU, returning the
// status, the total declared body length, and the body bytes carried in this
// fragment (which may be shorter than the declared length).
func DecodeFirst(tid uint8, frame []byte) (status PduStatus, expectedLen int, body []byte, err error) {
	if len(frame) < responseFirstHeaderLen {
		err = &herrors.ProtocolError{Err: herrors.ErrMalformedPDU}
		return
	}
	control := frame[0]
	if control&ctrlContinuation != 0 {
		err = &herrors.ProtocolError{Err: fmt.Errorf("expected first fragment, got continuation: %w", herrors.ErrMalformedPDU)}
		return
	}
	if control&^ctrlContinuation != ctrlResponseFirst {
		err = &herrors.ProtocolError{Err: herrors.ErrMalformedPDU}
		return
	}
	gotTID := frame[1]
	if gotTID != tid {
		err = &herrors.ProtocolError{Err: herrors.ErrProtocolDesync}
		return
	}
	status = PduStatus(frame[2])
	expectedLen = int(binary.LittleEndian.Uint16(frame[3:5]))
	body = append([]byte(nil), frame[5:]...)
	return
}

// DecodeContinuation parses a response continuation fragment, returning only
// the body bytes it carries.
func DecodeContinuation(tid uint8, frame []byte) (body []byte, err error) {
	if len(frame) < responseContinuationHeader {
		err = &herrors.ProtocolError{Err: herrors.ErrMalformedPDU}
		return
	}
	control := frame[0]
	if control&ctrlContinuation == 0 {
		err = &herrors.ProtocolError{Err: herrors.ErrMalformedPDU}
		return
	}
	gotTID := frame[1]
	if gotTID != tid {
		err = &herrors.ProtocolError{Err: herrors.ErrProtocolDesync}
		return
	}
	body = append([]byte(nil), frame[responseContinuationHeader:]...)
	return
}

// EncodeResponse is test scaffolding: it builds the response-side wire
// fragments a scripted accessory double emits. The production driver never
// calls this — it only decodes responses — but the fake peripherals used
// throughout the test suite need to emit well-formed ones.
func EncodeResponse(tid uint8, status PduStatus, body []byte, fragmentSize int) [][]byte {
	first := make([]byte, 0, responseFirstHeaderLen+len(body))
	first = append(first, ctrlResponseFirst, tid, byte(status))
	first = binary.LittleEndian.AppendUint16(first, uint16(len(body)))

	firstCap := fragmentSize - responseFirstHeaderLen
	contCap := fragmentSize - responseContinuationHeader

	n := firstCap
	if n > len(body) {
		n = len(body)
	}
	if n < 0 {
		n = 0
	}
	first = append(first, body[:n]...)
	frames := [][]byte{first}

	remaining := body[n:]
	for len(remaining) > 0 {
		chunk := contCap
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		if chunk <= 0 {
			chunk = len(remaining)
		}
		frame := make([]byte, 0, responseContinuationHeader+chunk)
		frame = append(frame, ctrlContinuation, tid)
		frame = append(frame, remaining[:chunk]...)
		frames = append(frames, frame)
		remaining = remaining[chunk:]
	}
	return frames
}

// SplitResponseBody is SplitBody's response-side counterpart, test
// scaffolding for a scripted accessory double that needs to seal each
// response fragment independently before framing it, the same way a real
// accessory's own response path must.
func SplitResponseBody(body []byte, fragmentSize int) [][]byte {
	firstCap := fragmentSize - responseFirstHeaderLen
	contCap := fragmentSize - responseContinuationHeader
	if firstCap < 0 {
		firstCap = 0
	}

	n := firstCap
	if n > len(body) {
		n = len(body)
	}
	chunks := [][]byte{body[:n]}

	remaining := body[n:]
	for len(remaining) > 0 {
		chunk := contCap
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		if chunk <= 0 {
			chunk = len(remaining)
		}
		chunks = append(chunks, remaining[:chunk])
		remaining = remaining[chunk:]
	}
	return chunks
}

// EncodeResponseChunks is EncodeResponse's per-chunk counterpart: test
// scaffolding that frames pre-sealed response chunks directly, declaring
// their summed length as the body length, so a scripted accessory double can
// emit a response whose fragments were each sealed independently rather than
// sealed once and split afterward.
func EncodeResponseChunks(tid uint8, status PduStatus, chunks [][]byte) [][]byte {
	if len(chunks) == 0 {
		return EncodeResponse(tid, status, nil, responseFirstHeaderLen)
	}

	total := 0
	for _, c := range chunks {
		total += len(c)
	}

	first := make([]byte, 0, responseFirstHeaderLen+len(chunks[0]))
	first = append(first, ctrlResponseFirst, tid, byte(status))
	first = binary.LittleEndian.AppendUint16(first, uint16(total))
	first = append(first, chunks[0]...)
	frames := [][]byte{first}

	for _, c := range chunks[1:] {
		frame := make([]byte, 0, responseContinuationHeader+len(c))
		frame = append(frame, ctrlContinuation, tid)
		frame = append(frame, c...)
		frames = append(frames, frame)
	}
	return frames
}

// DecodeRequestFirst is test scaffolding for a fake accessory double: it
// parses the first fragment of a request this module itself encoded with
// EncodePDU, so a peripheral stub can figure out what was asked of it.
func DecodeRequestFirst(frame []byte) (op OpCode, tid uint8, iid uint16, expectedLen int, hasBody bool, body []byte, err error) {
	if len(frame) < requestFirstHeaderNoBody {
		err = &herrors.ProtocolError{Err: herrors.ErrMalformedPDU}
		return
	}
	control := frame[0]
	if control&ctrlContinuation != 0 || control != ctrlRequestFirst {
		err = &herrors.ProtocolError{Err: herrors.ErrMalformedPDU}
		return
	}
	op = OpCode(frame[1])
	tid = frame[2]
	iid = binary.LittleEndian.Uint16(frame[3:5])
	if len(frame) == requestFirstHeaderNoBody {
		return
	}
	if len(frame) < requestFirstHeaderLen {
		err = &herrors.ProtocolError{Err: herrors.ErrMalformedPDU}
		return
	}
	hasBody = true
	expectedLen = int(binary.LittleEndian.Uint16(frame[5:7]))
	body = append([]byte(nil), frame[7:]...)
	return
}

// DecodeRequestContinuation is test scaffolding, the request-side mirror of
// DecodeContinuation.
func DecodeRequestContinuation(tid uint8, frame []byte) (body []byte, err error) {
	if len(frame) < requestContinuationHeader {
		err = &herrors.ProtocolError{Err: herrors.ErrMalformedPDU}
		return
	}
	control := frame[0]
	if control&ctrlContinuation == 0 {
		err = &herrors.ProtocolError{Err: herrors.ErrMalformedPDU}
		return
	}
	gotTID := frame[1]
	if gotTID != tid {
		err = &herrors.ProtocolError{Err: herrors.ErrProtocolDesync}
		return
	}
	body = append([]byte(nil), frame[requestContinuationHeader:]...)
	return
}
