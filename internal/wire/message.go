package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Status codes assigned on the wire, per §6.
const (
	StatusOK                   uint64 = 0
	StatusShortMessage         uint64 = 1
	StatusDecodeFailure        uint64 = 2
	StatusUnknownMethod        uint64 = 3
	StatusWorkError            uint64 = 4
	StatusNonArrayArg          uint64 = 5
	StatusBatchStructMismatch  uint64 = 6
)

// ErrShortMessage etc. are the sentinel errors a caller can match against
// with errors.Is after a failed request decode.
var (
	ErrShortMessage  = errors.New("wire: message shorter than header")
	ErrNameTooLong   = errors.New("wire: method name length exceeds payload")
)

// minRequestHeader is reqnum(8) + name_len(8): the §8 boundary check
// "length >= 8" in the spec is a simplification of this.
const minRequestHeader = 8 + 8

// EncodeRequest lays out reqnum ‖ name_len ‖ name ‖ packedArgs exactly as §3
// and §6 specify. packedArgs is the already-concatenated output of the
// packing interface; framing (the length prefix) is added separately by
// SendBuffer.
func EncodeRequest(reqnum uint64, name string, packedArgs []byte) []byte {
	nameBytes := []byte(name)
	buf := make([]byte, 8+8+len(nameBytes)+len(packedArgs))
	binary.LittleEndian.PutUint64(buf[0:8], reqnum)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(nameBytes)))
	copy(buf[16:16+len(nameBytes)], nameBytes)
	copy(buf[16+len(nameBytes):], packedArgs)
	return buf
}

// Request is a decoded request payload prior to unpacking its arguments.
type Request struct {
	Reqnum uint64
	Name   string
	Args   []byte // still-packed argument bytes
}

// DecodeRequest parses the fixed header and method name out of a raw
// request payload, leaving the packed argument bytes untouched.
func DecodeRequest(payload []byte) (Request, error) {
	if len(payload) < minRequestHeader {
		return Request{}, ErrShortMessage
	}
	reqnum := binary.LittleEndian.Uint64(payload[0:8])
	nameLen := binary.LittleEndian.Uint64(payload[8:16])
	if nameLen > uint64(len(payload)-minRequestHeader) {
		return Request{}, ErrNameTooLong
	}
	nameStart := minRequestHeader
	nameEnd := nameStart + int(nameLen)
	name := string(payload[nameStart:nameEnd])
	return Request{
		Reqnum: reqnum,
		Name:   name,
		Args:   payload[nameEnd:],
	}, nil
}

// EncodeResponse lays out reqnum ‖ status ‖ body, per §3/§6. On
// status == StatusOK, body is the packed result; otherwise body is the
// UTF-8 error text.
func EncodeResponse(reqnum uint64, status uint64, body []byte) []byte {
	buf := make([]byte, 8+8+len(body))
	binary.LittleEndian.PutUint64(buf[0:8], reqnum)
	binary.LittleEndian.PutUint64(buf[8:16], status)
	copy(buf[16:], body)
	return buf
}

// Response is a decoded response payload.
type Response struct {
	Reqnum uint64
	Status uint64
	Body   []byte
}

// DecodeResponse parses a response payload's fixed header.
func DecodeResponse(payload []byte) (Response, error) {
	if len(payload) < 16 {
		return Response{}, fmt.Errorf("%w: got %d bytes", ErrShortMessage, len(payload))
	}
	return Response{
		Reqnum: binary.LittleEndian.Uint64(payload[0:8]),
		Status: binary.LittleEndian.Uint64(payload[8:16]),
		Body:   payload[16:],
	}, nil
}
