// Package protocol implements the binary frame protocol spoken over a viaduct's
// pipe pair.
//
// Pipes are byte streams, so the receiver needs framing to recover message
// boundaries: a fixed-size preamble is read first to learn how many bytes
// follow. Frame format:
//
//	0      1      2          6                22
//	┌──────┬──────┬──────────┬────────────────┬───────────────────┐
//	│ kind │flags │ len      │   request id   │     payload ...   │
//	│  1B  │  1B  │ uint32   │ 16B (req/resp) │    len bytes      │
//	└──────┴──────┴──────────┴────────────────┴───────────────────┘
//
// The request id block is present only for Request and Response frames; for
// all other kinds the payload starts at offset 6.
//
// Multi-byte header fields are written in the sender's native byte order. Each
// peer announces its byte order once, in the probe frame exchanged during the
// handshake, and the receiver byte-swaps header fields when the peer's order
// differs from its own. Payload bytes are never swapped; portability of the
// payload is the codec's problem.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// Frame kinds.
const (
	KindRPC      byte = 0 // One-way notification, no response expected
	KindRequest  byte = 1 // Blocking call, carries a request id
	KindResponse byte = 2 // Reply, echoes the request id verbatim
	KindProbe    byte = 3 // Byte-order probe, handshake only
)

// Header flag bits.
const (
	// FlagNoReply marks a Response frame sent by the receive loop itself
	// because the request handler returned without responding. The payload is
	// empty and the originating caller is woken with an error instead of data.
	FlagNoReply byte = 0x01
)

// Byte order tags carried in probe frames.
const (
	ByteOrderLittle byte = 0x00
	ByteOrderBig    byte = 0x01
)

const (
	// PreambleSize is the fixed part of every frame: kind, flags, payload length.
	PreambleSize = 6
	// RequestIDSize is the id block following the preamble on Request/Response frames.
	RequestIDSize = 16
	// ProbePayloadSize is a probe frame's payload: 16-byte nonce + 1-byte order tag.
	ProbePayloadSize = RequestIDSize + 1
)

var (
	// ErrUnknownKind reports a frame whose kind byte is not one of the four
	// defined values.
	ErrUnknownKind = errors.New("protocol: unknown frame kind")
	// ErrFrameTooLarge reports a payload length exceeding the configured maximum.
	ErrFrameTooLarge = errors.New("protocol: frame payload too large")
	// ErrBadProbe reports a malformed byte-order probe during the handshake.
	ErrBadProbe = errors.New("protocol: malformed byte-order probe")
)

// Header is the decoded form of a frame's fixed part.
type Header struct {
	Kind       byte
	Flags      byte
	PayloadLen uint32
	RequestID  [16]byte // zero unless Kind is KindRequest or KindResponse
}

// NativeOrder returns this process's byte order tag.
func NativeOrder() byte {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 0x0102)
	if probe[0] == 0x01 {
		return ByteOrderBig
	}
	return ByteOrderLittle
}

func hasRequestID(kind byte) bool {
	return kind == KindRequest || kind == KindResponse
}

func validKind(kind byte) bool {
	return kind <= KindProbe
}

// Encode writes one complete frame in this process's native byte order. The
// caller must hold the endpoint's write lock if multiple goroutines share w,
// otherwise frames will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, payload []byte) error {
	return EncodeOrder(w, h, payload, binary.NativeEndian)
}

// EncodeOrder is Encode with an explicit byte order for the header fields.
// It exists so tests can stand in for a peer of the opposite endianness.
func EncodeOrder(w io.Writer, h *Header, payload []byte, order binary.ByteOrder) error {
	buf := make([]byte, PreambleSize, PreambleSize+RequestIDSize)
	buf[0] = h.Kind
	buf[1] = h.Flags
	order.PutUint32(buf[2:6], uint32(len(payload)))
	if hasRequestID(h.Kind) {
		buf = append(buf, h.RequestID[:]...)
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads one complete frame from r. swap indicates that the peer's byte
// order differs from ours, in which case multi-byte header fields are
// byte-swapped after reading. maxPayload bounds the payload length; a frame
// announcing more fails with ErrFrameTooLarge before any payload is read.
//
// io.EOF is returned only when the stream ends exactly on a frame boundary;
// a stream ending mid-frame yields io.ErrUnexpectedEOF.
func Decode(r io.Reader, swap bool, maxPayload uint32) (*Header, []byte, error) {
	var pre [PreambleSize]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, nil, err
	}

	if !validKind(pre[0]) {
		return nil, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, pre[0])
	}

	h := &Header{
		Kind:       pre[0],
		Flags:      pre[1],
		PayloadLen: binary.NativeEndian.Uint32(pre[2:6]),
	}
	if swap {
		h.PayloadLen = bits.ReverseBytes32(h.PayloadLen)
	}
	if h.PayloadLen > maxPayload {
		return nil, nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, h.PayloadLen, maxPayload)
	}

	if hasRequestID(h.Kind) {
		if _, err := io.ReadFull(r, h.RequestID[:]); err != nil {
			return nil, nil, unexpectedEOF(err)
		}
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, unexpectedEOF(err)
	}
	return h, payload, nil
}

// unexpectedEOF turns a bare EOF into io.ErrUnexpectedEOF: once part of a
// frame has been consumed, a closed pipe is a truncated frame, not a clean
// shutdown.
func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// WriteProbe writes a byte-order probe frame carrying this peer's order tag
// and the handshake nonce.
func WriteProbe(w io.Writer, tag byte, nonce [16]byte) error {
	payload := make([]byte, ProbePayloadSize)
	copy(payload, nonce[:])
	payload[RequestIDSize] = tag
	return Encode(w, &Header{Kind: KindProbe}, payload)
}

// ReadProbe reads the peer's probe frame and derives whether header fields
// from this peer must be byte-swapped from now on.
//
// The probe itself is written in the sender's native order, before either side
// knows the other's. The length field disambiguates: a probe payload is
// exactly 17 bytes, and 17 read under the wrong byte order comes out as
// bswap32(17), so the reader can tell which order the sender used. The order
// tag inside the payload must agree with the derived answer.
func ReadProbe(r io.Reader) (nonce [16]byte, tag byte, swap bool, err error) {
	var pre [PreambleSize]byte
	if _, err = io.ReadFull(r, pre[:]); err != nil {
		return nonce, 0, false, err
	}
	if pre[0] != KindProbe {
		return nonce, 0, false, fmt.Errorf("%w: expected probe frame, got kind 0x%02x", ErrBadProbe, pre[0])
	}

	switch length := binary.NativeEndian.Uint32(pre[2:6]); length {
	case ProbePayloadSize:
		swap = false
	case bits.ReverseBytes32(ProbePayloadSize):
		swap = true
	default:
		return nonce, 0, false, fmt.Errorf("%w: payload length %d", ErrBadProbe, length)
	}

	payload := make([]byte, ProbePayloadSize)
	if _, err = io.ReadFull(r, payload); err != nil {
		return nonce, 0, false, unexpectedEOF(err)
	}

	copy(nonce[:], payload[:RequestIDSize])
	tag = payload[RequestIDSize]
	if tag != ByteOrderLittle && tag != ByteOrderBig {
		return nonce, 0, false, fmt.Errorf("%w: byte order tag 0x%02x", ErrBadProbe, tag)
	}
	if swap != (tag != NativeOrder()) {
		return nonce, 0, false, fmt.Errorf("%w: order tag disagrees with header byte order", ErrBadProbe)
	}
	return nonce, tag, swap, nil
}
