package codec

import (
	"encoding/binary"
	"errors"
	"viaduct/message"
)

// BinaryCodec is a compact length-prefixed encoding of *message.Envelope, the
// typed-dispatch wrapper. It always uses big-endian for its length fields, so
// two peers of opposite native byte order decode each other's envelopes
// without any swapping logic at the codec level.
//
// It only handles *message.Envelope; use JSONCodec (or your own Codec) for
// arbitrary values.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *Envelope
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Envelope")
	}

	// Type -- 4 bytes, Data length -- 4 bytes, Data -- n bytes
	buf := make([]byte, 8+len(env.Data))

	binary.BigEndian.PutUint32(buf[0:4], env.Type)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(env.Data)))
	copy(buf[8:], env.Data)

	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *Envelope
	env, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Envelope")
	}
	if len(data) < 8 {
		return errors.New("BinaryCodec: envelope truncated")
	}

	env.Type = binary.BigEndian.Uint32(data[0:4])
	dataLen := binary.BigEndian.Uint32(data[4:8])
	if int(dataLen) != len(data)-8 {
		return errors.New("BinaryCodec: envelope length mismatch")
	}
	env.Data = make([]byte, dataLen)
	copy(env.Data, data[8:])

	return nil
}
