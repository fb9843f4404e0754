package transport

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// TokenPrefix is the fixed, self-delimiting prefix of the argument the parent
// injects into the child's argument vector.
const TokenPrefix = "--viaduct-ipc="

// descriptor wire size: two handles, optional reaper handle, flags,
// byte-order tag, 16-byte nonce.
const tokenRawSize = 8 + 8 + 8 + 1 + 1 + 16

const tokenFlagReaper = 0x01

// ErrNoToken reports that the argument vector carries no viaduct token.
var ErrNoToken = errors.New("transport: no viaduct token in argument vector")

// Token is the descriptor the parent passes to the child through the argument
// vector: where the child's inherited pipe ends are, which byte order the
// parent uses, and a nonce the child must echo during the handshake.
//
// The descriptor body is encoded in fixed little-endian regardless of either
// peer's native order — it crosses the endianness boundary before the probe
// exchange has established one.
type Token struct {
	ReadHandle   uint64 // child's read end of the parent→child pipe
	WriteHandle  uint64 // child's write end of the child→parent pipe
	ReaperHandle uint64 // child's read end of the reaper pipe, if HasReaper
	HasReaper    bool
	ByteOrder    byte // parent's byte order tag
	Nonce        [16]byte
}

// Encode renders the token as the single argument-vector entry.
func (t *Token) Encode() string {
	raw := make([]byte, tokenRawSize)
	binary.LittleEndian.PutUint64(raw[0:8], t.ReadHandle)
	binary.LittleEndian.PutUint64(raw[8:16], t.WriteHandle)
	binary.LittleEndian.PutUint64(raw[16:24], t.ReaperHandle)
	if t.HasReaper {
		raw[24] |= tokenFlagReaper
	}
	raw[25] = t.ByteOrder
	copy(raw[26:], t.Nonce[:])
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
}

// ParseToken decodes a single argument previously produced by Encode.
func ParseToken(arg string) (*Token, error) {
	body, ok := strings.CutPrefix(arg, TokenPrefix)
	if !ok {
		return nil, ErrNoToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("transport: malformed token: %w", err)
	}
	if len(raw) != tokenRawSize {
		return nil, fmt.Errorf("transport: malformed token: %d bytes, want %d", len(raw), tokenRawSize)
	}

	t := &Token{
		ReadHandle:   binary.LittleEndian.Uint64(raw[0:8]),
		WriteHandle:  binary.LittleEndian.Uint64(raw[8:16]),
		ReaperHandle: binary.LittleEndian.Uint64(raw[16:24]),
		HasReaper:    raw[24]&tokenFlagReaper != 0,
		ByteOrder:    raw[25],
	}
	copy(t.Nonce[:], raw[26:])
	return t, nil
}

// FindToken scans an argument vector for the injected token. It returns the
// parsed token and the vector with that single entry removed, so application
// code never observes it.
func FindToken(args []string) (*Token, []string, error) {
	for i, arg := range args {
		if !strings.HasPrefix(arg, TokenPrefix) {
			continue
		}
		t, err := ParseToken(arg)
		if err != nil {
			return nil, nil, err
		}
		rest := make([]string, 0, len(args)-1)
		rest = append(rest, args[:i]...)
		rest = append(rest, args[i+1:]...)
		return t, rest, nil
	}
	return nil, nil, ErrNoToken
}
