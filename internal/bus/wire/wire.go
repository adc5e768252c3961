// Package wire implements the compact, length-prefixed tagged-union
// codec the collection and native programs use to exchange structured
// payloads over the interface-message byte channel: all integers
// little-endian, tagged unions with a 1-byte discriminant (spec.md §6).
//
// The only payload the bus core itself decodes is the one carried on
// the reserved interface-registration interface; everything else on
// the wire is opaque to the bus and is this package's business only
// insofar as native programs choose to reuse these primitives for
// their own interfaces.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/kernelkit/novabus/internal/bus"
)

// RegistrationInterface is the fixed, reserved interface hash a program
// emits a Register record on to claim ownership of another interface.
// All zero bytes: no real interface hash is allowed to collide with it
// because idhash.Compute never produces the all-zero value (see
// internal/idhash).
var RegistrationInterface = bus.InterfaceHash{}

const (
	discriminantRegister uint8 = 0
)

// ErrShortBuffer is returned when an encoded message ends before a
// fixed-width field has been fully read.
var ErrShortBuffer = errors.New("wire: buffer too short")

// ErrUnknownDiscriminant is returned when a tagged union's leading byte
// does not match any known variant for the type being decoded.
var ErrUnknownDiscriminant = errors.New("wire: unknown discriminant")

// EncodeRegister builds the wire body for a Register(iface) record: a
// single-variant tagged union, discriminant followed by the 32-byte
// interface hash.
func EncodeRegister(iface bus.InterfaceHash) bus.EncodedMessage {
	out := make([]byte, 1+bus.InterfaceHashLen)
	out[0] = discriminantRegister
	copy(out[1:], iface[:])
	return out
}

// DecodeRegister parses a Register record body. Returns
// ErrUnknownDiscriminant if the leading byte isn't the Register variant,
// or ErrShortBuffer if the message is truncated.
func DecodeRegister(msg bus.EncodedMessage) (bus.InterfaceHash, error) {
	var iface bus.InterfaceHash
	if len(msg) < 1 {
		return iface, ErrShortBuffer
	}
	if msg[0] != discriminantRegister {
		return iface, ErrUnknownDiscriminant
	}
	if len(msg) < 1+bus.InterfaceHashLen {
		return iface, ErrShortBuffer
	}
	copy(iface[:], msg[1:1+bus.InterfaceHashLen])
	return iface, nil
}

// PutUint64 appends a little-endian uint64 to dst, returning the
// extended slice. Shared by native programs that lay out their own
// interface payloads in the same compact style as the reserved
// registration record.
func PutUint64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// Uint64 reads a little-endian uint64 from the front of src, returning
// the value and the remaining bytes.
func Uint64(src []byte) (uint64, []byte, error) {
	if len(src) < 8 {
		return 0, src, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(src[:8]), src[8:], nil
}
