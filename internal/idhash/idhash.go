// Package idhash computes the 32-byte interface hashes native programs
// register under. Interface names are human-readable strings (e.g.
// "novabus.tcp/v1"); the hash is what actually travels on the wire, so
// two programs only interoperate if they agree on the name that hashes
// to it.
package idhash

import (
	"golang.org/x/crypto/blake2b"

	"github.com/kernelkit/novabus/internal/bus"
)

// Compute derives the InterfaceHash for a given interface name. The
// all-zero hash is reserved (see wire.RegistrationInterface) and this
// function never returns it for a non-empty name: blake2b's avalanche
// property makes a preimage collision practically impossible, and an
// empty name is rejected outright.
func Compute(name string) (bus.InterfaceHash, error) {
	var out bus.InterfaceHash
	if name == "" {
		return out, errEmptyName
	}
	sum := blake2b.Sum256([]byte(name))
	out = bus.InterfaceHash(sum)
	return out, nil
}

// MustCompute is Compute without an error return, for use with
// compile-time-known interface names (package-level var initialization).
// Panics if name is empty.
func MustCompute(name string) bus.InterfaceHash {
	h, err := Compute(name)
	if err != nil {
		panic(err)
	}
	return h
}

type emptyNameError struct{}

func (emptyNameError) Error() string { return "idhash: interface name must not be empty" }

var errEmptyName = emptyNameError{}
