// Package bus implements the native-program message dispatch fabric: a
// collection of in-process "native programs" that share a single
// cooperative event loop and communicate with guest processes only
// through an opaque message-passing interface. See the package's
// accompanying design notes for the full contract; in short, the
// Collection type is the thing a kernel driver loop talks to, and the
// Program interface is what a native program implements to join it.
package bus

import "fmt"

// Pid is an opaque process identifier assigned by the kernel. Only
// equality is meaningful.
type Pid uint64

// MessageId is an opaque message identifier assigned by the kernel at
// the moment a message is emitted. Equality and hashing are meaningful;
// a MessageId is valid as a map key.
type MessageId uint64

// InterfaceHashLen is the fixed width of an InterfaceHash.
const InterfaceHashLen = 32

// InterfaceHash identifies a wire protocol namespace. It is a
// fixed-width 32-byte value; equality and hashing are meaningful.
type InterfaceHash [InterfaceHashLen]byte

// String renders the hash as hex for logging and debug output.
func (h InterfaceHash) String() string {
	return fmt.Sprintf("%x", [InterfaceHashLen]byte(h))
}

// EncodedMessage is an immutable byte sequence carried between a native
// program and its peer. The bus never interprets its contents except
// for the one reserved interface-registration message (see package
// wire).
type EncodedMessage []byte

// Response is the outcome of a message the kernel routes back to its
// emitter: either a successful encoded body, or an explicit failure
// ("Invalid" in spec terms — the responder couldn't produce an answer).
type Response struct {
	// Body is the answer payload. Only meaningful when Err is false.
	Body EncodedMessage
	// Err marks this response as a failure (the spec's Result<bytes, ()>
	// Err arm). Body is ignored when true.
	Err bool
}

// Ok builds a successful Response.
func Ok(body EncodedMessage) Response { return Response{Body: body} }

// Invalid builds a failure Response.
func Invalid() Response { return Response{Err: true} }

// DuplicatePidError is returned by Collection.Add when the given Pid is
// already a member of the collection.
type DuplicatePidError struct {
	Pid Pid
}

func (e *DuplicatePidError) Error() string {
	return fmt.Sprintf("bus: pid %d already present in collection", e.Pid)
}
