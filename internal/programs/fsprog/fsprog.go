// Package fsprog implements the filesystem native program spec.md names
// as a motivating example of a kernel-adjacent service. It registers a
// single interface, fs.request, and answers Read/Write/Stat requests
// rooted under a configured directory. It never emits anything needing
// an answer itself — it only answers messages routed to it — so it
// never touches a bus.IdWrite capability, the degenerate case spec.md
// §4.1 calls out as legal.
package fsprog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/bus/wire"
	"github.com/kernelkit/novabus/internal/idhash"
)

// Interface is the bus interface fsprog registers and answers requests on.
var Interface = idhash.MustCompute("novabus.fs/v1")

// Op tags the variant of an fs.request payload.
type Op uint8

const (
	// OpRead reads the whole contents of a file.
	OpRead Op = iota
	// OpWrite overwrites a file with the given contents, creating it if absent.
	OpWrite
	// OpStat reports whether a path exists and its size.
	OpStat
)

// Program is a bus.Program that serves filesystem requests rooted at Root.
type Program struct {
	root string

	registered bool

	mu      sync.Mutex
	pending []pendingAnswer
}

type pendingAnswer struct {
	id     bus.MessageId
	answer bus.Response
}

// New builds an fsprog.Program rooted at root. root must already exist;
// New does not create it.
func New(root string) *Program {
	return &Program{root: root}
}

// Poll yields the one-time interface registration on first call, then
// drains any answers queued by InterfaceMessage.
func (p *Program) Poll(pc *bus.PollContext) (bus.ProgramEvent, bool) {
	if !p.registered {
		p.registered = true
		return bus.ProgramEvent{
			Kind:      bus.EventEmit,
			Interface: wire.RegistrationInterface,
			Message:   wire.EncodeRegister(Interface),
		}, true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return bus.ProgramEvent{}, false
	}
	next := p.pending[0]
	p.pending = p.pending[1:]
	return bus.ProgramEvent{
		Kind:      bus.EventAnswer,
		MessageId: next.id,
		Answer:    next.answer,
	}, true
}

// InterfaceMessage handles an inbound fs.request. A request without an
// identifier (id == nil) is a fire-and-forget write the caller does not
// want acknowledged; anything else queues an Answer for the next Poll.
func (p *Program) InterfaceMessage(iface bus.InterfaceHash, id *bus.MessageId, emitter bus.Pid, body bus.EncodedMessage) {
	if iface != Interface {
		return
	}
	resp := p.handle(body)
	if id == nil {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, pendingAnswer{id: *id, answer: resp})
	p.mu.Unlock()
}

func (p *Program) handle(body bus.EncodedMessage) bus.Response {
	if len(body) < 1 {
		return bus.Invalid()
	}
	op := Op(body[0])
	rel, rest, err := decodeString(body[1:])
	if err != nil {
		return bus.Invalid()
	}

	path, err := p.resolve(rel)
	if err != nil {
		return bus.Invalid()
	}

	switch op {
	case OpRead:
		data, err := os.ReadFile(path)
		if err != nil {
			return bus.Invalid()
		}
		return bus.Ok(data)
	case OpWrite:
		if err := os.WriteFile(path, rest, 0o644); err != nil {
			return bus.Invalid()
		}
		return bus.Ok(nil)
	case OpStat:
		info, err := os.Stat(path)
		if err != nil {
			return bus.Invalid()
		}
		out := wire.PutUint64(nil, uint64(info.Size()))
		return bus.Ok(out)
	default:
		return bus.Invalid()
	}
}

// resolve joins rel onto the program's root, rejecting any path that
// would escape it (spec.md §4.2: "no path may escape the root").
func (p *Program) resolve(rel string) (string, error) {
	joined := filepath.Join(p.root, rel)

	relToRoot, err := filepath.Rel(p.root, joined)
	if err != nil {
		return "", err
	}
	if relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fsprog: path %q escapes root", rel)
	}
	return joined, nil
}

// MessageResponse is never called: fsprog never emits anything needing an answer.
func (p *Program) MessageResponse(id bus.MessageId, resp bus.Response) {}

// ProcessDestroyed is a no-op: fsprog tracks no per-process state.
func (p *Program) ProcessDestroyed(pid bus.Pid) {}

func decodeString(src []byte) (string, []byte, error) {
	n, rest, err := wire.Uint64(src)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(rest)) < n {
		return "", nil, wire.ErrShortBuffer
	}
	return string(rest[:n]), rest[n:], nil
}
