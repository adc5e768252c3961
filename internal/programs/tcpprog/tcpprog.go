// Package tcpprog implements the TCP native program spec.md §1 names as
// a worked example of a "kernel-adjacent service." Every accepted
// connection is surfaced to guests as an Emit on tcp.accepted; once the
// kernel acknowledges that emission with a MessageId, bytes read from
// the connection are handed back to the guest tagged with that same
// MessageId via repeated Answer events — a wire-level convention of the
// guest-facing ABI that sits outside the bus's own single-shot response
// bookkeeping (spec.md §1 lists the real syscall ABI as an external
// collaborator; this is our supplement's reading of how it would use
// one). Guests write bytes back out a connection by emitting on
// tcp.write with the connection's MessageId as the correlator.
package tcpprog

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/bus/wire"
	"github.com/kernelkit/novabus/internal/idhash"
)

// InterfaceAccepted is the bus interface a tcpprog emits on for every
// newly accepted connection.
var InterfaceAccepted = idhash.MustCompute("novabus.tcp.accepted/v1")

// InterfaceWrite is the bus interface a guest emits on to write bytes
// out a connection previously surfaced via InterfaceAccepted.
var InterfaceWrite = idhash.MustCompute("novabus.tcp.write/v1")

const readChunk = 32 * 1024

// Program is a bus.Program that bridges a TCP listener onto the bus.
type Program struct {
	logger *slog.Logger

	listener net.Listener

	mu          sync.Mutex
	registered  bool
	pendingOut  []bus.ProgramEvent
	conns       map[bus.MessageId]net.Conn
	nextConnRef uint64
	connByRef   map[uint64]*pendingConn
	current     *bus.PollContext // the PollContext from the most recent Poll call
}

// pendingConn is a connection awaiting acknowledgement of its accept emission.
type pendingConn struct {
	conn net.Conn
	p    *Program
}

// Acknowledge implements bus.IdWrite: it is called once the kernel has
// assigned a MessageId to this connection's accept emission, at which
// point the program starts relaying reads tagged with that id.
func (c *pendingConn) Acknowledge(id bus.MessageId) {
	c.p.mu.Lock()
	c.p.conns[id] = c.conn
	c.p.mu.Unlock()
	go c.p.readLoop(id, c.conn)
}

// Listen opens a TCP listener at addr, capped at maxConns concurrent
// connections via netutil.LimitListener, and returns a Program ready to
// be added to a bus.Collection.
func Listen(addr string, maxConns int, logger *slog.Logger) (*Program, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpprog: listen %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}

	p := &Program{
		logger:    logger,
		listener:  ln,
		conns:     make(map[bus.MessageId]net.Conn),
		connByRef: make(map[uint64]*pendingConn),
	}
	go p.acceptLoop()
	return p, nil
}

// Close stops accepting new connections. Already-accepted connections
// are closed as their read loops observe an error.
func (p *Program) Close() error {
	return p.listener.Close()
}

func (p *Program) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.nextConnRef++
		ref := p.nextConnRef
		pc := &pendingConn{conn: conn, p: p}
		p.connByRef[ref] = pc
		body := append([]byte(nil), []byte(conn.RemoteAddr().String())...)
		p.pendingOut = append(p.pendingOut, bus.ProgramEvent{
			Kind:      bus.EventEmit,
			Interface: InterfaceAccepted,
			Message:   body,
			IdWrite:   pc,
		})
		p.mu.Unlock()
		p.wakeCurrent()
	}
}

func (p *Program) readLoop(id bus.MessageId, conn net.Conn) {
	buf := make([]byte, readChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.mu.Lock()
			p.pendingOut = append(p.pendingOut, bus.ProgramEvent{
				Kind:      bus.EventAnswer,
				MessageId: id,
				Answer:    bus.Ok(chunk),
			})
			p.mu.Unlock()
			p.wakeCurrent()
		}
		if err != nil {
			conn.Close()
			p.mu.Lock()
			delete(p.conns, id)
			p.pendingOut = append(p.pendingOut, bus.ProgramEvent{
				Kind:      bus.EventAnswer,
				MessageId: id,
				Answer:    bus.Invalid(),
			})
			p.mu.Unlock()
			p.wakeCurrent()
			return
		}
	}
}

// wakeCurrent wakes whichever PollContext the most recent Poll call
// supplied, mirroring ticker.Ticker's wakeCurrent: Collection.NextEvent
// hands adapters a fresh PollContext every round, so Poll refreshes
// p.current before any blocking can happen.
func (p *Program) wakeCurrent() {
	p.mu.Lock()
	pc := p.current
	p.mu.Unlock()
	pc.Wake()
}

// Poll yields the registration emission once, then drains queued accept
// and read events. The accept and read goroutines push onto pendingOut
// from outside any Poll call and call wakeCurrent to signal the driver,
// the same current-PollContext discipline ticker.Ticker uses.
func (p *Program) Poll(pc *bus.PollContext) (bus.ProgramEvent, bool) {
	p.mu.Lock()
	p.current = pc
	p.mu.Unlock()

	if !p.registeredOnce() {
		return bus.ProgramEvent{
			Kind:      bus.EventEmit,
			Interface: wire.RegistrationInterface,
			Message:   wire.EncodeRegister(InterfaceWrite),
		}, true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingOut) == 0 {
		return bus.ProgramEvent{}, false
	}
	next := p.pendingOut[0]
	p.pendingOut = p.pendingOut[1:]
	return next, true
}

func (p *Program) registeredOnce() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registered {
		return true
	}
	p.registered = true
	return false
}

// InterfaceMessage handles an inbound tcp.write request: a MessageId
// correlator (8 bytes, little-endian) identifying the target
// connection, followed by the bytes to write.
func (p *Program) InterfaceMessage(iface bus.InterfaceHash, id *bus.MessageId, emitter bus.Pid, body bus.EncodedMessage) {
	if iface != InterfaceWrite || len(body) < 8 {
		return
	}
	correlator := bus.MessageId(binary.LittleEndian.Uint64(body[:8]))
	payload := body[8:]

	p.mu.Lock()
	conn, ok := p.conns[correlator]
	p.mu.Unlock()
	if !ok {
		return
	}
	if _, err := conn.Write(payload); err != nil {
		p.logger.Debug("tcpprog write failed", "error", err)
	}
}

// MessageResponse is never called: tcpprog's accept emissions are
// answered by Answer events it yields itself, not by the kernel's
// message_response path.
func (p *Program) MessageResponse(id bus.MessageId, resp bus.Response) {}

// ProcessDestroyed is a no-op: tcpprog tracks connections, not guest
// processes.
func (p *Program) ProcessDestroyed(pid bus.Pid) {}
