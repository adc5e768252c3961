// Package registry implements the interface registry native program
// spec.md §1 names alongside TCP and a filesystem as a motivating
// in-scope-adjacent service. It is an ordinary consumer of the bus — a
// program that registers one interface (registry.lookup) and answers
// requests — not a replacement for the bus's own per-adapter
// registered-interfaces bookkeeping (C1), which stays internal to
// internal/bus.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kernelkit/novabus/internal/bus"
	"github.com/kernelkit/novabus/internal/bus/wire"
	"github.com/kernelkit/novabus/internal/idhash"
)

// Interface is the bus interface the registry registers and answers
// lookups on.
var Interface = idhash.MustCompute("novabus.registry/v1")

// Entry describes one interface known to the registry: its
// human-readable name, the 32-byte hash it resolves to, and a short
// Markdown description for the debug server's rendered directory page.
type Entry struct {
	Name        string
	Hash        bus.InterfaceHash
	Description string // raw Markdown body
}

type frontMatter struct {
	Name string `yaml:"name"`
}

// Program is a bus.Program serving interface-name-to-hash lookups from
// a static, file-backed table. Load the table once at startup with
// LoadDir; the table does not change at runtime.
type Program struct {
	mu      sync.RWMutex
	entries map[string]Entry

	registered bool
	pending    []pendingAnswer
}

type pendingAnswer struct {
	id     bus.MessageId
	answer bus.Response
}

// New builds an empty registry program. Use LoadDir or Add to populate it.
func New() *Program {
	return &Program{entries: make(map[string]Entry)}
}

// Add records name, with its computed interface hash, under the given
// Markdown description.
func (p *Program) Add(name, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[name] = Entry{Name: name, Hash: idhash.MustCompute(name), Description: description}
}

// LoadDir walks dir for *.md files, each beginning with a YAML front
// matter block (delimited by "---" lines) naming the interface,
// followed by its Markdown description. A file with no "name" field or
// malformed front matter is skipped with an error collected in the
// returned slice, rather than aborting the whole load.
func (p *Program) LoadDir(dir string) ([]error, error) {
	var errs []error

	matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("registry: glob %s: %w", dir, err)
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fm, body, err := splitFrontMatter(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if fm.Name == "" {
			errs = append(errs, fmt.Errorf("%s: missing name in front matter", path))
			continue
		}
		p.Add(fm.Name, body)
	}
	return errs, nil
}

func splitFrontMatter(data []byte) (frontMatter, string, error) {
	const delim = "---"
	text := string(data)
	if !strings.HasPrefix(strings.TrimLeft(text, "\n"), delim) {
		return frontMatter{}, "", fmt.Errorf("registry: missing front matter delimiter")
	}
	text = strings.TrimLeft(text, "\n")
	rest := text[len(delim):]
	end := strings.Index(rest, delim)
	if end < 0 {
		return frontMatter{}, "", fmt.Errorf("registry: unterminated front matter")
	}
	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return frontMatter{}, "", fmt.Errorf("registry: parse front matter: %w", err)
	}
	body := strings.TrimSpace(rest[end+len(delim):])
	return fm, body, nil
}

// Entries returns a snapshot of the registry table, sorted by name, for
// internal/debugserver's rendered directory page.
func (p *Program) Entries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Poll yields the one-time registration emission, then drains any
// answers queued by InterfaceMessage.
func (p *Program) Poll(pc *bus.PollContext) (bus.ProgramEvent, bool) {
	if !p.registeredOnce() {
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
	return bus.ProgramEvent{Kind: bus.EventAnswer, MessageId: next.id, Answer: next.answer}, true
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

// InterfaceMessage answers a registry.lookup request: the body is the
// raw interface name; the response is its 32-byte hash, or Invalid if
// the name is unknown.
func (p *Program) InterfaceMessage(iface bus.InterfaceHash, id *bus.MessageId, emitter bus.Pid, body bus.EncodedMessage) {
	if iface != Interface || id == nil {
		return
	}

	p.mu.RLock()
	entry, ok := p.entries[string(body)]
	p.mu.RUnlock()

	var resp bus.Response
	if ok {
		resp = bus.Ok(append(bus.EncodedMessage(nil), entry.Hash[:]...))
	} else {
		resp = bus.Invalid()
	}

	p.mu.Lock()
	p.pending = append(p.pending, pendingAnswer{id: *id, answer: resp})
	p.mu.Unlock()
}

// MessageResponse is never called: registry never emits anything needing an answer.
func (p *Program) MessageResponse(id bus.MessageId, resp bus.Response) {}

// ProcessDestroyed is a no-op: registry tracks no per-process state.
func (p *Program) ProcessDestroyed(pid bus.Pid) {}
