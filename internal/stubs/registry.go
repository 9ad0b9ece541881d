// Package stubs provides a registry for self-registering hooks on the
// imports of loaded native libraries. Each stub package uses init() to
// register its hooks; the bridge installs them at the PLT entries of every
// library it opens.
package stubs

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/log"
)

// HookFunc is the signature for stub hook functions.
// Returns true to stop emulation, false to continue. It is the emulator's
// address hook type, so a registered stub can be hooked directly.
type HookFunc = emulator.AddressHookFunc

// TraceFunc receives every stub call reported through Log.
type TraceFunc func(category, name, detail string)

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Symbol name (e.g., "malloc", "pthread_once")
	Aliases  []string // Alternative symbol names
	Hook     HookFunc
	Category string // For logging: "libc", "pthread", "cxxabi", ...
}

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // symbol name -> stub definition

	sinksMu sync.RWMutex
	sinks   map[*emulator.Emulator]TraceFunc

	// Fallbacks installs a hook returning 0 on imports without a stub.
	Fallbacks bool
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{
		stubs:     make(map[string]*StubDef),
		sinks:     make(map[*emulator.Emulator]TraceFunc),
		Fallbacks: true,
	}
}

// Register adds a stub definition to the registry.
// Called from init() functions in stub packages.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{
		Name:     name,
		Aliases:  aliases,
		Hook:     hook,
		Category: category,
	})
}

// Lookup returns the stub registered for name.
func (r *Registry) Lookup(name string) (*StubDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stubs[name]
	return def, ok
}

// Install hooks the registered stubs at their import addresses and reports
// their calls on emu to trace. Imports without a stub get a fallback
// returning 0 when Fallbacks is set. It returns the number of hooks
// installed.
func (r *Registry) Install(emu *emulator.Emulator, imports map[string]uint64, trace TraceFunc) int {
	r.sinksMu.Lock()
	if trace != nil {
		r.sinks[emu] = trace
	}
	r.sinksMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	installed := 0
	seen := make(map[uint64]bool) // Avoid double-hooking same address

	names := make([]string, 0, len(imports))
	for name := range imports {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		addr := imports[name]
		if addr == 0 || seen[addr] {
			continue
		}
		if def, ok := r.stubs[name]; ok {
			seen[addr] = true
			emu.HookAddress(addr, def.Hook)
			installed++
			continue
		}
		if !r.Fallbacks {
			continue
		}
		seen[addr] = true
		symName := name
		emu.HookAddress(addr, func(e *emulator.Emulator) bool {
			r.Log(e, "import", symName, "unhandled -> 0")
			e.SetX(0, 0)
			ReturnFromStub(e)
			return false
		})
		installed++
		log.Get().Debug("installed fallback", zap.String("fn", name), log.Addr(addr))
	}
	return installed
}

// Forget drops the trace sink of emu.
func (r *Registry) Forget(emu *emulator.Emulator) {
	r.sinksMu.Lock()
	defer r.sinksMu.Unlock()
	delete(r.sinks, emu)
}

// Log reports a stub call on emu. This is the primary method for stubs to
// report their activity.
func (r *Registry) Log(emu *emulator.Emulator, category, name, detail string) {
	r.sinksMu.RLock()
	sink := r.sinks[emu]
	r.sinksMu.RUnlock()
	if sink != nil {
		sink(category, name, detail)
		return
	}
	log.Get().Trace(category, name, detail)
}

// Count returns the number of registered stub names, aliases included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns the registered primary stub names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	for name, def := range r.stubs {
		if def.Name == name {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, hook, aliases...)
}

// Log reports a stub call through the default registry.
func Log(emu *emulator.Emulator, category, name, detail string) {
	DefaultRegistry.Log(emu, category, name, detail)
}

// Helper functions for stubs

// ReturnFromStub sets PC to LR to return from the current function.
func ReturnFromStub(emu *emulator.Emulator) {
	emu.Return()
}

// Return sets X0 and returns from the current function.
func Return(emu *emulator.Emulator, x0 uint64) bool {
	emu.SetX(0, x0)
	emu.Return()
	return false
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
