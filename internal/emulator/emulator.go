// Package emulator provides ARM64 emulation using Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for code
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x90000000
	HeapSize  = 0x10000000 // 256MB heap
	TLSBase   = 0xDEAC0000 // Thread Local Storage
	TLSSize   = 0x00010000 // 64KB TLS
	StubBase  = 0xF0000000 // Stub functions mapped here
	StubSize  = 0x00100000 // 1MB for stubs
)

// Stub region layout. Bridge tables are placed by internal/abi after
// ReturnTrap.
const (
	ReturnTrap    = StubBase          // LR of every Call; emulation stops here
	ImportStubs   = StubBase + 0x1000 // fallback stubs for unresolved imports
	BridgeBase    = StubBase + 0x10000
	stackCanary   = 0xDEADBEEFDEADBEEF
	canaryOffset  = 0x28
	maxNestedCall = 32
)

// RetInsn is the ARM64 RET instruction.
var RetInsn = []byte{0xc0, 0x03, 0x5f, 0xd6}

// ErrHeapExhausted is returned by Malloc when the heap region is full.
var ErrHeapExhausted = errors.New("emulator: heap exhausted")

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// Emulator wraps Unicorn for ARM64 emulation
type Emulator struct {
	mu uc.Unicorn

	// Memory management
	heap heap

	// Hooks
	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Stop flag
	stopped bool

	// depth counts nested Call invocations.
	depth int
	// fault holds a panic raised inside a hook until Start returns.
	fault any

	nextLib uint64
}

// New creates a new ARM64 emulator
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heap:      newHeap(HeapBase, HeapSize),
		addrHooks: make(map[uint64]AddressHookFunc),
		nextLib:   LoadELFBase,
	}

	// Map memory regions
	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	// Set up internal hooks
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{TLSBase, TLSSize, "tls"},
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	if err := e.mu.RegWrite(uc.ARM64_REG_SP, e.stackTop()); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// TPIDR_EL0 is the thread pointer register on ARM64
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}

	// Bionic reads the stack guard from TLS slot 5.
	if err := e.MemWriteU64(TLSBase+canaryOffset, stackCanary); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	if err := e.mu.MemWrite(ReturnTrap, RetInsn); err != nil {
		return fmt.Errorf("write return trap: %w", err)
	}

	// Enable FP/SIMD (CPACR_EL1.FPEN) so native code can use D registers.
	if err := e.mu.RegWrite(uc.ARM64_REG_CPACR_EL1, 0x300000); err != nil {
		return fmt.Errorf("enable fp: %w", err)
	}
	return nil
}

func (e *Emulator) stackTop() uint64 {
	return StackBase + StackSize - 0x1000
}

// StackGuardAddr is the address of the stack canary value.
func (e *Emulator) StackGuardAddr() uint64 {
	return TLSBase + canaryOffset
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		// A Go panic must not unwind through the C emulator loop; it is
		// parked in fault and re-raised once Start returns.
		defer func() {
			if r := recover(); r != nil {
				e.fault = r
				e.mu.Stop()
			}
		}()

		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)

	return err
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// UnmapRegion removes a mapping created by MapRegion.
func (e *Emulator) UnmapRegion(addr, size uint64) error {
	return e.mu.MemUnmap(addr, size)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemWriteU8 writes a single byte to memory
func (e *Emulator) MemWriteU8(addr uint64, val uint8) error {
	return e.mu.MemWrite(addr, []byte{val})
}

// MemReadString reads a null-terminated string from memory
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	b, err := e.MemReadCString(addr, maxLen)
	return string(b), err
}

// MemReadCString reads a null-terminated byte string of at most maxLen
// bytes. Reads stop at the end of a mapping.
func (e *Emulator) MemReadCString(addr uint64, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	var out []byte
	for len(out) < maxLen {
		n := min(64, maxLen-len(out))
		chunk, err := e.mu.MemRead(addr+uint64(len(out)), uint64(n))
		if err != nil {
			chunk, err = e.mu.MemRead(addr+uint64(len(out)), 1)
			if err != nil {
				return out, err
			}
		}
		for i, b := range chunk {
			if b == 0 {
				return append(out, chunk[:i]...), nil
			}
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// xreg maps X0-X30 to unicorn register IDs. X29 and X30 are not
// contiguous with X0-X28.
func xreg(n int) (int, bool) {
	switch {
	case n >= 0 && n <= 28:
		return uc.ARM64_REG_X0 + n, true
	case n == 29:
		return uc.ARM64_REG_X29, true
	case n == 30:
		return uc.ARM64_REG_X30, true
	}
	return 0, false
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	reg, ok := xreg(n)
	if !ok {
		return 0
	}
	val, _ := e.mu.RegRead(reg)
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	reg, ok := xreg(n)
	if !ok {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(reg, val)
}

// D reads the low 64 bits of SIMD register V0-V31. A float argument or
// result occupies the low 32 bits.
func (e *Emulator) D(n int) uint64 {
	if n < 0 || n > 31 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_D0 + n)
	return val
}

// SetD writes the low 64 bits of SIMD register V0-V31.
func (e *Emulator) SetD(n int, val uint64) error {
	if n < 0 || n > 31 {
		return fmt.Errorf("invalid register D%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_D0+n, val)
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// Return finishes a hooked function: PC jumps to LR as a RET would.
func (e *Emulator) Return() {
	e.SetPC(e.LR())
}

// Malloc allocates zeroed memory from the heap, aligned to 16 bytes.
func (e *Emulator) Malloc(size uint64) (uint64, error) {
	addr, n, err := e.heap.alloc(size)
	if err != nil {
		return 0, err
	}
	if err := e.mu.MemWrite(addr, make([]byte, n)); err != nil {
		e.heap.free(addr)
		return 0, err
	}
	return addr, nil
}

// Free returns a block from Malloc to the heap. Unknown addresses are
// ignored.
func (e *Emulator) Free(addr uint64) {
	e.heap.free(addr)
}

// BlockSize returns the usable size of a heap block, 0 if addr is not one.
func (e *Emulator) BlockSize(addr uint64) uint64 {
	return e.heap.size(addr)
}

// HeapInUse returns the number of live heap blocks.
func (e *Emulator) HeapInUse() int {
	return e.heap.live()
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Run starts emulation from addr
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	err := e.mu.Start(start, end)
	e.rethrow()
	return err
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

func (e *Emulator) rethrow() {
	if r := e.fault; r != nil {
		e.fault = nil
		panic(r)
	}
}

// Arg is one argument of Call. FP arguments go to the SIMD registers.
type Arg struct {
	Bits uint64
	FP   bool
}

// Int is a general-purpose register argument.
func Int(v uint64) Arg { return Arg{Bits: v} }

// Float is a SIMD register argument holding raw float or double bits.
func Float(bits uint64) Arg { return Arg{Bits: bits, FP: true} }

// Result holds the return registers of Call.
type Result struct {
	X0 uint64
	D0 uint64
}

// Call runs the function at addr with AAPCS64 arguments and returns when
// it returns. Calls nest: a hook may call back into emulated code. The
// caller's registers are restored afterwards.
func (e *Emulator) Call(addr uint64, args ...Arg) (Result, error) {
	if e.depth >= maxNestedCall {
		return Result{}, fmt.Errorf("emulator: call depth exceeds %d", maxNestedCall)
	}
	ctx, err := e.mu.ContextSave(nil)
	if err != nil {
		return Result{}, fmt.Errorf("save context: %w", err)
	}
	stopped := e.stopped
	e.depth++
	defer func() {
		e.depth--
		e.stopped = stopped
		e.mu.ContextRestore(ctx)
	}()

	sp := e.stackTop()
	if e.depth > 1 {
		sp = (e.SP() - 0x100) &^ 0xf
	}
	var gp, fp int
	var stack []uint64
	for _, a := range args {
		switch {
		case a.FP && fp < 8:
			e.SetD(fp, a.Bits)
			fp++
		case !a.FP && gp < 8:
			e.SetX(gp, a.Bits)
			gp++
		default:
			stack = append(stack, a.Bits)
		}
	}
	if len(stack) > 0 {
		sp -= (uint64(len(stack))*8 + 15) &^ 15
		for i, v := range stack {
			if err := e.MemWriteU64(sp+uint64(i)*8, v); err != nil {
				return Result{}, fmt.Errorf("write stack argument: %w", err)
			}
		}
	}
	e.SetSP(sp)
	e.SetLR(ReturnTrap)

	e.stopped = false
	err = e.mu.Start(addr, ReturnTrap)
	e.rethrow()
	if err != nil {
		return Result{}, fmt.Errorf("call 0x%x: %w", addr, err)
	}
	if pc := e.PC(); pc != ReturnTrap {
		return Result{}, fmt.Errorf("call 0x%x: stopped at 0x%x", addr, pc)
	}
	return Result{X0: e.X(0), D0: e.D(0)}, nil
}

// Depth returns the number of active Call frames.
func (e *Emulator) Depth() int {
	return e.depth
}
