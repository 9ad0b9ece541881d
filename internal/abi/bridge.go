// Package abi connects the JNI bridge to emulated ARM64 code. It lays out
// the JNINativeInterface and JNIInvokeInterface tables in emulator memory,
// decodes AAPCS64 arguments at every table slot into jni.Env calls, and
// implements the platform, native caller and allocator the VM needs.
package abi

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/jni"
	"github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/nativelib"
	"github.com/zboralski/jnivm/internal/stubs"
	_ "github.com/zboralski/jnivm/internal/stubs/all"
)

// Layout in the bridge region:
//
//	+0x0000 JNINativeInterface table (233 * 8)
//	+0x1000 JNINativeInterface stubs (233 * 4)
//	+0x2000 JavaVM structure (pointer to invoke table)
//	+0x2100 JNIInvokeInterface table (8 * 8)
//	+0x2200 JNIInvokeInterface stubs (8 * 4)
const (
	functionTable = emulator.BridgeBase
	functionStubs = emulator.BridgeBase + 0x1000
	javaVMStruct  = emulator.BridgeBase + 0x2000
	invokeTable   = emulator.BridgeBase + 0x2100
	invokeStubs   = emulator.BridgeBase + 0x2200
)

// Bridge is the emulator side of one VM. Create it before the VM, pass it
// as InitArgs.Platform, Natives and Memory, then Bind the VM.
type Bridge struct {
	emu *emulator.Emulator
	mem *Memory
	log *log.Logger

	mu      sync.Mutex
	vm      *jni.VM
	envs    map[uint64]*jni.Env // JNIEnv* -> Env
	envPtrs map[*jni.Env]uint64
	active  []*jni.Env // threads running native code, innermost last
	main    *jni.Env

	libs    map[nativelib.Handle]*emulator.ELFInfo
	nextLib nativelib.Handle
	stubs   *stubs.Registry

	// OnCall receives every traced bridge call.
	OnCall func(category, name, detail string)
}

// New installs the interface tables into emu.
func New(emu *emulator.Emulator, logger *log.Logger) (*Bridge, error) {
	if logger == nil {
		logger = log.Get()
	}
	b := &Bridge{
		emu:     emu,
		mem:     NewMemory(emu),
		log:     logger.WithCategory("abi"),
		envs:    make(map[uint64]*jni.Env),
		envPtrs: make(map[*jni.Env]uint64),
		libs:    make(map[nativelib.Handle]*emulator.ELFInfo),
		stubs:   stubs.DefaultRegistry,
	}
	if err := b.install(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bridge) install() error {
	for i := 0; i < jni.FunctionCount; i++ {
		stub := functionStubs + uint64(i*4)
		if err := b.emu.MemWrite(stub, emulator.RetInsn); err != nil {
			return fmt.Errorf("write JNI stub %d: %w", i, err)
		}
		if err := b.emu.MemWriteU64(functionTable+uint64(i*8), stub); err != nil {
			return fmt.Errorf("write JNI table %d: %w", i, err)
		}
		b.emu.HookAddress(stub, b.entry(jni.FunctionNames[i], functionFor(i)))
	}
	for i := 0; i < jni.InvokeFunctionCount; i++ {
		stub := invokeStubs + uint64(i*4)
		if err := b.emu.MemWrite(stub, emulator.RetInsn); err != nil {
			return fmt.Errorf("write invoke stub %d: %w", i, err)
		}
		if err := b.emu.MemWriteU64(invokeTable+uint64(i*8), stub); err != nil {
			return fmt.Errorf("write invoke table %d: %w", i, err)
		}
		b.emu.HookAddress(stub, b.invokeEntry(i))
	}
	return b.emu.MemWriteU64(javaVMStruct, invokeTable)
}

// Bind attaches the bridge to vm and gives main, the creating thread, a
// JNIEnv.
func (b *Bridge) Bind(vm *jni.VM, main *jni.Env) error {
	b.mu.Lock()
	b.vm = vm
	b.main = main
	b.mu.Unlock()
	if _, err := b.EnvPtr(main); err != nil {
		return err
	}
	vm.SetNatives(b)
	return nil
}

// Emulator returns the emulator the bridge runs on.
func (b *Bridge) Emulator() *emulator.Emulator { return b.emu }

// Memory returns the allocator for InitArgs.Memory.
func (b *Bridge) Memory() *Memory { return b.mem }

// JavaVM returns the JavaVM* pointer.
func (b *Bridge) JavaVM() uint64 { return javaVMStruct }

// Function returns the address native code reaches through slot i of the
// JNIEnv function table.
func (b *Bridge) Function(i int) uint64 { return functionStubs + uint64(i*4) }

// InvokeFunction returns the stub address of JavaVM slot i.
func (b *Bridge) InvokeFunction(i int) uint64 { return invokeStubs + uint64(i*4) }

// EnvPtr returns the JNIEnv* of e, laying out the structure on first use.
func (b *Bridge) EnvPtr(e *jni.Env) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.envPtrs[e]; ok {
		return p, nil
	}
	p, err := b.emu.Malloc(16)
	if err != nil {
		return 0, fmt.Errorf("allocate JNIEnv: %w", err)
	}
	if err := b.emu.MemWriteU64(p, functionTable); err != nil {
		return 0, err
	}
	b.envs[p] = e
	b.envPtrs[e] = p
	b.log.Debug("jnienv", zap.Uint64("thread", uint64(e.ThreadID())), log.Addr(p))
	return p, nil
}

func (b *Bridge) forget(e *jni.Env) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.envPtrs[e]; ok {
		delete(b.envPtrs, e)
		delete(b.envs, p)
		b.emu.Free(p)
	}
}

func (b *Bridge) envAt(p uint64) *jni.Env {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.envs[p]
}

// current is the thread whose native code is running.
func (b *Bridge) current() *jni.Env {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.active); n > 0 {
		return b.active[n-1]
	}
	return b.main
}

func (b *Bridge) push(e *jni.Env) {
	b.mu.Lock()
	b.active = append(b.active, e)
	b.mu.Unlock()
}

func (b *Bridge) pop() {
	b.mu.Lock()
	b.active = b.active[:len(b.active)-1]
	b.mu.Unlock()
}

func (b *Bridge) trace(category, name, detail string) {
	if b.OnCall != nil {
		b.OnCall(category, name, detail)
	}
	b.log.Trace(category, name, detail)
}

// entry wraps a JNIEnv slot handler: it resolves the Env from X0, runs
// the handler under the Env's guard and returns to the caller.
func (b *Bridge) entry(name string, fn function) emulator.AddressHookFunc {
	return func(emu *emulator.Emulator) bool {
		c := &call{b: b, emu: emu}
		env := b.envAt(emu.X(0))
		if env == nil {
			b.fatal(fmt.Sprintf("%s: invalid JNIEnv 0x%x", name, emu.X(0)))
		}
		c.env = env
		var detail string
		env.Guard(func() { detail = fn(c) })
		b.trace("jni", name, detail)
		emu.Return()
		return false
	}
}

// fatal reports a corrupted native call with no usable Env.
func (b *Bridge) fatal(msg string) {
	if e := b.current(); e != nil {
		e.FatalError(msg)
	}
	panic(&jni.FatalError{Msg: msg})
}
