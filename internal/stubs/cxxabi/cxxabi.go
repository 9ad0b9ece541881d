// Package cxxabi provides stub implementations for the C++ ABI runtime
// functions JNI libraries import: static initialization guards, exit
// handlers and the fatal paths (throw, pure virtual calls).
package cxxabi

import (
	"sync"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/stubs"
)

// exitHandler is one __cxa_atexit registration.
type exitHandler struct {
	fn, arg, dso uint64
}

var (
	handlersMu sync.Mutex
	handlers   = make(map[*emulator.Emulator][]exitHandler)
)

func init() {
	// Static initialization guards
	stubs.RegisterFunc("cxxabi", "__cxa_guard_acquire", stubCxaGuardAcquire)
	stubs.RegisterFunc("cxxabi", "__cxa_guard_release", stubCxaGuardRelease)
	stubs.RegisterFunc("cxxabi", "__cxa_guard_abort", stubCxaGuardAbort)

	// Exit handlers
	stubs.RegisterFunc("cxxabi", "__cxa_atexit", stubCxaAtexit)
	stubs.RegisterFunc("cxxabi", "__cxa_finalize", stubCxaFinalize)
	stubs.RegisterFunc("cxxabi", "__cxa_thread_atexit_impl", stubCxaThreadAtexit, "__cxa_thread_atexit")

	// Fatal paths
	stubs.RegisterFunc("cxxabi", "__cxa_throw", stubCxaThrow, "_Unwind_RaiseException")
	stubs.RegisterFunc("cxxabi", "__cxa_pure_virtual", stubCxaPureVirtual, "__cxa_deleted_virtual")
	stubs.RegisterFunc("cxxabi", "__cxa_allocate_exception", stubCxaAllocateException)
}

// The guard's first byte is set once the guarded object is initialized.

func stubCxaGuardAcquire(emu *emulator.Emulator) bool {
	guard, err := emu.MemRead(emu.X(0), 1)
	if err == nil && guard[0] != 0 {
		return stubs.Return(emu, 0) // Already initialized
	}
	return stubs.Return(emu, 1) // Need to initialize
}

func stubCxaGuardRelease(emu *emulator.Emulator) bool {
	emu.MemWriteU8(emu.X(0), 1)
	stubs.ReturnFromStub(emu)
	return false
}

func stubCxaGuardAbort(emu *emulator.Emulator) bool {
	stubs.ReturnFromStub(emu)
	return false
}

func stubCxaAtexit(emu *emulator.Emulator) bool {
	// int __cxa_atexit(void (*func)(void *), void *arg, void *dso_handle)
	h := exitHandler{fn: emu.X(0), arg: emu.X(1), dso: emu.X(2)}
	handlersMu.Lock()
	handlers[emu] = append(handlers[emu], h)
	handlersMu.Unlock()
	stubs.Log(emu, "cxxabi", "__cxa_atexit", stubs.FormatPtrPair("fn", h.fn, "dso", h.dso))
	return stubs.Return(emu, 0)
}

func stubCxaFinalize(emu *emulator.Emulator) bool {
	// void __cxa_finalize(void *dso_handle)
	dso := emu.X(0)
	n := Finalize(emu, func(h uint64) bool { return dso == 0 || h == dso })
	stubs.Log(emu, "cxxabi", "__cxa_finalize", stubs.FormatPtrPair("dso", dso, "ran", uint64(n)))
	stubs.ReturnFromStub(emu)
	return false
}

// Finalize runs, newest first, the exit handlers registered on emu whose
// DSO handle matches, and forgets them. It returns how many ran.
func Finalize(emu *emulator.Emulator, match func(dso uint64) bool) int {
	handlersMu.Lock()
	var run, keep []exitHandler
	for _, h := range handlers[emu] {
		if match(h.dso) {
			run = append(run, h)
		} else {
			keep = append(keep, h)
		}
	}
	handlers[emu] = keep
	handlersMu.Unlock()

	for i := len(run) - 1; i >= 0; i-- {
		if _, err := emu.Call(run[i].fn, emulator.Int(run[i].arg)); err != nil {
			stubs.Log(emu, "cxxabi", "finalize", stubs.FormatPtr("fn", run[i].fn)+" "+err.Error())
		}
	}
	return len(run)
}

// Thread exit handlers never run: emulated threads do not exit.
func stubCxaThreadAtexit(emu *emulator.Emulator) bool {
	return stubs.Return(emu, 0)
}

func stubCxaAllocateException(emu *emulator.Emulator) bool {
	ptr, err := emu.Malloc(emu.X(0))
	if err != nil {
		return stubs.Return(emu, 0)
	}
	return stubs.Return(emu, ptr)
}

func stubCxaThrow(emu *emulator.Emulator) bool {
	stubs.Log(emu, "cxxabi", "__cxa_throw", "C++ exception escaped native code at "+stubs.FormatHex(emu.LR()))
	return true
}

func stubCxaPureVirtual(emu *emulator.Emulator) bool {
	stubs.Log(emu, "cxxabi", "__cxa_pure_virtual", "FATAL: pure virtual call")
	return true
}
