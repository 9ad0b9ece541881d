package abi

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/jni"
	"github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/nativelib"
	"github.com/zboralski/jnivm/internal/stubs/cxxabi"
)

// Open loads an ARM64 shared library into the emulator and hooks its
// imports.
func (b *Bridge) Open(path string) (nativelib.Handle, error) {
	info, err := b.emu.LoadELF(path)
	if err != nil {
		return 0, err
	}
	hooks := b.stubs.Install(b.emu, info.Imports, b.trace)

	b.mu.Lock()
	b.nextLib++
	h := b.nextLib
	b.libs[h] = info
	b.mu.Unlock()

	b.log.Info("loaded library",
		zap.String("path", path),
		log.Addr(info.BaseAddr),
		zap.Int("exports", len(info.Exports)),
		zap.Int("imports", len(info.Imports)),
		zap.Int("hooks", hooks),
	)
	return h, nil
}

func (b *Bridge) lib(h nativelib.Handle) *emulator.ELFInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.libs[h]
}

// Sym resolves an exported function, falling back to any symbol.
func (b *Bridge) Sym(h nativelib.Handle, name string) (uint64, bool) {
	info := b.lib(h)
	if info == nil {
		return 0, false
	}
	if addr, ok := info.Exports[name]; ok {
		return addr, true
	}
	addr := info.FindSymbol(name)
	return addr, addr != 0
}

// Close runs the library's C++ exit handlers, removes its import hooks
// and unmaps it.
func (b *Bridge) Close(h nativelib.Handle) error {
	b.mu.Lock()
	info := b.libs[h]
	delete(b.libs, h)
	b.mu.Unlock()
	if info == nil {
		return fmt.Errorf("abi: unknown library handle %d", h)
	}
	cxxabi.Finalize(b.emu, func(dso uint64) bool {
		return dso >= info.BaseAddr && dso < info.EndAddr
	})
	for _, addr := range info.Imports {
		b.emu.RemoveAddressHook(addr)
	}
	return b.emu.UnloadELF(info)
}

// Libraries returns the loaded libraries.
func (b *Bridge) Libraries() []*emulator.ELFInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*emulator.ELFInfo, 0, len(b.libs))
	for _, info := range b.libs {
		out = append(out, info)
	}
	return out
}

// CallOnLoad runs JNI_OnLoad(vm, NULL) on th.
func (b *Bridge) CallOnLoad(th nativelib.Thread, h nativelib.Handle, entry uint64) (int32, error) {
	res, err := b.runOn(th, entry, emulator.Int(b.JavaVM()), emulator.Int(0))
	if err != nil {
		return 0, fmt.Errorf("JNI_OnLoad: %w", err)
	}
	return int32(res.X0), nil
}

// CallOnUnload runs JNI_OnUnload(vm, NULL) on th.
func (b *Bridge) CallOnUnload(th nativelib.Thread, h nativelib.Handle, entry uint64) error {
	if _, err := b.runOn(th, entry, emulator.Int(b.JavaVM()), emulator.Int(0)); err != nil {
		return fmt.Errorf("JNI_OnUnload: %w", err)
	}
	return nil
}

func (b *Bridge) runOn(th nativelib.Thread, entry uint64, args ...emulator.Arg) (emulator.Result, error) {
	env, ok := th.(*jni.Env)
	if !ok {
		return emulator.Result{}, fmt.Errorf("abi: thread %d has no JNIEnv", th.ThreadID())
	}
	if _, err := b.EnvPtr(env); err != nil {
		return emulator.Result{}, err
	}
	b.push(env)
	defer b.pop()
	return b.emu.Call(entry, args...)
}

// CallNative implements jni.NativeCaller: it calls c.Entry as
//
//	ret fn(JNIEnv *env, jobject|jclass receiver, args...)
//
// with floating point parameters in SIMD registers.
func (b *Bridge) CallNative(e *jni.Env, c *jni.NativeCall) (uint64, error) {
	envPtr, err := b.EnvPtr(e)
	if err != nil {
		return 0, err
	}
	args := make([]emulator.Arg, 0, len(c.Args)+2)
	args = append(args, emulator.Int(envPtr), emulator.Int(uint64(c.Receiver)))
	for i, raw := range c.Args {
		if c.Method.Type.Params[i].Kind.IsFloat() {
			args = append(args, emulator.Float(raw))
		} else {
			args = append(args, emulator.Int(raw))
		}
	}

	b.push(e)
	defer b.pop()
	res, err := b.emu.Call(c.Entry, args...)
	if err != nil {
		return 0, fmt.Errorf("native %s: %w", c.Method, err)
	}
	switch c.Method.Type.Return.Kind {
	case managed.Float:
		return res.D0 & 0xffffffff, nil
	case managed.Double:
		return res.D0, nil
	}
	return res.X0, nil
}
