package abi

import (
	"fmt"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/jni"
)

// invokeEntry wraps JavaVM slot i. X0 is the JavaVM*; the calling thread is
// the one whose native code is running.
func (b *Bridge) invokeEntry(i int) emulator.AddressHookFunc {
	name := jni.InvokeFunctionNames[i]
	return func(emu *emulator.Emulator) bool {
		if emu.X(0) != javaVMStruct {
			b.fatal(fmt.Sprintf("%s: invalid JavaVM 0x%x", name, emu.X(0)))
		}
		b.mu.Lock()
		vm := b.vm
		b.mu.Unlock()
		th := b.current()
		if vm == nil || th == nil {
			b.fatal(name + ": bridge is not bound to a VM")
		}
		var detail string
		th.Guard(func() { detail = b.invoke(i, vm, th, emu) })
		b.trace("jvm", name, detail)
		emu.Return()
		return false
	}
}

func (b *Bridge) invoke(i int, vm *jni.VM, th *jni.Env, emu *emulator.Emulator) string {
	status := func(v int32) string {
		emu.SetX(0, uint64(int64(v)))
		return fmt.Sprintf("-> %d", v)
	}
	tid := th.ThreadID()
	switch i {
	case jni.InvokeDestroyJavaVM:
		st := vm.DestroyJavaVM(tid)
		if st == jni.OK {
			b.forget(th)
		}
		return status(st)

	case jni.InvokeAttachCurrentThread, jni.InvokeAttachCurrentThreadAsDaemon:
		// (vm, JNIEnv **p_env, JavaVMAttachArgs *thr_args)
		args := b.attachArgs(emu.X(2))
		var (
			env *jni.Env
			st  int32
		)
		if i == jni.InvokeAttachCurrentThread {
			env, st = vm.AttachCurrentThread(tid, args)
		} else {
			env, st = vm.AttachCurrentThreadAsDaemon(tid, args)
		}
		if st != jni.OK {
			return status(st)
		}
		return status(b.storeEnv(emu.X(1), env))

	case jni.InvokeDetachCurrentThread:
		st := vm.DetachCurrentThread(tid)
		if st == jni.OK {
			b.forget(th)
		}
		return status(st)

	case jni.InvokeGetEnv:
		// (vm, void **env, jint version)
		env, st := vm.GetEnv(tid, int32(emu.X(2)))
		if st != jni.OK {
			if p := emu.X(1); p != 0 {
				emu.MemWriteU64(p, 0)
			}
			return status(st)
		}
		return status(b.storeEnv(emu.X(1), env))
	}
	b.fatal("call through reserved JavaVM slot")
	return ""
}

// attachArgs reads JavaVMAttachArgs { jint version; const char *name;
// jobject group; }.
func (b *Bridge) attachArgs(p uint64) *jni.AttachArgs {
	if p == 0 {
		return nil
	}
	version, _ := b.emu.MemReadU32(p)
	args := &jni.AttachArgs{Version: int32(version)}
	if namePtr, _ := b.emu.MemReadU64(p + 8); namePtr != 0 {
		args.Name, _ = b.emu.MemReadString(namePtr, maxCString)
	}
	return args
}

func (b *Bridge) storeEnv(p uint64, env *jni.Env) int32 {
	ptr, err := b.EnvPtr(env)
	if err != nil {
		return jni.ENOMEM
	}
	if p != 0 {
		if err := b.emu.MemWriteU64(p, ptr); err != nil {
			return jni.ERR
		}
	}
	return jni.OK
}
