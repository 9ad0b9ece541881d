package jni

import (
	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/classloader"
	"github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/nativelib"
	"github.com/zboralski/jnivm/internal/refs"
)

// NativeCall is one invocation of a native method implementation.
type NativeCall struct {
	Entry  uint64
	Method *managed.Method
	// Receiver is the object for instance methods and the class for static
	// methods, as a local handle.
	Receiver refs.Handle
	// Args are the arguments in register form: handles for references,
	// raw bits for primitives.
	Args []uint64
}

// NativeCaller runs native code. The emulator implements it.
type NativeCaller interface {
	CallNative(e *Env, c *NativeCall) (uint64, error)
}

// NativeMethod is one entry of a RegisterNatives table.
type NativeMethod struct {
	Name  string
	Sig   string
	Entry uint64
}

// InvokeNative implements managed.Thread. The entry point comes from
// RegisterNatives or, failing that, from the short and long symbol names in
// the libraries of the method's defining loader. The call runs in a fresh
// frame bound to that loader; an exception left pending by the native code
// becomes the error.
func (e *Env) InvokeNative(m *managed.Method, this managed.Object, args []managed.Value) (managed.Value, error) {
	loader := classloader.Of(m.Class)
	entry := m.NativeEntry()
	if entry == 0 {
		addr, ok := e.vm.libs.FindNative(e, loader, m.Class.InternalName(), m.Name, m.Sig)
		if !ok {
			return managed.Value{}, managed.Throw(managed.UnsatisfiedLinkError, m.String())
		}
		if slot := m.Class.NativeSlot(managed.NativeSlotPrefix + m.Name + m.Sig); slot != nil {
			slot.CompareAndSwap(0, addr)
		}
		entry = addr
	}
	caller := e.vm.nativeCaller()
	if caller == nil {
		return managed.Value{}, managed.Throw(managed.UnsatisfiedLinkError, "no native caller for "+m.String())
	}

	st := e.Enter(loader)
	call := &NativeCall{Entry: entry, Method: m, Args: make([]uint64, len(args))}
	if m.IsStatic() {
		call.Receiver = e.Wrap(m.Class)
	} else {
		call.Receiver = e.Wrap(this)
	}
	for i, a := range args {
		call.Args[i] = e.Box(a)
	}
	e.log.Trace("native", m.String(), log.Hex(entry))
	raw, err := caller.CallNative(e, call)
	var v managed.Value
	if err == nil {
		// Result handles belong to the frame and are read before it closes.
		v = e.ValueFromBits(m.Type.Return.Kind, raw)
		if m.Type.Return.Kind == managed.Void {
			v = managed.VoidValue
		}
	}
	pending := e.Leave(st)
	if err != nil {
		return managed.Value{}, err
	}
	if pending != nil {
		return managed.Value{}, pending
	}
	return v, nil
}

// RegisterNatives binds native entry points to methods of cls. A method
// that does not exist or is not native raises NoSuchMethodError and
// returns ERR; entries before it stay registered.
func (e *Env) RegisterNatives(cls refs.Handle, methods []NativeMethod) int32 {
	c, err := e.classOf(cls)
	if err != nil {
		e.throw(err)
		return ERR
	}
	for _, nm := range methods {
		slot := c.NativeSlot(managed.NativeSlotPrefix + nm.Name + nm.Sig)
		if slot == nil {
			e.throw(managed.Throwf(managed.NoSuchMethodError, "%s.%s%s", c.Name, nm.Name, nm.Sig))
			return ERR
		}
		slot.Store(nm.Entry)
		e.log.Debug("registered native", log.Class(c.Name), log.Fn(nm.Name+nm.Sig), log.Addr(nm.Entry))
	}
	return OK
}

// UnregisterNatives clears every native binding of cls.
func (e *Env) UnregisterNatives(cls refs.Handle) int32 {
	c, err := e.classOf(cls)
	if err != nil {
		e.throw(err)
		return ERR
	}
	for _, slot := range c.NativeSlots() {
		slot.Store(0)
	}
	return OK
}

// MonitorEnter acquires the monitor of obj for this thread.
func (e *Env) MonitorEnter(obj refs.Handle) int32 {
	o := e.Unwrap(obj)
	if o == nil {
		e.throw(managed.Throw(managed.NullPointerException, "MonitorEnter"))
		return ERR
	}
	o.Header().Enter(e.tid)
	return OK
}

// MonitorExit releases one level of the monitor of obj.
func (e *Env) MonitorExit(obj refs.Handle) int32 {
	o := e.Unwrap(obj)
	if o == nil {
		e.throw(managed.Throw(managed.NullPointerException, "MonitorExit"))
		return ERR
	}
	if err := o.Header().Exit(e.tid); err != nil {
		e.throw(err)
		return ERR
	}
	return OK
}

// NewDirectByteBuffer wraps native memory in a java.nio.DirectByteBuffer.
func (e *Env) NewDirectByteBuffer(addr uint64, capacity int64) refs.Handle {
	if capacity < 0 || capacity > 1<<31-1 {
		e.throw(managed.Throwf(managed.IllegalArgumentException, "capacity %d", capacity))
		return 0
	}
	o, err := managed.New(managed.Boot.DirectByteBuffer)
	if err != nil {
		e.throw(err)
		return 0
	}
	buf := o.(managed.FieldHolder)
	buf.SetField(managed.Boot.BufferAddress, managed.LongValue(int64(addr)))
	buf.SetField(managed.Boot.BufferCapacity, managed.IntValue(int32(capacity)))
	return e.Wrap(buf)
}

func (e *Env) directBuffer(h refs.Handle) managed.FieldHolder {
	o := e.Unwrap(h)
	if o == nil || !managed.Boot.DirectByteBuffer.IsInstance(o) {
		return nil
	}
	buf, _ := o.(managed.FieldHolder)
	return buf
}

// GetDirectBufferAddress returns the address of a direct buffer, 0 if buf
// is not one.
func (e *Env) GetDirectBufferAddress(buf refs.Handle) uint64 {
	b := e.directBuffer(buf)
	if b == nil {
		return 0
	}
	return uint64(b.GetField(managed.Boot.BufferAddress).Long())
}

// GetDirectBufferCapacity returns the capacity of a direct buffer, -1 if
// buf is not one.
func (e *Env) GetDirectBufferCapacity(buf refs.Handle) int64 {
	b := e.directBuffer(buf)
	if b == nil {
		return -1
	}
	return int64(b.GetField(managed.Boot.BufferCapacity).Int())
}

// LoadLibrary loads the library at path for the loader of fromClass, or
// the system loader when fromClass is nil.
func (e *Env) LoadLibrary(fromClass *managed.Class, path string) (*nativelib.Library, error) {
	loader, err := e.libraryLoader(fromClass)
	if err != nil {
		return nil, err
	}
	lib, err := e.vm.libs.Load(e, loader, fromClass, path)
	if err != nil {
		e.log.Warn("load library failed", log.Lib(path), zap.Error(err))
		return nil, err
	}
	return lib, nil
}

// LoadLibraryByName resolves libname through the library search paths.
func (e *Env) LoadLibraryByName(fromClass *managed.Class, libname string) (*nativelib.Library, error) {
	loader, err := e.libraryLoader(fromClass)
	if err != nil {
		return nil, err
	}
	return e.vm.libs.LoadLibrary(e, loader, fromClass, libname)
}

func (e *Env) libraryLoader(fromClass *managed.Class) (*classloader.Loader, error) {
	if fromClass != nil {
		return classloader.Of(fromClass), nil
	}
	return e.vm.graph.SystemLoader(nil)
}
