package jni

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/classloader"
	"github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/refs"
)

// Env is the JNIEnv of one attached thread. Only the owning thread may use
// it; the VM-wide tables it reaches are locked separately.
type Env struct {
	ID     uuid.UUID
	vm     *VM
	tid    managed.ThreadID
	name   string
	daemon bool
	log    *log.Logger

	frames  *refs.Frames
	loader  *classloader.Loader
	pending *managed.Throwable
	// inNative counts native frames entered through Enter.
	inNative int

	elems map[uint64]*elemCopy
	chars map[uint64]struct{}
	pins  [2]pinSlot
	crit  map[uint64]*elemCopy
}

func (vm *VM) newEnv(tid managed.ThreadID, name string, daemon bool) *Env {
	e := &Env{
		ID:     uuid.New(),
		vm:     vm,
		tid:    tid,
		name:   name,
		daemon: daemon,
		frames: refs.NewFrames(vm.cfg.JNI.InitialBucketSize, vm.cfg.JNI.MaxBucketSize),
		elems:  make(map[uint64]*elemCopy),
		chars:  make(map[uint64]struct{}),
		crit:   make(map[uint64]*elemCopy),
	}
	e.log = vm.log.With(zap.String("env", e.ID.String()[:8]), zap.Uint64("thread", uint64(tid)))
	return e
}

// release frees native buffers the thread never released.
func (e *Env) release() {
	for addr := range e.elems {
		e.vm.mem.Free(addr)
	}
	for addr := range e.chars {
		e.vm.mem.Free(addr)
	}
	for addr := range e.crit {
		e.vm.mem.Free(addr)
	}
	clear(e.elems)
	clear(e.chars)
	clear(e.crit)
	e.releasePins()
}

// VM returns the VM e belongs to.
func (e *Env) VM() *VM { return e.vm }

// ThreadID implements managed.Thread.
func (e *Env) ThreadID() managed.ThreadID { return e.tid }

// Name is the thread name given at attach time.
func (e *Env) Name() string { return e.name }

// Daemon reports whether the thread was attached as a daemon.
func (e *Env) Daemon() bool { return e.daemon }

// Loader returns the loader bound to the current frame, nil outside one.
func (e *Env) Loader() *classloader.Loader { return e.loader }

// Frames exposes the local reference stack.
func (e *Env) Frames() *refs.Frames { return e.frames }

// FrameState is what Enter saved and Leave restores.
type FrameState struct {
	mark    refs.Mark
	loader  *classloader.Loader
	pending *managed.Throwable
}

// Enter opens a native frame bound to loader. The caller's pending
// exception is set aside until Leave.
func (e *Env) Enter(loader *classloader.Loader) FrameState {
	st := FrameState{mark: e.frames.Enter(), loader: e.loader, pending: e.pending}
	e.loader = loader
	e.pending = nil
	e.inNative++
	return st
}

// Leave closes the frame opened by the matching Enter, restores the
// caller's state and returns the exception left pending inside the frame.
func (e *Env) Leave(st FrameState) *managed.Throwable {
	p := e.pending
	e.frames.Leave(st.mark)
	e.loader = st.loader
	e.pending = st.pending
	e.inNative--
	return p
}

// InFrame implements nativelib.Thread: fn runs inside a fresh frame bound
// to loader and an exception left pending fails the call.
func (e *Env) InFrame(loader *classloader.Loader, fn func() error) error {
	st := e.Enter(loader)
	err := fn()
	p := e.Leave(st)
	if err == nil && p != nil {
		return p
	}
	return err
}

// Unwrap returns the object named by any handle kind. A local handle whose
// frame has been closed is a fatal error.
func (e *Env) Unwrap(h refs.Handle) managed.Object {
	switch h.Type() {
	case refs.Local:
		if e.frames.Stale(h) {
			e.vm.fatalf("use of stale local reference %v", h)
		}
		return e.frames.UnwrapLocalRef(h)
	case refs.Global:
		return e.vm.globals.Get(h)
	case refs.Weak:
		return e.vm.weaks.Get(h)
	}
	return nil
}

// Wrap returns a new local handle for o in the current frame.
func (e *Env) Wrap(o managed.Object) refs.Handle {
	return e.frames.MakeLocalRef(o)
}

// Throwable handling.

func (e *Env) throw(err error) {
	t := managed.AsThrowable(err)
	if t == nil {
		return
	}
	e.pending = t
	e.log.Debug("pending exception", zap.String("exception", t.Error()))
}

// Pending returns the pending exception.
func (e *Env) Pending() *managed.Throwable { return e.pending }

// SetPending records err as the pending exception.
func (e *Env) SetPending(err error) { e.throw(err) }

// Throw sets obj as the pending exception.
func (e *Env) Throw(obj refs.Handle) int32 {
	t, ok := e.Unwrap(obj).(*managed.Throwable)
	if !ok {
		return ERR
	}
	e.pending = t
	return OK
}

// ThrowNew constructs an exception of class cls with msg and makes it
// pending.
func (e *Env) ThrowNew(cls refs.Handle, msg string) int32 {
	c, err := e.classOf(cls)
	if err != nil {
		e.throw(err)
		return ERR
	}
	if !c.IsSubclassOf(managed.Boot.Throwable) {
		e.throw(managed.Throw(managed.IllegalArgumentException, c.Name+" is not a Throwable"))
		return ERR
	}
	obj, err := managed.New(c)
	if err != nil {
		e.throw(err)
		return ERR
	}
	t := obj.(*managed.Throwable)
	if ctor := c.FindMethod("<init>", "(Ljava/lang/String;)V"); ctor != nil && ctor.Class != managed.Boot.Throwable {
		arg := managed.RefValue(managed.NewStringFromGo(msg))
		if _, err := ctor.Invoke(e, t, []managed.Value{arg}); err != nil {
			e.throw(err)
			return ERR
		}
	}
	if t.Message == "" {
		t.Message = msg
	}
	e.pending = t
	return OK
}

// ExceptionOccurred returns a local handle to the pending exception.
func (e *Env) ExceptionOccurred() refs.Handle {
	if e.pending == nil {
		return 0
	}
	return e.Wrap(e.pending)
}

// ExceptionDescribe logs the pending exception and clears it.
func (e *Env) ExceptionDescribe() {
	if e.pending == nil {
		return
	}
	e.log.Warn("exception in native method", zap.String("exception", e.pending.Describe()))
	e.pending = nil
}

// ExceptionClear clears the pending exception.
func (e *Env) ExceptionClear() { e.pending = nil }

// ExceptionCheck reports whether an exception is pending.
func (e *Env) ExceptionCheck() bool { return e.pending != nil }

// References.

// PushLocalFrame opens a nested local frame with room for capacity
// handles.
func (e *Env) PushLocalFrame(capacity int32) int32 {
	if capacity < 0 {
		return ERR
	}
	e.frames.PushLocalFrame(int(capacity))
	return OK
}

// PopLocalFrame closes the innermost pushed frame and returns result as a
// handle valid in the enclosing frame.
func (e *Env) PopLocalFrame(result refs.Handle) refs.Handle {
	return e.frames.PopLocalFrame(result, e.Unwrap)
}

// NewGlobalRef creates a global reference to obj.
func (e *Env) NewGlobalRef(obj refs.Handle) refs.Handle {
	return e.vm.globals.Add(e.Unwrap(obj))
}

// DeleteGlobalRef releases a global reference.
func (e *Env) DeleteGlobalRef(h refs.Handle) {
	e.vm.globals.Delete(h)
}

// DeleteLocalRef releases a local reference. Other handle kinds are
// ignored.
func (e *Env) DeleteLocalRef(h refs.Handle) {
	e.frames.DeleteLocalRef(h)
}

// IsSameObject compares the objects two handles name.
func (e *Env) IsSameObject(a, b refs.Handle) bool {
	return managed.SameObject(e.Unwrap(a), e.Unwrap(b))
}

// NewLocalRef creates a local reference to obj.
func (e *Env) NewLocalRef(obj refs.Handle) refs.Handle {
	return e.Wrap(e.Unwrap(obj))
}

// EnsureLocalCapacity makes room for n more local references.
func (e *Env) EnsureLocalCapacity(n int32) int32 {
	if n < 0 {
		return ERR
	}
	e.frames.EnsureLocalCapacity(int(n))
	return OK
}

// NewWeakGlobalRef creates a weak global reference to obj.
func (e *Env) NewWeakGlobalRef(obj refs.Handle) refs.Handle {
	return e.vm.weaks.Add(e.Unwrap(obj))
}

// DeleteWeakGlobalRef releases a weak global reference.
func (e *Env) DeleteWeakGlobalRef(h refs.Handle) {
	e.vm.weaks.Delete(h)
}

// GetObjectRefType classifies h from its bit pattern alone.
func (e *Env) GetObjectRefType(h refs.Handle) refs.RefType {
	return h.Type()
}

// GetVersion returns the JNI version the VM implements.
func (e *Env) GetVersion() int32 { return e.vm.Version() }

// GetJavaVM returns the VM.
func (e *Env) GetJavaVM() *VM { return e.vm }
