package jni

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zboralski/jnivm/internal/config"
	"github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/nativelib"
	"github.com/zboralski/jnivm/internal/nativemem"
	"github.com/zboralski/jnivm/internal/refs"
)

const mainThread managed.ThreadID = 1

// testBoot resolves a few test classes ahead of the bootstrap table.
type testBoot map[string]*managed.Class

func (b testBoot) ResolveClass(name string) (*managed.Class, error) {
	if c := b[name]; c != nil {
		return c, nil
	}
	return managed.Boot.ResolveClass(name)
}

type nativeFunc func(e *Env, c *NativeCall) (uint64, error)

// fakeNatives dispatches native calls by entry address.
type fakeNatives map[uint64]nativeFunc

func (f fakeNatives) CallNative(e *Env, c *NativeCall) (uint64, error) {
	fn := f[c.Entry]
	if fn == nil {
		return 0, fmt.Errorf("no native at 0x%x", c.Entry)
	}
	return fn(e, c)
}

type fixture struct {
	vm    *VM
	env   *Env
	heap  *nativemem.Heap
	boot  testBoot
	exits []int
}

func newFixture(t *testing.T, classes ...*managed.Class) *fixture {
	t.Helper()
	f := &fixture{heap: nativemem.NewHeap(0), boot: testBoot{}}
	for _, c := range classes {
		f.boot[c.Name] = c
	}
	vm, env, rc := CreateJavaVM(InitArgs{
		Version:  config.Version1_6,
		ThreadID: mainThread,
		Boot:     f.boot,
		Memory:   f.heap,
		Logger:   log.NewNop(),
		Exit:     func(code int) { f.exits = append(f.exits, code) },
	})
	if rc != OK {
		t.Fatalf("CreateJavaVM = %d", rc)
	}
	f.vm, f.env = vm, env
	t.Cleanup(func() {
		for _, e := range vm.Envs() {
			if e.ThreadID() != mainThread {
				vm.DetachCurrentThread(e.ThreadID())
			}
		}
		vm.DestroyJavaVM(mainThread)
	})
	return f
}

func (f *fixture) class(t *testing.T, name string) refs.Handle {
	t.Helper()
	h := f.env.FindClass(name)
	if h == 0 {
		t.Fatalf("FindClass(%q): %v", name, f.env.Pending())
	}
	return h
}

func expectPending(t *testing.T, e *Env, className string) {
	t.Helper()
	p := e.Pending()
	if p == nil {
		t.Fatalf("no pending exception, want %s", className)
	}
	if p.Class().Name != className {
		t.Fatalf("pending %v, want %s", p, className)
	}
	e.ExceptionClear()
}

func expectFatal(t *testing.T, fn func()) *FatalError {
	t.Helper()
	var fe *FatalError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			var ok bool
			if fe, ok = r.(*FatalError); !ok {
				panic(r)
			}
		}()
		fn()
	}()
	if fe == nil {
		t.Fatal("expected a fatal error")
	}
	return fe
}

// counterClass declares com.example.Counter { int n; int add(int);
// static double twice(double); static float half(float); }.
func counterClass() (*managed.Class, *managed.Field) {
	c := managed.NewClass("com.example.Counter", managed.Boot.Object, managed.Public)
	n := c.MustAddField("n", "I", 0)
	c.MustAddField("total", "J", managed.Static)
	c.MustAddField("label", "Ljava/lang/String;", 0)
	c.MustAddMethod("<init>", "()V", managed.Public, func(managed.Thread, managed.Object, []managed.Value) (managed.Value, error) {
		return managed.VoidValue, nil
	})
	c.MustAddMethod("<init>", "(I)V", managed.Public, func(_ managed.Thread, this managed.Object, args []managed.Value) (managed.Value, error) {
		this.(managed.FieldHolder).SetField(n, args[0])
		return managed.VoidValue, nil
	})
	c.MustAddMethod("add", "(I)I", managed.Public, func(_ managed.Thread, this managed.Object, args []managed.Value) (managed.Value, error) {
		o := this.(managed.FieldHolder)
		v := o.GetField(n).Int() + args[0].Int()
		o.SetField(n, managed.IntValue(v))
		return managed.IntValue(v), nil
	})
	c.MustAddMethod("name", "()Ljava/lang/String;", managed.Public, func(managed.Thread, managed.Object, []managed.Value) (managed.Value, error) {
		return managed.RefValue(managed.NewStringFromGo("counter")), nil
	})
	c.MustAddMethod("fail", "()V", managed.Public, func(managed.Thread, managed.Object, []managed.Value) (managed.Value, error) {
		return managed.VoidValue, managed.Throw(managed.IllegalStateException, "broken counter")
	})
	c.MustAddMethod("twice", "(D)D", managed.Public|managed.Static, func(_ managed.Thread, _ managed.Object, args []managed.Value) (managed.Value, error) {
		return managed.DoubleValue(2 * args[0].Double()), nil
	})
	c.MustAddMethod("half", "(F)F", managed.Public|managed.Static, func(_ managed.Thread, _ managed.Object, args []managed.Value) (managed.Value, error) {
		return managed.FloatValue(args[0].Float() / 2), nil
	})
	return c, n
}

func TestCreateJavaVM(t *testing.T) {
	if _, _, rc := CreateJavaVM(InitArgs{Version: 0x00010003}); rc != EVERSION {
		t.Errorf("unsupported version: rc = %d, want EVERSION", rc)
	}
	f := newFixture(t)
	if _, _, rc := CreateJavaVM(InitArgs{Version: config.Version1_6}); rc != EEXIST {
		t.Errorf("second VM: rc = %d, want EEXIST", rc)
	}
	if vms := GetCreatedJavaVMs(); len(vms) != 1 || vms[0] != f.vm {
		t.Errorf("GetCreatedJavaVMs = %v", vms)
	}
	if got := f.env.GetVersion(); got != config.Version1_6 {
		t.Errorf("GetVersion = %#x", got)
	}
	if f.env.GetJavaVM() != f.vm {
		t.Error("GetJavaVM returned another VM")
	}
	if f.vm.Graph() == nil || f.vm.Libraries() == nil {
		t.Error("graph or library registry missing")
	}
}

func TestRecreateAfterDestroy(t *testing.T) {
	vm, _, rc := CreateJavaVM(InitArgs{Version: config.Version1_8, ThreadID: 7, Logger: log.NewNop()})
	if rc != OK {
		t.Fatalf("create = %d", rc)
	}
	if rc := vm.DestroyJavaVM(7); rc != OK {
		t.Fatalf("destroy = %d", rc)
	}
	if rc := vm.DestroyJavaVM(7); rc != ERR {
		t.Errorf("second destroy = %d, want ERR", rc)
	}
	if len(GetCreatedJavaVMs()) != 0 {
		t.Error("destroyed VM still listed")
	}
	newFixture(t)
}

func TestAttachDetach(t *testing.T) {
	f := newFixture(t)
	vm := f.vm
	if _, rc := vm.GetEnv(2, config.Version1_6); rc != EDETACHED {
		t.Errorf("GetEnv unattached = %d", rc)
	}
	env, rc := vm.AttachCurrentThread(2, &AttachArgs{Version: config.Version1_6, Name: "worker"})
	if rc != OK || env.Name() != "worker" {
		t.Fatalf("attach = %d, %v", rc, env)
	}
	again, _ := vm.AttachCurrentThread(2, nil)
	if again != env {
		t.Error("re-attach created a second env")
	}
	if _, rc := vm.GetEnv(2, 0x00010003); rc != EVERSION {
		t.Errorf("GetEnv bad version = %d", rc)
	}
	if got, rc := vm.GetEnv(2, config.Version1_2); rc != OK || got != env {
		t.Errorf("GetEnv = %v, %d", got, rc)
	}
	if _, rc := vm.AttachCurrentThread(3, &AttachArgs{Version: 0x00010003}); rc != EVERSION {
		t.Errorf("attach bad version = %d", rc)
	}
	if rc := vm.DetachCurrentThread(2); rc != OK {
		t.Errorf("detach = %d", rc)
	}
	if rc := vm.DetachCurrentThread(2); rc != OK {
		t.Errorf("detach unattached = %d", rc)
	}
}

func TestDetachRefusedInsideNativeFrame(t *testing.T) {
	f := newFixture(t)
	env, _ := f.vm.AttachCurrentThread(2, nil)
	st := env.Enter(nil)
	if rc := f.vm.DetachCurrentThread(2); rc != ERR {
		t.Errorf("detach with open frame = %d, want ERR", rc)
	}
	env.Leave(st)
	if rc := f.vm.DetachCurrentThread(2); rc != OK {
		t.Errorf("detach = %d", rc)
	}
}

func TestConcurrentAttach(t *testing.T) {
	f := newFixture(t)
	var eg errgroup.Group
	for i := 0; i < 16; i++ {
		tid := managed.ThreadID(100 + i)
		eg.Go(func() error {
			env, rc := f.vm.AttachCurrentThread(tid, nil)
			if rc != OK {
				return fmt.Errorf("attach %d = %d", tid, rc)
			}
			s := env.NewStringUTF([]byte("hello"))
			if env.GetStringLength(s) != 5 {
				return fmt.Errorf("thread %d: bad string", tid)
			}
			g := env.NewGlobalRef(s)
			env.DeleteGlobalRef(g)
			if rc := f.vm.DetachCurrentThread(tid); rc != OK {
				return fmt.Errorf("detach %d = %d", tid, rc)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := len(f.vm.Envs()); n != 1 {
		t.Errorf("attached envs = %d, want 1", n)
	}
}

func TestDestroyWaitsForNonDaemonThreads(t *testing.T) {
	f := newFixture(t)
	f.vm.AttachCurrentThread(2, nil)
	daemon, _ := f.vm.AttachCurrentThreadAsDaemon(3, nil)
	if !daemon.Daemon() {
		t.Fatal("daemon flag not set")
	}
	done := make(chan int32)
	go func() { done <- f.vm.DestroyJavaVM(mainThread) }()
	select {
	case <-done:
		t.Fatal("DestroyJavaVM returned while a non-daemon thread was attached")
	case <-time.After(50 * time.Millisecond):
	}
	f.vm.DetachCurrentThread(2)
	if rc := <-done; rc != OK {
		t.Errorf("destroy = %d", rc)
	}
	if _, rc := f.vm.AttachCurrentThread(4, nil); rc != ERR {
		t.Errorf("attach after destroy = %d", rc)
	}
}

func TestReferences(t *testing.T) {
	f := newFixture(t)
	e := f.env
	s := e.NewStringUTF([]byte("x"))
	g := e.NewGlobalRef(s)
	w := e.NewWeakGlobalRef(s)
	for _, tt := range []struct {
		h    refs.Handle
		want refs.RefType
	}{{0, refs.Invalid}, {s, refs.Local}, {g, refs.Global}, {w, refs.Weak}} {
		if got := e.GetObjectRefType(tt.h); got != tt.want {
			t.Errorf("GetObjectRefType(%v) = %v, want %v", tt.h, got, tt.want)
		}
	}
	if !e.IsSameObject(s, g) || !e.IsSameObject(g, w) {
		t.Error("handles to one object compare different")
	}
	if !e.IsSameObject(0, 0) || e.IsSameObject(s, 0) {
		t.Error("null comparison")
	}
	l := e.NewLocalRef(g)
	if l.Type() != refs.Local || !e.IsSameObject(l, s) {
		t.Errorf("NewLocalRef = %v", l)
	}
	e.DeleteGlobalRef(g)
	if e.Unwrap(g) != nil {
		t.Error("deleted global still resolves")
	}
	e.DeleteWeakGlobalRef(w)
	if e.EnsureLocalCapacity(-1) != ERR || e.EnsureLocalCapacity(64) != OK {
		t.Error("EnsureLocalCapacity status")
	}

	if e.PushLocalFrame(16) != OK {
		t.Fatal("PushLocalFrame")
	}
	inner := e.NewStringUTF([]byte("inner"))
	e.NewStringUTF([]byte("garbage"))
	res := e.PopLocalFrame(inner)
	if got, _ := e.Unwrap(res).(*managed.String); got == nil || got.String() != "inner" {
		t.Errorf("PopLocalFrame result = %v", e.Unwrap(res))
	}
	if e.PushLocalFrame(-1) != ERR {
		t.Error("negative capacity accepted")
	}
}

func TestStaleLocalReferenceIsFatal(t *testing.T) {
	f := newFixture(t)
	st := f.env.Enter(nil)
	h := f.env.NewStringUTF([]byte("gone"))
	f.env.Leave(st)
	fe := expectFatal(t, func() { f.env.GetStringLength(h) })
	if fe.Msg == "" {
		t.Error("empty fatal message")
	}
	if len(f.exits) != 1 || f.exits[0] != 1 {
		t.Errorf("exit hook calls = %v", f.exits)
	}
}

func TestFatalErrorEntry(t *testing.T) {
	f := newFixture(t)
	fe := expectFatal(t, func() { f.env.FatalError("native gave up") })
	if fe.Msg != "native gave up" {
		t.Errorf("msg = %q", fe.Msg)
	}
	if len(f.exits) != 1 {
		t.Errorf("exit hook calls = %v", f.exits)
	}
}

func TestGuardTurnsExhaustionFatal(t *testing.T) {
	f := newFixture(t)
	expectFatal(t, func() {
		f.env.Guard(func() { panic(&refs.ExhaustedError{}) })
	})
	defer func() {
		if r := recover(); r == nil || r.(string) != "other" {
			t.Errorf("recovered %v", r)
		}
	}()
	f.env.Guard(func() { panic("other") })
}

func TestExceptions(t *testing.T) {
	f := newFixture(t)
	e := f.env
	if e.ExceptionCheck() || e.ExceptionOccurred() != 0 {
		t.Fatal("exception pending at start")
	}
	ise := f.class(t, "java/lang/IllegalStateException")
	if e.ThrowNew(ise, "bad state") != OK {
		t.Fatal("ThrowNew failed")
	}
	if !e.ExceptionCheck() {
		t.Fatal("ExceptionCheck = false")
	}
	occ := e.ExceptionOccurred()
	th, ok := e.Unwrap(occ).(*managed.Throwable)
	if !ok || th.Message != "bad state" || th.Class().Name != managed.IllegalStateException {
		t.Fatalf("ExceptionOccurred = %v", e.Unwrap(occ))
	}
	e.ExceptionClear()
	if e.ExceptionCheck() {
		t.Error("ExceptionClear left an exception")
	}
	if e.Throw(occ) != OK || e.Pending() != th {
		t.Error("Throw did not re-raise")
	}
	e.ExceptionDescribe()
	if e.ExceptionCheck() {
		t.Error("ExceptionDescribe did not clear")
	}
	if e.Throw(e.NewStringUTF([]byte("nope"))) != ERR {
		t.Error("Throw of a non-throwable succeeded")
	}
	if e.ThrowNew(f.class(t, "java/lang/String"), "x") != ERR {
		t.Error("ThrowNew of a non-throwable class succeeded")
	}
	expectPending(t, e, managed.IllegalArgumentException)
}

func TestEnterLeaveRestoresPending(t *testing.T) {
	f := newFixture(t)
	e := f.env
	outer := managed.Throw(managed.RuntimeException, "outer")
	e.SetPending(outer)
	st := e.Enter(nil)
	if e.ExceptionCheck() {
		t.Fatal("caller exception visible inside frame")
	}
	e.SetPending(managed.Throw(managed.IllegalStateException, "inner"))
	p := e.Leave(st)
	if p == nil || p.Message != "inner" {
		t.Errorf("Leave returned %v", p)
	}
	if e.Pending() != outer {
		t.Errorf("pending after Leave = %v", e.Pending())
	}
}

func TestFindClass(t *testing.T) {
	counter, _ := counterClass()
	f := newFixture(t, counter)
	e := f.env
	h := f.class(t, "com/example/Counter")
	if e.Unwrap(h) != counter {
		t.Fatal("FindClass returned another class")
	}
	if !counter.Initialized() {
		t.Error("class not initialized")
	}
	arr := f.class(t, "[Ljava/lang/String;")
	if c := e.Unwrap(arr).(*managed.Class); c.Component != managed.Boot.String {
		t.Errorf("array component = %v", c.Component)
	}
	f.class(t, "[I")

	if e.FindClass("java.lang.String") != 0 {
		t.Error("dotted name resolved")
	}
	expectPending(t, e, managed.NoClassDefFoundError)

	if e.FindClass("com/example/Missing") != 0 {
		t.Fatal("missing class resolved")
	}
	p := e.Pending()
	if p == nil || p.Class().Name != managed.NoClassDefFoundError || p.Cause == nil ||
		p.Cause.Class().Name != managed.ClassNotFoundException {
		t.Errorf("pending = %v, cause %v", p, p.Cause)
	}
	e.ExceptionClear()
}

func TestClassQueries(t *testing.T) {
	counter, _ := counterClass()
	f := newFixture(t, counter)
	e := f.env
	obj := f.class(t, "java/lang/Object")
	str := f.class(t, "java/lang/String")
	ctr := f.class(t, "com/example/Counter")
	ser := f.class(t, "java/io/Serializable")

	if e.GetSuperclass(obj) != 0 || e.GetSuperclass(ser) != 0 {
		t.Error("Object or interface has a superclass")
	}
	if !e.IsSameObject(e.GetSuperclass(ctr), obj) {
		t.Error("Counter superclass")
	}
	if !e.IsAssignableFrom(str, obj) || e.IsAssignableFrom(obj, str) {
		t.Error("IsAssignableFrom direction")
	}
	if !e.IsAssignableFrom(str, ser) {
		t.Error("String is not Serializable")
	}
	s := e.NewStringUTF([]byte("s"))
	if !e.IsInstanceOf(s, str) || e.IsInstanceOf(s, ctr) {
		t.Error("IsInstanceOf")
	}
	if !e.IsInstanceOf(0, ctr) {
		t.Error("null is an instance of every class")
	}
	if !e.IsSameObject(e.GetObjectClass(s), str) {
		t.Error("GetObjectClass")
	}
	if e.GetObjectClass(0) != 0 {
		t.Error("GetObjectClass(null)")
	}
	expectPending(t, e, managed.NullPointerException)

	o := e.AllocObject(ctr)
	if !e.IsInstanceOf(o, ctr) {
		t.Error("AllocObject instance")
	}
	if e.AllocObject(ser) != 0 {
		t.Error("allocated an interface")
	}
	expectPending(t, e, managed.InstantiationException)
}

func TestMethodLookup(t *testing.T) {
	counter, _ := counterClass()
	f := newFixture(t, counter)
	e := f.env
	ctr := f.class(t, "com/example/Counter")

	add := e.GetMethodID(ctr, "add", "(I)I")
	if add == 0 || e.GetMethodID(ctr, "add", "(I)I") != add {
		t.Fatal("method IDs are not stable")
	}
	if f.vm.Method(add).Name != "add" {
		t.Error("Method(id)")
	}
	if e.GetMethodID(ctr, "", "()V") == 0 {
		t.Error("empty name did not resolve the constructor")
	}
	if e.GetMethodID(ctr, "hashCode", "()I") == 0 {
		t.Error("inherited method not found")
	}
	for _, tc := range []struct {
		name, sig string
		static    bool
	}{
		{"twice", "(D)D", false},
		{"add", "(I)I", true},
		{"add", "(I)J", false},
		{"a.b", "()V", false},
		{"add", "(Ljava.lang.String;)I", false},
	} {
		var id MethodID
		if tc.static {
			id = e.GetStaticMethodID(ctr, tc.name, tc.sig)
		} else {
			id = e.GetMethodID(ctr, tc.name, tc.sig)
		}
		if id != 0 {
			t.Errorf("%s%s static=%v resolved", tc.name, tc.sig, tc.static)
		}
		expectPending(t, e, managed.NoSuchMethodError)
	}
	if e.GetStaticMethodID(ctr, "twice", "(D)D") == 0 {
		t.Error("static lookup")
	}

	if e.GetFieldID(ctr, "n", "I") == 0 || e.GetStaticFieldID(ctr, "total", "J") == 0 {
		t.Fatal("field lookup")
	}
	if e.GetFieldID(ctr, "total", "J") != 0 {
		t.Error("static field found as instance field")
	}
	expectPending(t, e, managed.NoSuchFieldError)
	if e.GetFieldID(ctr, "n", "Ljava.lang.String;") != 0 {
		t.Error("dotted field signature accepted")
	}
	expectPending(t, e, managed.NoSuchFieldError)
}

func TestReflectionBridge(t *testing.T) {
	counter, _ := counterClass()
	f := newFixture(t, counter)
	e := f.env
	ctr := f.class(t, "com/example/Counter")
	add := e.GetMethodID(ctr, "add", "(I)I")
	rm := e.ToReflectedMethod(ctr, add, false)
	if rm == 0 || e.FromReflectedMethod(rm) != add {
		t.Error("method round trip")
	}
	if e.ToReflectedMethod(ctr, add, true) != 0 {
		t.Error("static mismatch accepted")
	}
	expectPending(t, e, managed.NoSuchMethodError)
	ctor := e.GetMethodID(ctr, "<init>", "()V")
	rc := e.ToReflectedMethod(ctr, ctor, false)
	if c := e.Unwrap(rc).Class(); c != managed.Boot.ReflectConstructor {
		t.Errorf("constructor reflected as %v", c)
	}
	n := e.GetFieldID(ctr, "n", "I")
	rf := e.ToReflectedField(ctr, n, false)
	if e.FromReflectedField(rf) != n {
		t.Error("field round trip")
	}
	if e.FromReflectedField(rm) != 0 {
		t.Error("method converted to a field ID")
	}
	expectPending(t, e, managed.IllegalArgumentException)
}

func TestCallMethods(t *testing.T) {
	counter, _ := counterClass()
	f := newFixture(t, counter)
	e := f.env
	ctr := f.class(t, "com/example/Counter")
	ctor := e.GetMethodID(ctr, "<init>", "(I)V")
	add := e.GetMethodID(ctr, "add", "(I)I")
	name := e.GetMethodID(ctr, "name", "()Ljava/lang/String;")
	twice := e.GetStaticMethodID(ctr, "twice", "(D)D")
	half := e.GetStaticMethodID(ctr, "half", "(F)F")

	obj := e.NewObject(ctr, ctor, []managed.Value{managed.IntValue(40)})
	if obj == 0 {
		t.Fatalf("NewObject: %v", e.Pending())
	}
	params := f.vm.Method(add).Type.Params
	args := e.ArgsFromJValues(params, []uint64{2})
	if v := e.CallVirtual(managed.Int, obj, add, args); v.Int() != 42 {
		t.Errorf("add = %v", v)
	}
	// Call<Long>Method on an int method widens the result.
	if v := e.CallVirtual(managed.Long, obj, add, args); v.Kind() != managed.Long || v.Long() != 44 {
		t.Errorf("add as long = %v", v)
	}
	if v := e.CallVirtual(managed.Ref, obj, name, nil); v.Ref().(*managed.String).String() != "counter" {
		t.Errorf("name = %v", v)
	}
	if v := e.CallVirtual(managed.Void, obj, add, args); v.Kind() != managed.Void {
		t.Errorf("void call = %v", v)
	}

	raw := []uint64{math.Float64bits(1.25)}
	dp := f.vm.Method(twice).Type.Params
	if v := e.CallStatic(managed.Double, ctr, twice, e.ArgsFromVarargs(dp, raw)); v.Double() != 2.5 {
		t.Errorf("twice = %v", v)
	}
	// Variadic floats arrive promoted to double; jvalue floats do not.
	fp := f.vm.Method(half).Type.Params
	if v := e.CallStatic(managed.Float, ctr, half, e.ArgsFromVarargs(fp, raw)); v.Float() != 0.625 {
		t.Errorf("half(varargs) = %v", v)
	}
	jv := []uint64{uint64(math.Float32bits(3))}
	if v := e.CallStatic(managed.Float, ctr, half, e.ArgsFromJValues(fp, jv)); v.Float() != 1.5 {
		t.Errorf("half(jvalue) = %v", v)
	}

	if v := e.CallVirtual(managed.Int, 0, add, args); v.Int() != 0 {
		t.Errorf("null receiver returned %v", v)
	}
	expectPending(t, e, managed.NullPointerException)
	e.CallStatic(managed.Int, ctr, add, args)
	expectPending(t, e, managed.IncompatibleClassChangeError)
	e.CallVirtual(managed.Int, obj, add, nil)
	expectPending(t, e, managed.IllegalArgumentException)
	e.CallVirtual(managed.Int, obj, 0, nil)
	expectPending(t, e, managed.NoSuchMethodError)
}

func TestCallUnwrapsInvocationTarget(t *testing.T) {
	counter, _ := counterClass()
	f := newFixture(t, counter)
	e := f.env
	ctr := f.class(t, "com/example/Counter")
	obj := e.AllocObject(ctr)
	e.CallVirtual(managed.Void, obj, e.GetMethodID(ctr, "fail", "()V"), nil)
	p := e.Pending()
	if p == nil || p.Class().Name != managed.IllegalStateException || p.Message != "broken counter" {
		t.Errorf("pending = %v", p)
	}
}

func TestVirtualAndNonvirtualDispatch(t *testing.T) {
	base, _ := counterClass()
	sub := managed.NewClass("com.example.Doubler", base, managed.Public)
	sub.MustAddMethod("add", "(I)I", managed.Public, func(_ managed.Thread, _ managed.Object, args []managed.Value) (managed.Value, error) {
		return managed.IntValue(2 * args[0].Int()), nil
	})
	f := newFixture(t, base, sub)
	e := f.env
	bh := f.class(t, "com/example/Counter")
	sh := f.class(t, "com/example/Doubler")
	add := e.GetMethodID(bh, "add", "(I)I")
	obj := e.AllocObject(sh)
	args := []managed.Value{managed.IntValue(5)}
	if v := e.CallVirtual(managed.Int, obj, add, args); v.Int() != 10 {
		t.Errorf("virtual = %d, want override", v.Int())
	}
	if v := e.CallNonvirtual(managed.Int, obj, bh, add, args); v.Int() != 5 {
		t.Errorf("nonvirtual = %d, want base", v.Int())
	}
}

func TestFields(t *testing.T) {
	counter, _ := counterClass()
	f := newFixture(t, counter)
	e := f.env
	ctr := f.class(t, "com/example/Counter")
	obj := e.AllocObject(ctr)
	n := e.GetFieldID(ctr, "n", "I")
	label := e.GetFieldID(ctr, "label", "Ljava/lang/String;")
	total := e.GetStaticFieldID(ctr, "total", "J")

	e.SetField(obj, n, e.ValueFromBits(managed.Int, uint64(0xFFFFFFFF)))
	if v := e.GetField(managed.Int, obj, n); v.Int() != -1 {
		t.Errorf("n = %d", v.Int())
	}
	s := e.NewStringUTF([]byte("lbl"))
	e.SetField(obj, label, managed.RefValue(e.Unwrap(s)))
	if v := e.GetField(managed.Ref, obj, label); !managed.SameObject(v.Ref(), e.Unwrap(s)) {
		t.Error("label")
	}
	e.SetField(obj, label, managed.RefValue(counter))
	expectPending(t, e, managed.ClassCastException)

	e.SetStaticField(ctr, total, managed.LongValue(1<<40))
	if v := e.GetStaticField(managed.Long, ctr, total); v.Long() != 1<<40 {
		t.Errorf("total = %d", v.Long())
	}
	e.GetField(managed.Int, 0, n)
	expectPending(t, e, managed.NullPointerException)
	e.GetField(managed.Int, obj, total)
	expectPending(t, e, managed.NoSuchFieldError)
	e.GetField(managed.Int, s, n)
	expectPending(t, e, managed.IllegalArgumentException)
}

func TestStrings(t *testing.T) {
	f := newFixture(t)
	e := f.env
	chars := []uint16{0x0000, 0x007F, 0x0080, 0x07FF, 0x0800, 0xFFFF}
	s := e.NewString(chars)
	if got := e.GetStringLength(s); got != 6 {
		t.Errorf("length = %d", got)
	}
	if got := e.GetStringUTFLength(s); got != 13 {
		t.Errorf("UTF length = %d, want 13", got)
	}

	live := f.heap.Live()
	addr, isCopy := e.GetStringUTFChars(s)
	if addr == 0 || !isCopy {
		t.Fatalf("GetStringUTFChars = %#x, %v", addr, isCopy)
	}
	b, err := nativemem.ReadCString(f.heap, addr, 64)
	if err != nil || len(b) != 13 {
		t.Fatalf("UTF chars = %x, %v", b, err)
	}
	if back := e.NewStringUTF(b); e.GetStringLength(back) != 6 {
		t.Error("modified UTF-8 round trip")
	}
	e.ReleaseStringUTFChars(s, addr)

	addr, _ = e.GetStringChars(s)
	u, err := DecodeUTF16(f.heap, addr, 6)
	if err != nil || u[3] != 0x07FF || u[5] != 0xFFFF {
		t.Errorf("chars = %x, %v", u, err)
	}
	e.ReleaseStringChars(s, addr)
	crit, _ := e.GetStringCritical(s)
	e.ReleaseStringCritical(s, crit)
	if f.heap.Live() != live {
		t.Errorf("leaked buffers: %d live, want %d", f.heap.Live(), live)
	}

	buf, _ := f.heap.Alloc(64)
	e.GetStringRegion(s, 2, 3, buf)
	u, _ = DecodeUTF16(f.heap, buf, 3)
	if u[0] != 0x0080 || u[2] != 0x0800 {
		t.Errorf("region = %x", u)
	}
	e.GetStringUTFRegion(e.NewStringUTF([]byte("hello")), 1, 3, buf)
	if got, _ := nativemem.ReadCString(f.heap, buf, 64); string(got) != "ell" {
		t.Errorf("UTF region = %q", got)
	}
	e.GetStringRegion(s, 4, 3, buf)
	expectPending(t, e, managed.StringIndexOutOfBoundsException)
	e.GetStringUTFRegion(s, -1, 1, buf)
	expectPending(t, e, managed.StringIndexOutOfBoundsException)
	e.GetStringLength(0)
	expectPending(t, e, managed.NullPointerException)
}

func TestObjectArrays(t *testing.T) {
	f := newFixture(t)
	e := f.env
	str := f.class(t, "java/lang/String")
	fill := e.NewStringUTF([]byte("fill"))
	arr := e.NewObjectArray(3, str, fill)
	if e.GetArrayLength(arr) != 3 {
		t.Fatal("length")
	}
	if !e.IsSameObject(e.GetObjectArrayElement(arr, 2), fill) {
		t.Error("initial element")
	}
	other := e.NewStringUTF([]byte("other"))
	e.SetObjectArrayElement(arr, 1, other)
	if !e.IsSameObject(e.GetObjectArrayElement(arr, 1), other) {
		t.Error("stored element")
	}
	e.SetObjectArrayElement(arr, 0, arr)
	expectPending(t, e, managed.ArrayStoreException)
	e.GetObjectArrayElement(arr, 3)
	expectPending(t, e, managed.ArrayIndexOutOfBoundsException)
	e.NewObjectArray(-1, str, 0)
	expectPending(t, e, managed.NegativeArraySizeException)
}

func TestArrayElements(t *testing.T) {
	f := newFixture(t)
	e := f.env
	arr := e.NewPrimitiveArray(managed.Int, 4)
	a := e.Unwrap(arr).(*managed.Array)
	a.Set(0, managed.IntValue(7))

	addr, isCopy := e.GetArrayElements(managed.Int, arr)
	if addr == 0 || !isCopy {
		t.Fatal("GetArrayElements")
	}
	got, _ := f.heap.Read(addr, 4)
	if got[0] != 7 {
		t.Errorf("copied element = %v", got)
	}
	f.heap.Write(addr+4, []byte{9, 0, 0, 0})
	e.ReleaseArrayElements(managed.Int, arr, addr, Commit)
	if v, _ := a.Get(1); v.Int() != 9 {
		t.Errorf("commit did not copy back: %v", v)
	}
	f.heap.Write(addr+8, []byte{5, 0, 0, 0})
	e.ReleaseArrayElements(managed.Int, arr, addr, Abort)
	if v, _ := a.Get(2); v.Int() != 0 {
		t.Errorf("abort copied back: %v", v)
	}
	if _, err := f.heap.Read(addr, 4); err == nil {
		t.Error("abort did not free the buffer")
	}

	addr, _ = e.GetArrayElements(managed.Int, arr)
	f.heap.Write(addr+12, []byte{3, 0, 0, 0})
	e.ReleaseArrayElements(managed.Int, arr, addr, 0)
	if v, _ := a.Get(3); v.Int() != 3 {
		t.Errorf("mode 0 did not copy back: %v", v)
	}

	e.GetArrayElements(managed.Long, arr)
	expectPending(t, e, managed.IllegalArgumentException)
	e.NewPrimitiveArray(managed.Byte, -2)
	expectPending(t, e, managed.NegativeArraySizeException)
}

func TestArrayRegions(t *testing.T) {
	f := newFixture(t)
	e := f.env
	arr := e.NewPrimitiveArray(managed.Short, 4)
	buf, _ := f.heap.Alloc(16)
	f.heap.Write(buf, []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0})

	e.SetArrayRegion(managed.Short, arr, 1, 3, buf)
	a := e.Unwrap(arr).(*managed.Array)
	if v, _ := a.Get(3); v.Short() != 3 {
		t.Errorf("element 3 = %v", v)
	}
	// Out of range: nothing is copied.
	e.SetArrayRegion(managed.Short, arr, 2, 3, buf)
	expectPending(t, e, managed.ArrayIndexOutOfBoundsException)
	if v, _ := a.Get(2); v.Short() != 2 {
		t.Errorf("partial copy happened: %v", v)
	}

	out, _ := f.heap.Alloc(16)
	e.GetArrayRegion(managed.Short, arr, 0, 4, out)
	got, _ := f.heap.Read(out, 8)
	if got[2] != 1 || got[6] != 3 {
		t.Errorf("region = %v", got)
	}
	e.GetArrayRegion(managed.Short, arr, -1, 2, out)
	expectPending(t, e, managed.ArrayIndexOutOfBoundsException)
}

func TestDefineClassRequiresLoaderHandle(t *testing.T) {
	f := newFixture(t)
	e := f.env
	notLoader := e.NewStringUTF([]byte("app"))
	if h := e.DefineClass("com/x/Y", notLoader, []byte{0xca, 0xfe}); h != 0 {
		t.Fatalf("DefineClass with a string loader = %v", h)
	}
	expectPending(t, e, managed.ClassCastException)

	// A null loader means the system loader, which has no definer here.
	e.DefineClass("com/x/Y", 0, []byte{0xca, 0xfe})
	expectPending(t, e, managed.ClassFormatError)
}

func TestCriticalPins(t *testing.T) {
	f := newFixture(t)
	e := f.env
	var arrs [4]refs.Handle
	for i := range arrs {
		arrs[i] = e.NewPrimitiveArray(managed.Byte, 8)
	}
	a0, c0 := e.GetPrimitiveArrayCritical(arrs[0])
	_, c1 := e.GetPrimitiveArrayCritical(arrs[1])
	a2, c2 := e.GetPrimitiveArrayCritical(arrs[2])
	if c0 || c1 {
		t.Error("first two regions were copied")
	}
	if !c2 {
		t.Error("third region was pinned")
	}
	if e.PinnedRegions() != 2 {
		t.Errorf("pinned = %d", e.PinnedRegions())
	}

	f.heap.Write(a0, []byte{0x42})
	if v, _ := e.Unwrap(arrs[0]).(*managed.Array).Get(0); v.Byte() != 0x42 {
		t.Error("write through a pin did not reach the array")
	}
	f.heap.Write(a2, []byte{0x43})
	e.ReleasePrimitiveArrayCritical(arrs[2], a2, 0)
	if v, _ := e.Unwrap(arrs[2]).(*managed.Array).Get(0); v.Byte() != 0x43 {
		t.Error("copied region not written back")
	}

	e.ReleasePrimitiveArrayCritical(arrs[0], a0, 0)
	if e.PinnedRegions() != 1 {
		t.Errorf("pinned after release = %d", e.PinnedRegions())
	}
	a3, c3 := e.GetPrimitiveArrayCritical(arrs[3])
	if c3 || a3 == 0 {
		t.Error("freed slot was not reused")
	}
}

func TestMonitors(t *testing.T) {
	f := newFixture(t)
	e := f.env
	s := e.NewStringUTF([]byte("lock"))
	if e.MonitorEnter(s) != OK || e.MonitorEnter(s) != OK {
		t.Fatal("MonitorEnter")
	}
	other, _ := f.vm.AttachCurrentThread(2, nil)
	if other.MonitorExit(other.NewLocalRef(e.NewGlobalRef(s))) != ERR {
		t.Error("non-owner exit succeeded")
	}
	expectPending(t, other, managed.IllegalMonitorStateException)
	if e.MonitorExit(s) != OK || e.MonitorExit(s) != OK {
		t.Fatal("MonitorExit")
	}
	if e.MonitorExit(s) != ERR {
		t.Error("unbalanced exit succeeded")
	}
	expectPending(t, e, managed.IllegalMonitorStateException)
}

func TestDirectByteBuffer(t *testing.T) {
	f := newFixture(t)
	e := f.env
	buf := e.NewDirectByteBuffer(0x1000, 256)
	if got := e.GetDirectBufferAddress(buf); got != 0x1000 {
		t.Errorf("address = %#x", got)
	}
	if got := e.GetDirectBufferCapacity(buf); got != 256 {
		t.Errorf("capacity = %d", got)
	}
	s := e.NewStringUTF([]byte("not a buffer"))
	if e.GetDirectBufferAddress(s) != 0 || e.GetDirectBufferCapacity(s) != -1 {
		t.Error("non-buffer reported as a direct buffer")
	}
	e.NewDirectByteBuffer(0, -1)
	expectPending(t, e, managed.IllegalArgumentException)
}

func nativeClass() *managed.Class {
	c := managed.NewClass("com.example.Native", managed.Boot.Object, managed.Public)
	c.MustAddMethod("sum", "(II)I", managed.Public|managed.Static|managed.Native, nil)
	c.MustAddMethod("echo", "(Ljava/lang/String;)Ljava/lang/String;", managed.Public|managed.Native, nil)
	c.MustAddMethod("explode", "()V", managed.Public|managed.Static|managed.Native, nil)
	return c
}

func TestRegisterNatives(t *testing.T) {
	f := newFixture(t, nativeClass())
	e := f.env
	depth := e.Frames().Depth()
	natives := fakeNatives{
		0x1000: func(e *Env, c *NativeCall) (uint64, error) {
			if e.Frames().Depth() <= depth {
				return 0, errors.New("native call did not open a frame")
			}
			return uint64(int32(c.Args[0]) + int32(c.Args[1])), nil
		},
		0x2000: func(e *Env, c *NativeCall) (uint64, error) {
			// Return the argument handle itself; it is read before the frame closes.
			return c.Args[0], nil
		},
		0x3000: func(e *Env, c *NativeCall) (uint64, error) {
			e.ThrowNew(e.FindClass("java/lang/IllegalStateException"), "boom")
			return 0, nil
		},
	}
	f.vm.SetNatives(natives)
	cls := f.class(t, "com/example/Native")
	rc := e.RegisterNatives(cls, []NativeMethod{
		{Name: "sum", Sig: "(II)I", Entry: 0x1000},
		{Name: "echo", Sig: "(Ljava/lang/String;)Ljava/lang/String;", Entry: 0x2000},
		{Name: "explode", Sig: "()V", Entry: 0x3000},
	})
	if rc != OK {
		t.Fatalf("RegisterNatives = %d: %v", rc, e.Pending())
	}

	sum := e.GetStaticMethodID(cls, "sum", "(II)I")
	v := e.CallStatic(managed.Int, cls, sum, []managed.Value{managed.IntValue(-3), managed.IntValue(10)})
	if v.Int() != 7 {
		t.Errorf("sum = %d (%v)", v.Int(), e.Pending())
	}
	if e.Frames().Depth() != depth {
		t.Errorf("frame depth %d after native call, want %d", e.Frames().Depth(), depth)
	}

	obj := e.AllocObject(cls)
	echo := e.GetMethodID(cls, "echo", "(Ljava/lang/String;)Ljava/lang/String;")
	arg := e.NewStringUTF([]byte("ping"))
	v = e.CallVirtual(managed.Ref, obj, echo, []managed.Value{managed.RefValue(e.Unwrap(arg))})
	if !managed.SameObject(v.Ref(), e.Unwrap(arg)) {
		t.Errorf("echo = %v", v)
	}

	e.CallStatic(managed.Void, cls, e.GetStaticMethodID(cls, "explode", "()V"), nil)
	expectPending(t, e, managed.IllegalStateException)

	if e.RegisterNatives(cls, []NativeMethod{{Name: "missing", Sig: "()V", Entry: 1}}) != ERR {
		t.Error("registering a missing method succeeded")
	}
	expectPending(t, e, managed.NoSuchMethodError)
	if e.RegisterNatives(cls, []NativeMethod{{Name: "sum", Sig: "(II)I;.", Entry: 1}}) != ERR {
		t.Error("registering a bad signature succeeded")
	}
	expectPending(t, e, managed.NoSuchMethodError)

	if e.UnregisterNatives(cls) != OK {
		t.Fatal("UnregisterNatives")
	}
	e.CallStatic(managed.Int, cls, sum, []managed.Value{managed.IntValue(1), managed.IntValue(2)})
	expectPending(t, e, managed.UnsatisfiedLinkError)
}

// fakePlatform serves libraries whose exports are fixed addresses.
type fakePlatform struct {
	libs map[string]map[string]uint64
	open map[nativelib.Handle]string
	next nativelib.Handle
}

func (p *fakePlatform) Open(path string) (nativelib.Handle, error) {
	if _, ok := p.libs[path]; !ok {
		return 0, fmt.Errorf("%s: not found", path)
	}
	p.next++
	p.open[p.next] = path
	return p.next, nil
}

func (p *fakePlatform) Sym(h nativelib.Handle, name string) (uint64, bool) {
	addr, ok := p.libs[p.open[h]][name]
	return addr, ok
}

func (p *fakePlatform) Close(h nativelib.Handle) error {
	delete(p.open, h)
	return nil
}

func (p *fakePlatform) CallOnLoad(nativelib.Thread, nativelib.Handle, uint64) (int32, error) {
	return config.Version1_6, nil
}

func (p *fakePlatform) CallOnUnload(nativelib.Thread, nativelib.Handle, uint64) error { return nil }

func TestNativeResolvedFromLibrary(t *testing.T) {
	cls := nativeClass()
	plat := &fakePlatform{
		libs: map[string]map[string]uint64{
			"/lib/libnative.so": {
				"JNI_OnLoad":                  0x500,
				"Java_com_example_Native_sum": 0x1000,
			},
		},
		open: map[nativelib.Handle]string{},
	}
	f := &fixture{heap: nativemem.NewHeap(0)}
	vm, env, rc := CreateJavaVM(InitArgs{
		Version:  config.Version1_6,
		ThreadID: mainThread,
		Boot:     testBoot{cls.Name: cls},
		Platform: plat,
		Memory:   f.heap,
		Natives: fakeNatives{0x1000: func(_ *Env, c *NativeCall) (uint64, error) {
			return uint64(int32(c.Args[0]) * int32(c.Args[1])), nil
		}},
		Logger: log.NewNop(),
	})
	if rc != OK {
		t.Fatalf("CreateJavaVM = %d", rc)
	}
	defer vm.DestroyJavaVM(mainThread)

	ch := env.FindClass("com/example/Native")
	sum := env.GetStaticMethodID(ch, "sum", "(II)I")
	args := []managed.Value{managed.IntValue(6), managed.IntValue(7)}
	env.CallStatic(managed.Int, ch, sum, args)
	expectPending(t, env, managed.UnsatisfiedLinkError)

	lib, err := env.LoadLibrary(cls, "/lib/libnative.so")
	if err != nil {
		t.Fatalf("LoadLibrary: %v", err)
	}
	if lib.Version != config.Version1_6 {
		t.Errorf("library version = %#x", lib.Version)
	}
	if v := env.CallStatic(managed.Int, ch, sum, args); v.Int() != 42 {
		t.Errorf("sum = %d (%v)", v.Int(), env.Pending())
	}
	if got := vm.Method(sum).NativeEntry(); got != 0x1000 {
		t.Errorf("resolved entry not cached: %#x", got)
	}
}

func TestFunctionNames(t *testing.T) {
	for i, want := range map[int]string{
		FnGetVersion:                  "GetVersion",
		FnGetMethodID:                 "GetMethodID",
		FnCallObjectMethod:            "CallObjectMethod",
		FnCallObjectMethod + 1:        "CallObjectMethodV",
		FnCallObjectMethod + 29:       "CallVoidMethodA",
		FnCallNonvirtualObjectMethod:  "CallNonvirtualObjectMethod",
		FnGetFieldID:                  "GetFieldID",
		FnGetObjectField + 8:          "GetDoubleField",
		FnSetObjectField:              "SetObjectField",
		FnGetStaticMethodID:           "GetStaticMethodID",
		FnCallStaticObjectMethod + 29: "CallStaticVoidMethodA",
		FnGetStaticFieldID:            "GetStaticFieldID",
		FnSetStaticObjectField + 8:    "SetStaticDoubleField",
		FnNewString:                   "NewString",
		FnSetObjectArrayElement:       "SetObjectArrayElement",
		FnNewBooleanArray:             "NewBooleanArray",
		FnSetBooleanArrayRegion + 7:   "SetDoubleArrayRegion",
		FnRegisterNatives:             "RegisterNatives",
		FnGetObjectRefType:            "GetObjectRefType",
	} {
		if FunctionNames[i] != want {
			t.Errorf("FunctionNames[%d] = %q, want %q", i, FunctionNames[i], want)
		}
	}
	for i := 0; i < FnGetVersion; i++ {
		if FunctionNames[i] != "" {
			t.Errorf("reserved slot %d = %q", i, FunctionNames[i])
		}
	}
	for i := FnGetVersion; i < FunctionCount; i++ {
		if FunctionNames[i] == "" {
			t.Errorf("slot %d unnamed", i)
		}
	}
	s, ok := CallSlotAt(FnCallNonvirtualObjectMethod + 3*6 + 2)
	if !ok || s.Dispatch != Nonvirtual || s.Kind != managed.Long || s.Form != JValues {
		t.Errorf("CallSlotAt = %+v, %v", s, ok)
	}
	if _, ok := CallSlotAt(FnGetFieldID); ok {
		t.Error("GetFieldID decoded as a call slot")
	}
}
