package managed

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Modifiers are access and property flags of classes and members.
type Modifiers uint32

const (
	Public    Modifiers = 0x0001
	Private   Modifiers = 0x0002
	Protected Modifiers = 0x0004
	Static    Modifiers = 0x0008
	Final     Modifiers = 0x0010
	Native    Modifiers = 0x0100
	Interface Modifiers = 0x0200
	Abstract  Modifiers = 0x0400
)

// NativeSlotPrefix prefixes the per-method key that holds a native entry
// point registered through RegisterNatives.
const NativeSlotPrefix = "jniptr/"

// Impl implements a non-native method in Go.
type Impl func(th Thread, this Object, args []Value) (Value, error)

// Class is a resolved type.
type Class struct {
	base

	// Name is the binary name: "java.lang.String", "[I", "int".
	Name       string
	Super      *Class
	Interfaces []*Class
	Mods       Modifiers
	// Loader is the defining loader, nil for the bootstrap loader.
	Loader Object
	// Signers are the certificates the class was defined with.
	Signers []*x509.Certificate
	// Component is the element type of an array class.
	Component *Class
	// Prim is the primitive kind of a primitive class, zero otherwise.
	Prim Kind

	mu      sync.RWMutex
	methods []*Method
	fields  []*Field
	natives map[string]*atomic.Uint64
	array   atomic.Pointer[Class]

	linked    atomic.Bool
	initMu    sync.Mutex
	initCond  *sync.Cond
	initState int
	initBy    ThreadID
	initErr   error
}

const (
	uninitialized = iota
	initializing
	initialized
	initFailed
)

// NewClass creates a class. Super may be nil only for java.lang.Object
// and interfaces.
func NewClass(name string, super *Class, mods Modifiers) *Class {
	c := &Class{Name: name, Super: super, Mods: mods}
	c.bind(c)
	return c
}

func (c *Class) Class() *Class { return Boot.Class }

func (c *Class) String() string { return c.Name }

// InternalName returns the slash-separated form used by JNI.
func (c *Class) InternalName() string { return strings.ReplaceAll(c.Name, ".", "/") }

// Descriptor returns the field descriptor naming c.
func (c *Class) Descriptor() string {
	if c.Prim != 0 {
		return string(rune(c.Prim))
	}
	return DescriptorOf(c.Name)
}

// PackageName returns the dotted package of c, "" for the unnamed package.
func (c *Class) PackageName() string {
	if c.IsArray() || c.Prim != 0 {
		return ""
	}
	if i := strings.LastIndexByte(c.Name, '.'); i >= 0 {
		return c.Name[:i]
	}
	return ""
}

func (c *Class) IsArray() bool     { return c.Component != nil }
func (c *Class) IsInterface() bool { return c.Mods&Interface != 0 }
func (c *Class) IsPrimitive() bool { return c.Prim != 0 }

// AddMethod declares a method on c. Native methods get a native slot
// keyed by name and signature.
func (c *Class) AddMethod(name, sig string, mods Modifiers, impl Impl) (*Method, error) {
	mt, err := ParseMethodDescriptor(sig)
	if err != nil {
		return nil, err
	}
	m := &Method{Class: c, Name: name, Sig: sig, Type: mt, Mods: mods, Impl: impl}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods = append(c.methods, m)
	if mods&Native != 0 {
		if c.natives == nil {
			c.natives = make(map[string]*atomic.Uint64)
		}
		m.native = new(atomic.Uint64)
		c.natives[NativeSlotPrefix+name+sig] = m.native
	}
	return m, nil
}

// MustAddMethod is AddMethod for statically known descriptors.
func (c *Class) MustAddMethod(name, sig string, mods Modifiers, impl Impl) *Method {
	m, err := c.AddMethod(name, sig, mods, impl)
	if err != nil {
		panic(err)
	}
	return m
}

// AddField declares a field on c. Instance fields must be declared before
// the first instance of c or of any subclass is created.
func (c *Class) AddField(name, sig string, mods Modifiers) (*Field, error) {
	t, err := ParseFieldDescriptor(sig)
	if err != nil {
		return nil, err
	}
	f := &Field{Class: c, Name: name, Sig: sig, Type: t, Mods: mods}
	c.mu.Lock()
	defer c.mu.Unlock()
	if mods&Static != 0 {
		f.static = ZeroValue(t.Kind)
	} else {
		f.slot = c.superFieldCount() + c.ownInstanceFields()
	}
	c.fields = append(c.fields, f)
	return f, nil
}

// MustAddField is AddField for statically known descriptors.
func (c *Class) MustAddField(name, sig string, mods Modifiers) *Field {
	f, err := c.AddField(name, sig, mods)
	if err != nil {
		panic(err)
	}
	return f
}

func (c *Class) ownInstanceFields() int {
	n := 0
	for _, f := range c.fields {
		if f.Mods&Static == 0 {
			n++
		}
	}
	return n
}

func (c *Class) superFieldCount() int {
	if c.Super == nil {
		return 0
	}
	return c.Super.instanceFieldCount()
}

func (c *Class) instanceFieldCount() int {
	c.mu.RLock()
	own := c.ownInstanceFields()
	c.mu.RUnlock()
	return c.superFieldCount() + own
}

func (c *Class) allInstanceFields() []*Field {
	var out []*Field
	for k := c; k != nil; k = k.Super {
		k.mu.RLock()
		for _, f := range k.fields {
			if f.Mods&Static == 0 {
				out = append(out, f)
			}
		}
		k.mu.RUnlock()
	}
	return out
}

// Methods returns the methods declared by c.
func (c *Class) Methods() []*Method {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Method(nil), c.methods...)
}

// Fields returns the fields declared by c.
func (c *Class) Fields() []*Field {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Field(nil), c.fields...)
}

// DeclaredMethod returns the method declared by c itself.
func (c *Class) DeclaredMethod(name, sig string) *Method {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.methods {
		if m.Name == name && m.Sig == sig {
			return m
		}
	}
	return nil
}

// FindMethod searches c, its superclasses and then its superinterfaces.
func (c *Class) FindMethod(name, sig string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.DeclaredMethod(name, sig); m != nil {
			return m
		}
	}
	seen := map[*Class]bool{}
	var walk func(k *Class) *Method
	walk = func(k *Class) *Method {
		for _, i := range k.Interfaces {
			if seen[i] {
				continue
			}
			seen[i] = true
			if m := i.DeclaredMethod(name, sig); m != nil {
				return m
			}
			if m := walk(i); m != nil {
				return m
			}
		}
		return nil
	}
	for k := c; k != nil; k = k.Super {
		if m := walk(k); m != nil {
			return m
		}
	}
	if c.IsInterface() && Boot.Object != nil && c != Boot.Object {
		return Boot.Object.DeclaredMethod(name, sig)
	}
	return nil
}

// FindField searches c, its superinterfaces and then its superclasses.
func (c *Class) FindField(name, sig string) *Field {
	for k := c; k != nil; k = k.Super {
		k.mu.RLock()
		for _, f := range k.fields {
			if f.Name == name && f.Sig == sig {
				k.mu.RUnlock()
				return f
			}
		}
		k.mu.RUnlock()
		for _, i := range k.Interfaces {
			if f := i.FindField(name, sig); f != nil {
				return f
			}
		}
	}
	return nil
}

// NativeSlot returns the entry point cell for a native method key of the
// form NativeSlotPrefix+name+sig, or nil if c declares no such method.
func (c *Class) NativeSlot(key string) *atomic.Uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.natives[key]
}

// NativeSlots returns every native slot of c.
func (c *Class) NativeSlots() map[string]*atomic.Uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*atomic.Uint64, len(c.natives))
	for k, v := range c.natives {
		out[k] = v
	}
	return out
}

// IsSubclassOf reports whether c is other or extends it.
func (c *Class) IsSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

func (c *Class) implements(iface *Class) bool {
	for k := c; k != nil; k = k.Super {
		for _, i := range k.Interfaces {
			if i == iface || i.implements(iface) {
				return true
			}
		}
	}
	return false
}

// IsAssignableFrom reports whether a value of class from can be stored in
// a variable of class c.
func (c *Class) IsAssignableFrom(from *Class) bool {
	switch {
	case c == from:
		return true
	case c.IsPrimitive() || from.IsPrimitive():
		return false
	case from.IsArray():
		if c.IsArray() {
			if c.Component.IsPrimitive() || from.Component.IsPrimitive() {
				return c.Component == from.Component
			}
			return c.Component.IsAssignableFrom(from.Component)
		}
		return c == Boot.Object || c == Boot.Cloneable || c == Boot.Serializable
	case c.IsInterface():
		return from.implements(c)
	case from.IsInterface():
		return c == Boot.Object
	}
	return from.IsSubclassOf(c)
}

// IsInstance reports whether o is a non-nil instance of c.
func (c *Class) IsInstance(o Object) bool {
	return o != nil && c.IsAssignableFrom(o.Class())
}

// ArrayOf returns the array class with component c.
func ArrayOf(c *Class) *Class {
	if a := c.array.Load(); a != nil {
		return a
	}
	a := NewClass("["+strings.ReplaceAll(c.Descriptor(), "/", "."), Boot.Object, Public|Final|Abstract)
	a.Component = c
	a.Loader = c.Loader
	a.Interfaces = []*Class{Boot.Cloneable, Boot.Serializable}
	a.linked.Store(true)
	a.initState = initialized
	if !c.array.CompareAndSwap(nil, a) {
		return c.array.Load()
	}
	return a
}

// Link marks c and its supertypes linked.
func (c *Class) Link() {
	if c.linked.Load() {
		return
	}
	if c.Super != nil {
		c.Super.Link()
	}
	for _, i := range c.Interfaces {
		i.Link()
	}
	c.linked.Store(true)
}

// Linked reports whether Link has run.
func (c *Class) Linked() bool { return c.linked.Load() }

// Initialize runs static initialization once: superclass first, then
// <clinit>. A thread re-entering the initialization it is running sees the
// class as initialized. A failed initializer leaves the class unusable.
func (c *Class) Initialize(th Thread) error {
	c.initMu.Lock()
	if c.initCond == nil {
		c.initCond = sync.NewCond(&c.initMu)
	}
	for c.initState == initializing && c.initBy != th.ThreadID() {
		c.initCond.Wait()
	}
	switch c.initState {
	case initialized, initializing:
		c.initMu.Unlock()
		return nil
	case initFailed:
		c.initMu.Unlock()
		return Throw(NoClassDefFoundError, "Could not initialize class "+c.Name)
	}
	c.initState = initializing
	c.initBy = th.ThreadID()
	c.initMu.Unlock()

	c.Link()
	err := c.runInitializers(th)

	c.initMu.Lock()
	if err != nil {
		c.initState = initFailed
		c.initErr = err
	} else {
		c.initState = initialized
	}
	c.initCond.Broadcast()
	c.initMu.Unlock()
	return err
}

// Initialized reports whether static initialization has completed.
func (c *Class) Initialized() bool {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.initState == initialized
}

func (c *Class) runInitializers(th Thread) error {
	if c.Super != nil && !c.IsInterface() {
		if err := c.Super.Initialize(th); err != nil {
			return err
		}
	}
	clinit := c.DeclaredMethod("<clinit>", "()V")
	if clinit == nil {
		return nil
	}
	if _, err := clinit.Invoke(th, nil, nil); err != nil {
		var ite *InvocationTargetError
		if errors.As(err, &ite) {
			if ite.Target.Class().IsSubclassOf(Boot.Error) {
				return ite.Target
			}
			wrapped := Throw(ExceptionInInitializerError, ite.Target.Error())
			wrapped.Cause = ite.Target
			return wrapped
		}
		return err
	}
	return nil
}

// GetStatic reads a static field.
func (c *Class) GetStatic(f *Field) Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return f.static
}

// SetStatic writes a static field.
func (c *Class) SetStatic(f *Field, v Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.static = v.Convert(f.Type.Kind)
}

// Method is a resolved method.
type Method struct {
	Class *Class
	Name  string
	Sig   string
	Type  MethodType
	Mods  Modifiers
	Impl  Impl

	native *atomic.Uint64
}

func (m *Method) String() string { return m.Class.Name + "." + m.Name + m.Sig }

func (m *Method) IsStatic() bool      { return m.Mods&Static != 0 }
func (m *Method) IsNative() bool      { return m.Mods&Native != 0 }
func (m *Method) IsConstructor() bool { return m.Name == "<init>" }

// NativeEntry returns the entry point registered for a native method, 0 if
// none was registered.
func (m *Method) NativeEntry() uint64 {
	if m.native == nil {
		return 0
	}
	return m.native.Load()
}

// Resolve returns the implementation of m selected by the runtime class of
// this, walking up from that class.
func (m *Method) Resolve(this Object) *Method {
	if m.IsStatic() || m.IsConstructor() || m.Mods&Private != 0 || this == nil {
		return m
	}
	for k := this.Class(); k != nil; k = k.Super {
		if o := k.DeclaredMethod(m.Name, m.Sig); o != nil && o.Mods&Abstract == 0 {
			return o
		}
	}
	return m
}

// Invoke calls m non-virtually. A throwable raised by the method is
// returned wrapped in an InvocationTargetError.
func (m *Method) Invoke(th Thread, this Object, args []Value) (Value, error) {
	if len(args) != len(m.Type.Params) {
		return Value{}, Throw(IllegalArgumentException,
			fmt.Sprintf("%s: wrong number of arguments: %d", m, len(args)))
	}
	if !m.IsStatic() && this == nil {
		return Value{}, Throw(NullPointerException, m.String())
	}
	var (
		v   Value
		err error
	)
	switch {
	case m.IsNative():
		v, err = th.InvokeNative(m, this, args)
	case m.Impl != nil:
		v, err = m.Impl(th, this, args)
	default:
		return Value{}, Throw(AbstractMethodError, m.String())
	}
	if err != nil {
		var t *Throwable
		if errors.As(err, &t) {
			var ite *InvocationTargetError
			if errors.As(err, &ite) {
				return Value{}, err
			}
			return Value{}, &InvocationTargetError{Target: t}
		}
		return Value{}, err
	}
	if m.Type.Return.Kind == Void {
		return VoidValue, nil
	}
	return v.Convert(m.Type.Return.Kind), nil
}

// Field is a resolved field.
type Field struct {
	Class *Class
	Name  string
	Sig   string
	Type  Type
	Mods  Modifiers

	slot   int
	static Value
}

func (f *Field) String() string { return f.Class.Name + "." + f.Name + ":" + f.Sig }

func (f *Field) IsStatic() bool { return f.Mods&Static != 0 }

// Reflected is a java.lang.reflect.Method, Constructor or Field object.
type Reflected struct {
	Instance
	Method *Method
	Field  *Field
}

// ReflectMethod wraps m in a reflection object.
func ReflectMethod(m *Method) *Reflected {
	cls := Boot.ReflectMethod
	if m.IsConstructor() {
		cls = Boot.ReflectConstructor
	}
	r := &Reflected{Method: m}
	InitInstance(r, &r.Instance, cls)
	return r
}

// ReflectField wraps f in a reflection object.
func ReflectField(f *Field) *Reflected {
	r := &Reflected{Field: f}
	InitInstance(r, &r.Instance, Boot.ReflectField)
	return r
}
