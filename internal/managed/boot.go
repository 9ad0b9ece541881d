package managed

import (
	"strings"
	"sync"
)

// Resolver maps binary class names to classes. The type system behind the
// bridge implements it; the bootstrap class table below is the built-in
// implementation.
type Resolver interface {
	ResolveClass(name string) (*Class, error)
}

// BootClasses is the bootstrap class table. The named fields are the
// classes the bridge itself depends on.
type BootClasses struct {
	Object       *Class
	Class        *Class
	String       *Class
	Cloneable    *Class
	Serializable *Class
	Throwable    *Class
	Exception    *Class
	Error        *Class
	ClassLoader  *Class

	ReflectMethod      *Class
	ReflectConstructor *Class
	ReflectField       *Class

	Buffer           *Class
	ByteBuffer       *Class
	DirectByteBuffer *Class
	// BufferAddress and BufferCapacity back the direct buffer JNI calls.
	BufferAddress  *Field
	BufferCapacity *Field

	mu      sync.RWMutex
	classes map[string]*Class
	prims   map[Kind]*Class
}

// Boot is the process-wide bootstrap class table.
var Boot *BootClasses

func init() {
	Boot = &BootClasses{
		classes: make(map[string]*Class),
		prims:   make(map[Kind]*Class),
	}
	Boot.build()
}

func (b *BootClasses) build() {
	b.Object = b.define("java.lang.Object", nil, Public)
	b.Object.MustAddMethod("<init>", "()V", Public, func(Thread, Object, []Value) (Value, error) {
		return VoidValue, nil
	})
	b.Object.MustAddMethod("hashCode", "()I", Public, func(_ Thread, this Object, _ []Value) (Value, error) {
		return IntValue(IdentityHash(this)), nil
	})
	b.Object.MustAddMethod("equals", "(Ljava/lang/Object;)Z", Public, func(_ Thread, this Object, args []Value) (Value, error) {
		return BooleanValue(SameObject(this, args[0].Ref())), nil
	})
	b.Object.MustAddMethod("getClass", "()Ljava/lang/Class;", Public|Final, func(_ Thread, this Object, _ []Value) (Value, error) {
		return RefValue(this.Class()), nil
	})
	b.Object.MustAddMethod("toString", "()Ljava/lang/String;", Public, func(_ Thread, this Object, _ []Value) (Value, error) {
		return RefValue(NewStringFromGo(this.Class().Name)), nil
	})

	b.Class = b.define("java.lang.Class", b.Object, Public|Final)
	b.Class.MustAddMethod("getName", "()Ljava/lang/String;", Public, func(_ Thread, this Object, _ []Value) (Value, error) {
		return RefValue(NewStringFromGo(this.(*Class).Name)), nil
	})
	b.Serializable = b.define("java.io.Serializable", nil, Public|Interface|Abstract)
	b.Cloneable = b.define("java.lang.Cloneable", nil, Public|Interface|Abstract)

	for _, k := range []Kind{Boolean, Byte, Char, Short, Int, Long, Float, Double, Void} {
		p := NewClass(k.Name(), nil, Public|Final|Abstract)
		p.Prim = k
		p.linked.Store(true)
		p.initState = initialized
		b.prims[k] = p
	}

	b.String = b.define("java.lang.String", b.Object, Public|Final)
	b.String.Interfaces = []*Class{b.Serializable}
	b.String.MustAddMethod("length", "()I", Public, func(_ Thread, this Object, _ []Value) (Value, error) {
		return IntValue(int32(this.(*String).Len())), nil
	})
	b.String.MustAddMethod("toString", "()Ljava/lang/String;", Public, func(_ Thread, this Object, _ []Value) (Value, error) {
		return RefValue(this), nil
	})

	b.Throwable = b.define(ThrowableName, b.Object, Public)
	b.Throwable.Interfaces = []*Class{b.Serializable}
	b.Throwable.MustAddMethod("<init>", "()V", Public, func(Thread, Object, []Value) (Value, error) {
		return VoidValue, nil
	})
	b.Throwable.MustAddMethod("<init>", "(Ljava/lang/String;)V", Public, func(_ Thread, this Object, args []Value) (Value, error) {
		if t, ok := this.(*Throwable); ok {
			if s, ok := args[0].Ref().(*String); ok {
				t.Message = s.String()
			}
		}
		return VoidValue, nil
	})
	b.Throwable.MustAddMethod("getMessage", "()Ljava/lang/String;", Public, func(_ Thread, this Object, _ []Value) (Value, error) {
		t, ok := this.(*Throwable)
		if !ok || t.Message == "" {
			return RefValue(nil), nil
		}
		return RefValue(NewStringFromGo(t.Message)), nil
	})
	b.Throwable.MustAddMethod("getCause", "()Ljava/lang/Throwable;", Public, func(_ Thread, this Object, _ []Value) (Value, error) {
		if t, ok := this.(*Throwable); ok && t.Cause != nil {
			return RefValue(t.Cause), nil
		}
		return RefValue(nil), nil
	})
	b.Exception = b.define(ExceptionName, b.Throwable, Public)
	b.Error = b.define(ErrorName, b.Throwable, Public)

	for _, e := range []struct{ name, super string }{
		{RuntimeException, ExceptionName},
		{ClassNotFoundException, ExceptionName},
		{InstantiationException, ExceptionName},
		{InvocationTargetException, ExceptionName},
		{SecurityException, RuntimeException},
		{IllegalArgumentException, RuntimeException},
		{IllegalStateException, RuntimeException},
		{IllegalMonitorStateException, RuntimeException},
		{NullPointerException, RuntimeException},
		{ClassCastException, RuntimeException},
		{ArrayStoreException, RuntimeException},
		{NegativeArraySizeException, RuntimeException},
		{IndexOutOfBoundsException, RuntimeException},
		{ArrayIndexOutOfBoundsException, IndexOutOfBoundsException},
		{StringIndexOutOfBoundsException, IndexOutOfBoundsException},
		{LinkageError, ErrorName},
		{OutOfMemoryError, ErrorName},
		{NoClassDefFoundError, LinkageError},
		{UnsatisfiedLinkError, LinkageError},
		{ClassFormatError, LinkageError},
		{ExceptionInInitializerError, LinkageError},
		{IncompatibleClassChangeError, LinkageError},
		{NoSuchMethodError, IncompatibleClassChangeError},
		{NoSuchFieldError, IncompatibleClassChangeError},
		{AbstractMethodError, IncompatibleClassChangeError},
	} {
		b.define(e.name, b.classes[e.super], Public)
	}

	b.ClassLoader = b.define("java.lang.ClassLoader", b.Object, Public|Abstract)

	member := b.define("java.lang.reflect.AccessibleObject", b.Object, Public)
	exec := b.define("java.lang.reflect.Executable", member, Public|Abstract)
	b.ReflectMethod = b.define("java.lang.reflect.Method", exec, Public|Final)
	b.ReflectConstructor = b.define("java.lang.reflect.Constructor", exec, Public|Final)
	b.ReflectField = b.define("java.lang.reflect.Field", member, Public|Final)

	b.Buffer = b.define("java.nio.Buffer", b.Object, Public|Abstract)
	b.BufferAddress = b.Buffer.MustAddField("address", "J", 0)
	b.BufferCapacity = b.Buffer.MustAddField("capacity", "I", Private)
	b.ByteBuffer = b.define("java.nio.ByteBuffer", b.Buffer, Public|Abstract)
	b.DirectByteBuffer = b.define("java.nio.DirectByteBuffer", b.ByteBuffer, 0)

	for _, c := range b.classes {
		c.Link()
		c.initState = initialized
	}
}

func (b *BootClasses) define(name string, super *Class, mods Modifiers) *Class {
	c := NewClass(name, super, mods)
	b.classes[name] = c
	return c
}

// Primitive returns the class of a primitive kind.
func (b *BootClasses) Primitive(k Kind) *Class {
	return b.prims[k]
}

// Lookup returns a registered bootstrap class or nil. Array names resolve
// through their component.
func (b *BootClasses) Lookup(name string) *Class {
	b.mu.RLock()
	c := b.classes[name]
	b.mu.RUnlock()
	if c != nil || !strings.HasPrefix(name, "[") {
		return c
	}
	c, _ = ResolveArray(name, func(n string) (*Class, error) {
		if k := b.Lookup(n); k != nil {
			return k, nil
		}
		return nil, Throw(ClassNotFoundException, n)
	})
	return c
}

// Register adds c to the bootstrap table, replacing any previous class of
// the same name. c is linked and considered defined by the bootstrap
// loader.
func (b *BootClasses) Register(c *Class) {
	c.Loader = nil
	c.Link()
	b.mu.Lock()
	b.classes[c.Name] = c
	b.mu.Unlock()
}

// Names returns the binary names of every registered class.
func (b *BootClasses) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.classes))
	for n := range b.classes {
		out = append(out, n)
	}
	return out
}

// ResolveClass implements Resolver.
func (b *BootClasses) ResolveClass(name string) (*Class, error) {
	if c := b.Lookup(name); c != nil {
		return c, nil
	}
	return nil, Throw(ClassNotFoundException, name)
}

// ResolveArray resolves an array binary name such as "[I" or
// "[[Ljava.lang.String;" by resolving its element class through lookup.
func ResolveArray(name string, lookup func(string) (*Class, error)) (*Class, error) {
	t, err := ParseFieldDescriptor(strings.ReplaceAll(name, ".", "/"))
	if err != nil || t.Kind != Ref || !strings.HasPrefix(name, "[") {
		return nil, Throw(ClassNotFoundException, name)
	}
	dims := 0
	for dims < len(t.Desc) && t.Desc[dims] == '[' {
		dims++
	}
	elemDesc := t.Desc[dims:]
	var elem *Class
	if elemDesc[0] == 'L' {
		elem, err = lookup(strings.ReplaceAll(elemDesc[1:len(elemDesc)-1], "/", "."))
		if err != nil {
			return nil, err
		}
	} else {
		elem = Boot.Primitive(Kind(elemDesc[0]))
	}
	for range dims {
		elem = ArrayOf(elem)
	}
	return elem, nil
}
