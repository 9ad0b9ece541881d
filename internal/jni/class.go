package jni

import (
	"strings"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/classloader"
	"github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/refs"
)

// classOf unwraps h as a class.
func (e *Env) classOf(h refs.Handle) (*managed.Class, error) {
	switch o := e.Unwrap(h).(type) {
	case *managed.Class:
		return o, nil
	case nil:
		return nil, managed.Throw(managed.NullPointerException, "class")
	default:
		return nil, managed.Throw(managed.ClassCastException, o.Class().Name+" is not a class")
	}
}

// contextLoader picks the loader FindClass resolves through: the loader
// bound to the current native frame, then the loader of a library whose
// JNI_OnLoad is running, then the system loader.
func (e *Env) contextLoader() (*classloader.Loader, error) {
	if e.loader != nil {
		return e.loader, nil
	}
	if e.vm.libs != nil {
		if lib := e.vm.libs.Current(e); lib != nil && lib.Loader != nil {
			return lib.Loader, nil
		}
	}
	return e.vm.graph.SystemLoader(nil)
}

// DefineClass defines a class from bytes in loader, or in the system
// loader when loader is null.
func (e *Env) DefineClass(name string, loader refs.Handle, data []byte) refs.Handle {
	var l *classloader.Loader
	if loader == 0 {
		var err error
		if l, err = e.vm.graph.SystemLoader(nil); err != nil {
			e.throw(err)
			return 0
		}
	} else {
		obj := e.Unwrap(loader)
		var ok bool
		if l, ok = obj.(*classloader.Loader); !ok {
			e.throw(managed.Throwf(managed.ClassCastException, "%s is not a class loader", obj.Class().Name))
			return 0
		}
	}
	c, err := l.DefineClass(strings.ReplaceAll(name, "/", "."), data, nil)
	if err != nil {
		e.throw(err)
		return 0
	}
	e.log.Debug("defined class", log.Class(c.Name), zap.Stringer("loader", l))
	return e.Wrap(c)
}

// FindClass resolves a class by its internal name ("java/lang/String",
// "[I") and initializes it.
func (e *Env) FindClass(name string) refs.Handle {
	c, err := e.findClass(name)
	if err != nil {
		e.throw(err)
		return 0
	}
	return e.Wrap(c)
}

func (e *Env) findClass(name string) (*managed.Class, error) {
	if name == "" || strings.ContainsRune(name, '.') {
		return nil, managed.Throw(managed.NoClassDefFoundError, name)
	}
	binary := strings.ReplaceAll(name, "/", ".")
	l, err := e.contextLoader()
	if err != nil {
		return nil, err
	}
	c, err := e.vm.graph.Load(l, binary)
	if err != nil {
		if managed.IsInstanceOf(err, managed.ClassNotFoundException) {
			ncdfe := managed.Throw(managed.NoClassDefFoundError, name)
			ncdfe.Cause = managed.AsThrowable(err)
			return nil, ncdfe
		}
		return nil, err
	}
	if err := c.Initialize(e); err != nil {
		return nil, err
	}
	return c, nil
}

// GetSuperclass returns the superclass of cls, null for interfaces,
// primitives and java.lang.Object.
func (e *Env) GetSuperclass(cls refs.Handle) refs.Handle {
	c, err := e.classOf(cls)
	if err != nil {
		e.throw(err)
		return 0
	}
	if c.IsInterface() || c.Super == nil {
		return 0
	}
	return e.Wrap(c.Super)
}

// IsAssignableFrom reports whether an object of c1 can be cast to c2.
func (e *Env) IsAssignableFrom(c1, c2 refs.Handle) bool {
	from, err := e.classOf(c1)
	if err != nil {
		e.throw(err)
		return false
	}
	to, err := e.classOf(c2)
	if err != nil {
		e.throw(err)
		return false
	}
	return to.IsAssignableFrom(from)
}

// GetObjectClass returns the class of obj.
func (e *Env) GetObjectClass(obj refs.Handle) refs.Handle {
	o := e.Unwrap(obj)
	if o == nil {
		e.throw(managed.Throw(managed.NullPointerException, "GetObjectClass"))
		return 0
	}
	return e.Wrap(o.Class())
}

// IsInstanceOf reports whether obj can be cast to cls. Null is an
// instance of every class.
func (e *Env) IsInstanceOf(obj, cls refs.Handle) bool {
	c, err := e.classOf(cls)
	if err != nil {
		e.throw(err)
		return false
	}
	o := e.Unwrap(obj)
	return o == nil || c.IsInstance(o)
}

// AllocObject allocates an object of cls without running a constructor.
func (e *Env) AllocObject(cls refs.Handle) refs.Handle {
	c, err := e.classOf(cls)
	if err != nil {
		e.throw(err)
		return 0
	}
	o, err := e.alloc(c)
	if err != nil {
		e.throw(err)
		return 0
	}
	return e.Wrap(o)
}

func (e *Env) alloc(c *managed.Class) (managed.Object, error) {
	if err := c.Initialize(e); err != nil {
		return nil, err
	}
	return managed.New(c)
}

// NewObject allocates an object of cls and runs the constructor ctor.
func (e *Env) NewObject(cls refs.Handle, ctor MethodID, args []managed.Value) refs.Handle {
	c, err := e.classOf(cls)
	if err != nil {
		e.throw(err)
		return 0
	}
	m := e.vm.ids.method(ctor)
	if m == nil || !m.IsConstructor() {
		e.throw(managed.Throw(managed.NoSuchMethodError, "constructor"))
		return 0
	}
	o, err := e.alloc(c)
	if err != nil {
		e.throw(err)
		return 0
	}
	if _, err := m.Invoke(e, o, args); err != nil {
		e.throw(err)
		return 0
	}
	return e.Wrap(o)
}
