package jni

import (
	"strings"
	"sync"

	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/refs"
)

// MethodID and FieldID are the opaque jmethodID and jfieldID values handed
// to native code. Zero is never a valid ID.
type (
	MethodID uint64
	FieldID  uint64
)

// memberTable interns methods and fields so each member has one stable ID
// for the lifetime of the VM.
type memberTable struct {
	mu      sync.RWMutex
	methods []*managed.Method
	fields  []*managed.Field
	mIndex  map[*managed.Method]MethodID
	fIndex  map[*managed.Field]FieldID
}

func (t *memberTable) methodID(m *managed.Method) MethodID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.mIndex[m]; ok {
		return id
	}
	if t.mIndex == nil {
		t.mIndex = make(map[*managed.Method]MethodID)
	}
	t.methods = append(t.methods, m)
	id := MethodID(len(t.methods))
	t.mIndex[m] = id
	return id
}

func (t *memberTable) fieldID(f *managed.Field) FieldID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.fIndex[f]; ok {
		return id
	}
	if t.fIndex == nil {
		t.fIndex = make(map[*managed.Field]FieldID)
	}
	t.fields = append(t.fields, f)
	id := FieldID(len(t.fields))
	t.fIndex[f] = id
	return id
}

func (t *memberTable) method(id MethodID) *managed.Method {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == 0 || int(id) > len(t.methods) {
		return nil
	}
	return t.methods[id-1]
}

func (t *memberTable) field(id FieldID) *managed.Field {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == 0 || int(id) > len(t.fields) {
		return nil
	}
	return t.fields[id-1]
}

// Method returns the method behind id, nil if id is unknown.
func (vm *VM) Method(id MethodID) *managed.Method { return vm.ids.method(id) }

// Field returns the field behind id, nil if id is unknown.
func (vm *VM) Field(id FieldID) *managed.Field { return vm.ids.field(id) }

// GetMethodID looks up an instance method of cls or its supertypes. The
// class is initialized first.
func (e *Env) GetMethodID(cls refs.Handle, name, sig string) MethodID {
	return e.getMethodID(cls, name, sig, false)
}

// GetStaticMethodID looks up a static method.
func (e *Env) GetStaticMethodID(cls refs.Handle, name, sig string) MethodID {
	return e.getMethodID(cls, name, sig, true)
}

func (e *Env) getMethodID(cls refs.Handle, name, sig string, static bool) MethodID {
	c, err := e.classOf(cls)
	if err != nil {
		e.throw(err)
		return 0
	}
	if name == "" {
		name = "<init>"
	}
	notFound := managed.Throwf(managed.NoSuchMethodError, "%s.%s%s", c.Name, name, sig)
	if strings.ContainsRune(name, '.') || strings.ContainsRune(sig, '.') {
		e.throw(notFound)
		return 0
	}
	if err := c.Initialize(e); err != nil {
		e.throw(err)
		return 0
	}
	var m *managed.Method
	if name == "<init>" {
		m = c.DeclaredMethod(name, sig)
	} else {
		m = c.FindMethod(name, sig)
	}
	if m == nil || m.IsStatic() != static {
		e.throw(notFound)
		return 0
	}
	return e.vm.ids.methodID(m)
}

// GetFieldID looks up an instance field.
func (e *Env) GetFieldID(cls refs.Handle, name, sig string) FieldID {
	return e.getFieldID(cls, name, sig, false)
}

// GetStaticFieldID looks up a static field.
func (e *Env) GetStaticFieldID(cls refs.Handle, name, sig string) FieldID {
	return e.getFieldID(cls, name, sig, true)
}

func (e *Env) getFieldID(cls refs.Handle, name, sig string, static bool) FieldID {
	c, err := e.classOf(cls)
	if err != nil {
		e.throw(err)
		return 0
	}
	notFound := managed.Throwf(managed.NoSuchFieldError, "%s.%s:%s", c.Name, name, sig)
	if strings.ContainsRune(name, '.') || strings.ContainsRune(sig, '.') {
		e.throw(notFound)
		return 0
	}
	if err := c.Initialize(e); err != nil {
		e.throw(err)
		return 0
	}
	f := c.FindField(name, sig)
	if f == nil || f.IsStatic() != static {
		e.throw(notFound)
		return 0
	}
	return e.vm.ids.fieldID(f)
}

// FromReflectedMethod converts a java.lang.reflect.Method or Constructor.
func (e *Env) FromReflectedMethod(method refs.Handle) MethodID {
	r, ok := e.Unwrap(method).(*managed.Reflected)
	if !ok || r.Method == nil {
		e.throw(managed.Throw(managed.IllegalArgumentException, "not a reflected method"))
		return 0
	}
	return e.vm.ids.methodID(r.Method)
}

// FromReflectedField converts a java.lang.reflect.Field.
func (e *Env) FromReflectedField(field refs.Handle) FieldID {
	r, ok := e.Unwrap(field).(*managed.Reflected)
	if !ok || r.Field == nil {
		e.throw(managed.Throw(managed.IllegalArgumentException, "not a reflected field"))
		return 0
	}
	return e.vm.ids.fieldID(r.Field)
}

// ToReflectedMethod returns a reflection object for id. isStatic must
// agree with the method.
func (e *Env) ToReflectedMethod(cls refs.Handle, id MethodID, isStatic bool) refs.Handle {
	m := e.vm.ids.method(id)
	if m == nil || m.IsStatic() != isStatic {
		e.throw(managed.Throw(managed.NoSuchMethodError, "invalid method ID"))
		return 0
	}
	return e.Wrap(managed.ReflectMethod(m))
}

// ToReflectedField returns a reflection object for id.
func (e *Env) ToReflectedField(cls refs.Handle, id FieldID, isStatic bool) refs.Handle {
	f := e.vm.ids.field(id)
	if f == nil || f.IsStatic() != isStatic {
		e.throw(managed.Throw(managed.NoSuchFieldError, "invalid field ID"))
		return 0
	}
	return e.Wrap(managed.ReflectField(f))
}
