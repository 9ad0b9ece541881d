package jni

import (
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/refs"
)

func (e *Env) instanceField(obj refs.Handle, id FieldID) (managed.FieldHolder, *managed.Field, error) {
	f := e.vm.ids.field(id)
	if f == nil || f.IsStatic() {
		return nil, nil, managed.Throw(managed.NoSuchFieldError, "invalid field ID")
	}
	o := e.Unwrap(obj)
	if o == nil {
		return nil, nil, managed.Throw(managed.NullPointerException, f.String())
	}
	h, ok := o.(managed.FieldHolder)
	if !ok || !f.Class.IsInstance(o) {
		return nil, nil, managed.Throwf(managed.IllegalArgumentException,
			"%s has no field %s", o.Class().Name, f)
	}
	return h, f, nil
}

func (e *Env) staticField(id FieldID) (*managed.Field, error) {
	f := e.vm.ids.field(id)
	if f == nil || !f.IsStatic() {
		return nil, managed.Throw(managed.NoSuchFieldError, "invalid field ID")
	}
	if err := f.Class.Initialize(e); err != nil {
		return nil, err
	}
	return f, nil
}

// GetField reads an instance field, coerced to kind.
func (e *Env) GetField(kind managed.Kind, obj refs.Handle, id FieldID) managed.Value {
	h, f, err := e.instanceField(obj, id)
	if err != nil {
		e.throw(err)
		return managed.ZeroValue(kind)
	}
	return h.GetField(f).Convert(kind)
}

// SetField writes an instance field.
func (e *Env) SetField(obj refs.Handle, id FieldID, v managed.Value) {
	h, f, err := e.instanceField(obj, id)
	if err != nil {
		e.throw(err)
		return
	}
	if err := checkStore(f, v); err != nil {
		e.throw(err)
		return
	}
	h.SetField(f, v)
}

// GetStaticField reads a static field of cls.
func (e *Env) GetStaticField(kind managed.Kind, cls refs.Handle, id FieldID) managed.Value {
	f, err := e.staticField(id)
	if err != nil {
		e.throw(err)
		return managed.ZeroValue(kind)
	}
	return f.Class.GetStatic(f).Convert(kind)
}

// SetStaticField writes a static field of cls.
func (e *Env) SetStaticField(cls refs.Handle, id FieldID, v managed.Value) {
	f, err := e.staticField(id)
	if err != nil {
		e.throw(err)
		return
	}
	if err := checkStore(f, v); err != nil {
		e.throw(err)
		return
	}
	f.Class.SetStatic(f, v)
}

// checkStore rejects a reference whose class cannot be stored in f. The
// declared class is resolved through the bootstrap table only; fields of
// other types accept any reference.
func checkStore(f *managed.Field, v managed.Value) error {
	if f.Type.Kind != managed.Ref || v.Ref() == nil {
		return nil
	}
	want := managed.Boot.Lookup(f.Type.ClassName())
	if want != nil && !want.IsInstance(v.Ref()) {
		return managed.Throwf(managed.ClassCastException, "%s cannot be stored in %s",
			v.Ref().Class().Name, f)
	}
	return nil
}
