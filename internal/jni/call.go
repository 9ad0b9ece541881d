package jni

import (
	"math"

	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/refs"
)

// ArgsFromJValues decodes a jvalue array. Each slot holds one argument in
// its low bits; reference slots hold handles.
func (e *Env) ArgsFromJValues(params []managed.Type, raw []uint64) []managed.Value {
	args := make([]managed.Value, len(params))
	for i, p := range params {
		args[i] = e.ValueFromBits(p.Kind, raw[i])
	}
	return args
}

// ArgsFromVarargs decodes C variadic arguments, where float arguments
// arrive promoted to double.
func (e *Env) ArgsFromVarargs(params []managed.Type, raw []uint64) []managed.Value {
	args := make([]managed.Value, len(params))
	for i, p := range params {
		if p.Kind == managed.Float {
			args[i] = managed.FloatValue(float32(math.Float64frombits(raw[i])))
			continue
		}
		args[i] = e.ValueFromBits(p.Kind, raw[i])
	}
	return args
}

// ValueFromBits decodes one register or jvalue slot as kind k.
func (e *Env) ValueFromBits(k managed.Kind, raw uint64) managed.Value {
	if k == managed.Ref {
		return managed.RefValue(e.Unwrap(refs.Handle(raw)))
	}
	return managed.PrimitiveFromBits(k, raw)
}

// Box converts a value to its native register form. References become new
// local handles.
func (e *Env) Box(v managed.Value) uint64 {
	switch v.Kind() {
	case managed.Ref:
		return uint64(e.Wrap(v.Ref()))
	case managed.Void:
		return 0
	}
	return v.Bits()
}

// CallMethod is the body of every Call<T>Method entry. obj is the receiver
// for Virtual and Nonvirtual dispatch; cls names the class for Nonvirtual
// and Static dispatch. The result is coerced to kind. On failure the
// exception is left pending and the zero value of kind is returned.
func (e *Env) CallMethod(d Dispatch, kind managed.Kind, obj, cls refs.Handle, id MethodID, args []managed.Value) managed.Value {
	v, err := e.call(d, obj, cls, id, args)
	if err != nil {
		e.throw(err)
		return managed.ZeroValue(kind)
	}
	if kind == managed.Void {
		return managed.VoidValue
	}
	return v.Convert(kind)
}

func (e *Env) call(d Dispatch, obj, cls refs.Handle, id MethodID, args []managed.Value) (managed.Value, error) {
	m := e.vm.ids.method(id)
	if m == nil {
		return managed.Value{}, managed.Throw(managed.NoSuchMethodError, "invalid method ID")
	}
	if len(args) != len(m.Type.Params) {
		return managed.Value{}, managed.Throwf(managed.IllegalArgumentException,
			"%s: expected %d arguments, got %d", m, len(m.Type.Params), len(args))
	}
	if d == Static {
		if !m.IsStatic() {
			return managed.Value{}, managed.Throw(managed.IncompatibleClassChangeError, m.String()+" is not static")
		}
		if err := m.Class.Initialize(e); err != nil {
			return managed.Value{}, err
		}
		return m.Invoke(e, nil, args)
	}
	if m.IsStatic() {
		return managed.Value{}, managed.Throw(managed.IncompatibleClassChangeError, m.String()+" is static")
	}
	this := e.Unwrap(obj)
	if this == nil {
		return managed.Value{}, managed.Throw(managed.NullPointerException, m.String())
	}
	if !m.Class.IsInstance(this) {
		return managed.Value{}, managed.Throwf(managed.IllegalArgumentException,
			"%s is not an instance of %s", this.Class().Name, m.Class.Name)
	}
	if d == Virtual {
		m = m.Resolve(this)
	}
	return m.Invoke(e, this, args)
}

// CallVirtual calls id on obj with virtual dispatch.
func (e *Env) CallVirtual(kind managed.Kind, obj refs.Handle, id MethodID, args []managed.Value) managed.Value {
	return e.CallMethod(Virtual, kind, obj, 0, id, args)
}

// CallNonvirtual calls exactly the method id names on obj.
func (e *Env) CallNonvirtual(kind managed.Kind, obj, cls refs.Handle, id MethodID, args []managed.Value) managed.Value {
	return e.CallMethod(Nonvirtual, kind, obj, cls, id, args)
}

// CallStatic calls the static method id of cls.
func (e *Env) CallStatic(kind managed.Kind, cls refs.Handle, id MethodID, args []managed.Value) managed.Value {
	return e.CallMethod(Static, kind, 0, cls, id, args)
}
