package managed

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zboralski/jnivm/internal/mutf8"
)

// ThreadID names an attached native thread. Goroutines have no identity of
// their own, so callers pass one explicitly.
type ThreadID uint64

// Thread is the calling context handed to method implementations.
type Thread interface {
	ThreadID() ThreadID
	// InvokeNative runs a native-tagged method through whatever entry
	// point was registered or linked for it.
	InvokeNative(m *Method, this Object, args []Value) (Value, error)
}

// Object is any managed reference.
type Object interface {
	Class() *Class
	Header() *Header
}

// Header is the identity cell shared by every managed object. Weak
// references track the header; it refers back to its object so a live
// header always yields the object it was created for.
type Header struct {
	self Object
	hash atomic.Uint32

	mu     sync.Mutex
	cond   *sync.Cond
	owned  bool
	owner  ThreadID
	nested int
}

// Object returns the object this header belongs to.
func (h *Header) Object() Object { return h.self }

// Enter acquires the object monitor for t. Monitors are reentrant.
func (h *Header) Enter(t ThreadID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cond == nil {
		h.cond = sync.NewCond(&h.mu)
	}
	for h.owned && h.owner != t {
		h.cond.Wait()
	}
	h.owned = true
	h.owner = t
	h.nested++
}

// Exit releases one level of t's hold on the monitor.
func (h *Header) Exit(t ThreadID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.owned || h.owner != t {
		return Throw(IllegalMonitorStateException, "current thread is not owner")
	}
	h.nested--
	if h.nested == 0 {
		h.owned = false
		h.owner = 0
		if h.cond != nil {
			h.cond.Signal()
		}
	}
	return nil
}

// HoldsLock reports whether t owns the monitor.
func (h *Header) HoldsLock(t ThreadID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owned && h.owner == t
}

// SameObject reports whether a and b denote the same object. Two nils are
// the same object.
func SameObject(a, b Object) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Header() == b.Header()
}

var hashSeed atomic.Uint32

// IdentityHash returns a stable per-object hash code.
func IdentityHash(o Object) int32 {
	if o == nil {
		return 0
	}
	h := o.Header()
	if v := h.hash.Load(); v != 0 {
		return int32(v)
	}
	v := hashSeed.Add(0x9E3779B9)
	if v == 0 {
		v = 1
	}
	h.hash.CompareAndSwap(0, v)
	return int32(h.hash.Load())
}

type base struct {
	hdr *Header
}

func (b *base) Header() *Header { return b.hdr }

func (b *base) bind(self Object) { b.hdr = &Header{self: self} }

// Instance is an ordinary object with instance fields.
type Instance struct {
	base
	class *Class

	mu     sync.RWMutex
	fields []Value
}

// InitInstance prepares in as the instance part of self, an object whose
// Go type embeds Instance.
func InitInstance(self Object, in *Instance, c *Class) {
	in.class = c
	in.fields = make([]Value, c.instanceFieldCount())
	for _, f := range c.allInstanceFields() {
		in.fields[f.slot] = ZeroValue(f.Type.Kind)
	}
	in.bind(self)
}

func newInstance(c *Class) *Instance {
	in := &Instance{}
	InitInstance(in, in, c)
	return in
}

func (o *Instance) Class() *Class { return o.class }

// GetField reads an instance field. f must belong to the object's class
// or one of its superclasses.
func (o *Instance) GetField(f *Field) Value {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if f.slot >= len(o.fields) {
		return ZeroValue(f.Type.Kind)
	}
	return o.fields[f.slot]
}

// SetField writes an instance field.
func (o *Instance) SetField(f *Field, v Value) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f.slot < len(o.fields) {
		o.fields[f.slot] = v.Convert(f.Type.Kind)
	}
}

// FieldHolder is implemented by objects with instance fields.
type FieldHolder interface {
	Object
	GetField(f *Field) Value
	SetField(f *Field, v Value)
}

// String is an immutable UTF-16 string.
type String struct {
	base
	chars []uint16
}

// NewString copies chars into a new string.
func NewString(chars []uint16) *String {
	s := &String{chars: append([]uint16(nil), chars...)}
	s.bind(s)
	return s
}

// NewStringFromGo converts a Go string.
func NewStringFromGo(v string) *String {
	s := &String{chars: mutf8.ToUTF16(v)}
	s.bind(s)
	return s
}

func (s *String) Class() *Class { return Boot.String }

// Chars returns the backing code units. Callers must not modify them.
func (s *String) Chars() []uint16 { return s.chars }

func (s *String) Len() int { return len(s.chars) }

func (s *String) String() string { return mutf8.FromUTF16(s.chars) }

// Array is a primitive or reference array. Primitive elements are stored
// little-endian in a flat byte slice so native code can be handed the
// backing memory directly.
type Array struct {
	base
	class *Class
	elem  Kind
	n     int
	data  []byte
	refs  []Object
}

// NewPrimitiveArray allocates a zeroed array of kind k.
func NewPrimitiveArray(k Kind, n int) (*Array, error) {
	if !k.IsPrimitive() {
		return nil, fmt.Errorf("not a primitive kind: %v", k)
	}
	if n < 0 {
		return nil, Throw(NegativeArraySizeException, fmt.Sprint(n))
	}
	a := &Array{class: ArrayOf(Boot.Primitive(k)), elem: k, n: n, data: make([]byte, n*k.Size())}
	a.bind(a)
	return a, nil
}

// NewObjectArray allocates an array of elem with every element set to init.
func NewObjectArray(elem *Class, n int, init Object) (*Array, error) {
	if n < 0 {
		return nil, Throw(NegativeArraySizeException, fmt.Sprint(n))
	}
	if init != nil && !elem.IsInstance(init) {
		return nil, Throw(ArrayStoreException, init.Class().Name)
	}
	a := &Array{class: ArrayOf(elem), elem: Ref, n: n, refs: make([]Object, n)}
	if init != nil {
		for i := range a.refs {
			a.refs[i] = init
		}
	}
	a.bind(a)
	return a, nil
}

func (a *Array) Class() *Class { return a.class }
func (a *Array) Len() int      { return a.n }
func (a *Array) Elem() Kind    { return a.elem }

// Bytes returns the backing store of a primitive array.
func (a *Array) Bytes() []byte { return a.data }

// CheckRange reports ArrayIndexOutOfBoundsException unless [start,
// start+n) lies inside the array.
func (a *Array) CheckRange(start, n int) error {
	if start < 0 || n < 0 || start > a.n || n > a.n-start {
		return Throw(ArrayIndexOutOfBoundsException,
			fmt.Sprintf("start %d, length %d, array length %d", start, n, a.n))
	}
	return nil
}

// Get returns element i.
func (a *Array) Get(i int) (Value, error) {
	if err := a.CheckRange(i, 1); err != nil {
		return Value{}, err
	}
	if a.elem == Ref {
		return RefValue(a.refs[i]), nil
	}
	sz := a.elem.Size()
	return PrimitiveFromBits(a.elem, readLE(a.data[i*sz:i*sz+sz])), nil
}

// Set stores element i, checking assignability for reference arrays.
func (a *Array) Set(i int, v Value) error {
	if err := a.CheckRange(i, 1); err != nil {
		return err
	}
	if a.elem == Ref {
		if o := v.Ref(); o != nil && !a.class.Component.IsInstance(o) {
			return Throw(ArrayStoreException, o.Class().Name)
		}
		a.refs[i] = v.Ref()
		return nil
	}
	sz := a.elem.Size()
	writeLE(a.data[i*sz:i*sz+sz], v.Convert(a.elem).bits)
	return nil
}

// Region returns the raw bytes of elements [start, start+n).
func (a *Array) Region(start, n int) ([]byte, error) {
	if a.elem == Ref {
		return nil, fmt.Errorf("region of reference array")
	}
	if err := a.CheckRange(start, n); err != nil {
		return nil, err
	}
	sz := a.elem.Size()
	return a.data[start*sz : (start+n)*sz], nil
}

func readLE(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func writeLE(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// New allocates an uninitialized object of class c, as AllocObject does.
func New(c *Class) (Object, error) {
	switch {
	case c.IsArray():
		return nil, Throw(InstantiationException, c.Name)
	case c.Mods&(Abstract|Interface) != 0:
		return nil, Throw(InstantiationException, c.Name)
	case c.IsSubclassOf(Boot.Throwable):
		t := &Throwable{}
		InitInstance(t, &t.Instance, c)
		return t, nil
	}
	return newInstance(c), nil
}
