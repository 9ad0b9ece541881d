package jni

import (
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/nativemem"
	"github.com/zboralski/jnivm/internal/refs"
)

// elemCopy tracks a native copy of array elements until it is released.
type elemCopy struct {
	arr *managed.Array
}

// pinSlot is one of the two critical regions an Env can hold without
// copying.
type pinSlot struct {
	used bool
	addr uint64
	arr  *managed.Array
}

func (e *Env) arrayOf(h refs.Handle) (*managed.Array, error) {
	switch o := e.Unwrap(h).(type) {
	case *managed.Array:
		return o, nil
	case nil:
		return nil, managed.Throw(managed.NullPointerException, "array")
	default:
		return nil, managed.Throw(managed.ClassCastException, o.Class().Name+" is not an array")
	}
}

func (e *Env) primitiveArrayOf(h refs.Handle, k managed.Kind) (*managed.Array, error) {
	a, err := e.arrayOf(h)
	if err != nil {
		return nil, err
	}
	if a.Elem() != k {
		return nil, managed.Throwf(managed.IllegalArgumentException, "%s is not a %s array", a.Class().Name, k)
	}
	return a, nil
}

// GetArrayLength returns the number of elements.
func (e *Env) GetArrayLength(arr refs.Handle) int32 {
	a, err := e.arrayOf(arr)
	if err != nil {
		e.throw(err)
		return 0
	}
	return int32(a.Len())
}

// NewObjectArray creates an array of elem with every element set to init.
func (e *Env) NewObjectArray(n int32, elem, init refs.Handle) refs.Handle {
	c, err := e.classOf(elem)
	if err != nil {
		e.throw(err)
		return 0
	}
	a, err := managed.NewObjectArray(c, int(n), e.Unwrap(init))
	if err != nil {
		e.throw(err)
		return 0
	}
	return e.Wrap(a)
}

// GetObjectArrayElement returns element i.
func (e *Env) GetObjectArrayElement(arr refs.Handle, i int32) refs.Handle {
	a, err := e.primitiveArrayOf(arr, managed.Ref)
	if err != nil {
		e.throw(err)
		return 0
	}
	v, err := a.Get(int(i))
	if err != nil {
		e.throw(err)
		return 0
	}
	return e.Wrap(v.Ref())
}

// SetObjectArrayElement stores element i.
func (e *Env) SetObjectArrayElement(arr refs.Handle, i int32, val refs.Handle) {
	a, err := e.primitiveArrayOf(arr, managed.Ref)
	if err != nil {
		e.throw(err)
		return
	}
	if err := a.Set(int(i), managed.RefValue(e.Unwrap(val))); err != nil {
		e.throw(err)
	}
}

// NewPrimitiveArray is the body of the New<P>Array entries.
func (e *Env) NewPrimitiveArray(k managed.Kind, n int32) refs.Handle {
	a, err := managed.NewPrimitiveArray(k, int(n))
	if err != nil {
		e.throw(err)
		return 0
	}
	return e.Wrap(a)
}

// GetArrayElements copies the elements of a k array into a native buffer.
func (e *Env) GetArrayElements(k managed.Kind, arr refs.Handle) (uint64, bool) {
	a, err := e.primitiveArrayOf(arr, k)
	if err != nil {
		e.throw(err)
		return 0, false
	}
	addr, err := e.copyOut(a.Bytes())
	if err != nil {
		e.outOfMemory(err)
		return 0, false
	}
	e.elems[addr] = &elemCopy{arr: a}
	return addr, true
}

// ReleaseArrayElements writes a buffer from GetArrayElements back. Mode 0
// copies back and frees, Commit copies back and keeps the buffer, Abort
// frees without copying.
func (e *Env) ReleaseArrayElements(k managed.Kind, arr refs.Handle, addr uint64, mode int32) {
	ec := e.elems[addr]
	if ec == nil {
		return
	}
	e.releaseCopy(e.elems, addr, ec, mode)
}

func (e *Env) releaseCopy(set map[uint64]*elemCopy, addr uint64, ec *elemCopy, mode int32) {
	if mode != Abort {
		data := ec.arr.Bytes()
		if len(data) > 0 {
			b, err := e.vm.mem.Read(addr, len(data))
			if err != nil {
				e.throw(managed.Throw(managed.IllegalArgumentException, err.Error()))
				return
			}
			copy(data, b)
		}
	}
	if mode != Commit {
		delete(set, addr)
		e.vm.mem.Free(addr)
	}
}

// GetArrayRegion copies n elements starting at start into buf. A bad
// range raises ArrayIndexOutOfBoundsException and copies nothing.
func (e *Env) GetArrayRegion(k managed.Kind, arr refs.Handle, start, n int32, buf uint64) {
	a, err := e.primitiveArrayOf(arr, k)
	if err != nil {
		e.throw(err)
		return
	}
	b, err := a.Region(int(start), int(n))
	if err != nil {
		e.throw(err)
		return
	}
	if len(b) == 0 {
		return
	}
	if err := e.vm.mem.Write(buf, b); err != nil {
		e.throw(managed.Throw(managed.IllegalArgumentException, err.Error()))
	}
}

// SetArrayRegion copies n elements from buf into the array starting at
// start.
func (e *Env) SetArrayRegion(k managed.Kind, arr refs.Handle, start, n int32, buf uint64) {
	a, err := e.primitiveArrayOf(arr, k)
	if err != nil {
		e.throw(err)
		return
	}
	dst, err := a.Region(int(start), int(n))
	if err != nil {
		e.throw(err)
		return
	}
	if len(dst) == 0 {
		return
	}
	src, err := e.vm.mem.Read(buf, len(dst))
	if err != nil {
		e.throw(managed.Throw(managed.IllegalArgumentException, err.Error()))
		return
	}
	copy(dst, src)
}

// GetPrimitiveArrayCritical exposes the elements of arr. While a pin slot
// is free and the allocator can pin, native code sees the array memory
// itself; otherwise it gets a copy. Native code must not call back into
// the bridge until it releases the region.
func (e *Env) GetPrimitiveArrayCritical(arr refs.Handle) (uint64, bool) {
	a, err := e.arrayOf(arr)
	if err != nil {
		e.throw(err)
		return 0, false
	}
	if a.Elem() == managed.Ref {
		e.throw(managed.Throw(managed.IllegalArgumentException, "critical region of a reference array"))
		return 0, false
	}
	if p, ok := e.vm.mem.(nativemem.Pinner); ok {
		for i := range e.pins {
			if e.pins[i].used {
				continue
			}
			addr, err := p.Pin(a.Bytes())
			if err != nil {
				break
			}
			e.pins[i] = pinSlot{used: true, addr: addr, arr: a}
			return addr, false
		}
	}
	addr, err := e.copyOut(a.Bytes())
	if err != nil {
		e.outOfMemory(err)
		return 0, false
	}
	e.crit[addr] = &elemCopy{arr: a}
	return addr, true
}

// ReleasePrimitiveArrayCritical ends a critical region. A pinned region is
// unpinned unless mode is Commit, which only syncs it; mode applies to
// copies as in ReleaseArrayElements.
func (e *Env) ReleasePrimitiveArrayCritical(arr refs.Handle, addr uint64, mode int32) {
	for i := range e.pins {
		s := &e.pins[i]
		if s.used && s.addr == addr {
			if mode == Commit {
				if sy, ok := e.vm.mem.(nativemem.Syncer); ok {
					if err := sy.Sync(addr); err != nil {
						e.throw(managed.Throw(managed.IllegalArgumentException, err.Error()))
					}
				}
				return
			}
			e.vm.mem.(nativemem.Pinner).Unpin(addr)
			*s = pinSlot{}
			return
		}
	}
	if ec := e.crit[addr]; ec != nil {
		e.releaseCopy(e.crit, addr, ec, mode)
	}
}

// PinnedRegions returns how many pin slots are in use.
func (e *Env) PinnedRegions() int {
	n := 0
	for _, s := range e.pins {
		if s.used {
			n++
		}
	}
	return n
}

func (e *Env) releasePins() {
	p, ok := e.vm.mem.(nativemem.Pinner)
	for i := range e.pins {
		if e.pins[i].used && ok {
			p.Unpin(e.pins[i].addr)
		}
		e.pins[i] = pinSlot{}
	}
}
