package refs

import (
	"sync"
	"weak"

	"github.com/zboralski/jnivm/internal/managed"
)

// GlobalTable holds global references. Deleted entries become tombstones
// and the lowest tombstone is reused before the table grows.
type GlobalTable struct {
	mu   sync.Mutex
	objs []managed.Object
	free int // no tombstone below this index
	live int
}

// Add stores o and returns its global handle. A nil object yields 0.
func (t *GlobalTable) Add(o managed.Object) Handle {
	if o == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := t.free; i < len(t.objs); i++ {
		if t.objs[i] == nil {
			t.objs[i] = o
			t.free = i + 1
			t.live++
			return makeGlobal(i)
		}
	}
	if len(t.objs) > maxIndex {
		panic(&ExhaustedError{Table: "global"})
	}
	t.objs = append(t.objs, o)
	t.free = len(t.objs)
	t.live++
	return makeGlobal(len(t.objs) - 1)
}

// Get returns the object named by h, or nil.
func (t *GlobalTable) Get(h Handle) managed.Object {
	if h.Type() != Global {
		return nil
	}
	i := globalIndex(h)
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.objs) {
		return nil
	}
	return t.objs[i]
}

// Delete tombstones h.
func (t *GlobalTable) Delete(h Handle) {
	if h.Type() != Global {
		return
	}
	i := globalIndex(h)
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.objs) || t.objs[i] == nil {
		return
	}
	t.objs[i] = nil
	t.live--
	if i < t.free {
		t.free = i
	}
}

// Len returns the number of live global references.
func (t *GlobalTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// WeakTable holds weak global references. Entries track the object header
// so the referent stays collectible; a collected referent reads as nil
// until the handle is deleted.
type WeakTable struct {
	mu    sync.Mutex
	ptrs  []weak.Pointer[managed.Header]
	inUse []bool
	free  int
	live  int
}

// Add stores a weak reference to o and returns its weak handle.
func (t *WeakTable) Add(o managed.Object) Handle {
	if o == nil {
		return 0
	}
	p := weak.Make(o.Header())
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := t.free; i < len(t.ptrs); i++ {
		if !t.inUse[i] {
			t.ptrs[i] = p
			t.inUse[i] = true
			t.free = i + 1
			t.live++
			return makeWeak(i)
		}
	}
	if len(t.ptrs) > maxIndex {
		panic(&ExhaustedError{Table: "weak"})
	}
	if len(t.ptrs) == cap(t.ptrs) {
		n := max(16, 2*cap(t.ptrs))
		ptrs := make([]weak.Pointer[managed.Header], len(t.ptrs), n)
		copy(ptrs, t.ptrs)
		used := make([]bool, len(t.inUse), n)
		copy(used, t.inUse)
		t.ptrs, t.inUse = ptrs, used
	}
	t.ptrs = append(t.ptrs, p)
	t.inUse = append(t.inUse, true)
	t.free = len(t.ptrs)
	t.live++
	return makeWeak(len(t.ptrs) - 1)
}

// Get returns the referent of h, or nil if it was collected or deleted.
func (t *WeakTable) Get(h Handle) managed.Object {
	if h.Type() != Weak {
		return nil
	}
	i := weakIndex(h)
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.ptrs) || !t.inUse[i] {
		return nil
	}
	hdr := t.ptrs[i].Value()
	if hdr == nil {
		return nil
	}
	return hdr.Object()
}

// Delete releases h.
func (t *WeakTable) Delete(h Handle) {
	if h.Type() != Weak {
		return
	}
	i := weakIndex(h)
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.ptrs) || !t.inUse[i] {
		return
	}
	t.ptrs[i] = weak.Pointer[managed.Header]{}
	t.inUse[i] = false
	t.live--
	if i < t.free {
		t.free = i
	}
}

// Len returns the number of weak handles not yet deleted.
func (t *WeakTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}
