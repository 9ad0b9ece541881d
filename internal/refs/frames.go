package refs

import (
	"github.com/zboralski/jnivm/internal/managed"
)

// Mark records the frame position to return to on Leave.
type Mark struct {
	slot  int
	index int
}

type pushMark struct {
	slot  int
	index int
}

// Frames is the local reference stack of one attached thread. Each slot
// holds a bucket of objects; Enter opens a fresh slot and Leave clears it.
// PushLocalFrame opens a slot behind a nil sentinel bucket so PopLocalFrame
// can find its boundary. Frames is not safe for concurrent use: only the
// owning thread touches it.
type Frames struct {
	initial int
	max     int

	buckets [][]managed.Object
	gens    []uint32
	slot    int
	index   int
	active  []managed.Object
	pushed  []pushMark
}

// NewFrames creates a local reference stack. Bucket sizes are powers of two
// with max no larger than MaxBucket. Slot 0 is never used so no local
// handle is ever 0.
func NewFrames(initial, max int) *Frames {
	if max <= 0 || max > MaxBucket {
		max = MaxBucket
	}
	if initial <= 0 || initial > max {
		initial = min(32, max)
	}
	f := &Frames{
		initial: initial,
		max:     max,
		buckets: make([][]managed.Object, 8),
		gens:    make([]uint32, 8),
	}
	f.openSlot(1)
	return f
}

// Depth returns the index of the active slot.
func (f *Frames) Depth() int { return f.slot }

// Pushed returns the number of PushLocalFrame frames still open.
func (f *Frames) Pushed() int { return len(f.pushed) }

func (f *Frames) openSlot(slot int) {
	if slot > slotMask {
		panic(&ExhaustedError{Table: "local"})
	}
	for slot >= len(f.buckets) {
		f.buckets = append(f.buckets, make([][]managed.Object, len(f.buckets))...)
		f.gens = append(f.gens, make([]uint32, len(f.gens))...)
	}
	if f.buckets[slot] == nil {
		f.buckets[slot] = make([]managed.Object, f.initial)
	}
	f.gens[slot]++
	f.slot = slot
	f.index = 0
	f.active = f.buckets[slot]
}

// Enter opens a new frame.
func (f *Frames) Enter() Mark {
	m := Mark{slot: f.slot, index: f.index}
	f.openSlot(f.slot + 1)
	return m
}

// Leave closes every slot above m and returns to it. The closing slot is
// cleared. Intermediate slots left open by PushLocalFrame or implicit
// growth are cleared, or discarded if they grew to the maximum size.
func (f *Frames) Leave(m Mark) {
	clear(f.active[:f.index])
	f.gens[f.slot]++
	for i := m.slot + 1; i < f.slot; i++ {
		b := f.buckets[i]
		if b == nil {
			continue
		}
		if len(b) == f.max {
			f.buckets[i] = nil
		} else {
			clear(b)
		}
		f.gens[i]++
	}
	for len(f.pushed) > 0 && f.pushed[len(f.pushed)-1].slot > m.slot {
		f.pushed = f.pushed[:len(f.pushed)-1]
	}
	f.slot = m.slot
	f.index = m.index
	f.active = f.buckets[m.slot]
}

// MakeLocalRef stores o in the active slot and returns its handle. When the
// bucket is full a vacated entry is reused; failing that the bucket doubles
// up to the maximum size, after which a new slot is opened implicitly.
func (f *Frames) MakeLocalRef(o managed.Object) Handle {
	if o == nil {
		return 0
	}
	var i int
	if f.index < len(f.active) {
		i = f.index
		f.index++
	} else {
		i = f.findFreeIndex()
	}
	f.active[i] = o
	return makeLocal(f.gens[f.slot], f.slot, i)
}

func (f *Frames) findFreeIndex() int {
	for i, o := range f.active {
		if o == nil {
			return i
		}
	}
	if len(f.active) >= f.max {
		f.openSlot(f.slot + 1)
		f.index = 1
		return 0
	}
	grown := make([]managed.Object, len(f.active)*2)
	copy(grown, f.active)
	f.buckets[f.slot] = grown
	f.active = grown
	i := f.index
	f.index++
	return i
}

// UnwrapLocalRef returns the object named by a local handle. Handles from
// closed frames, out-of-range slots and deleted entries read as nil.
func (f *Frames) UnwrapLocalRef(h Handle) managed.Object {
	if h.Type() != Local {
		return nil
	}
	s, i := h.slot(), h.index()
	if s >= len(f.buckets) || s > f.slot || f.gens[s]&genMask != h.gen() {
		return nil
	}
	b := f.buckets[s]
	if i >= len(b) {
		return nil
	}
	return b[i]
}

// Stale reports whether h is a local handle whose frame has been closed
// since it was created.
func (f *Frames) Stale(h Handle) bool {
	if h.Type() != Local {
		return false
	}
	s := h.slot()
	return s >= len(f.buckets) || s > f.slot || f.gens[s]&genMask != h.gen()
}

// DeleteLocalRef vacates the entry named by h.
func (f *Frames) DeleteLocalRef(h Handle) {
	if f.UnwrapLocalRef(h) == nil {
		return
	}
	f.buckets[h.slot()][h.index()] = nil
}

// EnsureLocalCapacity grows the active bucket so at least n more handles
// fit without opening a new slot. Requests beyond the maximum bucket size
// still succeed because allocation spills into implicit slots.
func (f *Frames) EnsureLocalCapacity(n int) {
	need := f.index + n
	if need <= len(f.active) || len(f.active) >= f.max {
		return
	}
	size := len(f.active)
	for size < need && size < f.max {
		size *= 2
	}
	grown := make([]managed.Object, size)
	copy(grown, f.active)
	f.buckets[f.slot] = grown
	f.active = grown
}

// PushLocalFrame opens a nested frame bounded by a nil sentinel slot.
func (f *Frames) PushLocalFrame(capacity int) {
	mark := pushMark{slot: f.slot, index: f.index}
	sentinel := f.slot + 1
	f.openSlot(sentinel + 1)
	f.buckets[sentinel] = nil
	f.pushed = append(f.pushed, mark)
	if capacity > 0 {
		f.EnsureLocalCapacity(capacity)
	}
}

// PopLocalFrame closes the innermost pushed frame and returns result
// re-wrapped as a handle in the enclosing frame. Without an open pushed
// frame only the result is re-wrapped.
func (f *Frames) PopLocalFrame(result Handle, unwrap func(Handle) managed.Object) Handle {
	o := unwrap(result)
	if len(f.pushed) == 0 {
		return f.MakeLocalRef(o)
	}
	mark := f.pushed[len(f.pushed)-1]
	f.pushed = f.pushed[:len(f.pushed)-1]
	clear(f.active[:f.index])
	f.gens[f.slot]++
	for i := f.slot - 1; i > mark.slot; i-- {
		if b := f.buckets[i]; b != nil {
			clear(b)
			f.gens[i]++
		}
	}
	f.slot = mark.slot
	f.index = mark.index
	f.active = f.buckets[mark.slot]
	return f.MakeLocalRef(o)
}
