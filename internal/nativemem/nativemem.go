// Package nativemem allocates the native buffers handed across the JNI
// boundary: string copies, array element copies and pinned views.
package nativemem

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"
)

// ErrExhausted is returned when an allocator has no memory left.
var ErrExhausted = errors.New("nativemem: exhausted")

// Allocator manages native memory addressed by integers. Buffers are
// filled and read back through the allocator so the same bridge code works
// against host memory and emulated memory.
type Allocator interface {
	Alloc(size int) (uint64, error)
	Free(addr uint64)
	Write(addr uint64, p []byte) error
	Read(addr uint64, n int) ([]byte, error)
}

// Pinner is implemented by allocators that can expose managed memory
// directly at a native address without copying.
type Pinner interface {
	Pin(b []byte) (uint64, error)
	Unpin(addr uint64)
}

// Syncer is implemented by pinners whose pinned views live apart from the
// pinned slice. Sync makes native writes visible in the slice.
type Syncer interface {
	Sync(addr uint64) error
}

// DefaultHeapBase is where Heap starts handing out addresses.
const DefaultHeapBase = 0x7f00_0000_0000

const minClass = 4 // 16 bytes

// Heap is an Allocator over Go memory. Addresses are synthetic; each block
// is a Go slice mapped at a unique address range. Freed blocks go to
// per-size-class free lists and are reused by later allocations of the same
// class. Pinned slices are mapped in place.
type Heap struct {
	mu     sync.Mutex
	next   uint64
	limit  uint64
	used   uint64
	blocks map[uint64]*block
	bases  []uint64 // sorted
	free   map[int][]uint64
}

type block struct {
	base   uint64
	data   []byte
	class  int
	pinned bool
}

// NewHeap creates a heap that fails once limit bytes are in use. A zero
// limit means 1 GiB.
func NewHeap(limit uint64) *Heap {
	if limit == 0 {
		limit = 1 << 30
	}
	return &Heap{
		next:   DefaultHeapBase,
		limit:  limit,
		blocks: make(map[uint64]*block),
		free:   make(map[int][]uint64),
	}
}

func sizeClass(size int) int {
	if size <= 1<<minClass {
		return minClass
	}
	return bits.Len(uint(size - 1))
}

// Alloc returns a zeroed block of at least size bytes.
func (h *Heap) Alloc(size int) (uint64, error) {
	if size < 0 {
		return 0, fmt.Errorf("nativemem: negative size %d", size)
	}
	class := sizeClass(size)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.used+uint64(1)<<class > h.limit {
		return 0, ErrExhausted
	}
	h.used += uint64(1) << class
	if list := h.free[class]; len(list) > 0 {
		addr := list[len(list)-1]
		h.free[class] = list[:len(list)-1]
		b := &block{base: addr, data: make([]byte, 1<<class), class: class}
		h.insert(b)
		return addr, nil
	}
	b := &block{base: h.next, data: make([]byte, 1<<class), class: class}
	h.next += uint64(1) << class
	h.insert(b)
	return b.base, nil
}

// Free releases a block returned by Alloc. Unknown addresses are ignored.
func (h *Heap) Free(addr uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.blocks[addr]
	if b == nil || b.pinned {
		return
	}
	h.remove(b)
	h.used -= uint64(1) << b.class
	h.free[b.class] = append(h.free[b.class], addr)
}

// Pin maps p at a fresh address range. Writes through the address land in
// p itself.
func (h *Heap) Pin(p []byte) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	size := max(len(p), 1)
	b := &block{base: h.next, data: p, class: sizeClass(size), pinned: true}
	h.next += uint64(1) << b.class
	h.insert(b)
	return b.base, nil
}

// Unpin removes a mapping created by Pin.
func (h *Heap) Unpin(addr uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b := h.blocks[addr]; b != nil && b.pinned {
		h.remove(b)
	}
}

// Write copies p to addr. The range must lie inside one block.
func (h *Heap) Write(addr uint64, p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dst, err := h.slice(addr, len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// Read copies n bytes from addr.
func (h *Heap) Read(addr uint64, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	src, err := h.slice(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), src...), nil
}

// Live returns the number of allocated and pinned blocks.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blocks)
}

func (h *Heap) slice(addr uint64, n int) ([]byte, error) {
	i := sort.Search(len(h.bases), func(i int) bool { return h.bases[i] > addr }) - 1
	if i < 0 {
		return nil, fmt.Errorf("nativemem: unmapped address 0x%x", addr)
	}
	b := h.blocks[h.bases[i]]
	off := addr - b.base
	if off+uint64(n) > uint64(len(b.data)) {
		return nil, fmt.Errorf("nativemem: access 0x%x+%d outside block 0x%x+%d", addr, n, b.base, len(b.data))
	}
	return b.data[off : off+uint64(n)], nil
}

func (h *Heap) insert(b *block) {
	h.blocks[b.base] = b
	i := sort.Search(len(h.bases), func(i int) bool { return h.bases[i] >= b.base })
	h.bases = append(h.bases, 0)
	copy(h.bases[i+1:], h.bases[i:])
	h.bases[i] = b.base
}

func (h *Heap) remove(b *block) {
	delete(h.blocks, b.base)
	i := sort.Search(len(h.bases), func(i int) bool { return h.bases[i] >= b.base })
	if i < len(h.bases) && h.bases[i] == b.base {
		h.bases = append(h.bases[:i], h.bases[i+1:]...)
	}
}

// WriteCString writes s followed by a NUL into a new block.
func WriteCString(a Allocator, s []byte) (uint64, error) {
	addr, err := a.Alloc(len(s) + 1)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	if err := a.Write(addr, buf); err != nil {
		a.Free(addr)
		return 0, err
	}
	return addr, nil
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func ReadCString(a Allocator, addr uint64, max int) ([]byte, error) {
	var out []byte
	for len(out) < max {
		chunk := min(64, max-len(out))
		b, err := a.Read(addr+uint64(len(out)), chunk)
		if err != nil {
			// Retry byte-wise near the end of a block.
			b, err = a.Read(addr+uint64(len(out)), 1)
			if err != nil {
				return nil, err
			}
		}
		for i, c := range b {
			if c == 0 {
				return append(out, b[:i]...), nil
			}
		}
		out = append(out, b...)
	}
	return out, nil
}
