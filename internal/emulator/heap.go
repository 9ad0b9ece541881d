package emulator

import "sync"

// heap is a bump allocator over the heap region with exact-size free
// lists. Blocks are 16-byte aligned.
type heap struct {
	mu     sync.Mutex
	base   uint64
	limit  uint64
	next   uint64
	blocks map[uint64]uint64   // addr -> rounded size
	spare  map[uint64][]uint64 // rounded size -> addrs
}

func newHeap(base, size uint64) heap {
	return heap{
		base:   base,
		limit:  base + size,
		next:   base,
		blocks: make(map[uint64]uint64),
		spare:  make(map[uint64][]uint64),
	}
}

func (h *heap) alloc(size uint64) (addr, n uint64, err error) {
	if size == 0 {
		size = 16
	}
	n = (size + 15) &^ 15
	h.mu.Lock()
	defer h.mu.Unlock()
	if list := h.spare[n]; len(list) > 0 {
		addr = list[len(list)-1]
		h.spare[n] = list[:len(list)-1]
		h.blocks[addr] = n
		return addr, n, nil
	}
	if n > h.limit-h.next {
		return 0, 0, ErrHeapExhausted
	}
	addr = h.next
	h.next += n
	h.blocks[addr] = n
	return addr, n, nil
}

func (h *heap) free(addr uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.blocks[addr]
	if !ok {
		return
	}
	delete(h.blocks, addr)
	h.spare[n] = append(h.spare[n], addr)
}

func (h *heap) size(addr uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blocks[addr]
}

func (h *heap) live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blocks)
}
