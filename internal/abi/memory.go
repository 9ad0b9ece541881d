package abi

import (
	"fmt"
	"sync"

	"github.com/zboralski/jnivm/internal/emulator"
)

// Memory is a nativemem.Allocator over the emulator heap, so buffers handed
// to native code are addressable by it. It is also a nativemem.Pinner:
// managed memory cannot be mapped into the emulator in place, so a pinned
// slice gets a stable heap view that is written back on Sync and Unpin.
type Memory struct {
	emu *emulator.Emulator

	mu     sync.Mutex
	pinned map[uint64][]byte
}

// NewMemory returns an allocator over emu's heap.
func NewMemory(emu *emulator.Emulator) *Memory {
	return &Memory{emu: emu, pinned: make(map[uint64][]byte)}
}

// Alloc returns a zeroed block of size bytes.
func (m *Memory) Alloc(size int) (uint64, error) {
	if size < 0 {
		return 0, fmt.Errorf("alloc: negative size %d", size)
	}
	return m.emu.Malloc(uint64(size))
}

// Free releases a block returned by Alloc. Unknown addresses are ignored.
func (m *Memory) Free(addr uint64) { m.emu.Free(addr) }

func (m *Memory) Write(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return m.emu.MemWrite(addr, p)
}

func (m *Memory) Read(addr uint64, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	return m.emu.MemRead(addr, uint64(n))
}

// Pin places b in the emulator heap and returns the view's address.
func (m *Memory) Pin(b []byte) (uint64, error) {
	addr, err := m.emu.Malloc(uint64(len(b)))
	if err != nil {
		return 0, err
	}
	if err := m.Write(addr, b); err != nil {
		m.emu.Free(addr)
		return 0, err
	}
	m.mu.Lock()
	m.pinned[addr] = b
	m.mu.Unlock()
	return addr, nil
}

// Sync copies native writes to a pinned view back into its slice.
func (m *Memory) Sync(addr uint64) error {
	m.mu.Lock()
	b, ok := m.pinned[addr]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("sync: 0x%x is not pinned", addr)
	}
	data, err := m.Read(addr, len(b))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Unpin writes the view back and releases it.
func (m *Memory) Unpin(addr uint64) {
	if err := m.Sync(addr); err != nil {
		return
	}
	m.mu.Lock()
	delete(m.pinned, addr)
	m.mu.Unlock()
	m.emu.Free(addr)
}

// Pinned returns how many views are live.
func (m *Memory) Pinned() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pinned)
}
