// Package libc provides stub implementations for the libc functions JNI
// libraries import. Allocation goes to the emulator heap so blocks
// are shared with the JNI bridge's native buffers.
package libc

import (
	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/stubs"
)

func init() {
	stubs.Register(stubs.StubDef{Name: "malloc", Hook: stubMalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "calloc", Hook: stubCalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "realloc", Hook: stubRealloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "free", Hook: stubFree, Category: "libc"})
	stubs.Register(stubs.StubDef{
		Name:     "posix_memalign",
		Hook:     stubPosixMemalign,
		Category: "libc",
	})

	stubs.Register(stubs.StubDef{Name: "getpagesize", Hook: stubGetPageSize, Category: "libc"})

	// C++ operator new/delete
	stubs.Register(stubs.StubDef{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_ZnwmRKSt9nothrow_t", "_ZnamRKSt9nothrow_t"},
		Hook:     stubNew,
		Category: "libc",
	})
	stubs.Register(stubs.StubDef{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Hook:     stubDelete,
		Category: "libc",
	})
}

func alloc(emu *emulator.Emulator, name string, size uint64) bool {
	ptr, err := emu.Malloc(size)
	if err != nil {
		stubs.Log(emu, "libc", name, stubs.FormatPtr("size", size)+" -> "+err.Error())
		return stubs.Return(emu, 0)
	}
	stubs.Log(emu, "libc", name, stubs.FormatPtrPair("size", size, "->", ptr))
	return stubs.Return(emu, ptr)
}

func stubMalloc(emu *emulator.Emulator) bool {
	return alloc(emu, "malloc", emu.X(0))
}

func stubCalloc(emu *emulator.Emulator) bool {
	count, size := emu.X(0), emu.X(1)
	if size != 0 && count > ^uint64(0)/size {
		return stubs.Return(emu, 0)
	}
	return alloc(emu, "calloc", count*size)
}

func stubRealloc(emu *emulator.Emulator) bool {
	// void *realloc(void *ptr, size_t size)
	old, size := emu.X(0), emu.X(1)
	if old == 0 {
		return alloc(emu, "realloc", size)
	}
	if size == 0 {
		emu.Free(old)
		stubs.Log(emu, "libc", "realloc", stubs.FormatPtr("free", old))
		return stubs.Return(emu, 0)
	}
	ptr, err := emu.Malloc(size)
	if err != nil {
		return stubs.Return(emu, 0)
	}
	if n := min(emu.BlockSize(old), size); n > 0 {
		if data, err := emu.MemRead(old, n); err == nil {
			emu.MemWrite(ptr, data)
		}
	}
	emu.Free(old)
	stubs.Log(emu, "libc", "realloc", stubs.FormatPtrPair("old", old, "->", ptr))
	return stubs.Return(emu, ptr)
}

func stubFree(emu *emulator.Emulator) bool {
	ptr := emu.X(0)
	emu.Free(ptr)
	stubs.Log(emu, "libc", "free", stubs.FormatHex(ptr))
	stubs.ReturnFromStub(emu)
	return false
}

func stubPosixMemalign(emu *emulator.Emulator) bool {
	// int posix_memalign(void **memptr, size_t alignment, size_t size)
	out, align, size := emu.X(0), emu.X(1), emu.X(2)
	if align > 16 {
		size += align
	}
	ptr, err := emu.Malloc(size)
	if err != nil {
		return stubs.Return(emu, 12) // ENOMEM
	}
	// Over-aligned blocks are leaked: the aligned address is not a heap
	// block Free knows about.
	if align > 16 {
		ptr = (ptr + align - 1) &^ (align - 1)
	}
	emu.MemWriteU64(out, ptr)
	stubs.Log(emu, "libc", "posix_memalign", stubs.FormatPtrPair("size", size, "->", ptr))
	return stubs.Return(emu, 0)
}

func stubNew(emu *emulator.Emulator) bool {
	return alloc(emu, "new", emu.X(0))
}

func stubDelete(emu *emulator.Emulator) bool {
	emu.Free(emu.X(0))
	stubs.Log(emu, "libc", "delete", stubs.FormatHex(emu.X(0)))
	stubs.ReturnFromStub(emu)
	return false
}

func stubGetPageSize(emu *emulator.Emulator) bool {
	stubs.Log(emu, "libc", "getpagesize", "-> 4096")
	return stubs.Return(emu, 4096)
}
