package libc

import (
	"bytes"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/stubs"
)

// maxString bounds C strings read by the string stubs.
const maxString = 1 << 16

// maxCopy bounds memcpy-style operations.
const maxCopy = 1 << 24

func init() {
	stubs.RegisterFunc("libc", "strlen", stubStrlen)
	stubs.RegisterFunc("libc", "memcpy", stubMemmove, "__memcpy_chk")
	stubs.RegisterFunc("libc", "memmove", stubMemmove, "__memmove_chk")
	stubs.RegisterFunc("libc", "memset", stubMemset, "__memset_chk")
	stubs.RegisterFunc("libc", "memcmp", stubMemcmp)
	stubs.RegisterFunc("libc", "strcmp", stubStrcmp)
	stubs.RegisterFunc("libc", "strncmp", stubStrncmp)
	stubs.RegisterFunc("libc", "strcpy", stubStrcpy, "__strcpy_chk")
	stubs.RegisterFunc("libc", "strncpy", stubStrncpy)
	stubs.RegisterFunc("libc", "strcat", stubStrcat)
	stubs.RegisterFunc("libc", "strchr", stubStrchr)
	stubs.RegisterFunc("libc", "strrchr", stubStrrchr)
	stubs.RegisterFunc("libc", "strstr", stubStrstr)
	stubs.RegisterFunc("libc", "strdup", stubStrdup)
}

func cstring(emu *emulator.Emulator, addr uint64) []byte {
	if addr == 0 {
		return nil
	}
	b, _ := emu.MemReadCString(addr, maxString)
	return b
}

func sign(v int) uint64 {
	return uint64(int64(v))
}

func stubStrlen(emu *emulator.Emulator) bool {
	n := uint64(len(cstring(emu, emu.X(0))))
	stubs.Log(emu, "libc", "strlen", stubs.FormatPtr("len", n))
	return stubs.Return(emu, n)
}

// stubMemmove serves memcpy as well; overlapping copies are safe either way
// since the source is read in full first.
func stubMemmove(emu *emulator.Emulator) bool {
	dest, src, n := emu.X(0), emu.X(1), emu.X(2)
	if n > 0 && n <= maxCopy {
		if data, err := emu.MemRead(src, n); err == nil {
			emu.MemWrite(dest, data)
		}
	}
	stubs.Log(emu, "libc", "memcpy", formatMemop(dest, src, n))
	return stubs.Return(emu, dest)
}

func stubMemset(emu *emulator.Emulator) bool {
	dest, c, n := emu.X(0), byte(emu.X(1)), emu.X(2)
	if n > 0 && n <= maxCopy {
		emu.MemWrite(dest, bytes.Repeat([]byte{c}, int(n)))
	}
	stubs.Log(emu, "libc", "memset", stubs.FormatPtrPair("dest", dest, "n", n))
	return stubs.Return(emu, dest)
}

func stubMemcmp(emu *emulator.Emulator) bool {
	n := emu.X(2)
	if n == 0 || n > maxCopy {
		return stubs.Return(emu, 0)
	}
	s1, _ := emu.MemRead(emu.X(0), n)
	s2, _ := emu.MemRead(emu.X(1), n)
	return stubs.Return(emu, sign(bytes.Compare(s1, s2)))
}

func stubStrcmp(emu *emulator.Emulator) bool {
	s1 := cstring(emu, emu.X(0))
	s2 := cstring(emu, emu.X(1))
	return stubs.Return(emu, sign(bytes.Compare(s1, s2)))
}

func stubStrncmp(emu *emulator.Emulator) bool {
	n := int(emu.X(2))
	s1, _ := emu.MemReadCString(emu.X(0), n)
	s2, _ := emu.MemReadCString(emu.X(1), n)
	return stubs.Return(emu, sign(bytes.Compare(s1, s2)))
}

func stubStrcpy(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	emu.MemWrite(dest, append(cstring(emu, emu.X(1)), 0))
	return stubs.Return(emu, dest)
}

func stubStrncpy(emu *emulator.Emulator) bool {
	dest, n := emu.X(0), emu.X(2)
	if n == 0 || n > maxCopy {
		return stubs.Return(emu, dest)
	}
	src, _ := emu.MemReadCString(emu.X(1), int(n))
	data := make([]byte, n) // zero padded
	copy(data, src)
	emu.MemWrite(dest, data)
	return stubs.Return(emu, dest)
}

func stubStrcat(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	end := dest + uint64(len(cstring(emu, dest)))
	emu.MemWrite(end, append(cstring(emu, emu.X(1)), 0))
	return stubs.Return(emu, dest)
}

func stubStrchr(emu *emulator.Emulator) bool {
	addr, c := emu.X(0), byte(emu.X(1))
	s := cstring(emu, addr)
	if c == 0 {
		return stubs.Return(emu, addr+uint64(len(s)))
	}
	if i := bytes.IndexByte(s, c); i >= 0 {
		return stubs.Return(emu, addr+uint64(i))
	}
	return stubs.Return(emu, 0)
}

func stubStrrchr(emu *emulator.Emulator) bool {
	addr, c := emu.X(0), byte(emu.X(1))
	s := cstring(emu, addr)
	if c == 0 {
		return stubs.Return(emu, addr+uint64(len(s)))
	}
	if i := bytes.LastIndexByte(s, c); i >= 0 {
		return stubs.Return(emu, addr+uint64(i))
	}
	return stubs.Return(emu, 0)
}

func stubStrstr(emu *emulator.Emulator) bool {
	addr := emu.X(0)
	if i := bytes.Index(cstring(emu, addr), cstring(emu, emu.X(1))); i >= 0 {
		return stubs.Return(emu, addr+uint64(i))
	}
	return stubs.Return(emu, 0)
}

func stubStrdup(emu *emulator.Emulator) bool {
	s := append(cstring(emu, emu.X(0)), 0)
	ptr, err := emu.Malloc(uint64(len(s)))
	if err != nil {
		return stubs.Return(emu, 0)
	}
	emu.MemWrite(ptr, s)
	stubs.Log(emu, "libc", "strdup", stubs.FormatPtr("->", ptr))
	return stubs.Return(emu, ptr)
}

func formatMemop(dest, src, n uint64) string {
	return "dst=" + stubs.FormatHex(dest) + " src=" + stubs.FormatHex(src) + " n=" + stubs.FormatHex(n)
}
