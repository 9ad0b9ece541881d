package libc

import (
	"sync"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "abort", stubAbort)
	stubs.RegisterFunc("libc", "exit", stubExit, "_exit", "_Exit")
	stubs.RegisterFunc("libc", "atexit", stubAtexit)
	stubs.RegisterFunc("libc", "__stack_chk_fail", stubStackChkFail)
	stubs.RegisterFunc("libc", "__errno", stubErrno)
	stubs.RegisterFunc("libc", "getpid", stubGetpid, "gettid")

	stubs.RegisterFunc("libc", "snprintf", stubSnprintf)
	stubs.RegisterFunc("libc", "vsnprintf", stubVsnprintf)
	stubs.RegisterFunc("libc", "printf", stubPrintf)
	stubs.RegisterFunc("libc", "puts", stubPuts)
}

// Stopping emulation leaves the current Call short of its return trap,
// which surfaces as an error to whoever entered native code.

func stubAbort(emu *emulator.Emulator) bool {
	stubs.Log(emu, "libc", "abort", "program aborted")
	return true
}

func stubExit(emu *emulator.Emulator) bool {
	stubs.Log(emu, "libc", "exit", stubs.FormatHex(emu.X(0)))
	return true
}

func stubStackChkFail(emu *emulator.Emulator) bool {
	stubs.Log(emu, "libc", "__stack_chk_fail", "stack smashing detected at "+stubs.FormatHex(emu.LR()))
	return true
}

func stubAtexit(emu *emulator.Emulator) bool {
	// Handlers never run: the process outlives the emulator.
	return stubs.Return(emu, 0)
}

var (
	errnoMu    sync.Mutex
	errnoSlots = make(map[*emulator.Emulator]uint64)
)

func stubErrno(emu *emulator.Emulator) bool {
	errnoMu.Lock()
	defer errnoMu.Unlock()
	p, ok := errnoSlots[emu]
	if !ok {
		var err error
		if p, err = emu.Malloc(8); err != nil {
			return stubs.Return(emu, 0)
		}
		errnoSlots[emu] = p
	}
	return stubs.Return(emu, p)
}

func stubGetpid(emu *emulator.Emulator) bool {
	return stubs.Return(emu, 1)
}

// writeTruncated stores s at buf as snprintf does and returns the untruncated
// length.
func writeTruncated(emu *emulator.Emulator, buf, size uint64, s string) uint64 {
	if buf != 0 && size > 0 {
		b := []byte(s)
		if uint64(len(b)) >= size {
			b = b[:size-1]
		}
		emu.MemWrite(buf, append(b, 0))
	}
	return uint64(len(s))
}

func stubSnprintf(emu *emulator.Emulator) bool {
	// int snprintf(char *str, size_t size, const char *format, ...)
	buf, size := emu.X(0), emu.X(1)
	format, _ := emu.MemReadString(emu.X(2), maxString)
	s := stubs.Sprintf(emu, format, stubs.NewRegArgs(emu, 3))
	stubs.Log(emu, "libc", "snprintf", s)
	return stubs.Return(emu, writeTruncated(emu, buf, size, s))
}

func stubVsnprintf(emu *emulator.Emulator) bool {
	// int vsnprintf(char *str, size_t size, const char *format, va_list ap)
	buf, size := emu.X(0), emu.X(1)
	format, _ := emu.MemReadString(emu.X(2), maxString)
	s := stubs.Sprintf(emu, format, stubs.NewVaListArgs(emu, emu.X(3)))
	stubs.Log(emu, "libc", "vsnprintf", s)
	return stubs.Return(emu, writeTruncated(emu, buf, size, s))
}

func stubPrintf(emu *emulator.Emulator) bool {
	format, _ := emu.MemReadString(emu.X(0), maxString)
	s := stubs.Sprintf(emu, format, stubs.NewRegArgs(emu, 1))
	stubs.Log(emu, "libc", "printf", s)
	return stubs.Return(emu, uint64(len(s)))
}

func stubPuts(emu *emulator.Emulator) bool {
	s := cstring(emu, emu.X(0))
	stubs.Log(emu, "libc", "puts", string(s))
	return stubs.Return(emu, uint64(len(s)+1))
}
