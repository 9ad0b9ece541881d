// Package android provides stub implementations for the Android liblog
// functions JNI libraries import. Messages are formatted and reported
// through the stub trace.
package android

import (
	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/stubs"
)

const maxMessage = 4096

func init() {
	stubs.RegisterFunc("android", "__android_log_print", stubAndroidLogPrint)
	stubs.RegisterFunc("android", "__android_log_write", stubAndroidLogWrite)
	stubs.RegisterFunc("android", "__android_log_vprint", stubAndroidLogVprint)
	stubs.RegisterFunc("android", "__android_log_assert", stubAndroidLogAssert)
}

var priorities = [...]string{"?", "?", "V", "D", "I", "W", "E", "F", "S"}

// Priority returns the logcat letter of an android_LogPriority value.
func Priority(prio uint64) string {
	if prio < uint64(len(priorities)) {
		return priorities[prio]
	}
	return "?"
}

func report(emu *emulator.Emulator, name string, prio uint64, tagPtr uint64, msg string) {
	tag, _ := emu.MemReadString(tagPtr, 64)
	stubs.Log(emu, "android", name, Priority(prio)+"/"+tag+": "+msg)
}

func stubAndroidLogPrint(emu *emulator.Emulator) bool {
	// int __android_log_print(int prio, const char *tag, const char *fmt, ...)
	format, _ := emu.MemReadString(emu.X(2), maxMessage)
	msg := stubs.Sprintf(emu, format, stubs.NewRegArgs(emu, 3))
	report(emu, "__android_log_print", emu.X(0), emu.X(1), msg)
	return stubs.Return(emu, uint64(len(msg)))
}

func stubAndroidLogWrite(emu *emulator.Emulator) bool {
	// int __android_log_write(int prio, const char *tag, const char *text)
	text, _ := emu.MemReadString(emu.X(2), maxMessage)
	report(emu, "__android_log_write", emu.X(0), emu.X(1), text)
	return stubs.Return(emu, uint64(len(text)))
}

func stubAndroidLogVprint(emu *emulator.Emulator) bool {
	// int __android_log_vprint(int prio, const char *tag, const char *fmt, va_list ap)
	format, _ := emu.MemReadString(emu.X(2), maxMessage)
	msg := stubs.Sprintf(emu, format, stubs.NewVaListArgs(emu, emu.X(3)))
	report(emu, "__android_log_vprint", emu.X(0), emu.X(1), msg)
	return stubs.Return(emu, uint64(len(msg)))
}

func stubAndroidLogAssert(emu *emulator.Emulator) bool {
	// void __android_log_assert(const char *cond, const char *tag, const char *fmt, ...)
	format, _ := emu.MemReadString(emu.X(2), maxMessage)
	msg := stubs.Sprintf(emu, format, stubs.NewRegArgs(emu, 3))
	cond, _ := emu.MemReadString(emu.X(0), 256)
	report(emu, "__android_log_assert", 7, emu.X(1), cond+": "+msg)
	return true
}
