// Package pthread provides stub implementations for the pthread functions
// JNI libraries import. Native code runs on one emulated core at a time,
// so locks always succeed immediately.
package pthread

import (
	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/stubs"
)

func init() {
	for _, name := range []string{
		"pthread_mutex_init", "pthread_mutex_destroy", "pthread_mutex_lock",
		"pthread_mutex_trylock", "pthread_mutex_unlock",
		"pthread_mutexattr_init", "pthread_mutexattr_destroy", "pthread_mutexattr_settype",
		"pthread_rwlock_init", "pthread_rwlock_destroy", "pthread_rwlock_rdlock",
		"pthread_rwlock_wrlock", "pthread_rwlock_unlock",
		"pthread_cond_init", "pthread_cond_destroy", "pthread_cond_signal",
		"pthread_cond_broadcast",
	} {
		stubs.RegisterFunc("pthread", name, stubSucceed)
	}
	stubs.RegisterFunc("pthread", "pthread_cond_wait", stubCondWait, "pthread_cond_timedwait")
}

func stubSucceed(emu *emulator.Emulator) bool {
	return stubs.Return(emu, 0)
}

// stubCondWait cannot block: no other emulated thread could signal.
func stubCondWait(emu *emulator.Emulator) bool {
	stubs.Log(emu, "pthread", "pthread_cond_wait", stubs.FormatPtr("cond", emu.X(0))+" (would deadlock)")
	return true
}
