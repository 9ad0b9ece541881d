package pthread

import (
	"sync"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/stubs"
)

// mainThread is the pthread_t reported by pthread_self.
const mainThread = 0x1000

// tls is the pthread key state of one emulator.
type tls struct {
	next   uint64
	values map[uint64]uint64 // key -> value
}

var (
	tlsMu sync.Mutex
	tlsOf = make(map[*emulator.Emulator]*tls)
)

func init() {
	stubs.RegisterFunc("pthread", "pthread_key_create", stubKeyCreate)
	stubs.RegisterFunc("pthread", "pthread_key_delete", stubKeyDelete)
	stubs.RegisterFunc("pthread", "pthread_setspecific", stubSetspecific)
	stubs.RegisterFunc("pthread", "pthread_getspecific", stubGetspecific)
	stubs.RegisterFunc("pthread", "pthread_once", stubOnce)
	stubs.RegisterFunc("pthread", "pthread_self", stubSelf)
	stubs.RegisterFunc("pthread", "pthread_equal", stubEqual)
}

func state(emu *emulator.Emulator) *tls {
	t := tlsOf[emu]
	if t == nil {
		t = &tls{values: make(map[uint64]uint64)}
		tlsOf[emu] = t
	}
	return t
}

func stubKeyCreate(emu *emulator.Emulator) bool {
	// int pthread_key_create(pthread_key_t *key, void (*destructor)(void*))
	tlsMu.Lock()
	t := state(emu)
	key := t.next
	t.next++
	tlsMu.Unlock()

	if keyPtr := emu.X(0); keyPtr != 0 {
		emu.MemWriteU32(keyPtr, uint32(key))
	}
	return stubs.Return(emu, 0)
}

func stubKeyDelete(emu *emulator.Emulator) bool {
	tlsMu.Lock()
	delete(state(emu).values, uint64(uint32(emu.X(0))))
	tlsMu.Unlock()
	return stubs.Return(emu, 0)
}

func stubSetspecific(emu *emulator.Emulator) bool {
	tlsMu.Lock()
	state(emu).values[uint64(uint32(emu.X(0)))] = emu.X(1)
	tlsMu.Unlock()
	return stubs.Return(emu, 0)
}

func stubGetspecific(emu *emulator.Emulator) bool {
	tlsMu.Lock()
	value := state(emu).values[uint64(uint32(emu.X(0)))]
	tlsMu.Unlock()
	return stubs.Return(emu, value)
}

// stubOnce runs the init routine on first use of the once control, which
// bionic keeps as a 32-bit word.
func stubOnce(emu *emulator.Emulator) bool {
	// int pthread_once(pthread_once_t *once_control, void (*init_routine)(void))
	control, routine := emu.X(0), emu.X(1)
	done, err := emu.MemReadU32(control)
	if err != nil {
		return stubs.Return(emu, 22) // EINVAL
	}
	if done == 0 {
		emu.MemWriteU32(control, 1)
		stubs.Log(emu, "pthread", "pthread_once", stubs.FormatPtr("init_routine", routine))
		if _, err := emu.Call(routine); err != nil {
			stubs.Log(emu, "pthread", "pthread_once", err.Error())
		}
	}
	return stubs.Return(emu, 0)
}

func stubSelf(emu *emulator.Emulator) bool {
	return stubs.Return(emu, mainThread)
}

func stubEqual(emu *emulator.Emulator) bool {
	if emu.X(0) == emu.X(1) {
		return stubs.Return(emu, 1)
	}
	return stubs.Return(emu, 0)
}
