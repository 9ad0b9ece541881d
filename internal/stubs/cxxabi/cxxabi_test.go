package cxxabi

import (
	"testing"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/stubs"
)

func newEmulator(t *testing.T) *emulator.Emulator {
	t.Helper()
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return emu
}

func TestAtexitAndFinalize(t *testing.T) {
	emu := newEmulator(t)
	atexit := uint64(emulator.ImportStubs)
	emu.MemWrite(atexit, []byte{0xc0, 0x03, 0x5f, 0xd6})
	stubs.DefaultRegistry.Install(emu, map[string]uint64{"__cxa_atexit": atexit}, nil)
	t.Cleanup(func() { stubs.DefaultRegistry.Forget(emu) })

	// dtor(arg) stores arg into itself: STR X0, [X0]; RET
	dtor := uint64(emulator.CodeBase)
	emu.MemWrite(dtor, []byte{0x00, 0x00, 0x00, 0xf9, 0xc0, 0x03, 0x5f, 0xd6})

	var cells []uint64
	for i := 0; i < 3; i++ {
		cell, err := emu.Malloc(8)
		if err != nil {
			t.Fatal(err)
		}
		cells = append(cells, cell)
		dso := uint64(0x1000)
		if i == 2 {
			dso = 0x2000
		}
		if _, err := emu.Call(atexit, emulator.Int(dtor), emulator.Int(cell), emulator.Int(dso)); err != nil {
			t.Fatal(err)
		}
	}

	n := Finalize(emu, func(dso uint64) bool { return dso == 0x1000 })
	if n != 2 {
		t.Fatalf("Finalize ran %d handlers, want 2", n)
	}
	for i, cell := range cells {
		v, _ := emu.MemReadU64(cell)
		if ran := v == cell; ran != (i < 2) {
			t.Errorf("handler %d ran = %v", i, ran)
		}
	}
	if Finalize(emu, func(dso uint64) bool { return dso == 0x1000 }) != 0 {
		t.Error("handlers ran twice")
	}
}

func TestGuards(t *testing.T) {
	emu := newEmulator(t)
	acquire := uint64(emulator.ImportStubs)
	release := acquire + 16
	for _, a := range []uint64{acquire, release} {
		emu.MemWrite(a, []byte{0xc0, 0x03, 0x5f, 0xd6})
	}
	stubs.DefaultRegistry.Install(emu, map[string]uint64{
		"__cxa_guard_acquire": acquire,
		"__cxa_guard_release": release,
	}, nil)
	t.Cleanup(func() { stubs.DefaultRegistry.Forget(emu) })

	guard, _ := emu.Malloc(8)
	res, _ := emu.Call(acquire, emulator.Int(guard))
	if res.X0 != 1 {
		t.Fatalf("first acquire = %d, want 1", res.X0)
	}
	emu.Call(release, emulator.Int(guard))
	res, _ = emu.Call(acquire, emulator.Int(guard))
	if res.X0 != 0 {
		t.Fatalf("acquire after release = %d, want 0", res.X0)
	}
}
