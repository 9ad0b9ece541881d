package emulator

import (
	"math"
	"testing"
)

// ARM64 test code: MOV X0, #5; MOV X1, #3; ADD X2, X0, X1; RET
var addTestCode = []byte{
	0xa0, 0x00, 0x80, 0xd2, // MOV X0, #5
	0x61, 0x00, 0x80, 0xd2, // MOV X1, #3
	0x02, 0x00, 0x01, 0x8b, // ADD X2, X0, X1
	0xc0, 0x03, 0x5f, 0xd6, // RET
}

var (
	addX0X1   = []byte{0x00, 0x00, 0x01, 0x8b, 0xc0, 0x03, 0x5f, 0xd6} // ADD X0, X0, X1; RET
	doubleX0  = []byte{0x00, 0x00, 0x00, 0x8b, 0xc0, 0x03, 0x5f, 0xd6} // ADD X0, X0, X0; RET
	loadStack = []byte{0xe0, 0x03, 0x40, 0xf9, 0xc0, 0x03, 0x5f, 0xd6} // LDR X0, [SP]; RET
	faddD0D1  = []byte{0x00, 0x28, 0x61, 0x1e, 0xc0, 0x03, 0x5f, 0xd6} // FADD D0, D0, D1; RET
)

func newEmulator(t *testing.T) *Emulator {
	t.Helper()
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return emu
}

func place(t *testing.T, emu *Emulator, off uint64, code []byte) uint64 {
	t.Helper()
	addr := uint64(CodeBase) + off
	if err := emu.MemWrite(addr, code); err != nil {
		t.Fatalf("write code at 0x%x: %v", addr, err)
	}
	return addr
}

func TestEmulatorBasic(t *testing.T) {
	emu := newEmulator(t)

	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}
	endAddr := CodeBase + uint64(len(addTestCode)) - 4
	if err := emu.Run(CodeBase, endAddr); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if x2 := emu.X(2); x2 != 8 {
		t.Errorf("Expected X2=8, got X2=%d", x2)
	}
	if emu.X(0) != 5 {
		t.Errorf("Expected X0=5, got X0=%d", emu.X(0))
	}
	if emu.X(1) != 3 {
		t.Errorf("Expected X1=3, got X1=%d", emu.X(1))
	}
}

func TestRegisters(t *testing.T) {
	emu := newEmulator(t)
	for _, n := range []int{0, 7, 28, 29, 30} {
		if err := emu.SetX(n, uint64(n)+100); err != nil {
			t.Fatalf("SetX(%d): %v", n, err)
		}
		if got := emu.X(n); got != uint64(n)+100 {
			t.Errorf("X%d = %d, want %d", n, got, n+100)
		}
	}
	if emu.LR() != 130 {
		t.Errorf("LR = %d, want X30", emu.LR())
	}
	if err := emu.SetX(31, 1); err == nil {
		t.Error("SetX(31) succeeded")
	}
	bits := math.Float64bits(2.5)
	if err := emu.SetD(3, bits); err != nil {
		t.Fatalf("SetD: %v", err)
	}
	if emu.D(3) != bits {
		t.Errorf("D3 = 0x%x, want 0x%x", emu.D(3), bits)
	}
}

func TestMemoryOperations(t *testing.T) {
	emu := newEmulator(t)

	addr := uint64(HeapBase)
	val := uint64(0x123456789ABCDEF0)
	if err := emu.MemWriteU64(addr, val); err != nil {
		t.Fatalf("Failed to write U64: %v", err)
	}
	readVal, err := emu.MemReadU64(addr)
	if err != nil {
		t.Fatalf("Failed to read U64: %v", err)
	}
	if readVal != val {
		t.Errorf("U64 mismatch: wrote 0x%x, read 0x%x", val, readVal)
	}

	strAddr, err := emu.Malloc(64)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	testStr := "Hello, jnivm!"
	if err := emu.MemWriteString(strAddr, testStr); err != nil {
		t.Fatalf("Failed to write string: %v", err)
	}
	readStr, err := emu.MemReadString(strAddr, 64)
	if err != nil {
		t.Fatalf("Failed to read string: %v", err)
	}
	if readStr != testStr {
		t.Errorf("String mismatch: wrote %q, read %q", testStr, readStr)
	}

	// A string running into the end of a mapping is cut there.
	end := uint64(TLSBase + TLSSize - 3)
	emu.MemWrite(end, []byte("abc"))
	got, err := emu.MemReadString(end, 64)
	if err == nil || got != "abc" {
		t.Errorf("read across mapping end = %q, %v", got, err)
	}
}

func TestMalloc(t *testing.T) {
	emu := newEmulator(t)

	addr1, _ := emu.Malloc(100)
	addr2, _ := emu.Malloc(200)
	addr3, _ := emu.Malloc(50)

	for i, a := range []uint64{addr1, addr2, addr3} {
		if a%16 != 0 {
			t.Errorf("addr%d not 16-byte aligned: 0x%x", i+1, a)
		}
	}
	if addr2 < addr1+112 {
		t.Errorf("addr2 overlaps addr1")
	}
	if addr3 < addr2+208 {
		t.Errorf("addr3 overlaps addr2")
	}
	if emu.BlockSize(addr1) != 112 {
		t.Errorf("BlockSize = %d, want 112", emu.BlockSize(addr1))
	}
	if emu.HeapInUse() != 3 {
		t.Errorf("HeapInUse = %d, want 3", emu.HeapInUse())
	}
}

func TestFreeReusesBlocks(t *testing.T) {
	emu := newEmulator(t)

	a, _ := emu.Malloc(40)
	emu.MemWrite(a, []byte{1, 2, 3, 4})
	emu.Free(a)
	emu.Free(a) // double free is ignored
	if emu.HeapInUse() != 0 {
		t.Fatalf("HeapInUse = %d after free", emu.HeapInUse())
	}
	b, _ := emu.Malloc(48)
	if b != a {
		t.Errorf("same-size allocation got 0x%x, want reused 0x%x", b, a)
	}
	data, _ := emu.MemRead(b, 4)
	for _, c := range data {
		if c != 0 {
			t.Fatalf("reused block not zeroed: %v", data)
		}
	}
	c, _ := emu.Malloc(48)
	if c == a {
		t.Error("live block handed out twice")
	}
}

func TestAddressHook(t *testing.T) {
	emu := newEmulator(t)
	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	hookCalled := false
	emu.HookAddress(CodeBase+4, func(e *Emulator) bool {
		hookCalled = true
		return false
	})
	endAddr := CodeBase + uint64(len(addTestCode)) - 4
	_ = emu.Run(CodeBase, endAddr)
	if !hookCalled {
		t.Error("Address hook was not called")
	}

	emu.RemoveAddressHook(CodeBase + 4)
	hookCalled = false
	_ = emu.Run(CodeBase, endAddr)
	if hookCalled {
		t.Error("removed hook was called")
	}
}

func TestCodeHook(t *testing.T) {
	emu := newEmulator(t)
	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	instrCount := 0
	emu.HookCode(func(e *Emulator, addr uint64, size uint32) {
		instrCount++
	})
	endAddr := CodeBase + uint64(len(addTestCode)) - 4
	_ = emu.Run(CodeBase, endAddr)

	if instrCount != 3 {
		t.Errorf("Expected 3 instructions, got %d", instrCount)
	}
}

func TestCall(t *testing.T) {
	emu := newEmulator(t)
	fn := place(t, emu, 0, addX0X1)

	res, err := emu.Call(fn, Int(3), Int(5))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.X0 != 8 {
		t.Errorf("X0 = %d, want 8", res.X0)
	}
	if emu.Depth() != 0 {
		t.Errorf("Depth = %d after Call", emu.Depth())
	}
}

func TestCallStackArguments(t *testing.T) {
	emu := newEmulator(t)
	fn := place(t, emu, 0, loadStack)

	args := make([]Arg, 9)
	for i := range args {
		args[i] = Int(uint64(i + 1))
	}
	res, err := emu.Call(fn, args...)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.X0 != 9 {
		t.Errorf("first stack argument = %d, want 9", res.X0)
	}
}

func TestCallFloatArguments(t *testing.T) {
	emu := newEmulator(t)
	fn := place(t, emu, 0, faddD0D1)

	// Integer arguments do not consume SIMD registers.
	res, err := emu.Call(fn, Int(1), Float(math.Float64bits(1.5)), Int(2), Float(math.Float64bits(2.25)))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := math.Float64frombits(res.D0); got != 3.75 {
		t.Errorf("D0 = %v, want 3.75", got)
	}
}

func TestNestedCall(t *testing.T) {
	emu := newEmulator(t)
	inner := place(t, emu, 0x100, doubleX0)
	outer := place(t, emu, 0x200, RetInsn)

	emu.HookAddress(outer, func(e *Emulator) bool {
		x1 := e.X(1)
		res, err := e.Call(inner, Int(x1))
		if err != nil {
			t.Errorf("nested Call: %v", err)
		}
		if e.X(1) != x1 {
			t.Errorf("X1 = %d after nested call, want %d", e.X(1), x1)
		}
		if e.Depth() != 1 {
			t.Errorf("Depth = %d inside hook, want 1", e.Depth())
		}
		e.SetX(0, res.X0+1)
		e.Return()
		return false
	})

	res, err := emu.Call(outer, Int(0), Int(20))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.X0 != 41 {
		t.Errorf("X0 = %d, want 41", res.X0)
	}
}

func TestHookPanicSurfacesInCall(t *testing.T) {
	emu := newEmulator(t)
	fn := place(t, emu, 0, RetInsn)
	emu.HookAddress(fn, func(e *Emulator) bool {
		panic("boom")
	})

	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("recovered %v, want boom", r)
		}
		if emu.Depth() != 0 {
			t.Errorf("Depth = %d after panic", emu.Depth())
		}
	}()
	emu.Call(fn)
	t.Fatal("Call returned normally")
}
