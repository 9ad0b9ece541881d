package jni

import (
	"encoding/binary"
	"fmt"

	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/mutf8"
	"github.com/zboralski/jnivm/internal/nativemem"
	"github.com/zboralski/jnivm/internal/refs"
)

func (e *Env) stringOf(h refs.Handle) (*managed.String, error) {
	switch o := e.Unwrap(h).(type) {
	case *managed.String:
		return o, nil
	case nil:
		return nil, managed.Throw(managed.NullPointerException, "string")
	default:
		return nil, managed.Throw(managed.ClassCastException, o.Class().Name+" is not a string")
	}
}

func (e *Env) outOfMemory(err error) {
	e.throw(managed.Throw(managed.OutOfMemoryError, err.Error()))
}

func encodeUTF16(chars []uint16) []byte {
	b := make([]byte, 2*len(chars))
	for i, c := range chars {
		binary.LittleEndian.PutUint16(b[2*i:], c)
	}
	return b
}

// DecodeUTF16 reads n UTF-16 code units from native memory.
func DecodeUTF16(a nativemem.Allocator, addr uint64, n int) ([]uint16, error) {
	if n == 0 {
		return nil, nil
	}
	b, err := a.Read(addr, 2*n)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return out, nil
}

// NewString creates a string from UTF-16 code units.
func (e *Env) NewString(chars []uint16) refs.Handle {
	return e.Wrap(managed.NewString(chars))
}

// NewStringUTF creates a string from modified UTF-8 bytes.
func (e *Env) NewStringUTF(b []byte) refs.Handle {
	return e.Wrap(managed.NewString(mutf8.Decode(b)))
}

// GetStringLength returns the number of UTF-16 code units.
func (e *Env) GetStringLength(str refs.Handle) int32 {
	s, err := e.stringOf(str)
	if err != nil {
		e.throw(err)
		return 0
	}
	return int32(s.Len())
}

// GetStringUTFLength returns the modified UTF-8 length without the
// terminator.
func (e *Env) GetStringUTFLength(str refs.Handle) int32 {
	s, err := e.stringOf(str)
	if err != nil {
		e.throw(err)
		return 0
	}
	return int32(mutf8.Length(s.Chars()))
}

// GetStringChars copies the code units into a native buffer. The copy is
// always a copy.
func (e *Env) GetStringChars(str refs.Handle) (uint64, bool) {
	s, err := e.stringOf(str)
	if err != nil {
		e.throw(err)
		return 0, false
	}
	addr, err := e.copyOut(encodeUTF16(s.Chars()))
	if err != nil {
		e.outOfMemory(err)
		return 0, false
	}
	e.chars[addr] = struct{}{}
	return addr, true
}

// ReleaseStringChars frees a buffer returned by GetStringChars.
func (e *Env) ReleaseStringChars(_ refs.Handle, addr uint64) {
	e.releaseChars(addr)
}

// GetStringUTFChars copies the string as NUL-terminated modified UTF-8.
func (e *Env) GetStringUTFChars(str refs.Handle) (uint64, bool) {
	s, err := e.stringOf(str)
	if err != nil {
		e.throw(err)
		return 0, false
	}
	addr, err := nativemem.WriteCString(e.vm.mem, mutf8.Encode(nil, s.Chars()))
	if err != nil {
		e.outOfMemory(err)
		return 0, false
	}
	e.chars[addr] = struct{}{}
	return addr, true
}

// ReleaseStringUTFChars frees a buffer returned by GetStringUTFChars.
func (e *Env) ReleaseStringUTFChars(_ refs.Handle, addr uint64) {
	e.releaseChars(addr)
}

// GetStringCritical behaves like GetStringChars. Strings are immutable
// and UTF-16 encoded, so a copy is as good as a pin.
func (e *Env) GetStringCritical(str refs.Handle) (uint64, bool) {
	return e.GetStringChars(str)
}

// ReleaseStringCritical frees a buffer returned by GetStringCritical.
func (e *Env) ReleaseStringCritical(_ refs.Handle, addr uint64) {
	e.releaseChars(addr)
}

func (e *Env) releaseChars(addr uint64) {
	if _, ok := e.chars[addr]; !ok {
		return
	}
	delete(e.chars, addr)
	e.vm.mem.Free(addr)
}

func (e *Env) copyOut(b []byte) (uint64, error) {
	addr, err := e.vm.mem.Alloc(len(b))
	if err != nil {
		return 0, err
	}
	if len(b) > 0 {
		if err := e.vm.mem.Write(addr, b); err != nil {
			e.vm.mem.Free(addr)
			return 0, err
		}
	}
	return addr, nil
}

func (e *Env) stringRange(str refs.Handle, start, n int32) (*managed.String, bool) {
	s, err := e.stringOf(str)
	if err != nil {
		e.throw(err)
		return nil, false
	}
	if start < 0 || n < 0 || int(start) > s.Len() || int(n) > s.Len()-int(start) {
		e.throw(managed.Throw(managed.StringIndexOutOfBoundsException,
			fmt.Sprintf("start %d, length %d, string length %d", start, n, s.Len())))
		return nil, false
	}
	return s, true
}

// GetStringRegion copies n code units starting at start into buf.
func (e *Env) GetStringRegion(str refs.Handle, start, n int32, buf uint64) {
	s, ok := e.stringRange(str, start, n)
	if !ok || n == 0 {
		return
	}
	if err := e.vm.mem.Write(buf, encodeUTF16(s.Chars()[start:start+n])); err != nil {
		e.throw(managed.Throw(managed.IllegalArgumentException, err.Error()))
	}
}

// GetStringUTFRegion encodes n code units starting at start into buf as
// modified UTF-8 followed by a NUL.
func (e *Env) GetStringUTFRegion(str refs.Handle, start, n int32, buf uint64) {
	s, ok := e.stringRange(str, start, n)
	if !ok {
		return
	}
	b := append(mutf8.Encode(nil, s.Chars()[start:start+n]), 0)
	if err := e.vm.mem.Write(buf, b); err != nil {
		e.throw(managed.Throw(managed.IllegalArgumentException, err.Error()))
	}
}
