package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/jni"
	"github.com/zboralski/jnivm/internal/managed"
	"github.com/zboralski/jnivm/internal/refs"
)

// maxCString bounds names, signatures and UTF strings read from native
// memory.
const maxCString = 1 << 20

// function handles one JNIEnv slot and returns the trace detail.
type function func(c *call) string

// call is the register view of one hooked JNI call.
type call struct {
	b   *Bridge
	emu *emulator.Emulator
	env *jni.Env
}

func (c *call) x(n int) uint64 { return c.emu.X(n) }

func (c *call) i32(n int) int32 { return int32(c.emu.X(n)) }

func (c *call) h(n int) refs.Handle { return refs.Handle(c.emu.X(n)) }

func (c *call) cstr(n int) string {
	p := c.emu.X(n)
	if p == 0 {
		return ""
	}
	s, _ := c.emu.MemReadString(p, maxCString)
	return s
}

func (c *call) ret(v uint64) { c.emu.SetX(0, v) }

func (c *call) retBool(v bool) {
	if v {
		c.ret(1)
		return
	}
	c.ret(0)
}

func (c *call) retHandle(h refs.Handle) string {
	c.ret(uint64(h))
	return "-> " + h.String()
}

func (c *call) retStatus(v int32) string {
	c.ret(uint64(int64(v)))
	return fmt.Sprintf("-> %d", v)
}

// retValue places v in X0 or, for float kinds, in V0.
func (c *call) retValue(v managed.Value) string {
	switch v.Kind() {
	case managed.Void:
		return ""
	case managed.Float, managed.Double:
		c.emu.SetD(0, v.Bits())
	default:
		c.ret(c.env.Box(v))
	}
	return "-> " + v.String()
}

// setIsCopy stores a jboolean result through an optional pointer.
func (c *call) setIsCopy(n int, isCopy bool) {
	if p := c.x(n); p != 0 {
		var v uint8
		if isCopy {
			v = 1
		}
		c.emu.MemWriteU8(p, v)
	}
}

// valueArg reads a non-variadic value argument of kind k. Float kinds
// arrive in V0; everything else in general register n.
func (c *call) valueArg(k managed.Kind, n int) managed.Value {
	if k.IsFloat() {
		return c.env.ValueFromBits(k, c.emu.D(0))
	}
	return c.env.ValueFromBits(k, c.x(n))
}

// args decodes the trailing arguments of a Call or NewObject entry whose
// first variable argument would sit in general register gp.
func (c *call) args(form jni.ArgForm, gp int, params []managed.Type) []managed.Value {
	switch form {
	case jni.VaList:
		return c.env.ArgsFromVarargs(params, c.vaList(c.x(gp), params))
	case jni.JValues:
		return c.env.ArgsFromJValues(params, c.jvalues(c.x(gp), len(params)))
	}
	return c.env.ArgsFromVarargs(params, c.variadic(gp, params))
}

// variadic reads AAPCS64 variadic arguments: integers in X registers from
// gp, floating point in V registers from 0, the rest on the stack.
func (c *call) variadic(gp int, params []managed.Type) []uint64 {
	raw := make([]uint64, len(params))
	fp := 0
	sp := c.emu.SP()
	for i, p := range params {
		switch {
		case p.Kind.IsFloat() && fp < 8:
			raw[i] = c.emu.D(fp)
			fp++
		case !p.Kind.IsFloat() && gp < 8:
			raw[i] = c.emu.X(gp)
			gp++
		default:
			raw[i], _ = c.emu.MemReadU64(sp)
			sp += 8
		}
	}
	return raw
}

// vaList walks an AAPCS64 va_list:
//
//	struct { void *stack; void *gr_top; void *vr_top; int gr_offs; int vr_offs; }
func (c *call) vaList(addr uint64, params []managed.Type) []uint64 {
	raw := make([]uint64, len(params))
	hdr, err := c.emu.MemRead(addr, 32)
	if err != nil {
		return raw
	}
	le := binary.LittleEndian
	stack := le.Uint64(hdr[0:])
	grTop := le.Uint64(hdr[8:])
	vrTop := le.Uint64(hdr[16:])
	grOffs := int64(int32(le.Uint32(hdr[24:])))
	vrOffs := int64(int32(le.Uint32(hdr[28:])))
	for i, p := range params {
		var at uint64
		switch {
		case p.Kind.IsFloat() && vrOffs < 0:
			at = uint64(int64(vrTop) + vrOffs)
			vrOffs += 16
		case !p.Kind.IsFloat() && grOffs < 0:
			at = uint64(int64(grTop) + grOffs)
			grOffs += 8
		default:
			at = stack
			stack += 8
		}
		raw[i], _ = c.emu.MemReadU64(at)
	}
	return raw
}

// jvalues reads n 8-byte jvalue slots.
func (c *call) jvalues(addr uint64, n int) []uint64 {
	raw := make([]uint64, n)
	for i := range raw {
		raw[i], _ = c.emu.MemReadU64(addr + uint64(i*8))
	}
	return raw
}
