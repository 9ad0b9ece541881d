// Package refs implements the reference tables behind JNI object handles:
// per-thread local frames and the process-wide global and weak tables.
package refs

import (
	"fmt"
	"math"
)

// Handle is the integer native code sees for a managed reference.
//
//	0                      null
//	> 0                    local:  gen<<32 | slot<<SlotShift | index
//	< 0, bit 30 clear      global: -(index+1)
//	< 0, bit 30 set        weak:   -((index+1) | 1<<30)
//
// The generation lets a local handle from a closed frame read as null
// instead of aliasing whatever the reused slot holds now.
type Handle int64

const (
	SlotShift = 10
	IndexMask = 1<<SlotShift - 1
	// MaxBucket is the largest bucket a single slot can address.
	MaxBucket = 1 << SlotShift

	weakBit  = 1 << 30
	genShift = 32
	slotMask = 1<<(genShift-SlotShift) - 1
	genMask  = 1<<31 - 1
	maxIndex = weakBit - 2
)

// RefType values returned by GetObjectRefType.
type RefType int32

const (
	Invalid RefType = iota
	Local
	Global
	Weak
)

func (t RefType) String() string {
	switch t {
	case Local:
		return "local"
	case Global:
		return "global"
	case Weak:
		return "weak"
	}
	return "invalid"
}

// Type classifies h from its bit pattern alone.
func (h Handle) Type() RefType {
	switch {
	case h == 0 || h == math.MinInt64:
		return Invalid
	case h > 0:
		return Local
	case (-h)&weakBit != 0:
		return Weak
	}
	return Global
}

func (h Handle) String() string {
	switch h.Type() {
	case Local:
		return fmt.Sprintf("local(%d:%d#%d)", h.slot(), h.index(), h.gen())
	case Global:
		return fmt.Sprintf("global(%d)", globalIndex(h))
	case Weak:
		return fmt.Sprintf("weak(%d)", weakIndex(h))
	}
	if h == 0 {
		return "null"
	}
	return fmt.Sprintf("invalid(%#x)", int64(h))
}

func makeLocal(gen uint32, slot, index int) Handle {
	return Handle(int64(gen&genMask)<<genShift | int64(slot)<<SlotShift | int64(index))
}

func (h Handle) slot() int   { return int(h>>SlotShift) & slotMask }
func (h Handle) index() int  { return int(h) & IndexMask }
func (h Handle) gen() uint32 { return uint32(h>>genShift) & genMask }

func makeGlobal(i int) Handle { return Handle(-(int64(i) + 1)) }
func makeWeak(i int) Handle   { return Handle(-((int64(i) + 1) | weakBit)) }

func globalIndex(h Handle) int { return int(-h) - 1 }
func weakIndex(h Handle) int   { return int((-h)&^weakBit) - 1 }

// ExhaustedError is panicked when a table can no longer hand out handles.
// It is not recoverable; the JNI boundary turns it into a fatal error.
type ExhaustedError struct {
	Table string
}

func (e *ExhaustedError) Error() string {
	return "refs: " + e.Table + " reference table exhausted"
}
