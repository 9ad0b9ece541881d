package stubs

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/zboralski/jnivm/internal/emulator"
)

// maxFormatString bounds strings read by %s.
const maxFormatString = 4096

// ArgReader yields successive printf arguments.
type ArgReader interface {
	// Int returns the next integer or pointer argument.
	Int() uint64
	// Float returns the next double argument as raw bits.
	Float() uint64
}

// RegArgs reads variadic arguments from registers starting at general
// register GP, then from the stack.
type RegArgs struct {
	emu *emulator.Emulator
	gp  int
	fp  int
	sp  uint64
}

// NewRegArgs reads variadic arguments whose first integer register is gp.
func NewRegArgs(emu *emulator.Emulator, gp int) *RegArgs {
	return &RegArgs{emu: emu, gp: gp, sp: emu.SP()}
}

func (a *RegArgs) Int() uint64 {
	if a.gp < 8 {
		v := a.emu.X(a.gp)
		a.gp++
		return v
	}
	return a.stack()
}

func (a *RegArgs) Float() uint64 {
	if a.fp < 8 {
		v := a.emu.D(a.fp)
		a.fp++
		return v
	}
	return a.stack()
}

func (a *RegArgs) stack() uint64 {
	v, _ := a.emu.MemReadU64(a.sp)
	a.sp += 8
	return v
}

// VaListArgs walks an AAPCS64 va_list.
type VaListArgs struct {
	emu    *emulator.Emulator
	stack  uint64
	grTop  uint64
	vrTop  uint64
	grOffs int64
	vrOffs int64
}

// NewVaListArgs reads the va_list structure at addr.
func NewVaListArgs(emu *emulator.Emulator, addr uint64) *VaListArgs {
	a := &VaListArgs{emu: emu}
	hdr, err := emu.MemRead(addr, 32)
	if err != nil {
		return a
	}
	le := binary.LittleEndian
	a.stack = le.Uint64(hdr[0:])
	a.grTop = le.Uint64(hdr[8:])
	a.vrTop = le.Uint64(hdr[16:])
	a.grOffs = int64(int32(le.Uint32(hdr[24:])))
	a.vrOffs = int64(int32(le.Uint32(hdr[28:])))
	return a
}

func (a *VaListArgs) Int() uint64 {
	if a.grOffs < 0 {
		v, _ := a.emu.MemReadU64(uint64(int64(a.grTop) + a.grOffs))
		a.grOffs += 8
		return v
	}
	return a.next()
}

func (a *VaListArgs) Float() uint64 {
	if a.vrOffs < 0 {
		v, _ := a.emu.MemReadU64(uint64(int64(a.vrTop) + a.vrOffs))
		a.vrOffs += 16
		return v
	}
	return a.next()
}

func (a *VaListArgs) next() uint64 {
	v, _ := a.emu.MemReadU64(a.stack)
	a.stack += 8
	return v
}

// Sprintf renders a C format string with arguments from args.
func Sprintf(emu *emulator.Emulator, format string, args ArgReader) string {
	var sb strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			sb.WriteByte('%')
			break
		}
		if format[i] == '%' {
			sb.WriteByte('%')
			continue
		}

		// %[flags][width][.precision][length]conversion
		spec := []byte{'%'}
		for ; i < len(format) && strings.IndexByte("-+ #0", format[i]) >= 0; i++ {
			spec = append(spec, format[i])
		}
		spec, i = appendCount(spec, format, i, args)
		if i < len(format) && format[i] == '.' {
			spec = append(spec, '.')
			spec, i = appendCount(spec, format, i+1, args)
		}
		size := 4
		for ; i < len(format) && strings.IndexByte("hlLqjzt", format[i]) >= 0; i++ {
			switch format[i] {
			case 'h':
				size /= 2
			default:
				size = 8
			}
		}
		if i >= len(format) {
			break
		}

		verb := format[i]
		switch verb {
		case 'd', 'i':
			sb.WriteString(fmt.Sprintf(string(append(spec, 'd')), signed(args.Int(), size)))
		case 'u':
			sb.WriteString(fmt.Sprintf(string(append(spec, 'd')), unsigned(args.Int(), size)))
		case 'x', 'X', 'o':
			sb.WriteString(fmt.Sprintf(string(append(spec, verb)), unsigned(args.Int(), size)))
		case 'c':
			sb.WriteString(fmt.Sprintf(string(append(spec, 'c')), rune(byte(args.Int()))))
		case 'p':
			sb.WriteString("0x" + strconv.FormatUint(args.Int(), 16))
		case 's':
			var s string
			if p := args.Int(); p == 0 {
				s = "(null)"
			} else {
				s, _ = emu.MemReadString(p, maxFormatString)
			}
			sb.WriteString(fmt.Sprintf(string(append(spec, 's')), s))
		case 'f', 'F', 'e', 'E', 'g', 'G':
			if verb == 'F' {
				verb = 'f'
			}
			v := math.Float64frombits(args.Float())
			sb.WriteString(fmt.Sprintf(string(append(spec, verb)), v))
		case 'n':
			args.Int()
		default:
			sb.WriteByte('%')
			sb.WriteByte(verb)
		}
	}
	return sb.String()
}

func appendCount(spec []byte, format string, i int, args ArgReader) ([]byte, int) {
	if i < len(format) && format[i] == '*' {
		return strconv.AppendInt(spec, int64(int32(args.Int())), 10), i + 1
	}
	for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
		spec = append(spec, format[i])
	}
	return spec, i
}

func signed(v uint64, size int) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	}
	return int64(v)
}

func unsigned(v uint64, size int) uint64 {
	switch size {
	case 1:
		return uint64(uint8(v))
	case 2:
		return uint64(uint16(v))
	case 4:
		return uint64(uint32(v))
	}
	return v
}
