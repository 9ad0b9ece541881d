// Package mutf8 implements the JVM's modified UTF-8 encoding.
//
// U+0000 is encoded in two bytes so encoded strings never contain a NUL,
// and every UTF-16 code unit (surrogates included) is encoded on its own
// in at most three bytes.
package mutf8

import "unicode/utf16"

// RuneLen returns the encoded length of one UTF-16 code unit.
func RuneLen(c uint16) int {
	switch {
	case c != 0 && c <= 0x7F:
		return 1
	case c <= 0x7FF:
		return 2
	default:
		return 3
	}
}

// Length returns the encoded length of s without the trailing NUL.
func Length(s []uint16) int {
	n := 0
	for _, c := range s {
		n += RuneLen(c)
	}
	return n
}

// Encode appends the modified UTF-8 encoding of s to dst.
func Encode(dst []byte, s []uint16) []byte {
	for _, c := range s {
		switch RuneLen(c) {
		case 1:
			dst = append(dst, byte(c))
		case 2:
			dst = append(dst, 0xC0|byte(c>>6), 0x80|byte(c&0x3F))
		default:
			dst = append(dst, 0xE0|byte(c>>12), 0x80|byte((c>>6)&0x3F), 0x80|byte(c&0x3F))
		}
	}
	return dst
}

// Decode converts modified UTF-8 (or plain UTF-8 from the BMP) to UTF-16
// code units. Decoding stops at the first NUL byte. Malformed sequences
// decode byte-for-byte as U+FFFD. Four-byte standard UTF-8 sequences for
// U+10000..U+10FFFF are accepted and produce a surrogate pair; overlong or
// out-of-range ones are malformed.
func Decode(b []byte) []uint16 {
	out := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c == 0:
			return out
		case c < 0x80:
			out = append(out, uint16(c))
			i++
		case c&0xE0 == 0xC0 && i+1 < len(b) && isCont(b[i+1]):
			out = append(out, uint16(c&0x1F)<<6|uint16(b[i+1]&0x3F))
			i += 2
		case c&0xF0 == 0xE0 && i+2 < len(b) && isCont(b[i+1]) && isCont(b[i+2]):
			out = append(out, uint16(c&0x0F)<<12|uint16(b[i+1]&0x3F)<<6|uint16(b[i+2]&0x3F))
			i += 3
		case c&0xF8 == 0xF0 && i+3 < len(b) && isCont(b[i+1]) && isCont(b[i+2]) && isCont(b[i+3]):
			r := rune(c&0x07)<<18 | rune(b[i+1]&0x3F)<<12 | rune(b[i+2]&0x3F)<<6 | rune(b[i+3]&0x3F)
			if r < 0x10000 || r > 0x10FFFF {
				out = append(out, 0xFFFD)
				i++
				continue
			}
			hi, lo := utf16.EncodeRune(r)
			out = append(out, uint16(hi), uint16(lo))
			i += 4
		default:
			out = append(out, 0xFFFD)
			i++
		}
	}
	return out
}

// DecodeString decodes b into a Go string via UTF-16.
func DecodeString(b []byte) string {
	return FromUTF16(Decode(b))
}

// EncodeString encodes a Go string.
func EncodeString(s string) []byte {
	return Encode(nil, ToUTF16(s))
}

// ToUTF16 converts a Go string to UTF-16 code units.
func ToUTF16(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// FromUTF16 converts UTF-16 code units to a Go string. Unpaired surrogates
// become U+FFFD.
func FromUTF16(s []uint16) string {
	return string(utf16.Decode(s))
}

func isCont(b byte) bool { return b&0xC0 == 0x80 }
