package nativelib

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
)

// SymbolPrefix starts every exported JNI native method symbol.
const SymbolPrefix = "Java_"

// Mangle escapes a class name (dotted or slashed), method name or
// signature fragment for use in a JNI symbol.
func Mangle(s string) string {
	var b strings.Builder
	for _, u := range utf16.Encode([]rune(s)) {
		switch {
		case u == '.' || u == '/':
			b.WriteByte('_')
		case u == '_':
			b.WriteString("_1")
		case u == ';':
			b.WriteString("_2")
		case u == '[':
			b.WriteString("_3")
		case u < 0x80 && isAlnum(byte(u)):
			b.WriteByte(byte(u))
		default:
			fmt.Fprintf(&b, "_0%04x", u)
		}
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// ShortName returns Java_<class>_<method>.
func ShortName(class, method string) string {
	return SymbolPrefix + Mangle(class) + "_" + Mangle(method)
}

// LongName returns Java_<class>_<method>__<params> where params is the
// parameter part of the method descriptor sig.
func LongName(class, method, sig string) string {
	return ShortName(class, method) + "__" + Mangle(paramPart(sig))
}

func paramPart(sig string) string {
	if i := strings.IndexByte(sig, '('); i >= 0 {
		sig = sig[i+1:]
	}
	if i := strings.IndexByte(sig, ')'); i >= 0 {
		sig = sig[:i]
	}
	return sig
}

// Symbol is a decoded JNI native method symbol.
type Symbol struct {
	Class  string // dotted binary name
	Method string
	// Params is the parameter descriptor in parentheses for the long
	// form, "" for the short form.
	Params string
}

// Long reports whether the symbol carried a signature.
func (s Symbol) Long() bool { return s.Params != "" }

func (s Symbol) String() string {
	return s.Class + "." + s.Method + s.Params
}

// Unmangle decodes a Java_ symbol.
func Unmangle(symbol string) (Symbol, error) {
	body, ok := strings.CutPrefix(symbol, SymbolPrefix)
	if !ok {
		return Symbol{}, fmt.Errorf("nativelib: %q is not a JNI symbol", symbol)
	}
	var (
		parts  []string
		cur    []uint16
		params []uint16
		inSig  bool
	)
	flush := func() {
		parts = append(parts, string(utf16.Decode(cur)))
		cur = cur[:0]
	}
	emit := func(u uint16) {
		if inSig {
			params = append(params, u)
		} else {
			cur = append(cur, u)
		}
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '_' {
			emit(uint16(c))
			continue
		}
		if i+1 >= len(body) {
			return Symbol{}, fmt.Errorf("nativelib: %q: trailing underscore", symbol)
		}
		switch body[i+1] {
		case '0':
			if i+6 > len(body) {
				return Symbol{}, fmt.Errorf("nativelib: %q: short unicode escape", symbol)
			}
			v, err := strconv.ParseUint(body[i+2:i+6], 16, 16)
			if err != nil {
				return Symbol{}, fmt.Errorf("nativelib: %q: bad unicode escape: %w", symbol, err)
			}
			emit(uint16(v))
			i += 5
		case '1':
			emit('_')
			i++
		case '2':
			emit(';')
			i++
		case '3':
			emit('[')
			i++
		case '_':
			if inSig {
				return Symbol{}, fmt.Errorf("nativelib: %q: repeated signature marker", symbol)
			}
			flush()
			inSig = true
			i++
		default:
			if inSig {
				params = append(params, '/')
			} else {
				flush()
			}
		}
	}
	if !inSig {
		flush()
	}
	if len(parts) < 2 {
		return Symbol{}, fmt.Errorf("nativelib: %q: missing method name", symbol)
	}
	sym := Symbol{
		Class:  strings.Join(parts[:len(parts)-1], "."),
		Method: parts[len(parts)-1],
	}
	if inSig {
		sym.Params = "(" + string(utf16.Decode(params)) + ")"
	}
	return sym, nil
}
